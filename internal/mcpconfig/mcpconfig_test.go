package mcpconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/vpaturel/claude-wrapper-secure/internal/credentials"
)

func writeFakeProxy(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-proxy")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho proxy\n"), 0o755); err != nil {
		t.Fatalf("writing fake proxy: %v", err)
	}
	return path
}

func TestBuildLocalServerEmitsVerbatim(t *testing.T) {
	dir := t.TempDir()
	b, err := New(writeFakeProxy(t, dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ws := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(ws, 0o700); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}

	specs := map[string]ServerSpec{
		"fs": {Command: "mcp-server-fs", Args: []string{"--root", "/tmp"}},
	}

	_, mcpJSON, hasRemote, err := b.Build(ws, credentials.Bundle{AccessToken: "t"}, nil, specs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if hasRemote {
		t.Fatal("expected hasRemote = false for a purely local spec map")
	}

	var decoded struct {
		McpServers map[string]struct {
			Command string   `json:"command"`
			Args    []string `json:"args"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(mcpJSON, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.McpServers["fs"].Command != "mcp-server-fs" {
		t.Fatalf("unexpected command: %+v", decoded.McpServers["fs"])
	}
}

func TestBuildRemoteServerDeploysProxy(t *testing.T) {
	dir := t.TempDir()
	b, err := New(writeFakeProxy(t, dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ws := filepath.Join(dir, "workspace")
	if err := os.MkdirAll(ws, 0o700); err != nil {
		t.Fatalf("mkdir workspace: %v", err)
	}

	specs := map[string]ServerSpec{
		"n8n": {URL: "https://h/", Transport: TransportStreamableHTTP},
	}

	_, _, hasRemote, err := b.Build(ws, credentials.Bundle{AccessToken: "t"}, nil, specs)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !hasRemote {
		t.Fatal("expected hasRemote = true")
	}

	proxyPath := filepath.Join(ws, proxyExecutableName)
	info, err := os.Stat(proxyPath)
	if err != nil {
		t.Fatalf("expected proxy to be deployed: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("expected proxy mode 0700, got %v", info.Mode().Perm())
	}
}

func TestBuildRejectsBothCommandAndURL(t *testing.T) {
	dir := t.TempDir()
	b, err := New(writeFakeProxy(t, dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	specs := map[string]ServerSpec{
		"bad": {Command: "x", URL: "https://h/"},
	}
	if _, _, _, err := b.Build(dir, credentials.Bundle{AccessToken: "t"}, nil, specs); err == nil {
		t.Fatal("expected a ConfigurationError")
	}
}

func TestBuildIsDeterministicAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	b, err := New(writeFakeProxy(t, dir))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ws := filepath.Join(dir, "workspace")
	os.MkdirAll(ws, 0o700)

	specs := map[string]ServerSpec{
		"b": {Command: "cmd-b"},
		"a": {Command: "cmd-a"},
	}

	_, j1, _, err := b.Build(ws, credentials.Bundle{AccessToken: "t"}, nil, specs)
	if err != nil {
		t.Fatalf("Build 1: %v", err)
	}
	_, j2, _, err := b.Build(ws, credentials.Bundle{AccessToken: "t"}, nil, specs)
	if err != nil {
		t.Fatalf("Build 2: %v", err)
	}
	if string(j1) != string(j2) {
		t.Fatalf("expected identical JSON across calls:\n%s\n%s", j1, j2)
	}
}
