// Package mcpconfig builds the agent's settings and MCP-config documents,
// deploying the bridge proxy binary into a user's workspace for any remote
// MCP server declared on the request.
package mcpconfig

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/vpaturel/claude-wrapper-secure/internal/credentials"
	"github.com/vpaturel/claude-wrapper-secure/internal/errs"
	"github.com/vpaturel/claude-wrapper-secure/internal/policy"
)

// proxyExecutableName is the name the bridge proxy is copied into a
// workspace under.
const proxyExecutableName = "mcp-bridge-proxy"

// proxyMode is the mode the copied proxy executable must have.
const proxyMode = 0o700

// DefaultProtocolVersion is the MCP protocol version advertised by the
// bridge proxy unless a spec overrides it.
const DefaultProtocolVersion = "2024-11-05"

// Transport names one of the two remote MCP transports the bridge proxy
// speaks downstream.
type Transport string

const (
	TransportSSE             Transport = "sse"
	TransportStreamableHTTP  Transport = "streamableHttp"
)

// ServerSpec describes one MCP server the agent should be able to reach.
// Exactly one of Command or URL must be set.
type ServerSpec struct {
	// Local shape.
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// Remote shape.
	URL             string    `json:"url,omitempty"`
	Transport       Transport `json:"transport,omitempty"`
	Path            string    `json:"path,omitempty"`
	BearerToken     string    `json:"-"` // never marshalled; carried only in per-process argv
	ProtocolVersion string    `json:"protocolVersion,omitempty"`
}

// validate enforces the §3 MCPServerSpec invariant.
func (s ServerSpec) validate(name string) error {
	hasCommand := s.Command != ""
	hasURL := s.URL != ""
	if hasCommand == hasURL {
		return &errs.ConfigurationError{Detail: fmt.Sprintf("mcp server %q must set exactly one of command or url", name)}
	}
	if hasURL {
		switch s.Transport {
		case TransportSSE, TransportStreamableHTTP:
		default:
			return &errs.ConfigurationError{Detail: fmt.Sprintf("mcp server %q has url but no valid transport", name)}
		}
	}
	return nil
}

// mcpServerEntry is one server's entry inside the emitted mcp-config blob.
type mcpServerEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Settings is the blob emitted to the agent carrying credentials and
// (optionally) the tool-permission policy.
type Settings struct {
	Credentials credentials.Bundle `json:"credentials"`
	Permissions *policy.Document   `json:"permissions,omitempty"`
}

// Builder composes settings and MCP-config documents per request.
type Builder struct {
	// proxySourcePath is the path to this module's own compiled bridge
	// proxy binary, copied into each workspace that needs it.
	proxySourcePath string
}

// New builds a Builder. proxySourcePath should point at the
// mcp-bridge-proxy binary installed alongside the gateway; if empty, New
// resolves it relative to the currently running executable.
func New(proxySourcePath string) (*Builder, error) {
	if proxySourcePath == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving own executable to locate bridge proxy: %w", err)
		}
		proxySourcePath = filepath.Join(filepath.Dir(exe), proxyExecutableName)
	}
	return &Builder{proxySourcePath: proxySourcePath}, nil
}

// Build validates specs, deploys the bridge proxy into workspace for any
// remote server, and returns the settings and mcp-config JSON blobs. specs
// may be empty, in which case the mcp-config blob has no servers and
// Settings.Permissions carries the policy on its own.
func (b *Builder) Build(workspace string, creds credentials.Bundle, pol *policy.Document, specs map[string]ServerSpec) (settingsJSON, mcpConfigJSON []byte, hasRemote bool, err error) {
	for name, spec := range specs {
		if verr := spec.validate(name); verr != nil {
			return nil, nil, false, verr
		}
	}

	servers := make(map[string]mcpServerEntry, len(specs))
	for name, spec := range specs {
		if spec.Command != "" {
			servers[name] = mcpServerEntry{Command: spec.Command, Args: spec.Args, Env: spec.Env}
			continue
		}

		hasRemote = true
		proxyPath, derr := b.deployProxy(workspace)
		if derr != nil {
			return nil, nil, false, derr
		}

		args := []string{}
		switch spec.Transport {
		case TransportSSE:
			args = append(args, "--sse", spec.URL)
		case TransportStreamableHTTP:
			args = append(args, "--streamableHttp", spec.URL)
			if spec.Path != "" {
				args = append(args, "--streamableHttpPath", spec.Path)
			}
		}
		if spec.BearerToken != "" {
			args = append(args, "--oauth2Bearer", spec.BearerToken)
		}
		protocolVersion := spec.ProtocolVersion
		if protocolVersion == "" {
			protocolVersion = DefaultProtocolVersion
		}
		args = append(args, "--protocolVersion", protocolVersion, "--logLevel", "info")

		servers[name] = mcpServerEntry{Command: proxyPath, Args: args}
	}

	settings := Settings{Credentials: creds, Permissions: pol}
	settingsJSON, err = json.Marshal(settings)
	if err != nil {
		return nil, nil, false, fmt.Errorf("encoding settings document: %w", err)
	}

	mcpConfigJSON, err = marshalMCPConfig(servers)
	if err != nil {
		return nil, nil, false, fmt.Errorf("encoding mcp-config document: %w", err)
	}

	return settingsJSON, mcpConfigJSON, hasRemote, nil
}

// marshalMCPConfig produces canonical JSON: server names sorted, so that
// emitting the same spec map twice yields byte-identical output.
func marshalMCPConfig(servers map[string]mcpServerEntry) ([]byte, error) {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	buf := []byte(`{"mcpServers":{`)
	for i, name := range names {
		if i > 0 {
			buf = append(buf, ',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(servers[name])
		if err != nil {
			return nil, err
		}
		buf = append(buf, key...)
		buf = append(buf, ':')
		buf = append(buf, val...)
	}
	buf = append(buf, '}', '}')
	return buf, nil
}

// deployProxy copies the bridge proxy binary into workspace (mode 0o700),
// returning its path. If a copy already exists it is left in place.
func (b *Builder) deployProxy(workspace string) (string, error) {
	dest := filepath.Join(workspace, proxyExecutableName)

	if info, err := os.Stat(dest); err == nil && !info.IsDir() {
		return dest, nil
	}

	src, err := os.Open(b.proxySourcePath)
	if err != nil {
		return "", fmt.Errorf("opening bridge proxy source %q: %w", b.proxySourcePath, err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, proxyMode)
	if err != nil {
		return "", fmt.Errorf("creating bridge proxy copy: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", fmt.Errorf("copying bridge proxy binary: %w", err)
	}
	if err := out.Chmod(proxyMode); err != nil {
		return "", fmt.Errorf("setting bridge proxy mode: %w", err)
	}

	return dest, nil
}
