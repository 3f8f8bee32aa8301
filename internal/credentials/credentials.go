// Package credentials materialises a user's upstream OAuth bundle onto disk
// in the exact shape the agent CLI expects, under strict permissions, and
// destroys it by zeroing the file before unlinking.
package credentials

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vpaturel/claude-wrapper-secure/internal/errs"
	"github.com/vpaturel/claude-wrapper-secure/internal/obslog"
)

// dirMode is the mode the credentials directory must have.
const dirMode = 0o700

// fileMode is the mode the credentials file must have.
const fileMode = 0o600

// Bundle is the caller-supplied upstream OAuth material. AccessToken must be
// non-empty; the bundle is never logged in full by any code in this package.
type Bundle struct {
	AccessToken      string   `json:"access_token"`
	RefreshToken     string   `json:"refresh_token"`
	ExpiresAt        int64    `json:"expires_at"`
	Scopes           []string `json:"scopes"`
	SubscriptionType string   `json:"subscription_type"`
}

// document mirrors the agent's on-disk schema: a single recognised
// top-level key wrapping the camelCase credential fields.
type document struct {
	ClaudeAIOAuth oauthFields `json:"claudeAiOauth"`
}

type oauthFields struct {
	AccessToken      string   `json:"accessToken"`
	RefreshToken     string   `json:"refreshToken"`
	ExpiresAt        int64    `json:"expiresAt"`
	Scopes           []string `json:"scopes"`
	SubscriptionType string   `json:"subscriptionType"`
}

// Materialiser writes and destroys per-user credential files.
type Materialiser struct {
	log *obslog.Logger
}

// New builds a Materialiser. log may be nil, in which case obslog.Default()
// is used.
func New(log *obslog.Logger) *Materialiser {
	if log == nil {
		log = obslog.Default()
	}
	return &Materialiser{log: log.Component("credentials")}
}

// Write creates credsDir (mode 0o700) if absent, and writes the
// credentials document inside it at ".credentials.json" (mode 0o600). After
// writing it re-stats the file and fails closed with a SecurityFailure if
// any group/world bit is set, removing the parent directory in that case.
func (m *Materialiser) Write(b Bundle, credsDir string) (string, error) {
	if b.AccessToken == "" {
		return "", &errs.ConfigurationError{Detail: "credential bundle has an empty access token"}
	}

	if err := os.MkdirAll(credsDir, dirMode); err != nil {
		return "", fmt.Errorf("creating credentials directory: %w", err)
	}

	doc := document{ClaudeAIOAuth: oauthFields{
		AccessToken:      b.AccessToken,
		RefreshToken:     b.RefreshToken,
		ExpiresAt:        b.ExpiresAt,
		Scopes:           b.Scopes,
		SubscriptionType: b.SubscriptionType,
	}}

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding credentials document: %w", err)
	}

	path := filepath.Join(credsDir, ".credentials.json")
	if err := os.WriteFile(path, data, fileMode); err != nil {
		return "", fmt.Errorf("writing credentials file: %w", err)
	}

	if err := verifyFileMode(path); err != nil {
		if rmErr := os.RemoveAll(credsDir); rmErr != nil {
			m.log.Error("failed to remove credentials directory after permission violation",
				obslog.ErrorField(rmErr))
		}
		return "", err
	}

	return path, nil
}

// verifyFileMode re-stats path and fails closed with a SecurityFailure if
// any group/world permission bit is set.
func verifyFileMode(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat credentials file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return &errs.SecurityFailure{
			Op:     "write credentials",
			Detail: fmt.Sprintf("credentials file has unsafe mode %v", info.Mode().Perm()),
		}
	}
	return nil
}

// SessionExists implements the documented heuristic for "a session is
// considered existing": it globs every regular file directly under
// credsDir and reports whether any of their contents contains sessionID as
// a substring. This is a heuristic, not a probe of the agent itself — the
// spec permits either and asks only that the choice be documented, which it
// is here and in DESIGN.md.
func SessionExists(credsDir, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	entries, err := os.ReadDir(credsDir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(credsDir, entry.Name()))
		if err != nil {
			continue
		}
		if bytes.Contains(data, []byte(sessionID)) {
			return true
		}
	}
	return false
}

// Destroy overwrites the credentials file at path with zero bytes of its
// exact length, then removes its parent directory tree. Errors are logged
// but never returned: destruction is best-effort, matching the design note
// that correctness never depends on cleanup succeeding.
func (m *Materialiser) Destroy(path string) {
	if path == "" {
		return
	}

	if info, err := os.Stat(path); err == nil {
		zeros := make([]byte, info.Size())
		if err := os.WriteFile(path, zeros, fileMode); err != nil {
			m.log.Warn("failed to zero credentials file before removal", obslog.ErrorField(err))
		}
	} else if !os.IsNotExist(err) {
		m.log.Warn("failed to stat credentials file during destroy", obslog.ErrorField(err))
	}

	dir := filepath.Dir(path)
	if err := os.RemoveAll(dir); err != nil {
		m.log.Warn("failed to remove credentials directory", obslog.ErrorField(err))
	}
}
