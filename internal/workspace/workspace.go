// Package workspace creates and validates the per-user isolated directory
// trees the gateway runs the agent inside. The containment check is
// grounded on the same "resolve symlinks, then prefix-with-separator
// compare" discipline the donor codebase uses for in-workspace file access,
// applied here one level up: to the selection of the per-user root itself.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vpaturel/claude-wrapper-secure/internal/errs"
	"github.com/vpaturel/claude-wrapper-secure/internal/identity"
)

// rootMode is the mode the workspaces root itself is created with.
const rootMode = 0o755

// userMode is the mode every per-user workspace directory must have.
const userMode = 0o700

// Manager creates, validates and destroys per-user workspace directories
// under a single root.
type Manager struct {
	root string
}

// New creates the workspaces root (mode 0o755) if it does not already exist
// and returns a Manager scoped to it.
func New(root string) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspaces root: %w", err)
	}
	if err := os.MkdirAll(absRoot, rootMode); err != nil {
		return nil, fmt.Errorf("creating workspaces root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}
	return &Manager{root: absRoot}, nil
}

// Root returns the workspaces root path.
func (m *Manager) Root() string { return m.root }

// Ensure creates (if absent) and validates the per-user workspace directory
// for user, returning its path. Fails with a SecurityFailure if user
// contains a path separator or "..", or if the directory's permission bits
// are found to include group/world access.
func (m *Manager) Ensure(user string) (string, error) {
	if !identity.Valid(user) {
		return "", &errs.SecurityFailure{Op: "ensure workspace", Detail: fmt.Sprintf("invalid user identity %q", user)}
	}

	path := filepath.Join(m.root, user)

	if err := os.MkdirAll(path, userMode); err != nil {
		return "", fmt.Errorf("creating workspace for %s: %w", user, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat workspace for %s: %w", user, err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", &errs.SecurityFailure{
			Op:     "ensure workspace",
			Detail: fmt.Sprintf("workspace for %s has unsafe mode %v", identity.Mask(user), info.Mode().Perm()),
		}
	}

	return path, nil
}

// Get returns the path for user's workspace without creating or validating
// it. Callers that need the directory to exist should use Ensure.
func (m *Manager) Get(user string) (string, error) {
	if !identity.Valid(user) {
		return "", &errs.SecurityFailure{Op: "get workspace", Detail: fmt.Sprintf("invalid user identity %q", user)}
	}
	return filepath.Join(m.root, user), nil
}

// Destroy recursively removes user's workspace tree. confirm must be true;
// this is a deliberate speed bump against an accidental wholesale delete.
func (m *Manager) Destroy(user string, confirm bool) error {
	if !confirm {
		return errors.New("workspace destruction requires explicit confirmation")
	}
	path, err := m.Get(user)
	if err != nil {
		return err
	}
	if !isWithin(path, m.root) {
		return &errs.SecurityFailure{Op: "destroy workspace", Detail: "resolved path escaped workspaces root"}
	}
	return os.RemoveAll(path)
}

// isWithin reports whether path is root itself or a descendant of it,
// guarding against the classic bug where a plain HasPrefix(root) would
// treat "/workspaces-evil" as being inside "/workspaces".
func isWithin(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}
