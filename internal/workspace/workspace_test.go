package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vpaturel/claude-wrapper-secure/internal/identity"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "workspaces-root-*")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	mgr, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mgr, dir
}

func TestEnsureCreatesUserModeDirectory(t *testing.T) {
	mgr, _ := newTestManager(t)
	user := identity.Of("token-a")

	path, err := mgr.Ensure(user)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o700 {
		t.Fatalf("expected mode 0700, got %v", info.Mode().Perm())
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	user := identity.Of("token-b")

	p1, err := mgr.Ensure(user)
	if err != nil {
		t.Fatalf("first Ensure: %v", err)
	}
	p2, err := mgr.Ensure(user)
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if p1 != p2 {
		t.Fatalf("paths differ across calls: %q != %q", p1, p2)
	}
}

func TestEnsureRejectsBadIdentity(t *testing.T) {
	mgr, _ := newTestManager(t)
	for _, bad := range []string{"../escape", "a/b", ""} {
		if _, err := mgr.Ensure(bad); err == nil {
			t.Errorf("Ensure(%q) succeeded, want SecurityFailure", bad)
		}
	}
}

func TestDestroyRequiresConfirmation(t *testing.T) {
	mgr, _ := newTestManager(t)
	user := identity.Of("token-c")
	path, err := mgr.Ensure(user)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := mgr.Destroy(user, false); err == nil {
		t.Fatal("Destroy without confirmation succeeded")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("workspace should still exist: %v", err)
	}

	if err := mgr.Destroy(user, true); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("workspace should be gone, stat err = %v", err)
	}
}

func TestTwoUsersNeverShareAPath(t *testing.T) {
	mgr, _ := newTestManager(t)
	pa, err := mgr.Ensure(identity.Of("token-x"))
	if err != nil {
		t.Fatalf("Ensure x: %v", err)
	}
	pb, err := mgr.Ensure(identity.Of("token-y"))
	if err != nil {
		t.Fatalf("Ensure y: %v", err)
	}
	if pa == pb {
		t.Fatalf("distinct users shared a workspace path: %q", pa)
	}
	if filepath.Dir(pa) != filepath.Dir(pb) {
		t.Fatalf("expected both under the same root")
	}
}
