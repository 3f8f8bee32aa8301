package policy

import (
	"strings"
	"testing"
)

func TestGenerateUnknownTier(t *testing.T) {
	if _, err := Generate("bogus", "/ws/a", "/ws"); err == nil {
		t.Fatal("expected an error for an unknown tier")
	}
}

func TestStrictDefaultModeIsDeny(t *testing.T) {
	doc, err := Generate(TierStrict, "/ws/a", "/ws")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if doc.DefaultMode != ModeDeny {
		t.Fatalf("expected deny, got %q", doc.DefaultMode)
	}
}

func TestStrictDeniesCrossWorkspaceAccess(t *testing.T) {
	doc, err := Generate(TierStrict, "/ws/a", "/ws")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	found := false
	for _, d := range doc.Deny {
		if strings.Contains(d, "/ws/*") && strings.Contains(d, "!(/ws/a/*)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a deny rule excluding only the caller's own workspace, got %v", doc.Deny)
	}
}

func TestStrictDeniesSymlinkCreationInWorkspacesRoot(t *testing.T) {
	doc, err := Generate(TierStrict, "/ws/a", "/ws")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	found := false
	for _, d := range doc.Deny {
		if strings.Contains(d, "Bash(ln:") && strings.Contains(d, "/ws/*") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a deny rule blocking symlink creation under the workspaces root, got %v", doc.Deny)
	}
}

func TestPermissiveStillDeniesPrivilegeEscalation(t *testing.T) {
	doc, err := Generate(TierPermissive, "/ws/a", "/ws")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if doc.DefaultMode != ModeAcceptEdits {
		t.Fatalf("expected acceptEdits, got %q", doc.DefaultMode)
	}
	hasSudo := false
	for _, d := range doc.Deny {
		if strings.Contains(d, "sudo") {
			hasSudo = true
		}
	}
	if !hasSudo {
		t.Fatal("permissive tier must still deny privilege escalation")
	}
}

func TestStandardIsSubsetOfStrictDenyList(t *testing.T) {
	strict, _ := Generate(TierStrict, "/ws/a", "/ws")
	standard, _ := Generate(TierStandard, "/ws/a", "/ws")

	strictSet := map[string]bool{}
	for _, d := range strict.Deny {
		strictSet[d] = true
	}
	for _, d := range standard.Deny {
		if !strictSet[d] {
			t.Errorf("standard deny rule %q is not present in strict's deny list", d)
		}
	}
}
