// Package policy produces the agent's tool-permission policy document for
// each of the three security tiers, grounded on the original wrapper's
// paranoid/balanced/developer settings.
package policy

import "fmt"

// DefaultMode is the agent's fallback disposition for any tool call not
// explicitly allowed or denied.
type DefaultMode string

const (
	ModeDeny        DefaultMode = "deny"
	ModeAsk         DefaultMode = "ask"
	ModeAcceptEdits DefaultMode = "acceptEdits"
)

// Tier names one of the three security levels.
type Tier string

const (
	TierStrict     Tier = "strict"
	TierStandard   Tier = "standard"
	TierPermissive Tier = "permissive"
)

// Document is the declarative policy handed to the agent inside the
// settings document (§6). Built fresh per request; never persisted.
type Document struct {
	DefaultMode  DefaultMode `json:"defaultMode"`
	AllowedTools []string    `json:"allowedTools"`
	Deny         []string    `json:"deny"`
}

// shellWhitelist is the short list of shell subcommands allowed across all
// three tiers: version control, package managers, interpreters.
var shellWhitelist = []string{
	"Bash(git:*)",
	"Bash(npm:*)",
	"Bash(yarn:*)",
	"Bash(pnpm:*)",
	"Bash(pip:*)",
	"Bash(python3:*)",
	"Bash(node:*)",
	"Bash(go:*)",
}

// Generate produces the policy document for tier, scoped to workspace
// (the caller's own workspace path) within workspacesRoot (the shared
// parent of every user's workspace).
func Generate(tier Tier, workspace, workspacesRoot string) (Document, error) {
	switch tier {
	case TierStrict:
		return strictDocument(workspace, workspacesRoot), nil
	case TierStandard:
		return standardDocument(workspace, workspacesRoot), nil
	case TierPermissive:
		return permissiveDocument(), nil
	default:
		return Document{}, fmt.Errorf("unknown policy tier %q", tier)
	}
}

func strictDocument(workspace, workspacesRoot string) Document {
	allowed := append([]string{
		"Read(*)",
		fmt.Sprintf("Write(%s/*)", workspace),
		fmt.Sprintf("Edit(%s/*)", workspace),
		fmt.Sprintf("Read(%s/*)", workspacesRoot), // self-but-not-others: carved back below
	}, shellWhitelist...)

	deny := []string{
		"Read(/tmp/*)",
		"Write(/tmp/*)",
		"Read(/proc/*)!(/proc/self/*)",
		fmt.Sprintf("Read(%s/*)!(%s/*)", workspacesRoot, workspace),
		fmt.Sprintf("Write(%s/*)!(%s/*)", workspacesRoot, workspace),
		"Bash(ps:*)",
		"Bash(top:*)",
		"Bash(sudo:*)",
		"Bash(su:*)",
		"Bash(rm:/)*",
		fmt.Sprintf("Bash(ln:*:%s/*)", workspacesRoot),
	}

	return Document{
		DefaultMode:  ModeDeny,
		AllowedTools: allowed,
		Deny:         deny,
	}
}

func standardDocument(workspace, workspacesRoot string) Document {
	strict := strictDocument(workspace, workspacesRoot)

	allowed := append(append([]string{}, strict.AllowedTools...),
		"Bash(ps)",
		"Read(/proc/self/*)",
	)

	deny := []string{
		fmt.Sprintf("Read(%s/*)!(%s/*)", workspacesRoot, workspace),
		fmt.Sprintf("Write(%s/*)!(%s/*)", workspacesRoot, workspace),
		"Read(/tmp/*)",
		"Bash(sudo:*)",
		"Bash(su:*)",
		"Bash(rm:/)*",
	}

	return Document{
		DefaultMode:  ModeAsk,
		AllowedTools: allowed,
		Deny:         deny,
	}
}

func permissiveDocument() Document {
	return Document{
		DefaultMode: ModeAcceptEdits,
		AllowedTools: []string{
			"Read(*)",
			"Write(*)",
			"Edit(*)",
			"Bash(*)",
		},
		Deny: []string{
			"Bash(sudo:*)",
			"Bash(su:*)",
			"Bash(rm:/)*",
			"Write(/etc/*)",
			"Write(/usr/*)",
			"Write(/boot/*)",
		},
	}
}
