package dispatcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vpaturel/claude-wrapper-secure/internal/agentcli"
	"github.com/vpaturel/claude-wrapper-secure/internal/credentials"
	"github.com/vpaturel/claude-wrapper-secure/internal/gwconfig"
	"github.com/vpaturel/claude-wrapper-secure/internal/mcpconfig"
	"github.com/vpaturel/claude-wrapper-secure/internal/obslog"
	"github.com/vpaturel/claude-wrapper-secure/internal/pool"
	"github.com/vpaturel/claude-wrapper-secure/internal/workspace"
)

// writeFakeAgent writes a tiny shell script standing in for the real agent
// CLI and returns its path.
func writeFakeAgent(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	script := "#!/bin/sh\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestDispatcher(t *testing.T, agentBinary string, p *pool.Pool) *Dispatcher {
	t.Helper()

	ws, err := workspace.New(filepath.Join(t.TempDir(), "workspaces"))
	require.NoError(t, err)

	creds := credentials.New(obslog.Default())

	mcpBuilder, err := mcpconfig.New("/nonexistent-proxy-not-used-without-remote-servers")
	require.NoError(t, err)

	cfg := &gwconfig.Config{
		WorkspacesRoot:    ws.Root(),
		AgentBinary:       agentBinary,
		DefaultTier:       "standard",
		SingleShotTimeout: 5 * time.Second,
		Pool:              gwconfig.PoolConfig{MaxIdleTime: time.Minute, CleanupInterval: time.Minute},
	}

	if p == nil {
		p = pool.New(pool.Config{MaxIdleTime: time.Minute, CleanupInterval: time.Minute}, nil, obslog.Default())
	}

	return New(cfg, ws, creds, mcpBuilder, p, obslog.Default())
}

func testRequest() Request {
	return Request{
		Credentials: credentials.Bundle{AccessToken: "test-access-token"},
		Messages:    []agentcli.Message{{Role: "user", Content: "hello"}},
		SessionID:   "sess-1",
	}
}

func TestCreateMessageReturnsEnvelope(t *testing.T) {
	agent := writeFakeAgent(t, `echo '{"type":"message","content":[{"type":"text","text":"hi"}]}'`)
	d := newTestDispatcher(t, agent, nil)

	env, err := d.CreateMessage(context.Background(), testRequest())
	require.NoError(t, err)
	require.Equal(t, "message", env.Type)
}

func TestCreateMessageStreamingEndsOnResultEvent(t *testing.T) {
	agent := writeFakeAgent(t, `read _line; echo '{"type":"result","ok":true}'`)
	d := newTestDispatcher(t, agent, nil)

	var events []pool.Event
	err := d.CreateMessageStreaming(context.Background(), testRequest(), func(ev pool.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "result", events[0].Type)
}

func TestCreateMessagePooledKeepsEntryAfterCompletion(t *testing.T) {
	agent := writeFakeAgent(t, `
while read -r _line; do
  echo '{"type":"result","ok":true}'
done
`)
	p := pool.New(pool.Config{MaxIdleTime: time.Minute, CleanupInterval: time.Minute}, nil, obslog.Default())
	d := newTestDispatcher(t, agent, p)

	var events []pool.Event
	err := d.CreateMessagePooled(context.Background(), testRequest(), func(ev pool.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, 1, p.Size(), "pooled subprocess must survive a completed request")
}

func TestPrepareRejectsEmptyAccessToken(t *testing.T) {
	d := newTestDispatcher(t, "/bin/true", nil)

	req := testRequest()
	req.Credentials.AccessToken = ""

	_, err := d.CreateMessage(context.Background(), req)
	require.Error(t, err)
}
