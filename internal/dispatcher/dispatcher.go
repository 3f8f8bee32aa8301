// Package dispatcher implements the three front-facing entry points that
// share identity derivation, workspace setup, credential materialisation,
// and policy/MCP assembly: CreateMessage (single-shot), CreateMessageStreaming
// (single-request streaming) and CreateMessagePooled (pooled streaming).
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/vpaturel/claude-wrapper-secure/internal/agentcli"
	"github.com/vpaturel/claude-wrapper-secure/internal/credentials"
	"github.com/vpaturel/claude-wrapper-secure/internal/errs"
	"github.com/vpaturel/claude-wrapper-secure/internal/gwconfig"
	"github.com/vpaturel/claude-wrapper-secure/internal/identity"
	"github.com/vpaturel/claude-wrapper-secure/internal/mcpconfig"
	"github.com/vpaturel/claude-wrapper-secure/internal/obslog"
	"github.com/vpaturel/claude-wrapper-secure/internal/policy"
	"github.com/vpaturel/claude-wrapper-secure/internal/pool"
	"github.com/vpaturel/claude-wrapper-secure/internal/workspace"
)

// Request is the input shared by all three entry points.
type Request struct {
	Credentials credentials.Bundle
	Messages    []agentcli.Message
	SessionID   string
	Model       string
	MCPServers  map[string]mcpconfig.ServerSpec
	Tier        policy.Tier // zero value means "use the gateway's configured default"
}

// Dispatcher wires together the gateway's core components behind the three
// request-handling entry points.
type Dispatcher struct {
	cfg        *gwconfig.Config
	workspaces *workspace.Manager
	creds      *credentials.Materialiser
	mcp        *mcpconfig.Builder
	pool       *pool.Pool
	log        *obslog.Logger
}

// New builds a Dispatcher from its already-constructed collaborators.
func New(cfg *gwconfig.Config, workspaces *workspace.Manager, creds *credentials.Materialiser, mcp *mcpconfig.Builder, p *pool.Pool, log *obslog.Logger) *Dispatcher {
	if log == nil {
		log = obslog.Default()
	}
	return &Dispatcher{cfg: cfg, workspaces: workspaces, creds: creds, mcp: mcp, pool: p, log: log.Component("dispatcher")}
}

// prepared bundles everything common to all three entry points: identity,
// workspace path, credentials file path, and the settings/mcp-config blobs.
type prepared struct {
	user          string
	workspacePath string
	credsDir      string
	credsPath     string
	settingsJSON  []byte
	mcpConfigJSON []byte
	hasMCPConfig  bool
	sessionExists bool
}

func (d *Dispatcher) prepare(req Request) (*prepared, error) {
	if req.Credentials.AccessToken == "" {
		return nil, &errs.ConfigurationError{Detail: "credential bundle has an empty access token"}
	}

	user := identity.Of(req.Credentials.AccessToken)

	wsPath, err := d.workspaces.Ensure(user)
	if err != nil {
		return nil, err
	}

	credsDir := filepath.Join(wsPath, ".claude")
	credsPath, err := d.creds.Write(req.Credentials, credsDir)
	if err != nil {
		return nil, err
	}

	tier := req.Tier
	if tier == "" {
		tier = policy.Tier(d.cfg.DefaultTier)
	}
	pol, err := policy.Generate(tier, wsPath, d.workspaces.Root())
	if err != nil {
		return nil, err
	}

	settingsJSON, mcpConfigJSON, hasRemote, err := d.mcp.Build(wsPath, req.Credentials, &pol, req.MCPServers)
	if err != nil {
		return nil, err
	}

	sessionExists := credentials.SessionExists(credsDir, req.SessionID)

	return &prepared{
		user:          user,
		workspacePath: wsPath,
		credsDir:      credsDir,
		credsPath:     credsPath,
		settingsJSON:  settingsJSON,
		mcpConfigJSON: mcpConfigJSON,
		hasMCPConfig:  hasRemote || len(req.MCPServers) > 0,
		sessionExists: sessionExists,
	}, nil
}

func (d *Dispatcher) env(workspacePath string) []string {
	return agentcli.Env(workspacePath, os.Getenv("PATH"))
}

// correlate mints a fresh correlation id for one dispatched request, attaches
// it to ctx, and returns a logger scoped to it. The dispatcher's own log
// lines for the request carry the id, as do those of a subprocess entry
// spawned for it; a reused pooled entry keeps the id of the request that
// spawned it, and the pool's and credentials' own loggers do not carry it.
func (d *Dispatcher) correlate(ctx context.Context) (context.Context, *obslog.Logger) {
	ctx = obslog.WithCorrelationID(ctx, CorrelationID())
	return ctx, d.log.WithContext(ctx)
}

// CreateMessage runs the agent single-shot and returns one envelope.
func (d *Dispatcher) CreateMessage(ctx context.Context, req Request) (*agentcli.Envelope, error) {
	ctx, log := d.correlate(ctx)
	log.Info("dispatching single-shot request")

	p, err := d.prepare(req)
	if err != nil {
		log.Error("preparing request failed", obslog.ErrorField(err))
		return nil, err
	}

	args := agentcli.BuildArgs(agentcli.BuildArgsOptions{
		Model:         req.Model,
		SessionID:     req.SessionID,
		SessionExists: p.sessionExists,
		HasMCPConfig:  p.hasMCPConfig,
		SettingsJSON:  p.settingsJSON,
		MCPConfigJSON: p.mcpConfigJSON,
		Prompt:        agentcli.AssemblePrompt(req.Messages),
	})

	env, err := agentcli.RunSingleShot(ctx, d.cfg.AgentBinary, p.workspacePath, d.env(p.workspacePath), args, req.Model, d.cfg.SingleShotTimeout)
	if err != nil {
		log.Error("single-shot invocation failed", obslog.ErrorField(err))
		return nil, err
	}
	return env, nil
}

// CreateMessageStreaming spawns a dedicated streaming subprocess, yields
// events to yield until the agent emits a "result" event or stdout closes,
// then terminates the subprocess unconditionally — on successful
// completion or on caller disconnect (ctx cancellation).
func (d *Dispatcher) CreateMessageStreaming(ctx context.Context, req Request, yield func(pool.Event) error) error {
	ctx, log := d.correlate(ctx)
	log.Info("dispatching single-request streaming request")

	p, err := d.prepare(req)
	if err != nil {
		log.Error("preparing request failed", obslog.ErrorField(err))
		return err
	}

	entry, err := d.spawnEntry(p, req, log)
	if err != nil {
		log.Error("spawning streaming subprocess failed", obslog.ErrorField(err))
		return err
	}
	defer entry.Terminate()

	return d.drain(ctx, entry, req.Messages, yield)
}

// CreateMessagePooled is externally identical to CreateMessageStreaming but
// obtains its subprocess from the pool and never terminates it on
// completion — only the idle reaper does that.
func (d *Dispatcher) CreateMessagePooled(ctx context.Context, req Request, yield func(pool.Event) error) error {
	ctx, log := d.correlate(ctx)
	log.Info("dispatching pooled request")

	p, err := d.prepare(req)
	if err != nil {
		log.Error("preparing request failed", obslog.ErrorField(err))
		return err
	}

	lines, err := encodeLines(req.Messages)
	if err != nil {
		return err
	}

	spawn := func(spawnCtx context.Context) (*pool.Entry, error) {
		return d.spawnEntry(p, req, log)
	}

	return d.pool.Dispatch(ctx, p.user, lines, spawn, yield)
}

func (d *Dispatcher) spawnEntry(p *prepared, req Request, log *obslog.Logger) (*pool.Entry, error) {
	args := agentcli.BuildArgs(agentcli.BuildArgsOptions{
		Model:         req.Model,
		SessionID:     req.SessionID,
		SessionExists: p.sessionExists,
		HasMCPConfig:  p.hasMCPConfig,
		SettingsJSON:  p.settingsJSON,
		MCPConfigJSON: p.mcpConfigJSON,
		Streaming:     true,
	})

	cmd, stdin, stdout, stderr, err := agentcli.StartStreaming(d.cfg.AgentBinary, p.workspacePath, d.env(p.workspacePath), args)
	if err != nil {
		return nil, err
	}
	return pool.NewEntry(cmd, stdin, stdout, stderr, req.SessionID, log), nil
}

func (d *Dispatcher) drain(ctx context.Context, entry *pool.Entry, messages []agentcli.Message, yield func(pool.Event) error) error {
	lines, err := encodeLines(messages)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if werr := entry.WriteLine(line); werr != nil {
			return &errs.StreamError{Code: "stdin_write_failed", Message: werr.Error()}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-entry.Events():
			if !ok {
				return nil
			}
			if yerr := yield(ev); yerr != nil {
				return yerr
			}
			if ev.Type == "result" {
				return nil
			}
		}
	}
}

func encodeLines(messages []agentcli.Message) ([][]byte, error) {
	lines := make([][]byte, 0, len(messages))
	for _, m := range messages {
		line, err := agentcli.EncodeStreamLine(m)
		if err != nil {
			return nil, fmt.Errorf("encoding message: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// CorrelationID mints a fresh request-correlation id for log scoping,
// following the teacher's habit of tagging every session with a uuid.
func CorrelationID() string { return uuid.NewString() }
