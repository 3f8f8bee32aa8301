// Package errs defines the gateway's error taxonomy. Each kind is a concrete
// type rather than a bare sentinel so that callers can recover structured
// detail (exit codes, stderr text, the user identity involved) via errors.As.
package errs

import "fmt"

// SecurityFailure indicates a filesystem invariant was violated: an
// unexpected permission bit, a path that escaped its intended root, or an
// identity containing a path separator. Never recovered locally.
type SecurityFailure struct {
	Op     string
	Detail string
}

func (e *SecurityFailure) Error() string {
	return fmt.Sprintf("security failure during %s: %s", e.Op, e.Detail)
}

// ConfigurationError indicates a caller-supplied spec is malformed, e.g. an
// MCPServerSpec with both Command and URL set. Rejected before any
// subprocess work begins.
type ConfigurationError struct {
	Detail string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Detail
}

// AgentExitError indicates the agent subprocess exited with a non-zero
// status. Stderr is carried verbatim as the diagnostic message.
type AgentExitError struct {
	ExitCode int
	Stderr   string
}

func (e *AgentExitError) Error() string {
	return fmt.Sprintf("agent exited with status %d: %s", e.ExitCode, e.Stderr)
}

// AgentTimeout indicates the single-shot wall-clock timeout elapsed before
// the agent subprocess finished. The subprocess has already been killed by
// the time this error is returned.
type AgentTimeout struct {
	TimeoutSeconds float64
}

func (e *AgentTimeout) Error() string {
	return fmt.Sprintf("agent did not respond within %.1fs", e.TimeoutSeconds)
}

// PoolStale indicates a pool entry's subprocess exited (its stdout closed)
// before the end of a turn. The pool recovers from the first such detection
// itself: the entry is dropped, a fresh one is created, and the dispatch is
// retried exactly once. PoolStale is returned when the retried entry is
// stale as well.
type PoolStale struct {
	UserIdentity string
}

func (e *PoolStale) Error() string {
	return fmt.Sprintf("pool entry for %s was stale", e.UserIdentity)
}

// StreamError indicates a write to a subprocess's stdin failed outright
// (after the retry-once policy for broken pipes has already been applied).
// It is returned as an error from the streaming entry points; no synthetic
// {type:"error"} event is emitted on the stream.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error [%s]: %s", e.Code, e.Message)
}

// BridgeError indicates a remote-MCP transport failure inside the bridge
// proxy. Surfaced to the agent as a JSON-RPC error response; the agent
// decides whether to retry.
type BridgeError struct {
	Detail string
}

func (e *BridgeError) Error() string {
	return "bridge error: " + e.Detail
}
