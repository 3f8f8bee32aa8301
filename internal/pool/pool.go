// Package pool owns one long-lived agent subprocess per user, amortising
// the agent's startup cost across successive requests. Each entry is
// modelled as a small actor: a waiter goroutine owns the subprocess's exit,
// writes to its stdin are serialised by a per-entry mutex, one reader
// goroutine drains stdout into the entry's event channel and another logs
// stderr. The pool map's mutex is held only around map lookups and entry
// creation/deletion, never across subprocess I/O.
package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vpaturel/claude-wrapper-secure/internal/errs"
	"github.com/vpaturel/claude-wrapper-secure/internal/identity"
	"github.com/vpaturel/claude-wrapper-secure/internal/obslog"
)

// pollInterval bounds how long Dispatch's wait loop sleeps between wake-ups
// while waiting on an entry's output channel. ctx cancellation and the
// channel closing are observed directly by the same select.
const pollInterval = 100 * time.Millisecond

// killGrace is how long a terminated subprocess is given to exit after a
// polite signal before it is force-killed.
const killGrace = 5 * time.Second

// Event is one parsed line of the agent's stdout stream.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Spawner starts a new streaming subprocess for one user and returns the
// entry wrapping it; the user is bound by the caller. Supplied by the caller
// (internal/dispatcher) so this package stays agnostic of
// workspace/credential/policy assembly.
type Spawner func(ctx context.Context) (*Entry, error)

// NewEntry constructs a pool entry around an already-started streaming
// subprocess. Exported so internal/dispatcher's Spawner implementations in
// other packages can build one; the pool package itself never starts the
// process.
func NewEntry(cmd *exec.Cmd, stdin io.WriteCloser, stdout, stderr io.ReadCloser, sessionID string, log *obslog.Logger) *Entry {
	e := &Entry{
		cmd:       cmd,
		stdin:     stdin,
		sessionID: sessionID,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
		outputCh:  make(chan Event, 256),
		doneCh:    make(chan struct{}),
		log:       log.Component("pool-entry"),
	}
	go e.readStdout(stdout)
	go e.readStderr(stderr)
	go e.waitForExit()
	return e
}

// Entry is one PoolEntry: a running subprocess plus its I/O plumbing.
type Entry struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	sessionID string

	mu        sync.Mutex
	createdAt time.Time
	lastUsed  time.Time

	outputCh chan Event
	doneCh   chan struct{}
	doneOnce sync.Once

	writeMu sync.Mutex // serialises stdin writes; the actor's single writer

	log *obslog.Logger
}

func (e *Entry) readStdout(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var head struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(line, &head)
		cp := make(json.RawMessage, len(line))
		copy(cp, line)
		e.outputCh <- Event{Type: head.Type, Raw: cp}
	}
	close(e.outputCh)
}

func (e *Entry) readStderr(stderr io.ReadCloser) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		e.log.Debug("agent stderr", obslog.ErrorField(errors.New(scanner.Text())))
	}
}

func (e *Entry) waitForExit() {
	_ = e.cmd.Wait()
	e.doneOnce.Do(func() { close(e.doneCh) })
}

// Alive reports whether the subprocess is still believed to be running.
func (e *Entry) Alive() bool {
	select {
	case <-e.doneCh:
		return false
	default:
		return true
	}
}

func (e *Entry) touch() {
	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

func (e *Entry) LastUsed() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastUsed
}

// writeLine writes one JSON line to stdin, retrying exactly once if the
// first attempt fails with a broken pipe — the documented resolution of
// this module's one open broken-pipe-window question.
func (e *Entry) writeLine(line []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	_, err := e.stdin.Write(append(line, '\n'))
	if err == nil {
		return nil
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) {
		_, err = e.stdin.Write(append(line, '\n'))
	}
	return err
}

// terminate sends SIGTERM, waits killGrace for exit, then force-kills.
func (e *Entry) terminate() {
	if e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Signal(termSignal())
	select {
	case <-e.doneCh:
		return
	case <-time.After(killGrace):
		_ = e.cmd.Process.Kill()
	}
}

// Terminate is the exported form of terminate, for callers outside this
// package that own an entry directly — the single-request streaming path,
// which never puts its entry in the pool map.
func (e *Entry) Terminate() { e.terminate() }

// WriteLine is the exported form of writeLine.
func (e *Entry) WriteLine(line []byte) error { return e.writeLine(line) }

// Events returns the channel of parsed stdout events, closed when the
// subprocess's stdout reaches EOF.
func (e *Entry) Events() <-chan Event { return e.outputCh }

// Pool owns the per-user entries and the idle reaper.
type Pool struct {
	mu              sync.Mutex
	entries         map[string]*Entry
	maxIdleTime     time.Duration
	cleanupInterval time.Duration
	log             *obslog.Logger

	stopCh chan struct{}
	eg     errgroup.Group

	sizeGauge   prometheus.Gauge
	idleGauge   *prometheus.GaugeVec
	reapCounter prometheus.Counter
}

// Config tunes a Pool.
type Config struct {
	MaxIdleTime     time.Duration
	CleanupInterval time.Duration
}

// New builds a Pool and registers its metrics on reg. reg may be nil, in
// which case a private registry is used so tests can create multiple pools
// without colliding on the global default registry.
func New(cfg Config, reg prometheus.Registerer, log *obslog.Logger) *Pool {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p := &Pool{
		entries:         make(map[string]*Entry),
		maxIdleTime:     cfg.MaxIdleTime,
		cleanupInterval: cfg.CleanupInterval,
		log:             log.Component("pool"),
		stopCh:          make(chan struct{}),
		sizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pool_size",
			Help: "Number of live per-user agent subprocesses held by the pool.",
		}),
		idleGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_pool_entry_idle_seconds",
			Help: "Seconds since each pool entry was last dispatched to.",
		}, []string{"user"}),
		reapCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pool_reaps_total",
			Help: "Total number of pool entries removed by the idle reaper.",
		}),
	}
	reg.MustRegister(p.sizeGauge, p.idleGauge, p.reapCounter)
	return p
}

// Start launches the background idle reaper. Call Stop to end it.
func (p *Pool) Start() {
	p.eg.Go(func() error {
		p.reapLoop()
		return nil
	})
}

// Stop ends the reaper goroutine and waits for it to return.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.eg.Wait()
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	now := time.Now()

	p.mu.Lock()
	var toRemove []string
	for user, e := range p.entries {
		if now.Sub(e.LastUsed()) > p.maxIdleTime {
			toRemove = append(toRemove, user)
		}
	}
	victims := make([]*Entry, 0, len(toRemove))
	for _, user := range toRemove {
		victims = append(victims, p.entries[user])
		delete(p.entries, user)
		p.idleGauge.DeleteLabelValues(user)
	}
	p.sizeGauge.Set(float64(len(p.entries)))
	p.mu.Unlock()

	for i, user := range toRemove {
		p.log.Info("reaping idle pool entry", zap.String("user", identity.Mask(user)))
		victims[i].terminate()
		p.reapCounter.Inc()
	}
}

// GetOrCreate returns the live entry for user, spawning one via spawn if
// none exists or the existing one's subprocess has exited.
func (p *Pool) GetOrCreate(ctx context.Context, user string, spawn func(context.Context) (*Entry, error)) (*Entry, error) {
	p.mu.Lock()
	if e, ok := p.entries[user]; ok {
		if e.Alive() {
			p.mu.Unlock()
			return e, nil
		}
		delete(p.entries, user)
	}
	p.mu.Unlock()

	e, err := spawn(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.entries[user] = e
	p.sizeGauge.Set(float64(len(p.entries)))
	p.mu.Unlock()

	return e, nil
}

// remove drops user's entry from the map without terminating its
// subprocess (the caller is expected to have already observed it as dead).
func (p *Pool) remove(user string) {
	p.mu.Lock()
	delete(p.entries, user)
	p.sizeGauge.Set(float64(len(p.entries)))
	p.idleGauge.DeleteLabelValues(user)
	p.mu.Unlock()
}

// Dispatch writes each message to user's pool entry (creating or replacing
// it via spawn as needed) and invokes yield for every event the agent
// emits, in order, until a "result" event (end of turn — the subprocess
// stays alive) or the output channel closes (the subprocess is considered
// dead). On a stale or dead entry it recreates and retries the dispatch
// exactly once.
func (p *Pool) Dispatch(ctx context.Context, user string, lines [][]byte, spawn func(context.Context) (*Entry, error), yield func(Event) error) error {
	return p.dispatch(ctx, user, lines, spawn, yield, true)
}

func (p *Pool) dispatch(ctx context.Context, user string, lines [][]byte, spawn func(context.Context) (*Entry, error), yield func(Event) error, allowRetry bool) error {
	e, err := p.GetOrCreate(ctx, user, spawn)
	if err != nil {
		return fmt.Errorf("acquiring pool entry for %s: %w", identity.Mask(user), err)
	}

	for _, line := range lines {
		if werr := e.writeLine(line); werr != nil {
			p.remove(user)
			if allowRetry {
				return p.dispatch(ctx, user, lines, spawn, yield, false)
			}
			return &errs.StreamError{Code: "stdin_write_failed", Message: werr.Error()}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.outputCh:
			if !ok {
				p.remove(user)
				if allowRetry {
					return p.dispatch(ctx, user, lines, spawn, yield, false)
				}
				return &errs.PoolStale{UserIdentity: user}
			}
			e.touch()
			if yerr := yield(ev); yerr != nil {
				return yerr
			}
			if ev.Type == "result" {
				return nil
			}
		case <-time.After(pollInterval):
			continue
		}
	}
}

// EntryStats is one pool entry's operator-facing snapshot.
type EntryStats struct {
	MaskedUserID string
	PID          int
	IdleSeconds  float64
	UptimeSeconds float64
	CreatedAt    time.Time
	LastUsed     time.Time
	Alive        bool
}

// Stats is the pool-wide operator-facing snapshot (§4.7).
type Stats struct {
	PoolSize        int
	MaxIdleTime     time.Duration
	CleanupInterval time.Duration
	ActiveUsers     []EntryStats
}

// Snapshot returns the pool's current Stats.
func (p *Pool) Snapshot() Stats {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		PoolSize:        len(p.entries),
		MaxIdleTime:     p.maxIdleTime,
		CleanupInterval: p.cleanupInterval,
		ActiveUsers:     make([]EntryStats, 0, len(p.entries)),
	}
	for user, e := range p.entries {
		lastUsed := e.LastUsed()
		idle := now.Sub(lastUsed).Seconds()
		p.idleGauge.WithLabelValues(user).Set(idle)

		pid := 0
		if e.cmd.Process != nil {
			pid = e.cmd.Process.Pid
		}
		stats.ActiveUsers = append(stats.ActiveUsers, EntryStats{
			MaskedUserID:  identity.Mask(user),
			PID:           pid,
			IdleSeconds:   idle,
			UptimeSeconds: now.Sub(e.createdAt).Seconds(),
			CreatedAt:     e.createdAt,
			LastUsed:      lastUsed,
			Alive:         e.Alive(),
		})
	}
	return stats
}

// Size returns the current number of pool entries.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
