package toolbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConnectionState describes the lifecycle of a named server connection.
type ConnectionState int

const (
	StateUnconnected ConnectionState = iota
	StateConnecting
	StateReady
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RetryPolicy parameterizes the connect retry loop: up to MaxAttempts
// attempts with exponential backoff starting at BaseDelay and growing by
// Factor between attempts.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      int
}

// DefaultRetryPolicy yields delays of roughly 1s and 2s between three
// attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2,
	}
}

// SleepFunc suspends the caller for the given duration or until the context
// is done. Injected so retry timing is testable without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type serverEntry struct {
	spec    LaunchSpec
	state   ConnectionState
	proc    *Process
	session *Session
}

// Manager produces a ready Session per named server, retrying bounded
// transient failures with exponential backoff and guaranteeing deterministic
// cleanup. Its per-server map is guarded by a mutex; Connect and Cleanup are
// non-reentrant per server name, enforced by the duplicate-connect check.
type Manager struct {
	retry          RetryPolicy
	sleep          SleepFunc
	terminateGrace time.Duration
	sessionOptions []SessionOption
	logger         *slog.Logger

	mu      sync.Mutex
	servers map[string]*serverEntry
}

// ManagerOption is a function that configures a manager.
type ManagerOption func(*Manager)

// WithRetryPolicy sets the connect retry policy.
func WithRetryPolicy(policy RetryPolicy) ManagerOption {
	return func(m *Manager) {
		m.retry = policy
	}
}

// WithSleepFunc sets the sleep function used between retry attempts.
func WithSleepFunc(sleep SleepFunc) ManagerOption {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// WithTerminateGrace sets the grace period granted to a server process on
// cleanup before it is force-killed.
func WithTerminateGrace(grace time.Duration) ManagerOption {
	return func(m *Manager) {
		m.terminateGrace = grace
	}
}

// WithSessionOptions sets options applied to every session the manager
// creates.
func WithSessionOptions(options ...SessionOption) ManagerOption {
	return func(m *Manager) {
		m.sessionOptions = options
	}
}

// WithManagerLogger sets the logger for the manager.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a connection manager with no tracked servers.
func NewManager(options ...ManagerOption) *Manager {
	m := &Manager{
		retry:          DefaultRetryPolicy(),
		sleep:          sleepContext,
		terminateGrace: DefaultTerminateGrace,
		logger:         slog.Default(),
		servers:        make(map[string]*serverEntry),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// Connect launches the server described by spec and returns a ready session
// for it. It fails fast with ErrDuplicateServer if name is already tracked.
// Connection-class failures (launch, handshake) are retried per the retry
// policy; on exhaustion all partial resources are released, no bookkeeping
// for name remains, and a ConnectionError wrapping the last cause is
// returned.
func (m *Manager) Connect(ctx context.Context, name string, spec LaunchSpec) (*Session, error) {
	m.mu.Lock()
	if _, ok := m.servers[name]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("server %q: %w", name, ErrDuplicateServer)
	}
	entry := &serverEntry{spec: spec, state: StateConnecting}
	m.servers[name] = entry
	m.mu.Unlock()

	session, proc, err := m.connectWithRetry(ctx, name, entry, spec)
	if err != nil {
		m.mu.Lock()
		if m.servers[name] == entry {
			delete(m.servers, name)
		}
		m.mu.Unlock()
		m.logger.Error("failed to connect to server", "server", name, "err", err)
		return nil, &ConnectionError{Server: name, Err: err}
	}

	m.mu.Lock()
	if m.servers[name] != entry {
		// Cleanup removed the entry while the handshake ran; releasing the
		// fresh session and process here keeps the no-orphans guarantee.
		m.mu.Unlock()
		_ = session.Close()
		_ = proc.Terminate(m.terminateGrace)
		return nil, &ConnectionError{
			Server: name,
			Err:    errors.New("cleaned up during connect"),
		}
	}
	entry.session = session
	entry.proc = proc
	entry.state = StateReady
	m.mu.Unlock()

	m.logger.Info("connected to server", "server", name, "session", session.ID())
	return session, nil
}

func (m *Manager) connectWithRetry(ctx context.Context, name string, entry *serverEntry, spec LaunchSpec) (*Session, *Process, error) {
	var lastErr error
	delay := m.retry.BaseDelay
	for attempt := 1; attempt <= m.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := m.sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
			delay *= time.Duration(m.retry.Factor)
		}

		session, proc, err := m.connectOnce(ctx, name, entry, spec)
		if err == nil {
			return session, proc, nil
		}
		if !retryable(err) {
			return nil, nil, err
		}
		if !m.tracked(name, entry) {
			return nil, nil, fmt.Errorf("cleaned up during connect: %w", err)
		}
		lastErr = err
		m.logger.Warn("connect attempt failed",
			"server", name, "attempt", attempt, "err", err)
	}
	return nil, nil, lastErr
}

// connectOnce performs a single launch-and-handshake attempt. The launched
// process is published on the entry before the handshake so a concurrent
// Cleanup can terminate it; a failed attempt never leaves an orphaned OS
// process behind.
func (m *Manager) connectOnce(ctx context.Context, name string, entry *serverEntry, spec LaunchSpec) (*Session, *Process, error) {
	proc, err := StartProcess(spec, WithProcessLogger(m.logger))
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	entry.proc = proc
	m.mu.Unlock()

	options := append([]SessionOption{WithSessionLogger(m.logger)}, m.sessionOptions...)
	session := NewSession(proc, options...)

	if err := session.Initialize(ctx); err != nil {
		_ = session.Close()
		_ = proc.Terminate(m.terminateGrace)
		m.mu.Lock()
		if entry.proc == proc {
			entry.proc = nil
		}
		m.mu.Unlock()
		return nil, nil, &ConnectionError{
			Server: name,
			Err:    fmt.Errorf("handshake failed: %w", err),
		}
	}
	return session, proc, nil
}

// tracked reports whether name still maps to this entry.
func (m *Manager) tracked(name string, entry *serverEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.servers[name] == entry
}

// Session returns the ready session for name, if one is tracked.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[name]
	if !ok || entry.session == nil {
		return nil, false
	}
	return entry.session, true
}

// State reports the connection state for name. Unknown names are
// unconnected.
func (m *Manager) State(name string) ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.servers[name]
	if !ok {
		return StateUnconnected
	}
	return entry.state
}

// Names returns the tracked server names in sorted order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cleanup removes all bookkeeping for name and releases its session and
// process. It is idempotent and safe on a never-connected name.
func (m *Manager) Cleanup(name string) error {
	m.mu.Lock()
	entry, ok := m.servers[name]
	var session *Session
	var proc *Process
	if ok {
		delete(m.servers, name)
		session = entry.session
		proc = entry.proc
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	m.logger.Debug("cleaning up server", "server", name)
	if session != nil {
		_ = session.Close()
	}
	if proc != nil {
		if err := proc.Terminate(m.terminateGrace); err != nil {
			return fmt.Errorf("failed to terminate server %q: %w", name, err)
		}
	}
	return nil
}

// CleanupAll cleans every tracked server. Each cleanup runs to completion
// even if the calling task is cancelled part-way, so no orphaned processes
// remain; errors are collected rather than aborting the sweep.
func (m *Manager) CleanupAll() error {
	var errs []error
	for _, name := range m.Names() {
		if err := m.Cleanup(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
