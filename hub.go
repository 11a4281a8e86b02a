package toolbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ProgressListener receives decoded progress notifications from any
// connected server.
type ProgressListener func(server string, progress ProgressParams)

// ConnectResult is the outcome of connecting one named server.
type ConnectResult struct {
	Server string
	Err    error
}

// ServerStatus is a point-in-time view of one configured server.
type ServerStatus struct {
	Name  string
	State ConnectionState
}

// Hub is the single entry point for callers. It owns a Manager for
// connection lifecycles and a HealthMonitor for liveness, keyed by the
// server names from its Config. Requests go through Execute, which feeds
// the health monitor on every success.
type Hub struct {
	config   Config
	manager  *Manager
	monitor  *HealthMonitor
	logger   *slog.Logger
	progress ProgressListener

	mu     sync.Mutex
	failed map[string]struct{}
	closed bool
}

// HubOption is a function that configures a hub.
type HubOption func(*Hub)

// WithHubLogger sets the logger for the hub and everything it owns.
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithProgressListener registers a listener for progress notifications from
// all connected servers.
func WithProgressListener(listener ProgressListener) HubOption {
	return func(h *Hub) {
		h.progress = listener
	}
}

// WithHubSleepFunc overrides how the hub's manager waits between connection
// attempts.
func WithHubSleepFunc(sleep SleepFunc) HubOption {
	return func(h *Hub) {
		h.manager.sleep = sleep
	}
}

// NewHub builds a hub from a validated Config. No connections are made
// until Connect or ConnectAll is called.
func NewHub(cfg Config, options ...HubOption) *Hub {
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]LaunchSpec)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = DefaultTerminateGrace
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.MaxHeartbeatMiss <= 0 {
		cfg.MaxHeartbeatMiss = DefaultMaxHeartbeatMiss
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	h := &Hub{
		config: cfg,
		logger: slog.Default(),
		failed: make(map[string]struct{}),
	}
	h.manager = NewManager(
		WithRetryPolicy(cfg.Retry),
		WithTerminateGrace(cfg.TerminateGrace),
		WithSessionOptions(WithRequestTimeout(cfg.RequestTimeout)),
	)
	for _, opt := range options {
		opt(h)
	}
	h.manager.logger = h.logger
	h.monitor = NewHealthMonitor(h, h,
		WithHeartbeatInterval(cfg.HeartbeatInterval),
		WithMaxHeartbeatMiss(cfg.MaxHeartbeatMiss),
		WithHealthLogger(h.logger),
	)
	return h
}

// Connect launches and initializes the named server from the hub's config.
// The health monitor starts with the first successful connection.
func (h *Hub) Connect(ctx context.Context, name string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("hub is closed")
	}
	spec, ok := h.config.Servers[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("server %q is not configured", name)
	}

	sess, err := h.manager.Connect(ctx, name, spec)
	if err != nil {
		return err
	}
	h.attach(name, sess)
	return nil
}

// ConnectAll connects every configured server, continuing past individual
// failures. Results come back sorted by server name, one per server. The
// returned error joins the per-server failures, nil when all connected.
func (h *Hub) ConnectAll(ctx context.Context) ([]ConnectResult, error) {
	h.mu.Lock()
	names := make([]string, 0, len(h.config.Servers))
	for name := range h.config.Servers {
		names = append(names, name)
	}
	h.mu.Unlock()
	sort.Strings(names)

	results := make([]ConnectResult, 0, len(names))
	var errs []error
	for _, name := range names {
		err := h.Connect(ctx, name)
		if err != nil {
			h.logger.Error("server connect failed", "server", name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		results = append(results, ConnectResult{Server: name, Err: err})
	}
	return results, errors.Join(errs...)
}

// attach wires a freshly connected session into the hub, registering
// progress fan-out and heartbeat tracking.
func (h *Hub) attach(name string, sess *Session) {
	h.mu.Lock()
	delete(h.failed, name)
	h.mu.Unlock()

	if sess.Capabilities().Progress {
		sess.RegisterNotificationHandler(MethodProgress, func(params json.RawMessage) {
			h.handleProgress(name, params)
		})
	}
	h.monitor.RegisterServer(name)
	h.monitor.StartMonitoring()
}

func (h *Hub) handleProgress(server string, params json.RawMessage) {
	var progress ProgressParams
	if err := json.Unmarshal(params, &progress); err != nil {
		h.logger.Warn("dropping malformed progress notification", "server", server, "err", err)
		return
	}
	h.monitor.UpdateHeartbeat(server)
	if h.progress != nil {
		h.progress(server, progress)
	}
}

// Execute sends a request to the named server and returns its raw result.
// A successful round trip counts as a heartbeat.
func (h *Hub) Execute(ctx context.Context, server, method string, params any) (json.RawMessage, error) {
	sess, ok := h.manager.Session(server)
	if !ok {
		return nil, &ConnectionError{Server: server, Err: fmt.Errorf("not connected")}
	}
	result, err := sess.SendRequest(ctx, method, params)
	if err != nil {
		// A timed-out request leaves the session alive, but a dead session
		// goes straight to the monitor's escalation path.
		if errors.Is(err, ErrSessionClosed) {
			h.monitor.MarkConnectionFailed(server, err.Error())
		}
		return nil, err
	}
	h.monitor.UpdateHeartbeat(server)
	return result, nil
}

// Notify sends a fire-and-forget notification to the named server.
func (h *Hub) Notify(ctx context.Context, server, method string, params any) error {
	sess, ok := h.manager.Session(server)
	if !ok {
		return &ConnectionError{Server: server, Err: fmt.Errorf("not connected")}
	}
	return sess.SendNotification(ctx, method, params)
}

// Cancel asks the named server to cancel an in-flight request by id.
func (h *Hub) Cancel(ctx context.Context, server string, requestID int64) error {
	sess, ok := h.manager.Session(server)
	if !ok {
		return &ConnectionError{Server: server, Err: fmt.Errorf("not connected")}
	}
	return sess.Cancel(ctx, requestID)
}

// Session exposes the underlying session for a connected server.
func (h *Hub) Session(server string) (*Session, bool) {
	return h.manager.Session(server)
}

// Servers reports every configured server with its current state, sorted by
// name. Servers abandoned after a failed reconnect report StateFailed; after
// the hub is closed every server reports StateClosed.
func (h *Hub) Servers() []ServerStatus {
	h.mu.Lock()
	statuses := make([]ServerStatus, 0, len(h.config.Servers))
	for name := range h.config.Servers {
		state := h.manager.State(name)
		if _, failed := h.failed[name]; failed && state == StateUnconnected {
			state = StateFailed
		}
		if h.closed {
			state = StateClosed
		}
		statuses = append(statuses, ServerStatus{Name: name, State: state})
	}
	h.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// ReconnectServer tears down the named server's old connection and builds a
// fresh one. It is the hub's half of the health monitor's escalation path.
func (h *Hub) ReconnectServer(name string) bool {
	if err := h.manager.Cleanup(name); err != nil {
		h.logger.Warn("cleanup before reconnect failed", "server", name, "err", err)
	}

	h.mu.Lock()
	spec, ok := h.config.Servers[name]
	closed := h.closed
	h.mu.Unlock()
	if !ok || closed {
		return false
	}

	sess, err := h.manager.Connect(context.Background(), name, spec)
	if err != nil {
		h.logger.Error("reconnect attempt failed", "server", name, "err", err)
		return false
	}

	h.mu.Lock()
	delete(h.failed, name)
	h.mu.Unlock()
	if sess.Capabilities().Progress {
		sess.RegisterNotificationHandler(MethodProgress, func(params json.RawMessage) {
			h.handleProgress(name, params)
		})
	}
	return true
}

// CleanupServer releases the named server's resources after reconnection
// has been abandoned, leaving it reported as failed.
func (h *Hub) CleanupServer(name string) {
	if err := h.manager.Cleanup(name); err != nil {
		h.logger.Warn("server cleanup failed", "server", name, "err", err)
	}
	h.mu.Lock()
	h.failed[name] = struct{}{}
	h.mu.Unlock()
}

// Close stops health monitoring and tears down every connection. Safe to
// call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.monitor.StopMonitoring()
	return h.manager.CleanupAll()
}
