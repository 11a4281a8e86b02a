package toolbus

import (
	"log/slog"
	"sync"
	"time"
)

// Default health monitoring parameters. With an interval of 30s and a miss
// threshold of 2, a silently dead server is detected after 60-90s.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxHeartbeatMiss  = 2
)

// Reconnector re-establishes the connection for a named server. It reports
// whether the reconnection succeeded.
type Reconnector interface {
	ReconnectServer(name string) bool
}

// CleanupHandler releases all resources for a named server after
// reconnection has been given up on.
type CleanupHandler interface {
	CleanupServer(name string)
}

type heartbeatRecord struct {
	lastSeen time.Time
	misses   int
}

// HealthMonitor detects silently dead or unresponsive servers that the
// request path never notices, such as idle connections with no in-flight
// requests. A single periodic task shared across all tracked servers counts
// consecutive heartbeat misses; past the threshold it escalates through the
// injected Reconnector and, failing that, the CleanupHandler. The monitor
// never touches transports or sessions directly.
type HealthMonitor struct {
	interval    time.Duration
	maxMiss     int
	reconnector Reconnector
	cleanup     CleanupHandler
	logger      *slog.Logger
	now         func() time.Time

	mu      sync.Mutex
	records map[string]*heartbeatRecord
	running bool
	stopCh  chan struct{}
}

// HealthMonitorOption is a function that configures a health monitor.
type HealthMonitorOption func(*HealthMonitor)

// WithHeartbeatInterval sets the period between health checks.
func WithHeartbeatInterval(interval time.Duration) HealthMonitorOption {
	return func(h *HealthMonitor) {
		h.interval = interval
	}
}

// WithMaxHeartbeatMiss sets how many consecutive misses trigger
// reconnection.
func WithMaxHeartbeatMiss(maxMiss int) HealthMonitorOption {
	return func(h *HealthMonitor) {
		h.maxMiss = maxMiss
	}
}

// WithHealthLogger sets the logger for the health monitor.
func WithHealthLogger(logger *slog.Logger) HealthMonitorOption {
	return func(h *HealthMonitor) {
		h.logger = logger
	}
}

// NewHealthMonitor creates a monitor that escalates through the given
// callbacks. Monitoring does not begin until StartMonitoring is called.
func NewHealthMonitor(reconnector Reconnector, cleanup CleanupHandler, options ...HealthMonitorOption) *HealthMonitor {
	h := &HealthMonitor{
		interval:    DefaultHeartbeatInterval,
		maxMiss:     DefaultMaxHeartbeatMiss,
		reconnector: reconnector,
		cleanup:     cleanup,
		logger:      slog.Default(),
		now:         time.Now,
		records:     make(map[string]*heartbeatRecord),
	}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// RegisterServer begins tracking a server with a reset miss counter.
func (h *HealthMonitor) RegisterServer(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[name] = &heartbeatRecord{lastSeen: h.now()}
}

// UnregisterServer stops tracking a server. Safe on an untracked name.
func (h *HealthMonitor) UnregisterServer(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.records, name)
}

// UpdateHeartbeat records observed successful traffic for a server,
// resetting its miss counter and timestamp.
func (h *HealthMonitor) UpdateHeartbeat(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[name]
	if !ok {
		rec = &heartbeatRecord{}
		h.records[name] = rec
	}
	rec.lastSeen = h.now()
	rec.misses = 0
}

// MarkConnectionFailed escalates a server to reconnection immediately,
// without waiting for the next periodic check.
func (h *HealthMonitor) MarkConnectionFailed(name, reason string) {
	h.mu.Lock()
	_, tracked := h.records[name]
	h.mu.Unlock()
	if !tracked {
		return
	}
	h.logger.Warn("connection marked failed", "server", name, "reason", reason)
	h.escalate(name)
}

// StartMonitoring launches the shared periodic check task. Starting twice is
// a no-op.
func (h *HealthMonitor) StartMonitoring() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	go h.run(h.stopCh)
}

// StopMonitoring halts the periodic task without blocking; a check already
// in flight is allowed to finish. Stopping is idempotent.
func (h *HealthMonitor) StopMonitoring() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}

func (h *HealthMonitor) run(stopCh chan struct{}) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.check()
		}
	}
}

// check counts one miss for every tracked server that has been silent for a
// full interval, then escalates the ones past the threshold.
func (h *HealthMonitor) check() {
	now := h.now()

	h.mu.Lock()
	var overdue []string
	for name, rec := range h.records {
		if now.Sub(rec.lastSeen) < h.interval {
			continue
		}
		rec.misses++
		if rec.misses >= h.maxMiss {
			overdue = append(overdue, name)
		} else {
			h.logger.Debug("heartbeat missed", "server", name, "misses", rec.misses)
		}
	}
	h.mu.Unlock()

	for _, name := range overdue {
		h.escalate(name)
	}
}

// escalate stops tracking the server for the duration of the attempt, asks
// the Reconnector for a fresh connection, and on failure hands the server to
// the CleanupHandler for good.
func (h *HealthMonitor) escalate(name string) {
	h.mu.Lock()
	delete(h.records, name)
	h.mu.Unlock()

	h.logger.Warn("server unresponsive, attempting reconnect", "server", name)
	if h.reconnector.ReconnectServer(name) {
		h.logger.Info("server reconnected", "server", name)
		h.RegisterServer(name)
		return
	}

	h.logger.Error("reconnect failed, cleaning up server", "server", name)
	h.cleanup.CleanupServer(name)
}
