package toolbus_test

import (
	"sync"
	"testing"
	"time"

	"github.com/toolbus-io/toolbus"
)

// recordingEscalator implements both escalation callbacks, recording the
// servers they were invoked for.
type recordingEscalator struct {
	mu          sync.Mutex
	reconnected []string
	cleaned     []string
	reconnectOK bool

	reconnectCh chan string
	cleanupCh   chan string
}

func newRecordingEscalator(reconnectOK bool) *recordingEscalator {
	return &recordingEscalator{
		reconnectOK: reconnectOK,
		reconnectCh: make(chan string, 16),
		cleanupCh:   make(chan string, 16),
	}
}

func (r *recordingEscalator) ReconnectServer(name string) bool {
	r.mu.Lock()
	r.reconnected = append(r.reconnected, name)
	r.mu.Unlock()
	r.reconnectCh <- name
	return r.reconnectOK
}

func (r *recordingEscalator) CleanupServer(name string) {
	r.mu.Lock()
	r.cleaned = append(r.cleaned, name)
	r.mu.Unlock()
	r.cleanupCh <- name
}

func (r *recordingEscalator) reconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reconnected)
}

func (r *recordingEscalator) cleanupCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cleaned)
}

func TestHealthMonitorEscalatesAfterConsecutiveMisses(t *testing.T) {
	esc := newRecordingEscalator(true)
	monitor := toolbus.NewHealthMonitor(esc, esc,
		toolbus.WithHeartbeatInterval(20*time.Millisecond),
		toolbus.WithMaxHeartbeatMiss(2),
	)
	defer monitor.StopMonitoring()

	monitor.RegisterServer("silent")
	monitor.StartMonitoring()

	select {
	case name := <-esc.reconnectCh:
		if name != "silent" {
			t.Errorf("reconnect asked for %q, want silent", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for reconnect escalation")
	}
	if esc.cleanupCount() != 0 {
		t.Error("cleanup called even though reconnect succeeded")
	}

	// A successful reconnect resumes tracking, so continued silence
	// escalates again.
	select {
	case <-esc.reconnectCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for second escalation after successful reconnect")
	}
}

func TestHealthMonitorCleansUpAfterFailedReconnect(t *testing.T) {
	esc := newRecordingEscalator(false)
	monitor := toolbus.NewHealthMonitor(esc, esc,
		toolbus.WithHeartbeatInterval(20*time.Millisecond),
		toolbus.WithMaxHeartbeatMiss(2),
	)
	defer monitor.StopMonitoring()

	monitor.RegisterServer("dead")
	monitor.StartMonitoring()

	select {
	case name := <-esc.cleanupCh:
		if name != "dead" {
			t.Errorf("cleanup asked for %q, want dead", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for cleanup escalation")
	}

	// The server is no longer tracked, so no further escalations occur.
	reconnects := esc.reconnectCount()
	time.Sleep(200 * time.Millisecond)
	if got := esc.reconnectCount(); got != reconnects {
		t.Errorf("reconnect called %d more times after cleanup", got-reconnects)
	}
}

func TestHealthMonitorHeartbeatsPreventEscalation(t *testing.T) {
	esc := newRecordingEscalator(true)
	monitor := toolbus.NewHealthMonitor(esc, esc,
		toolbus.WithHeartbeatInterval(20*time.Millisecond),
		toolbus.WithMaxHeartbeatMiss(2),
	)
	defer monitor.StopMonitoring()

	monitor.RegisterServer("busy")
	monitor.StartMonitoring()

	// Heartbeat faster than the check interval for a while.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		monitor.UpdateHeartbeat("busy")
		time.Sleep(5 * time.Millisecond)
	}

	if got := esc.reconnectCount(); got != 0 {
		t.Errorf("reconnect called %d times despite steady heartbeats", got)
	}
}

func TestHealthMonitorMarkConnectionFailed(t *testing.T) {
	esc := newRecordingEscalator(true)
	monitor := toolbus.NewHealthMonitor(esc, esc,
		toolbus.WithHeartbeatInterval(time.Hour),
	)

	monitor.RegisterServer("broken")

	// Marking a failure escalates immediately, without waiting for the
	// periodic check.
	monitor.MarkConnectionFailed("broken", "write failed")
	if got := esc.reconnectCount(); got != 1 {
		t.Errorf("reconnect called %d times, want 1", got)
	}

	// Untracked names are ignored.
	monitor.MarkConnectionFailed("unknown", "whatever")
	if got := esc.reconnectCount(); got != 1 {
		t.Errorf("reconnect called %d times after unknown mark, want 1", got)
	}
}

func TestHealthMonitorUnregisterStopsTracking(t *testing.T) {
	esc := newRecordingEscalator(true)
	monitor := toolbus.NewHealthMonitor(esc, esc,
		toolbus.WithHeartbeatInterval(20*time.Millisecond),
		toolbus.WithMaxHeartbeatMiss(2),
	)
	defer monitor.StopMonitoring()

	monitor.RegisterServer("gone")
	monitor.UnregisterServer("gone")
	monitor.StartMonitoring()

	time.Sleep(200 * time.Millisecond)
	if got := esc.reconnectCount(); got != 0 {
		t.Errorf("reconnect called %d times for unregistered server", got)
	}
}

func TestHealthMonitorStartStopIdempotent(t *testing.T) {
	esc := newRecordingEscalator(true)
	monitor := toolbus.NewHealthMonitor(esc, esc,
		toolbus.WithHeartbeatInterval(20*time.Millisecond),
	)

	monitor.StartMonitoring()
	monitor.StartMonitoring()
	monitor.StopMonitoring()
	monitor.StopMonitoring()

	// Restart after stop works.
	monitor.RegisterServer("silent")
	monitor.StartMonitoring()
	select {
	case <-esc.reconnectCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for escalation after restart")
	}
	monitor.StopMonitoring()
}
