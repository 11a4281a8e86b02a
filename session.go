package toolbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRequestTimeout bounds how long SendRequest waits for a response.
const DefaultRequestTimeout = 5 * time.Second

// NotificationHandler consumes the params of a notification received from the
// server. Handlers run on the session's read loop, so dispatch order matches
// wire-arrival order.
type NotificationHandler func(params json.RawMessage)

// Session turns a line-oriented Transport into correlated request, response,
// and notification semantics. It owns the request id counter and the pending
// request table; a background read loop started at construction dispatches
// inbound lines for the session's lifetime.
//
// A Session must be created with NewSession and released with Close. The
// initialize handshake runs on the first request if Initialize has not been
// called explicitly.
type Session struct {
	id        string
	transport Transport
	logger    *slog.Logger

	requestTimeout time.Duration
	requestedCaps  Capabilities

	initMu      sync.Mutex
	mu          sync.Mutex
	nextID      int64
	pending     map[int64]chan result
	handlers    map[string]NotificationHandler
	caps        Capabilities
	initialized bool
	dead        bool

	closeOnce sync.Once
}

type result struct {
	msg Message
	err error
}

// SessionOption is a function that configures a session.
type SessionOption func(*Session)

// WithSessionLogger sets the logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithRequestTimeout sets the per-request timeout for the session.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithRequestedCapabilities sets the capability set declared during the
// initialize handshake.
func WithRequestedCapabilities(caps Capabilities) SessionOption {
	return func(s *Session) {
		s.requestedCaps = caps
	}
}

// NewSession creates a session over the given transport and starts its read
// loop. The session is not initialized until Initialize is called or the
// first request implicitly runs the handshake.
func NewSession(transport Transport, options ...SessionOption) *Session {
	s := &Session{
		id:            uuid.New().String(),
		transport:     transport,
		logger:        slog.Default(),
		requestedCaps: DefaultCapabilities(),
		pending:       make(map[int64]chan result),
		handlers:      make(map[string]NotificationHandler),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.requestTimeout == 0 {
		s.requestTimeout = DefaultRequestTimeout
	}
	s.logger = s.logger.With(slog.String("session", s.id))

	go s.readLoop()

	return s
}

// ID returns the unique identifier for this session.
func (s *Session) ID() string {
	return s.id
}

// Capabilities returns the capability set negotiated during initialize. It is
// the zero value until the handshake completes and immutable afterwards.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Initialize runs the mandatory first exchange on the session, declaring the
// client's requested capability set. It fails if the peer responds with an
// error or omits a capabilities object. On success the session is ready and
// its capabilities are fixed.
func (s *Session) Initialize(ctx context.Context) error {
	// initMu serializes concurrent first-use callers so exactly one
	// handshake reaches the wire.
	s.initMu.Lock()
	defer s.initMu.Unlock()

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.requestedCaps,
	}
	res, err := s.sendRequest(ctx, methodInitialize, params)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res, &result); err != nil {
		return &ProtocolError{
			Code: CodeInvalidRequest,
			Err:  fmt.Errorf("failed to unmarshal initialize result: %w", err),
		}
	}
	if result.Capabilities == nil {
		return &ProtocolError{
			Code: CodeInvalidRequest,
			Err:  errors.New("server did not return capabilities in initialize response"),
		}
	}

	s.mu.Lock()
	s.caps = *result.Capabilities
	s.initialized = true
	s.mu.Unlock()

	s.logger.Debug("session initialized",
		slog.Bool("tools", result.Capabilities.Tools),
		slog.Bool("cancellation", result.Capabilities.Cancellation))
	return nil
}

// SendRequest allocates the next request id, writes the request, and suspends
// the caller until the response arrives or the timeout elapses. On timeout
// the pending entry is removed and a TimeoutError is returned; the session
// survives. A peer-returned error is propagated as an *ErrorDetail.
//
// If the session has not been initialized, the handshake runs first.
func (s *Session) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()
	if !initialized {
		if err := s.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	return s.sendRequest(ctx, method, params)
}

func (s *Session) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, resChan, err := s.registerRequest()
	if err != nil {
		return nil, err
	}

	msg, err := newRequest(id, method, params)
	if err != nil {
		s.removePending(id)
		return nil, err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := s.transport.WriteLine(ctx, line); err != nil {
		s.removePending(id)
		return nil, err
	}

	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	var res result
	select {
	case res = <-resChan:
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	case <-timer.C:
		if s.removePending(id) {
			return nil, &TimeoutError{Method: method, Timeout: s.requestTimeout}
		}
		// The read loop resolved the request between the timer firing and the
		// table lookup; the result is already buffered.
		res = <-resChan
	}

	if res.err != nil {
		return nil, res.err
	}
	if res.msg.Error != nil {
		return nil, res.msg.Error
	}
	return res.msg.Result, nil
}

// SendNotification writes a fire-and-forget notification carrying no id.
func (s *Session) SendNotification(ctx context.Context, method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return s.transport.WriteLine(ctx, line)
}

// RegisterNotificationHandler sets the handler for a notification method,
// replacing any previous one. A notification with no registered handler is
// logged and dropped.
func (s *Session) RegisterNotificationHandler(method string, handler NotificationHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// Cancel sends a $/cancel notification for the given request id. It is valid
// only if the peer advertised the cancellation capability. The local pending
// request is left in place; the caller's own timeout or an eventual response
// resolves it.
func (s *Session) Cancel(ctx context.Context, requestID int64) error {
	s.mu.Lock()
	cancellation := s.initialized && s.caps.Cancellation
	s.mu.Unlock()
	if !cancellation {
		return &ProtocolError{
			Code: CodeInvalidRequest,
			Err:  errors.New("server does not advertise the cancellation capability"),
		}
	}
	return s.SendNotification(ctx, MethodCancel, cancelParams{ID: requestID})
}

// Close sends best-effort shutdown and exit notifications, closes the
// transport, and fails every pending wait immediately. It is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		initialized := s.initialized
		s.dead = true
		s.mu.Unlock()

		if initialized {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := s.SendNotification(ctx, methodShutdown, nil); err != nil {
				s.logger.Debug("failed to send shutdown notification", "err", err)
			}
			if err := s.SendNotification(ctx, methodExit, nil); err != nil {
				s.logger.Debug("failed to send exit notification", "err", err)
			}
			cancel()
		}

		if err := s.transport.Close(); err != nil {
			s.logger.Debug("failed to close transport", "err", err)
		}
		s.failAllPending(ErrSessionClosed)
	})
	return nil
}

// readLoop processes inbound lines in wire-arrival order for the session's
// lifetime. End-of-stream or any lower-level I/O error ends the loop and is
// fatal: every outstanding request resolves with a synthesized error.
func (s *Session) readLoop() {
	for line := range s.transport.Lines() {
		s.handleLine(line)
	}

	s.mu.Lock()
	s.dead = true
	s.mu.Unlock()
	s.failAllPending(fmt.Errorf("server stream ended: %w", ErrSessionClosed))
}

func (s *Session) handleLine(line []byte) {
	msg, kind, err := decodeMessage(line)
	if err != nil {
		s.handleMalformedLine(err)
		return
	}

	switch kind {
	case kindResponse:
		s.resolvePending(*msg.ID, result{msg: msg})
	case kindNotification:
		s.dispatchNotification(msg)
	}
}

// handleMalformedLine fails only the offending line, unless exactly one
// request is outstanding, in which case that request is failed with an
// internal error. This covers peers that report a malformed response without
// echoing an id; with several requests in flight the line cannot be
// attributed and is dropped.
func (s *Session) handleMalformedLine(cause error) {
	s.logger.Error("dropping malformed line", "err", cause)

	s.mu.Lock()
	if len(s.pending) != 1 {
		s.mu.Unlock()
		return
	}
	var id int64
	var resChan chan result
	for pendingID, ch := range s.pending {
		id, resChan = pendingID, ch
	}
	delete(s.pending, id)
	s.mu.Unlock()

	resChan <- result{err: &ProtocolError{
		Code: CodeInternalError,
		Err:  fmt.Errorf("malformed message received while request %d was outstanding: %w", id, cause),
	}}
}

func (s *Session) dispatchNotification(msg Message) {
	s.mu.Lock()
	handler := s.handlers[msg.Method]
	s.mu.Unlock()

	if handler == nil {
		s.logger.Info("dropping notification with no registered handler", "method", msg.Method)
		return
	}
	handler(msg.Params)
}

// registerRequest allocates the next monotonic id and installs its pending
// entry. Ids are never reused while outstanding; the counter only grows.
func (s *Session) registerRequest() (int64, chan result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return 0, nil, ErrSessionClosed
	}
	s.nextID++
	id := s.nextID
	resChan := make(chan result, 1)
	s.pending[id] = resChan
	return id, resChan, nil
}

// resolvePending delivers a result to the matching pending request. Removing
// the entry under the lock before sending guarantees exactly one resolution
// per id; an unmatched id is logged and dropped.
func (s *Session) resolvePending(id int64, res result) {
	s.mu.Lock()
	resChan, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping response with unmatched id", "id", id)
		return
	}
	resChan <- res
}

// removePending reports whether the entry was still pending when removed.
func (s *Session) removePending(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	return true
}

func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]chan result)
	s.mu.Unlock()

	for id, resChan := range pending {
		s.logger.Debug("failing pending request", "id", id, "err", err)
		resChan <- result{err: err}
	}
}
