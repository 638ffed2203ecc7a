package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RequestContext describes where a request came from. Context functions
// (registered via WithContextFunc) can augment it before the handler runs.
type RequestContext struct {
	Origin    string
	SourceURL string
	ProductID string
}

// Request is an inbound RPC call handed to a handler.
type Request struct {
	ID      string
	Method  string
	Params  json.RawMessage
	Context RequestContext
}

// Bind unmarshals the request params into v, surfacing failures as
// invalid-params protocol errors.
func (r *Request) Bind(v any) error {
	if r.Params == nil {
		return Errorf(CodeInvalidParams, "%s: missing params", r.Method)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return Errorf(CodeInvalidParams, "%s: %v", r.Method, err)
	}
	return nil
}

// Handler answers a single-shot request with one result or an error.
type Handler func(ctx context.Context, req *Request) (any, error)

// EmitFunc pushes one intermediate result to a streaming caller.
type EmitFunc func(v any) error

// StreamHandler serves a streaming request. It may emit zero or more results
// before returning; ctx is cancelled when the caller aborts the stream.
type StreamHandler func(ctx context.Context, req *Request, emit EmitFunc) error

// ContextFunc augments the request context before dispatch. Returning an
// error rejects the request.
type ContextFunc func(rc *RequestContext) error

// Recorder receives per-request observations. Satisfied by the metrics
// package; optional.
type Recorder interface {
	RecordRPC(ctx context.Context, method string, ok bool, duration time.Duration)
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerMiddleware sets the payload middleware chain, applied to request
// params after receive and response results before send.
func WithServerMiddleware(mw ...Middleware) ServerOption {
	return func(s *Server) { s.middleware = mw }
}

// WithContextFunc appends request-context augmentation steps, run in order.
func WithContextFunc(fns ...ContextFunc) ServerOption {
	return func(s *Server) { s.contextFuncs = append(s.contextFuncs, fns...) }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *zap.SugaredLogger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithRecorder sets the per-request metrics recorder.
func WithRecorder(rec Recorder) ServerOption {
	return func(s *Server) { s.recorder = rec }
}

// WithHandlerTimeout bounds each single-shot handler invocation. Zero (the
// default) means no bound. Streams are exempt; they live as long as the
// caller keeps them open.
func WithHandlerTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.handlerTimeout = d }
}

// Server is the answering side of the frame protocol. It validates message
// origins against an allow-list, dispatches to registered handlers, and
// tracks in-flight calls so a caller's cancel envelope reaches the right
// handler context.
type Server struct {
	transport      Transport
	allowed        map[string]struct{}
	middleware     []Middleware
	contextFuncs   []ContextFunc
	logger         *zap.SugaredLogger
	recorder       Recorder
	handlerTimeout time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	streams  map[string]StreamHandler
	inflight map[string]context.CancelFunc
	closed   bool
}

// NewServer creates a server bound to a transport. Messages from origins
// outside allowedOrigins are silently dropped; they must produce no protocol
// effect at all.
func NewServer(transport Transport, allowedOrigins []string, opts ...ServerOption) *Server {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[normalizeOrigin(origin)] = struct{}{}
	}
	s := &Server{
		transport: transport,
		allowed:   allowed,
		logger:    zap.NewNop().Sugar(),
		handlers:  make(map[string]Handler),
		streams:   make(map[string]StreamHandler),
		inflight:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle registers a single-shot handler for a method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// HandleStream registers a streaming handler for a method.
func (s *Server) HandleStream(method string, h StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[method] = h
}

// Unregister removes any handler for a method.
func (s *Server) Unregister(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, method)
	delete(s.streams, method)
}

// Serve consumes inbound frames until ctx is cancelled or the transport
// closes. In-flight handlers are cancelled on exit.
func (s *Server) Serve(ctx context.Context) error {
	defer s.cancelAll()
	for {
		select {
		case frame, ok := <-s.transport.Receive():
			if !ok {
				return nil
			}
			s.handleFrame(ctx, frame)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) cancelAll() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, cancel := range s.inflight {
		cancels = append(cancels, cancel)
	}
	s.inflight = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (s *Server) handleFrame(ctx context.Context, frame Frame) {
	if !s.originAllowed(frame.Origin) {
		s.logger.Debugw("Dropping frame from disallowed origin", "origin", frame.Origin)
		return
	}
	for _, env := range frame.Envelopes {
		s.handleEnvelope(ctx, frame.Origin, env)
	}
}

func (s *Server) originAllowed(origin string) bool {
	if _, ok := s.allowed["*"]; ok {
		return true
	}
	_, ok := s.allowed[normalizeOrigin(origin)]
	return ok
}

func (s *Server) handleEnvelope(ctx context.Context, origin string, env Envelope) {
	if env.Method == MethodCancel {
		s.cancelInflight(env.ID)
		return
	}
	if env.ID == "" || !env.IsRequest() {
		// Malformed traffic never reaches application logic. Without an id
		// there is nothing to correlate an error response to.
		if env.ID != "" {
			s.respond(ctx, origin, env.ID, Envelope{
				ID:    env.ID,
				Error: NewError(CodeInvalidRequest, "malformed request envelope"),
			})
		}
		return
	}

	rc := RequestContext{Origin: origin, SourceURL: origin}
	for _, fn := range s.contextFuncs {
		if err := fn(&rc); err != nil {
			s.respondError(ctx, origin, env.ID, err)
			return
		}
	}

	params, err := applyInbound(s.middleware, env.Params)
	if err != nil {
		s.respondError(ctx, origin, env.ID, Errorf(CodeInternalError, "inbound middleware: %v", err))
		return
	}

	req := &Request{ID: env.ID, Method: env.Method, Params: params, Context: rc}

	s.mu.Lock()
	handler := s.handlers[env.Method]
	streamHandler := s.streams[env.Method]
	s.mu.Unlock()

	switch {
	case handler != nil:
		go s.runRequest(ctx, origin, req, handler)
	case streamHandler != nil:
		go s.runStream(ctx, origin, req, streamHandler)
	default:
		s.logger.Warnw("No handler for method", "method", env.Method, "origin", origin)
		s.respondError(ctx, origin, env.ID, Errorf(CodeMethodNotFound, "method not found: %s", env.Method))
	}
}

func (s *Server) runRequest(ctx context.Context, origin string, req *Request, handler Handler) {
	var reqCtx context.Context
	var cancel context.CancelFunc
	if s.handlerTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, s.handlerTimeout)
	} else {
		reqCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	if !s.trackInflight(req.ID, cancel) {
		return
	}
	defer s.untrack(req.ID)

	start := time.Now()
	result, err := handler(reqCtx, req)
	s.record(ctx, req.Method, err == nil, time.Since(start))

	// A cancelled caller is gone; emitting now would be a stale delivery. A
	// timed-out handler still owes the caller an error response.
	switch reqCtx.Err() {
	case context.Canceled:
		return
	case context.DeadlineExceeded:
		if err == nil {
			err = Errorf(CodeServerError, "%s: handler timed out", req.Method)
		}
	}
	if err != nil {
		s.respondError(ctx, origin, req.ID, err)
		return
	}
	s.respondResult(ctx, origin, req.ID, result, false)
}

func (s *Server) runStream(ctx context.Context, origin string, req *Request, handler StreamHandler) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !s.trackInflight(req.ID, cancel) {
		return
	}
	defer s.untrack(req.ID)

	emit := func(v any) error {
		if streamCtx.Err() != nil {
			return streamCtx.Err()
		}
		return s.respondResult(ctx, origin, req.ID, v, true)
	}

	start := time.Now()
	err := handler(streamCtx, req, emit)
	s.record(ctx, req.Method, err == nil, time.Since(start))

	if streamCtx.Err() != nil {
		return
	}
	if err != nil {
		s.respondError(ctx, origin, req.ID, err)
		return
	}
	// Terminal envelope: tells the caller the stream completed cleanly.
	s.respond(ctx, origin, req.ID, Envelope{ID: req.ID})
}

func (s *Server) trackInflight(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if prev, ok := s.inflight[id]; ok {
		// Duplicate id from the same frame: supersede the old call.
		prev()
	}
	s.inflight[id] = cancel
	return true
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Server) cancelInflight(id string) {
	s.mu.Lock()
	cancel := s.inflight[id]
	delete(s.inflight, id)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Server) respondResult(ctx context.Context, origin, id string, result any, stream bool) error {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(ctx, origin, id, Errorf(CodeInternalError, "marshal result: %v", err))
		return fmt.Errorf("marshal result: %w", err)
	}
	payload, err := applyOutbound(s.middleware, raw)
	if err != nil {
		s.respondError(ctx, origin, id, Errorf(CodeInternalError, "outbound middleware: %v", err))
		return fmt.Errorf("outbound middleware: %w", err)
	}
	return s.respond(ctx, origin, id, Envelope{ID: id, Result: payload, Stream: stream})
}

func (s *Server) respondError(ctx context.Context, origin, id string, err error) {
	s.respond(ctx, origin, id, Envelope{ID: id, Error: AsError(err)})
}

func (s *Server) respond(ctx context.Context, origin, id string, env Envelope) error {
	err := s.transport.Send(ctx, Frame{Origin: origin, Envelopes: []Envelope{env}})
	if err != nil {
		s.logger.Debugw("Failed to send response", "id", id, "error", err)
	}
	return err
}

func (s *Server) record(ctx context.Context, method string, ok bool, d time.Duration) {
	if s.recorder != nil {
		s.recorder.RecordRPC(ctx, method, ok, d)
	}
}

// Close stops accepting new work and cancels all in-flight handlers.
// Idempotent.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.cancelAll()
}
