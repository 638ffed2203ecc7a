package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientMiddleware sets the payload middleware chain, applied to request
// params before send and response results after receive.
func WithClientMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = mw }
}

// WithRequestTimeout bounds every single-shot request. Zero (the default)
// means no timeout: a request with no response waits until the caller's
// context cancels or the client is closed.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientLogger sets the client logger.
func WithClientLogger(logger *zap.SugaredLogger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// Client is the caller side of the frame protocol: it correlates outbound
// requests to inbound responses by id and demultiplexes stream updates.
// Responses may arrive in any order; correlation is solely by id.
type Client struct {
	transport    Transport
	targetOrigin string
	middleware   []Middleware
	timeout      time.Duration
	logger       *zap.SugaredLogger

	mu      sync.Mutex
	pending map[string]chan Envelope
	streams map[string]*Stream
	closed  bool
	done    chan struct{}
}

// NewClient creates a client bound to a transport and a single expected
// origin. Inbound frames from any other origin are silently dropped.
func NewClient(transport Transport, targetOrigin string, opts ...ClientOption) *Client {
	c := &Client{
		transport:    transport,
		targetOrigin: normalizeOrigin(targetOrigin),
		logger:       zap.NewNop().Sugar(),
		pending:      make(map[string]chan Envelope),
		streams:      make(map[string]*Stream),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.recvLoop()
	return c
}

// Request performs a single-shot call. The response result is unmarshalled
// into out when out is non-nil. A protocol error from the far side is
// returned as *Error.
func (c *Client) Request(ctx context.Context, method string, params, out any) error {
	env, respCh, err := c.sendRequest(ctx, method, params, false)
	if err != nil {
		return err
	}

	var timeout <-chan time.Time
	if c.timeout > 0 {
		timer := time.NewTimer(c.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil && resp.Result != nil {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("unmarshal %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.abandon(env.ID)
		return ctx.Err()
	case <-timeout:
		c.abandon(env.ID)
		return Errorf(CodeClientAborted, "request %s timed out", method)
	case <-c.done:
		return NewError(CodeClientAborted, "client closed")
	}
}

// Stream opens a streaming call. The far side may push any number of results
// before the stream terminates; closing the stream signals the far side so
// it can release server-side resources.
func (c *Client) Stream(ctx context.Context, method string, params any) (*Stream, error) {
	env, _, err := c.sendRequest(ctx, method, params, true)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	s := c.streams[env.ID]
	c.mu.Unlock()
	if s == nil {
		// Client closed between send and registration.
		return nil, NewError(CodeClientAborted, "client closed")
	}
	return s, nil
}

func (c *Client) sendRequest(ctx context.Context, method string, params any, stream bool) (Envelope, chan Envelope, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return Envelope{}, nil, fmt.Errorf("marshal %s params: %w", method, err)
		}
		raw = encoded
	}
	raw, err := applyOutbound(c.middleware, raw)
	if err != nil {
		return Envelope{}, nil, Errorf(CodeInternalError, "outbound middleware: %v", err)
	}

	env := Envelope{ID: uuid.NewString(), Method: method, Params: raw}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Envelope{}, nil, NewError(CodeClientAborted, "client closed")
	}
	var respCh chan Envelope
	if stream {
		c.streams[env.ID] = newStream(c, env.ID)
	} else {
		respCh = make(chan Envelope, 1)
		c.pending[env.ID] = respCh
	}
	c.mu.Unlock()

	if err := c.transport.Send(ctx, Frame{Origin: c.targetOrigin, Envelopes: []Envelope{env}}); err != nil {
		c.abandon(env.ID)
		return Envelope{}, nil, fmt.Errorf("send %s: %w", method, err)
	}
	return env, respCh, nil
}

// abandon drops local state for an id and tells the far side to stop
// working on it.
func (c *Client) abandon(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	s := c.streams[id]
	delete(c.streams, id)
	closed := c.closed
	c.mu.Unlock()

	if s != nil {
		s.finish(io.EOF)
	}
	if closed {
		return
	}
	cancel := Envelope{ID: id, Method: MethodCancel}
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second)
	defer cancelFn()
	if err := c.transport.Send(ctx, Frame{Origin: c.targetOrigin, Envelopes: []Envelope{cancel}}); err != nil {
		c.logger.Debugw("Failed to signal cancellation", "id", id, "error", err)
	}
}

// Close tears down the client: all in-flight requests are rejected with a
// client-aborted error, all streams end, and the receive loop stops.
// Idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.pending = make(map[string]chan Envelope)
	c.streams = make(map[string]*Stream)
	close(c.done)
	c.mu.Unlock()

	for _, s := range streams {
		s.finish(NewError(CodeClientAborted, "client closed"))
	}
}

func (c *Client) recvLoop() {
	for {
		select {
		case frame, ok := <-c.transport.Receive():
			if !ok {
				c.Close()
				return
			}
			c.handleFrame(frame)
		case <-c.done:
			return
		}
	}
}

func (c *Client) handleFrame(frame Frame) {
	if normalizeOrigin(frame.Origin) != c.targetOrigin {
		c.logger.Debugw("Dropping frame from unexpected origin", "origin", frame.Origin)
		return
	}
	for _, env := range frame.Envelopes {
		// Responses carry no method. A terminal stream envelope has neither
		// result nor error, so IsResponse alone would miss it.
		if env.ID == "" || env.Method != "" {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	if env.Error == nil {
		result, err := applyInbound(c.middleware, env.Result)
		if err != nil {
			env = Envelope{
				ID:    env.ID,
				Error: Errorf(CodeInternalError, "inbound middleware: %v", err),
			}
		} else {
			env.Result = result
		}
	}

	c.mu.Lock()
	if respCh, ok := c.pending[env.ID]; ok {
		delete(c.pending, env.ID)
		c.mu.Unlock()
		respCh <- env
		return
	}
	s := c.streams[env.ID]
	if s != nil && (env.Error != nil || !env.Stream) {
		delete(c.streams, env.ID)
	}
	c.mu.Unlock()

	if s == nil {
		return
	}
	switch {
	case env.Error != nil:
		s.finish(env.Error)
	case !env.Stream:
		s.finish(io.EOF)
	default:
		s.push(env.Result)
	}
}

// Stream is a lazy sequence of results tied to one streaming request.
type Stream struct {
	client *Client
	id     string

	mu       sync.Mutex
	queue    []json.RawMessage
	err      error
	finished bool
	notify   chan struct{}
	once     sync.Once
}

func newStream(c *Client, id string) *Stream {
	return &Stream{client: c, id: id, notify: make(chan struct{}, 1)}
}

// Recv returns the next result. It returns io.EOF once the stream has been
// closed by either side, or the terminal protocol error.
func (s *Stream) Recv(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return next, nil
		}
		if s.finished {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close aborts the stream and signals the far side to release its handler.
// Idempotent; buffered results delivered after Close are discarded.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.client.abandon(s.id)
	})
}

func (s *Stream) push(result json.RawMessage) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, result)
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) finish(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.err = err
	s.queue = nil
	s.mu.Unlock()
	s.wake()
}

func (s *Stream) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// normalizeOrigin lowercases an origin and strips any path so that
// "https://Example.com/" and "https://example.com" compare equal.
func normalizeOrigin(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimSuffix(origin, "/"))
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}
