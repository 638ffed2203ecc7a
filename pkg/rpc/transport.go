package rpc

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by Send after the transport is torn down.
var ErrTransportClosed = errors.New("transport closed")

// Frame is a batch of envelopes crossing the origin boundary. On outbound
// frames Origin is the target origin; on inbound frames it is the validated
// source origin reported by the transport.
type Frame struct {
	Origin    string
	Envelopes []Envelope
}

// Transport moves frames across an origin boundary. Implementations must
// populate Frame.Origin on received frames and close the Receive channel
// when the underlying connection goes away.
type Transport interface {
	Send(ctx context.Context, frame Frame) error
	Receive() <-chan Frame
	Close() error
}

// Pipe returns two connected in-process transports. Frames sent on one end
// are received on the other, Origin passed through untouched. Used by tests
// and by same-process frame wiring.
func Pipe() (Transport, Transport) {
	done := make(chan struct{})
	closeOnce := &sync.Once{}
	a := newPipeEnd(done, closeOnce)
	b := newPipeEnd(done, closeOnce)
	a.peer, b.peer = b, a
	// One forwarder per end owns the exposed channel, so closing is safe
	// even while the peer is mid-send.
	go a.forward()
	go b.forward()
	return a, b
}

type pipeEnd struct {
	inbox chan Frame // written by the peer's Send
	recv  chan Frame // exposed via Receive, closed by forward
	done  chan struct{}
	peer  *pipeEnd

	closeOnce *sync.Once
}

func newPipeEnd(done chan struct{}, once *sync.Once) *pipeEnd {
	return &pipeEnd{
		inbox:     make(chan Frame, 16),
		recv:      make(chan Frame, 16),
		done:      done,
		closeOnce: once,
	}
}

func (p *pipeEnd) forward() {
	defer close(p.recv)
	for {
		select {
		case frame := <-p.inbox:
			select {
			case p.recv <- frame:
			case <-p.done:
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *pipeEnd) Send(ctx context.Context, frame Frame) error {
	select {
	case p.peer.inbox <- frame:
		return nil
	case <-p.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive() <-chan Frame {
	return p.recv
}

// Close tears down both ends. Safe to call more than once, from either end.
func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	return nil
}
