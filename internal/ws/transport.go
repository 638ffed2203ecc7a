// Package ws bridges partner frames and the wallet UI to the frame protocol
// over WebSocket connections.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
)

// connTransport adapts one WebSocket connection to rpc.Transport. The
// upgrade's Origin header is the message origin for every inbound frame.
type connTransport struct {
	conn   *websocket.Conn
	origin string
	logger *zap.SugaredLogger

	recv chan rpc.Frame
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConnTransport(conn *websocket.Conn, origin string, logger *zap.SugaredLogger) *connTransport {
	t := &connTransport{
		conn:   conn,
		origin: origin,
		logger: logger,
		recv:   make(chan rpc.Frame, 16),
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t
}

func (t *connTransport) Send(ctx context.Context, frame rpc.Frame) error {
	var payload []byte
	var err error
	if len(frame.Envelopes) == 1 {
		payload, err = json.Marshal(frame.Envelopes[0])
	} else {
		payload, err = json.Marshal(frame.Envelopes)
	}
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	select {
	case t.send <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return rpc.ErrTransportClosed
	}
}

func (t *connTransport) Receive() <-chan rpc.Frame {
	return t.recv
}

func (t *connTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		_ = t.conn.Close()
	})
	return nil
}

// readPump owns and closes recv.
func (t *connTransport) readPump() {
	defer func() {
		_ = t.Close()
		close(t.recv)
	}()

	t.conn.SetReadLimit(maxMessageSize)
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				t.logger.Debugw("WebSocket read error", "origin", t.origin, "error", err)
			}
			return
		}

		envelopes, err := rpc.DecodeEnvelopes(message)
		if err != nil {
			t.logger.Warnw("Dropping undecodable frame", "origin", t.origin, "error", err)
			continue
		}

		select {
		case t.recv <- rpc.Frame{Origin: t.origin, Envelopes: envelopes}:
		case <-t.done:
			return
		}
	}
}

func (t *connTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.Close()
	}()

	for {
		select {
		case payload := <-t.send:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = t.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
