package ws

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/frak-labs/frame-connector/internal/modal"
	"github.com/frak-labs/frame-connector/internal/session"
	"github.com/frak-labs/frame-connector/internal/siwe"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// UIEvent is pushed to the wallet UI on every modal run change.
type UIEvent struct {
	Type  string          `json:"type"` // "modal", "idle" or "error"
	Run   *modal.RunState `json:"run,omitempty"`
	Error *rpc.Error      `json:"error,omitempty"`
}

// UICommand is a wallet UI reply: the active step completed, failed, or the
// user closed the modal.
type UICommand struct {
	Action string          `json:"action"` // "complete", "fail" or "dismiss"
	Step   modal.StepKind  `json:"step,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpc.Error      `json:"error,omitempty"`
}

// siweResult is the siweAuthenticate step result; the signature is checked
// against the session wallet before the step is accepted.
type siweResult struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Surface is the /v1/ui endpoint serving the wallet frontend: it mirrors the
// active modal run and feeds user decisions back into the sequencer. Only
// the wallet origin may connect.
type Surface struct {
	upgrader  websocket.Upgrader
	sequencer *modal.Sequencer
	state     *session.State
	logger    *zap.SugaredLogger
}

// NewSurface creates the wallet UI surface.
func NewSurface(walletOrigin string, sequencer *modal.Sequencer, state *session.State, logger *zap.SugaredLogger) *Surface {
	s := &Surface{sequencer: sequencer, state: state, logger: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || origin == walletOrigin
		},
	}
	return s
}

func (s *Surface) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("Wallet UI upgrade failed", "error", err)
		return
	}

	send := make(chan []byte, 64)
	done := make(chan struct{})

	push := func(event UIEvent) {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Errorw("Failed to marshal UI event", "error", err)
			return
		}
		select {
		case send <- payload:
		case <-done:
		default:
			s.logger.Warnw("Wallet UI send buffer full; dropping event")
		}
	}

	unsubscribe := s.sequencer.SubscribeRuns(func(run *modal.RunState) {
		if run == nil {
			push(UIEvent{Type: "idle"})
			return
		}
		push(UIEvent{Type: "modal", Run: run})
	})
	defer unsubscribe()

	// The UI needs the current run straight away, not just future changes.
	if run := s.sequencer.Snapshot(); run != nil {
		push(UIEvent{Type: "modal", Run: run})
	} else {
		push(UIEvent{Type: "idle"})
	}

	go s.writePump(conn, send, done)
	s.readPump(conn, push)
	close(done)
}

func (s *Surface) readPump(conn *websocket.Conn, push func(UIEvent)) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debugw("Wallet UI read error", "error", err)
			}
			return
		}

		var cmd UICommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			s.logger.Warnw("Invalid wallet UI command", "error", err)
			continue
		}
		if err := s.handleCommand(cmd); err != nil {
			push(UIEvent{Type: "error", Error: rpc.AsError(err)})
		}
	}
}

func (s *Surface) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (s *Surface) handleCommand(cmd UICommand) error {
	switch cmd.Action {
	case "complete":
		if cmd.Step == modal.StepSiweAuthenticate {
			if err := s.verifySiwe(cmd.Result); err != nil {
				return err
			}
		}
		return s.sequencer.CompleteStep(cmd.Step, cmd.Result)
	case "fail":
		stepErr := error(cmd.Error)
		if cmd.Error == nil {
			stepErr = rpc.NewError(rpc.CodeServerError, "step failed")
		}
		return s.sequencer.FailStep(stepErr)
	case "dismiss":
		return s.sequencer.Dismiss()
	}
	return rpc.Errorf(rpc.CodeInvalidRequest, "unknown action: %s", cmd.Action)
}

func (s *Surface) verifySiwe(result json.RawMessage) error {
	var payload siweResult
	if err := json.Unmarshal(result, &payload); err != nil {
		return rpc.Errorf(rpc.CodeInvalidParams, "siwe result: %v", err)
	}
	snap := s.state.Current()
	if snap.Session == nil {
		return rpc.NewError(rpc.CodeNotConnected, "no wallet session")
	}
	if err := siwe.VerifySignature(payload.Message, payload.Signature, snap.Session.Address); err != nil {
		return rpc.Errorf(rpc.CodeUserRejected, "siwe verification failed: %v", err)
	}
	return nil
}
