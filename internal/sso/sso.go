// Package sso hands a freshly authenticated session from the SSO popup back
// to the listener frame that opened it.
package sso

import (
	"context"
	"encoding/json"
	"time"

	"github.com/frak-labs/frame-connector/internal/modal"
	"github.com/frak-labs/frame-connector/internal/session"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"go.uber.org/zap"
)

// MethodComplete is the popup-to-wallet handoff RPC method.
const MethodComplete = "sso_complete"

// MethodSsoStatus is the notification pushed to the opener frame once the
// session landed.
const MethodSsoStatus = "sso_status"

// Opener is a located related frame that can receive a notification.
type Opener interface {
	Notify(ctx context.Context, method string, params any) error
}

// Registry locates the opener's listener frame by the context id the popup
// was launched with. Lookup is best-effort: ok=false, never an error.
type Registry interface {
	Find(contextID string) (Opener, bool)
}

// CompleteParams is the sso_complete payload.
type CompleteParams struct {
	Session    session.Session    `json:"session"`
	SdkSession session.SdkSession `json:"sdkSession"`
	ContextID  string             `json:"contextId,omitempty"`
}

// Manager serves sso_complete.
type Manager struct {
	state     *session.State
	sequencer *modal.Sequencer
	registry  Registry
	logger    *zap.SugaredLogger
}

// NewManager creates a manager. sequencer and registry may be nil.
func NewManager(state *session.State, sequencer *modal.Sequencer, registry Registry, logger *zap.SugaredLogger) *Manager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{state: state, sequencer: sequencer, registry: registry, logger: logger}
}

// HandleComplete stores the handed-off session, completes a waiting login
// step if one is active, and pings the opener frame.
func (m *Manager) HandleComplete(ctx context.Context, req *rpc.Request) (any, error) {
	var params CompleteParams
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if params.Session.Address == "" || params.Session.Token == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "sso_complete: incomplete session")
	}

	// Storing the session re-emits wallet status to every live listener.
	m.state.SetSession(&params.Session, &params.SdkSession)
	m.logger.Infow("SSO session installed", "wallet", params.Session.Address)

	if m.sequencer != nil {
		raw, _ := json.Marshal(map[string]string{"wallet": params.Session.Address})
		if err := m.sequencer.CompleteStep(modal.StepLogin, raw); err != nil {
			// No login step waiting; nothing to resume.
			m.logger.Debugw("No pending login step", "error", err)
		}
	}

	m.notifyOpener(params.ContextID)
	return map[string]bool{"ok": true}, nil
}

// notifyOpener pings the opener's listener frame so it can refresh its UI.
// The frame may be gone; that is fine.
func (m *Manager) notifyOpener(contextID string) {
	if m.registry == nil || contextID == "" {
		return
	}
	opener, ok := m.registry.Find(contextID)
	if !ok {
		m.logger.Debugw("Opener frame not found", "contextId", contextID)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := opener.Notify(ctx, MethodSsoStatus, map[string]string{"status": "logged-in"}); err != nil {
			m.logger.Debugw("Opener notification failed", "contextId", contextID, "error", err)
		}
	}()
}
