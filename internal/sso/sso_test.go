package sso

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/frak-labs/frame-connector/internal/modal"
	"github.com/frak-labs/frame-connector/internal/session"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOpener struct {
	notified chan string
}

func (f *fakeOpener) Notify(ctx context.Context, method string, params any) error {
	f.notified <- method
	return nil
}

type fakeRegistry struct {
	opener *fakeOpener
	id     string
}

func (f *fakeRegistry) Find(contextID string) (Opener, bool) {
	if f.opener == nil || contextID != f.id {
		return nil, false
	}
	return f.opener, true
}

func completeRequest(t *testing.T, params CompleteParams) *rpc.Request {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	return &rpc.Request{
		ID:      "sso-1",
		Method:  MethodComplete,
		Params:  raw,
		Context: rpc.RequestContext{Origin: "https://wallet.example"},
	}
}

func TestHandleCompleteStoresSession(t *testing.T) {
	state := session.NewState()
	m := NewManager(state, nil, nil, zap.NewNop().Sugar())

	_, err := m.HandleComplete(context.Background(), completeRequest(t, CompleteParams{
		Session:    session.Session{Address: "0xabc", Token: "tok"},
		SdkSession: session.SdkSession{Token: "sdk", ExpiresAt: time.Now().Add(time.Hour)},
	}))
	require.NoError(t, err)

	snap := state.Current()
	require.NotNil(t, snap.Session)
	assert.Equal(t, "0xabc", snap.Session.Address)
	require.NotNil(t, snap.Sdk)
	assert.Equal(t, "sdk", snap.Sdk.Token)
}

func TestHandleCompleteRejectsIncompleteSession(t *testing.T) {
	m := NewManager(session.NewState(), nil, nil, zap.NewNop().Sugar())

	_, err := m.HandleComplete(context.Background(), completeRequest(t, CompleteParams{
		Session: session.Session{Address: "0xabc"},
	}))
	assert.True(t, rpc.IsCode(err, rpc.CodeInvalidParams))
}

func TestHandleCompleteResumesLoginStep(t *testing.T) {
	state := session.NewState()
	sequencer := modal.NewSequencer(state, nil, zap.NewNop().Sugar(), nil)
	m := NewManager(state, sequencer, nil, zap.NewNop().Sugar())

	params, err := json.Marshal(modal.DisplayRequest{Steps: map[modal.StepKind]json.RawMessage{
		modal.StepLogin: nil,
	}})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() {
		_, err := sequencer.Display(context.Background(), &rpc.Request{
			ID: "modal-1", Method: modal.MethodDisplayModal, Params: params,
		})
		done <- err
	}()
	require.Eventually(t, func() bool {
		run := sequencer.Snapshot()
		return run != nil && run.ActiveStep() != nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err = m.HandleComplete(context.Background(), completeRequest(t, CompleteParams{
		Session:    session.Session{Address: "0xabc", Token: "tok"},
		SdkSession: session.SdkSession{Token: "sdk", ExpiresAt: time.Now().Add(time.Hour)},
	}))
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("login step never resumed")
	}
}

func TestHandleCompleteNotifiesOpener(t *testing.T) {
	opener := &fakeOpener{notified: make(chan string, 1)}
	registry := &fakeRegistry{opener: opener, id: "ctx-42"}
	m := NewManager(session.NewState(), nil, registry, zap.NewNop().Sugar())

	_, err := m.HandleComplete(context.Background(), completeRequest(t, CompleteParams{
		Session:    session.Session{Address: "0xabc", Token: "tok"},
		SdkSession: session.SdkSession{Token: "sdk", ExpiresAt: time.Now().Add(time.Hour)},
		ContextID:  "ctx-42",
	}))
	require.NoError(t, err)

	select {
	case method := <-opener.notified:
		assert.Equal(t, MethodSsoStatus, method)
	case <-time.After(2 * time.Second):
		t.Fatal("opener never notified")
	}
}

func TestHandleCompleteMissingOpenerIsFine(t *testing.T) {
	registry := &fakeRegistry{}
	m := NewManager(session.NewState(), nil, registry, zap.NewNop().Sugar())

	_, err := m.HandleComplete(context.Background(), completeRequest(t, CompleteParams{
		Session:    session.Session{Address: "0xabc", Token: "tok"},
		SdkSession: session.SdkSession{Token: "sdk", ExpiresAt: time.Now().Add(time.Hour)},
		ContextID:  "gone",
	}))
	require.NoError(t, err)
}
