package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu     sync.Mutex
	window *SessionWindow
	err    error
	calls  int
	block  chan struct{}
}

func (f *fakeReader) SessionWindow(ctx context.Context, wallet string) (*SessionWindow, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	window, err := f.window, f.err
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return window, err
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeBackup struct {
	pushes chan WalletStatus
}

func newFakeBackup() *fakeBackup {
	return &fakeBackup{pushes: make(chan WalletStatus, 16)}
}

func (f *fakeBackup) Push(ctx context.Context, productID string, status WalletStatus) error {
	f.pushes <- status
	return nil
}

func openWindow() *SessionWindow {
	now := time.Now().Unix()
	return &SessionWindow{StartTimestamp: now - 60, EndTimestamp: now + 3600}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestResolveNotConnected(t *testing.T) {
	state := NewState()
	backup := newFakeBackup()
	r := NewResolver(state, nil, backup, testLogger())

	status, err := r.Resolve(context.Background(), "0xprod")
	require.NoError(t, err)
	assert.Equal(t, StatusNotConnected, status.Key)
	assert.Empty(t, status.Wallet)

	select {
	case pushed := <-backup.pushes:
		assert.Equal(t, StatusNotConnected, pushed.Key)
	case <-time.After(2 * time.Second):
		t.Fatal("backup push never happened")
	}
}

func TestResolveConnected(t *testing.T) {
	state := NewState()
	state.SetSession(
		&Session{Address: "0xabc", Token: "tok"},
		&SdkSession{Token: "sdk-tok", ExpiresAt: time.Now().Add(time.Hour)},
	)
	reader := &fakeReader{window: openWindow()}
	r := NewResolver(state, reader, nil, testLogger())

	status, err := r.Resolve(context.Background(), "0xprod")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, status.Key)
	assert.Equal(t, "0xabc", status.Wallet)
	assert.Equal(t, "sdk-tok", status.InteractionToken)
	require.NotNil(t, status.InteractionSession)
	assert.True(t, status.InteractionSession.Open())
}

func TestResolveExpiredSdkToken(t *testing.T) {
	state := NewState()
	state.SetSession(
		&Session{Address: "0xabc", Token: "tok"},
		&SdkSession{Token: "sdk-tok", ExpiresAt: time.Now().Add(-time.Minute)},
	)
	r := NewResolver(state, nil, nil, testLogger())

	status, err := r.Resolve(context.Background(), "0xprod")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, status.Key)
	assert.Empty(t, status.InteractionToken)
}

func TestResolveDegradesOnLookupFailure(t *testing.T) {
	state := NewState()
	state.SetSession(&Session{Address: "0xabc", Token: "tok"}, nil)
	reader := &fakeReader{err: errors.New("chain unavailable")}
	r := NewResolver(state, reader, nil, testLogger())

	status, err := r.Resolve(context.Background(), "0xprod")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, status.Key)
	assert.Nil(t, status.InteractionSession)
}

func TestResolveCancelled(t *testing.T) {
	state := NewState()
	backup := newFakeBackup()
	r := NewResolver(state, nil, backup, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Resolve(ctx, "0xprod")
	require.Error(t, err)

	// A cancelled resolution has no side effects at all.
	select {
	case <-backup.pushes:
		t.Fatal("backup pushed despite cancellation")
	case <-time.After(100 * time.Millisecond):
	}
}
