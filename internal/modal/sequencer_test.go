package modal

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/frak-labs/frame-connector/internal/session"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubReader struct {
	window *session.SessionWindow
	err    error
}

func (s *stubReader) SessionWindow(context.Context, string) (*session.SessionWindow, error) {
	return s.window, s.err
}

func openWindow() *session.SessionWindow {
	now := time.Now().Unix()
	return &session.SessionWindow{StartTimestamp: now - 60, EndTimestamp: now + 3600}
}

func newSequencer(state *session.State, reader session.InteractionReader) *Sequencer {
	return NewSequencer(state, reader, zap.NewNop().Sugar(), nil)
}

func displayRequest(t *testing.T, steps map[StepKind]json.RawMessage) *rpc.Request {
	t.Helper()
	params, err := json.Marshal(DisplayRequest{Steps: steps})
	require.NoError(t, err)
	return &rpc.Request{
		ID:      "modal-1",
		Method:  MethodDisplayModal,
		Params:  params,
		Context: rpc.RequestContext{Origin: "https://partner.example", ProductID: "0xprod"},
	}
}

type displayResult struct {
	results Results
	err     error
}

func startDisplay(s *Sequencer, req *rpc.Request) <-chan displayResult {
	ch := make(chan displayResult, 1)
	go func() {
		out, err := s.Display(context.Background(), req)
		if err != nil {
			ch <- displayResult{err: err}
			return
		}
		raw, _ := json.Marshal(out)
		var results Results
		_ = json.Unmarshal(raw, &results)
		ch <- displayResult{results: results}
	}()
	return ch
}

func waitActiveStep(t *testing.T, s *Sequencer, key StepKind) {
	t.Helper()
	require.Eventually(t, func() bool {
		run := s.Snapshot()
		active := run.ActiveStep()
		return active != nil && active.Key == key
	}, 2*time.Second, 5*time.Millisecond)
}

func waitResult(t *testing.T, ch <-chan displayResult) displayResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("modal run never settled")
		return displayResult{}
	}
}

func TestStepOrdering(t *testing.T) {
	steps := sortSteps(map[StepKind]json.RawMessage{
		StepFinal:            nil,
		StepSendTransaction:  nil,
		StepLogin:            nil,
		StepSiweAuthenticate: nil,
		StepOpenSession:      nil,
	})

	keys := make([]StepKind, 0, len(steps))
	for _, s := range steps {
		keys = append(keys, s.Key)
	}
	assert.Equal(t, []StepKind{StepLogin, StepOpenSession, StepSiweAuthenticate, StepSendTransaction, StepFinal}, keys)
}

func TestDisplayRejectsEmptySteps(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	_, err := s.Display(context.Background(), displayRequest(t, map[StepKind]json.RawMessage{}))
	assert.True(t, rpc.IsCode(err, rpc.CodeInvalidRequest))
}

func TestDisplayRejectsUnknownStep(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	_, err := s.Display(context.Background(), displayRequest(t, map[StepKind]json.RawMessage{
		StepKind("teleport"): nil,
	}))
	assert.True(t, rpc.IsCode(err, rpc.CodeInvalidRequest))
}

// A full walk with no session: sendTransaction first, then final, then the
// aggregated result map.
func TestDisplayFullWalk(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepSendTransaction: json.RawMessage(`{"to":"0x1"}`),
		StepFinal:           json.RawMessage(`{}`),
	}))

	waitActiveStep(t, s, StepSendTransaction)
	require.NoError(t, s.CompleteStep(StepSendTransaction, json.RawMessage(`{"hash":"0x.."}`)))

	waitActiveStep(t, s, StepFinal)
	require.NoError(t, s.CompleteStep(StepFinal, json.RawMessage(`{"seen":true}`)))

	res := waitResult(t, ch)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"hash":"0x.."}`, string(res.results[StepSendTransaction]))
	assert.JSONEq(t, `{"seen":true}`, string(res.results[StepFinal]))
	assert.Nil(t, s.Snapshot())
}

func TestLoginSkippedWithLiveSession(t *testing.T) {
	state := session.NewState()
	state.SetSession(&session.Session{Address: "0xabc", Token: "tok"}, nil)
	s := newSequencer(state, nil)

	ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepLogin:           nil,
		StepSendTransaction: json.RawMessage(`{"to":"0x1"}`),
	}))

	// sendTransaction is the first interactive step; login resolved itself.
	waitActiveStep(t, s, StepSendTransaction)
	run := s.Snapshot()
	assert.JSONEq(t, `{"wallet":"0xabc"}`, string(run.Results[StepLogin]))

	require.NoError(t, s.CompleteStep(StepSendTransaction, json.RawMessage(`{"hash":"0x.."}`)))

	res := waitResult(t, ch)
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"wallet":"0xabc"}`, string(res.results[StepLogin]))
}

func TestOpenSessionSkippedWithOpenWindow(t *testing.T) {
	state := session.NewState()
	state.SetSession(&session.Session{Address: "0xabc", Token: "tok"}, nil)
	s := newSequencer(state, &stubReader{window: openWindow()})

	ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepLogin:           nil,
		StepOpenSession:     nil,
		StepSendTransaction: nil,
	}))

	waitActiveStep(t, s, StepSendTransaction)
	run := s.Snapshot()
	assert.Contains(t, run.Results, StepLogin)
	assert.Contains(t, run.Results, StepOpenSession)

	require.NoError(t, s.CompleteStep(StepSendTransaction, json.RawMessage(`{}`)))
	require.NoError(t, waitResult(t, ch).err)
}

func TestOpenSessionNotSkippedOnLookupFailure(t *testing.T) {
	state := session.NewState()
	state.SetSession(&session.Session{Address: "0xabc", Token: "tok"}, nil)
	s := newSequencer(state, &stubReader{err: context.DeadlineExceeded})

	startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepLogin:       nil,
		StepOpenSession: nil,
	}))

	waitActiveStep(t, s, StepOpenSession)
	run := s.Snapshot()
	assert.Contains(t, run.Results, StepLogin)
	assert.NotContains(t, run.Results, StepOpenSession)
	s.Clear()
}

// Closing with only the final step left counts as completion; closing with
// an interactive step unresolved is a cancellation.
func TestDismissDistinguishesCompletionFromCancellation(t *testing.T) {
	t.Run("only final left", func(t *testing.T) {
		state := session.NewState()
		state.SetSession(&session.Session{Address: "0xabc", Token: "tok"}, nil)
		s := newSequencer(state, nil)

		ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
			StepLogin:           nil,
			StepSendTransaction: nil,
			StepFinal:           nil,
		}))

		waitActiveStep(t, s, StepSendTransaction)
		require.NoError(t, s.CompleteStep(StepSendTransaction, json.RawMessage(`{"hash":"0x.."}`)))
		waitActiveStep(t, s, StepFinal)

		require.NoError(t, s.Dismiss())
		res := waitResult(t, ch)
		require.NoError(t, res.err)
		assert.Contains(t, res.results, StepSendTransaction)
	})

	t.Run("interactive step unresolved", func(t *testing.T) {
		s := newSequencer(session.NewState(), nil)
		ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
			StepSendTransaction: nil,
			StepFinal:           nil,
		}))

		waitActiveStep(t, s, StepSendTransaction)
		require.NoError(t, s.Dismiss())

		res := waitResult(t, ch)
		assert.True(t, rpc.IsCode(res.err, rpc.CodeClientAborted))
	})
}

func TestStepErrorAbortsRun(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepSendTransaction: nil,
	}))

	waitActiveStep(t, s, StepSendTransaction)
	require.NoError(t, s.FailStep(rpc.NewError(rpc.CodeUserRejected, "declined in wallet")))

	res := waitResult(t, ch)
	assert.True(t, rpc.IsCode(res.err, rpc.CodeUserRejected))
	assert.Nil(t, s.Snapshot())
}

func TestNewRunSupersedesPrevious(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	first := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepSendTransaction: nil,
	}))
	waitActiveStep(t, s, StepSendTransaction)

	second := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepSiweAuthenticate: nil,
	}))

	res := waitResult(t, first)
	assert.True(t, rpc.IsCode(res.err, rpc.CodeClientAborted))

	waitActiveStep(t, s, StepSiweAuthenticate)
	require.NoError(t, s.CompleteStep(StepSiweAuthenticate, json.RawMessage(`{}`)))
	require.NoError(t, waitResult(t, second).err)
}

func TestCompleteWrongStepRejected(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepSendTransaction: nil,
		StepFinal:           nil,
	}))
	waitActiveStep(t, s, StepSendTransaction)

	err := s.CompleteStep(StepFinal, json.RawMessage(`{}`))
	assert.True(t, rpc.IsCode(err, rpc.CodeInvalidRequest))
	s.Clear()
}

func TestCompleteWithoutRunRejected(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	err := s.CompleteStep(StepLogin, nil)
	assert.True(t, rpc.IsCode(err, rpc.CodeInvalidRequest))
	assert.True(t, rpc.IsCode(s.Dismiss(), rpc.CodeInvalidRequest))
}

func TestAllStepsPreSkipped(t *testing.T) {
	state := session.NewState()
	state.SetSession(&session.Session{Address: "0xabc", Token: "tok"}, nil)
	s := newSequencer(state, &stubReader{window: openWindow()})

	ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepLogin:       nil,
		StepOpenSession: nil,
	}))

	res := waitResult(t, ch)
	require.NoError(t, res.err)
	assert.Contains(t, res.results, StepLogin)
	assert.Contains(t, res.results, StepOpenSession)
	assert.Nil(t, s.Snapshot())
}

func TestCallerCancellationClearsRun(t *testing.T) {
	s := newSequencer(session.NewState(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Display(ctx, displayRequest(t, map[StepKind]json.RawMessage{
			StepSendTransaction: nil,
		}))
		done <- err
	}()
	waitActiveStep(t, s, StepSendTransaction)

	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("display never returned")
	}

	require.Eventually(t, func() bool { return s.Snapshot() == nil },
		2*time.Second, 5*time.Millisecond)
}

// Concurrent completers must never publish a snapshot that steps backwards.
func TestPublishedSnapshotsNeverRegress(t *testing.T) {
	s := newSequencer(session.NewState(), nil)

	var mu sync.Mutex
	var currents []int
	unsub := s.SubscribeRuns(func(run *RunState) {
		mu.Lock()
		defer mu.Unlock()
		if run == nil {
			currents = append(currents, len(currents)+100)
			return
		}
		currents = append(currents, run.Current)
	})
	defer unsub()

	ch := startDisplay(s, displayRequest(t, map[StepKind]json.RawMessage{
		StepLogin:            nil,
		StepOpenSession:      nil,
		StepSiweAuthenticate: nil,
		StepSendTransaction:  nil,
		StepFinal:            nil,
	}))
	waitActiveStep(t, s, StepLogin)

	// Several workers race to complete whatever step is active; only one
	// wins each advance, the rest get step-not-active errors.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				run := s.Snapshot()
				if run == nil {
					return
				}
				active := run.ActiveStep()
				if active == nil {
					return
				}
				_ = s.CompleteStep(active.Key, json.RawMessage(`{}`))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, waitResult(t, ch).err)

	mu.Lock()
	defer mu.Unlock()
	last := -1
	for _, cur := range currents {
		assert.Greater(t, cur, last)
		last = cur
	}
}
