package modal

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/frak-labs/frame-connector/internal/metrics"
	"github.com/frak-labs/frame-connector/internal/session"
	"github.com/frak-labs/frame-connector/internal/store"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MethodDisplayModal is the modal run RPC method.
const MethodDisplayModal = "frak_displayModal"

// Run outcomes, recorded as metrics labels.
const (
	outcomeCompleted  = "completed"
	outcomeCancelled  = "cancelled"
	outcomeErrored    = "errored"
	outcomeSuperseded = "superseded"
)

// Header is the modal title bar content.
type Header struct {
	Title string `json:"title,omitempty"`
	Icon  string `json:"icon,omitempty"`
}

// Metadata is display information shared by all steps of one run.
type Metadata struct {
	Header  *Header `json:"header,omitempty"`
	Context string  `json:"context,omitempty"`
	Lang    string  `json:"lang,omitempty"`
}

// DisplayRequest is the frak_displayModal payload.
type DisplayRequest struct {
	Steps    map[StepKind]json.RawMessage `json:"steps"`
	Metadata *Metadata                    `json:"metadata,omitempty"`
}

// Results maps completed step keys to their results.
type Results map[StepKind]json.RawMessage

// RunState is the published snapshot of the active run. Values handed to
// subscribers are copies; only the sequencer mutates the live run.
type RunState struct {
	ID       string    `json:"id"`
	Steps    []Step    `json:"steps"`
	Current  int       `json:"currentStep"`
	Results  Results   `json:"results"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// ActiveStep returns the step awaiting a result, or nil past the last step.
func (rs *RunState) ActiveStep() *Step {
	if rs == nil || rs.Current < 0 || rs.Current >= len(rs.Steps) {
		return nil
	}
	return &rs.Steps[rs.Current]
}

// onlyFinalRemaining reports whether every non-final step already has a
// result. Closing the modal in that state counts as completion, not
// cancellation: the user acknowledged the success screen.
func (rs *RunState) onlyFinalRemaining() bool {
	for _, step := range rs.Steps {
		if step.Key == StepFinal {
			continue
		}
		if _, ok := rs.Results[step.Key]; !ok {
			return false
		}
	}
	return true
}

func (rs *RunState) clone() *RunState {
	cp := *rs
	cp.Steps = append([]Step(nil), rs.Steps...)
	cp.Results = make(Results, len(rs.Results))
	for k, v := range rs.Results {
		cp.Results[k] = v
	}
	return &cp
}

// Sequencer walks one modal run at a time. The run lives in a single mutable
// slot: installing a new run always aborts the previous one first.
type Sequencer struct {
	state   *session.State
	reader  session.InteractionReader
	atom    *store.Atom[*RunState]
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics

	mu      sync.Mutex
	pending *rpc.Deferred[Results]
	runID   string
}

// NewSequencer creates a sequencer. reader and m may be nil.
func NewSequencer(state *session.State, reader session.InteractionReader, logger *zap.SugaredLogger, m *metrics.Metrics) *Sequencer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Sequencer{
		state:   state,
		reader:  reader,
		atom:    store.NewAtom[*RunState](nil),
		logger:  logger,
		metrics: m,
	}
}

// Snapshot returns the active run state, or nil when idle.
func (s *Sequencer) Snapshot() *RunState {
	return s.atom.Get()
}

// SubscribeRuns registers a listener for run state changes; it receives nil
// when the run ends. Listeners run synchronously with the run lock held and
// must not call back into the sequencer. The returned function unsubscribes.
func (s *Sequencer) SubscribeRuns(fn func(*RunState)) func() {
	return s.atom.Subscribe(fn)
}

// Display is the frak_displayModal handler. It blocks until the run
// completes, fails, is dismissed, or the caller cancels.
func (s *Sequencer) Display(ctx context.Context, req *rpc.Request) (any, error) {
	var params DisplayRequest
	if err := req.Bind(&params); err != nil {
		return nil, err
	}
	if len(params.Steps) == 0 {
		return nil, rpc.NewError(rpc.CodeInvalidRequest, "no modal steps requested")
	}
	for key := range params.Steps {
		if !key.Valid() {
			return nil, rpc.Errorf(rpc.CodeInvalidRequest, "unknown modal step: %s", key)
		}
	}

	steps := sortSteps(params.Steps)
	results, current := s.preSkip(ctx, steps)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	run := &RunState{
		ID:       uuid.NewString(),
		Steps:    steps,
		Current:  current,
		Results:  results,
		Metadata: params.Metadata,
	}
	deferred := s.install(run)

	// Every step may already be satisfied; nothing to show then.
	if current >= len(steps) {
		s.settle(run.ID, func() {
			deferred.Resolve(run.Results)
			s.recordOutcome(ctx, outcomeCompleted)
		})
	}

	out, err := deferred.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Caller aborted the request; tear the run down silently.
			s.settle(run.ID, func() {
				deferred.Reject(rpc.NewError(rpc.CodeClientAborted, "caller aborted"))
				s.recordOutcome(context.Background(), outcomeCancelled)
			})
		}
		return nil, err
	}
	return out, nil
}

// preSkip synthesizes results for login and openSession when the current
// session state already satisfies them, returning the results collected so
// far and the first interactive step index.
func (s *Sequencer) preSkip(ctx context.Context, steps []Step) (Results, int) {
	results := make(Results)
	current := 0
	snap := s.state.Current()

	for current < len(steps) {
		step := steps[current]
		switch step.Key {
		case StepLogin:
			if snap.Session == nil {
				return results, current
			}
			raw, _ := json.Marshal(map[string]string{"wallet": snap.Session.Address})
			results[StepLogin] = raw
		case StepOpenSession:
			if snap.Session == nil || s.reader == nil {
				return results, current
			}
			window, err := s.reader.SessionWindow(ctx, snap.Session.Address)
			if err != nil || !window.Open() {
				return results, current
			}
			raw, _ := json.Marshal(window)
			results[StepOpenSession] = raw
		default:
			return results, current
		}
		current++
	}
	return results, current
}

// install publishes a new run, aborting any previous one. The snapshot is
// published under the run lock so concurrent settles cannot reorder it.
func (s *Sequencer) install(run *RunState) *rpc.Deferred[Results] {
	s.mu.Lock()
	prev := s.pending
	deferred := rpc.NewDeferred[Results]()
	s.pending = deferred
	s.runID = run.ID
	s.atom.Set(run.clone())
	s.mu.Unlock()

	if prev != nil {
		prev.Reject(rpc.NewError(rpc.CodeClientAborted, "superseded by a new modal request"))
		s.recordOutcome(context.Background(), outcomeSuperseded)
	}
	return deferred
}

// settle runs fn and clears the run, but only when id still owns the slot.
func (s *Sequencer) settle(id string, fn func()) {
	s.mu.Lock()
	if s.runID != id || s.pending == nil {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.runID = ""
	s.atom.Set(nil)
	s.mu.Unlock()

	fn()
}

// CompleteStep records the active step's result and advances. Completing the
// last step resolves the run with the aggregated results.
func (s *Sequencer) CompleteStep(key StepKind, result json.RawMessage) error {
	s.mu.Lock()
	run := s.atom.Get()
	if run == nil || s.pending == nil {
		s.mu.Unlock()
		return rpc.NewError(rpc.CodeInvalidRequest, "no active modal run")
	}
	active := run.ActiveStep()
	if active == nil || active.Key != key {
		s.mu.Unlock()
		return rpc.Errorf(rpc.CodeInvalidRequest, "step %s is not active", key)
	}

	next := run.clone()
	next.Results[key] = result
	next.Current++

	if next.Current >= len(next.Steps) {
		deferred := s.pending
		s.pending = nil
		s.runID = ""
		s.atom.Set(nil)
		s.mu.Unlock()

		deferred.Resolve(next.Results)
		s.recordOutcome(context.Background(), outcomeCompleted)
		return nil
	}
	s.atom.Set(next)
	s.mu.Unlock()
	return nil
}

// FailStep aborts the run with a step error. No partial results are emitted.
func (s *Sequencer) FailStep(stepErr error) error {
	s.mu.Lock()
	if s.pending == nil {
		s.mu.Unlock()
		return rpc.NewError(rpc.CodeInvalidRequest, "no active modal run")
	}
	deferred := s.pending
	s.pending = nil
	s.runID = ""
	s.atom.Set(nil)
	s.mu.Unlock()

	deferred.Reject(rpc.AsError(stepErr))
	s.recordOutcome(context.Background(), outcomeErrored)
	return nil
}

// Dismiss handles the user closing the modal. When only the informational
// final step is left the run completes with the collected results; otherwise
// the caller gets a client-aborted error.
func (s *Sequencer) Dismiss() error {
	s.mu.Lock()
	run := s.atom.Get()
	if run == nil || s.pending == nil {
		s.mu.Unlock()
		return rpc.NewError(rpc.CodeInvalidRequest, "no active modal run")
	}
	deferred := s.pending
	s.pending = nil
	s.runID = ""
	s.atom.Set(nil)
	s.mu.Unlock()

	if run.onlyFinalRemaining() {
		deferred.Resolve(run.clone().Results)
		s.recordOutcome(context.Background(), outcomeCompleted)
	} else {
		deferred.Reject(rpc.NewError(rpc.CodeClientAborted, "modal dismissed"))
		s.recordOutcome(context.Background(), outcomeCancelled)
	}
	return nil
}

// Clear aborts any active run, used at teardown.
func (s *Sequencer) Clear() {
	s.mu.Lock()
	deferred := s.pending
	s.pending = nil
	s.runID = ""
	if deferred != nil {
		s.atom.Set(nil)
	}
	s.mu.Unlock()

	if deferred != nil {
		deferred.Reject(rpc.NewError(rpc.CodeClientAborted, "modal cleared"))
		s.recordOutcome(context.Background(), outcomeCancelled)
	}
}

func (s *Sequencer) recordOutcome(ctx context.Context, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordModalRun(ctx, outcome)
	}
}
