package session

import (
	"context"
	"sync"

	"github.com/frak-labs/frame-connector/internal/metrics"
	"github.com/frak-labs/frame-connector/pkg/rpc"
	"go.uber.org/zap"
)

// MethodListenToWalletStatus is the status stream RPC method.
const MethodListenToWalletStatus = "frak_listenToWalletStatus"

// Listener serves frak_listenToWalletStatus. Each invocation emits the
// current status once, then re-emits on every session store change until the
// caller cancels or a newer invocation supersedes it. A store change cancels
// the resolution still in flight for the previous change, so the emitted
// status never regresses to stale data.
type Listener struct {
	resolver *Resolver
	state    *State
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	gen      uint64
	teardown context.CancelFunc
}

// NewListener creates a listener. m may be nil.
func NewListener(resolver *Resolver, state *State, logger *zap.SugaredLogger, m *metrics.Metrics) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Listener{resolver: resolver, state: state, logger: logger, metrics: m}
}

// Handle is the stream handler. It blocks until the stream context is
// cancelled or the invocation is superseded.
func (l *Listener) Handle(ctx context.Context, req *rpc.Request, emit rpc.EmitFunc) error {
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	// A new invocation tears the previous one down unconditionally.
	l.mu.Lock()
	if l.teardown != nil {
		l.teardown()
	}
	l.gen++
	myGen := l.gen
	l.teardown = cancelRun
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		// Only clear our own handle; a successor may already own the slot.
		if l.gen == myGen {
			l.teardown = nil
		}
		l.mu.Unlock()
	}()

	var (
		resMu      sync.Mutex
		cancelPrev context.CancelFunc = func() {}
	)
	resolve := func() {
		resMu.Lock()
		cancelPrev()
		resCtx, cancel := context.WithCancel(runCtx)
		cancelPrev = cancel
		resMu.Unlock()

		go func() {
			status, err := l.resolver.Resolve(resCtx, req.Context.ProductID)
			if err != nil {
				// Superseded or caller gone; discarded, not reported.
				return
			}
			resMu.Lock()
			defer resMu.Unlock()
			if resCtx.Err() != nil {
				return
			}
			if err := emit(status); err != nil {
				l.logger.Debugw("Status emission failed", "error", err)
				return
			}
			if l.metrics != nil {
				l.metrics.RecordStatusEmission(resCtx, status.Key == StatusConnected)
			}
		}()
	}

	resolve()
	unsubscribe := l.state.Subscribe(func(Snapshot) { resolve() })
	defer unsubscribe()

	<-runCtx.Done()
	return nil
}
