package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Resolver turns the current session state into a wallet status. Every
// invocation carries a context checked before each side-effecting step, so a
// superseded resolution aborts cleanly without a partial emission.
type Resolver struct {
	state  *State
	reader InteractionReader
	backup BackupPusher
	logger *zap.SugaredLogger
}

// NewResolver creates a resolver. reader and backup may be nil; the
// corresponding steps are then skipped.
func NewResolver(state *State, reader InteractionReader, backup BackupPusher, logger *zap.SugaredLogger) *Resolver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Resolver{state: state, reader: reader, backup: backup, logger: logger}
}

// Resolve computes the wallet status for a product. Auxiliary failures
// (interaction session lookup, backup push) degrade the result instead of
// failing it; only cancellation returns an error.
func (r *Resolver) Resolve(ctx context.Context, productID string) (*WalletStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	snap := r.state.Current()
	if snap.Session == nil {
		status := &WalletStatus{Key: StatusNotConnected}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r.pushBackup(productID, *status)
		return status, nil
	}

	status := &WalletStatus{Key: StatusConnected, Wallet: snap.Session.Address}
	if snap.Sdk.Valid() {
		status.InteractionToken = snap.Sdk.Token
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.reader != nil {
		window, err := r.reader.SessionWindow(ctx, snap.Session.Address)
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			// Status listeners keep working when an auxiliary read fails.
			r.logger.Warnw("Interaction session lookup failed",
				"wallet", snap.Session.Address, "error", err)
		case window.Open():
			status.InteractionSession = window
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.pushBackup(productID, *status)
	return status, nil
}

// pushBackup ships the status to the remote backup without blocking the
// resolution. Failures are logged and absorbed.
func (r *Resolver) pushBackup(productID string, status WalletStatus) {
	if r.backup == nil || productID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.backup.Push(ctx, productID, status); err != nil {
			r.logger.Debugw("Backup push failed", "productId", productID, "error", err)
		}
	}()
}
