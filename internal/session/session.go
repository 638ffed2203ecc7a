// Package session derives the wallet connection status from the current
// session state and streams it to partner frames.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/frak-labs/frame-connector/internal/store"
	"github.com/frak-labs/frame-connector/internal/util"
	"go.uber.org/zap"
)

// Wallet status keys.
const (
	StatusConnected    = "connected"
	StatusNotConnected = "not-connected"
)

// Session is an authenticated wallet session.
type Session struct {
	Address string `json:"address"`
	Token   string `json:"token"`
}

// SdkSession is the short-lived token handed to partner SDKs.
type SdkSession struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Valid reports whether the SDK session is usable right now.
func (s *SdkSession) Valid() bool {
	return s != nil && s.Token != "" && time.Now().Before(s.ExpiresAt)
}

// SessionWindow is the validity window of an on-chain interaction session,
// in unix seconds.
type SessionWindow struct {
	StartTimestamp int64 `json:"startTimestamp"`
	EndTimestamp   int64 `json:"endTimestamp"`
}

// Open reports whether the window covers the current instant.
func (w *SessionWindow) Open() bool {
	if w == nil {
		return false
	}
	now := time.Now().Unix()
	return w.StartTimestamp <= now && now < w.EndTimestamp
}

// WalletStatus is the derived snapshot emitted to listeners. It is
// recomputed on every resolution, never stored.
type WalletStatus struct {
	Key                string         `json:"key"`
	Wallet             string         `json:"wallet,omitempty"`
	InteractionToken   string         `json:"interactionToken,omitempty"`
	InteractionSession *SessionWindow `json:"interactionSession,omitempty"`
}

// Snapshot is the session store value: the wallet session and the SDK
// session, read together.
type Snapshot struct {
	Session *Session
	Sdk     *SdkSession
}

// State is the single source of truth for session data. Resolvers read it at
// invocation time rather than capturing copies.
type State struct {
	atom *store.Atom[Snapshot]
}

// NewState returns an empty session store.
func NewState() *State {
	return &State{atom: store.NewAtom(Snapshot{})}
}

// Current returns the latest snapshot.
func (s *State) Current() Snapshot {
	return s.atom.Get()
}

// SetSession installs a wallet session and its SDK counterpart in one
// change, so subscribers observe them together.
func (s *State) SetSession(sess *Session, sdk *SdkSession) {
	s.atom.Set(Snapshot{Session: sess, Sdk: sdk})
}

// Clear drops all session data.
func (s *State) Clear() {
	s.atom.Set(Snapshot{})
}

// Subscribe registers a listener called on every change. The returned
// function removes the subscription.
func (s *State) Subscribe(fn func(Snapshot)) func() {
	return s.atom.Subscribe(fn)
}

// InteractionReader looks up the on-chain interaction session window for a
// wallet. A nil window with nil error means no session exists.
type InteractionReader interface {
	SessionWindow(ctx context.Context, wallet string) (*SessionWindow, error)
}

// BackupPusher ships the current status to a remote backup for a product.
// Callers treat it as fire-and-forget.
type BackupPusher interface {
	Push(ctx context.Context, productID string, status WalletStatus) error
}

// CachedReader wraps an InteractionReader with the shared cache, bounding
// entry TTL to the window's remaining lifetime. Concurrent lookups for the
// same wallet collapse into one backend call.
type CachedReader struct {
	inner  InteractionReader
	cache  *store.Cache
	maxTTL time.Duration
	logger *zap.SugaredLogger
	group  util.Group[*SessionWindow]
}

// NewCachedReader wraps inner with cache. maxTTL caps how long an entry may
// live; zero means the window end alone decides.
func NewCachedReader(inner InteractionReader, cache *store.Cache, maxTTL time.Duration, logger *zap.SugaredLogger) *CachedReader {
	return &CachedReader{inner: inner, cache: cache, maxTTL: maxTTL, logger: logger}
}

func (r *CachedReader) cacheKey(wallet string) string {
	return store.KeyInteractionSession + ":" + strings.ToLower(wallet)
}

func (r *CachedReader) SessionWindow(ctx context.Context, wallet string) (*SessionWindow, error) {
	key := r.cacheKey(wallet)

	var cached SessionWindow
	if err := r.cache.Get(ctx, key, &cached); err == nil {
		if cached.Open() {
			return &cached, nil
		}
		// Stale entry, drop it and fall through to the lookup.
		_ = r.cache.Delete(ctx, key)
	}

	return r.group.DoWithContext(ctx, key, func() (*SessionWindow, error) {
		window, err := r.inner.SessionWindow(ctx, wallet)
		if err != nil {
			return nil, err
		}
		if window != nil && window.Open() {
			ttl := time.Until(time.Unix(window.EndTimestamp, 0))
			if r.maxTTL > 0 && ttl > r.maxTTL {
				ttl = r.maxTTL
			}
			if err := r.cache.Set(ctx, key, window, ttl); err != nil {
				r.logger.Debugw("Failed to cache interaction session", "wallet", wallet, "error", err)
			}
		}
		return window, nil
	})
}

// Invalidate drops the cached window for a wallet, used after the session is
// opened or closed on-chain.
func (r *CachedReader) Invalidate(ctx context.Context, wallet string) {
	if err := r.cache.Delete(ctx, r.cacheKey(wallet)); err != nil {
		r.logger.Debugw("Failed to invalidate interaction session", "wallet", wallet, "error", err)
	}
}
