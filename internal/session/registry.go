// Package session owns one cart store per client session and exposes it over
// HTTP to the mobile screens.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/common"
	"github.com/noah-isme/marketplace-cart/internal/events"
)

var (
	// ErrNotFound is returned for sessions that were never started or already ended.
	ErrNotFound = errors.New("session: not found")
	// ErrTokenMismatch is returned when a request presents a token or user
	// other than the ones the session was started with.
	ErrTokenMismatch = errors.New("session: token mismatch")
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// NewRemote returns a cart service client authenticated as token.
	NewRemote func(token string) cart.Remote
	OpTimeout time.Duration
	LockTTL   time.Duration
	// IdleTTL ends sessions nobody has touched for this long. Zero keeps
	// sessions until they are ended explicitly.
	IdleTTL time.Duration
	// Locker is optional; when set each session's mutations are serialised
	// across processes.
	Locker cart.Locker
	Events cart.Publisher
	Logger zerolog.Logger
	Now    func() time.Time
}

type entry struct {
	store *cart.Store
	token string
	// owner is the verified user that started the session, empty when
	// requests are not authenticated.
	owner    string
	lastSeen atomic.Int64
}

func (e *entry) touch(now time.Time) { e.lastSeen.Store(now.UnixNano()) }

func (e *entry) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, e.lastSeen.Load()))
}

// Registry maps session ids to cart stores. A store is created when a session
// starts and torn down when it ends or goes idle.
type Registry struct {
	cfg RegistryConfig

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.NewRemote == nil {
		return nil, errors.New("session: remote factory not configured")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{cfg: cfg, sessions: make(map[string]*entry)}, nil
}

// Start returns the store for sessionID, creating it on first use. A session
// belongs to the user that started it: another user, or an unverified caller
// with a different token, gets ErrTokenMismatch. The owner presenting a new
// token (after a refresh) gets a fresh store bound to that token.
func (r *Registry) Start(ctx context.Context, sessionID, token string) (*cart.Store, bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, false, errors.New("session: id required")
	}
	owner, _ := common.UserID(ctx)
	now := r.cfg.Now()

	r.mu.Lock()
	expired := r.expireLocked(now)
	defer func() { r.teardownAll(ctx, expired, "idle") }()

	prev, replaced := r.sessions[sessionID]
	if replaced {
		switch {
		case prev.owner != owner:
			r.mu.Unlock()
			return nil, false, ErrTokenMismatch
		case tokensEqual(prev.token, token):
			prev.touch(now)
			r.mu.Unlock()
			return prev.store, false, nil
		case owner == "":
			r.mu.Unlock()
			return nil, false, ErrTokenMismatch
		}
	}
	logger := r.cfg.Logger
	store, err := cart.NewStore(cart.StoreConfig{
		Remote:    r.cfg.NewRemote(token),
		SessionID: sessionID,
		Timeout:   r.cfg.OpTimeout,
		Logger:    &logger,
		Events:    r.cfg.Events,
		Locker:    r.cfg.Locker,
		LockTTL:   r.cfg.LockTTL,
	})
	if err != nil {
		r.mu.Unlock()
		return nil, false, err
	}
	e := &entry{store: store, token: token, owner: owner}
	e.touch(now)
	r.sessions[sessionID] = e
	r.mu.Unlock()

	if replaced {
		r.teardown(ctx, sessionID, prev, "token refreshed")
	}
	r.emit(ctx, events.TopicSessionStart, sessionID, owner)
	evt := r.cfg.Logger.Info().Str("session_id", sessionID)
	if owner != "" {
		evt = evt.Str("user_id", owner)
	}
	evt.Msg("cart session started")
	return store, true, nil
}

// Get returns the store for sessionID after checking the caller's identity and
// token. An idle session is ended and reported as not found.
func (r *Registry) Get(ctx context.Context, sessionID, token string) (*cart.Store, error) {
	sessionID = strings.TrimSpace(sessionID)
	now := r.cfg.Now()
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := r.authorize(ctx, e, token); err != nil {
		return nil, err
	}
	if r.idle(e, now) {
		r.remove(ctx, sessionID, e, "idle")
		return nil, ErrNotFound
	}
	e.touch(now)
	return e.store, nil
}

// End tears down the session's store, cancelling anything in flight.
func (r *Registry) End(ctx context.Context, sessionID, token string) error {
	sessionID = strings.TrimSpace(sessionID)
	r.mu.RLock()
	e, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := r.authorize(ctx, e, token); err != nil {
		return err
	}
	if !r.remove(ctx, sessionID, e, "ended") {
		return ErrNotFound
	}
	return nil
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close ends every session. Used on shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]*entry)
	r.mu.Unlock()
	r.teardownAll(ctx, all, "shutdown")
}

func (r *Registry) authorize(ctx context.Context, e *entry, token string) error {
	owner, _ := common.UserID(ctx)
	if e.owner != owner || !tokensEqual(e.token, token) {
		return ErrTokenMismatch
	}
	return nil
}

func (r *Registry) idle(e *entry, now time.Time) bool {
	return r.cfg.IdleTTL > 0 && e.idleSince(now) > r.cfg.IdleTTL
}

// remove deletes sessionID if it still maps to e and tears it down.
func (r *Registry) remove(ctx context.Context, sessionID string, e *entry, reason string) bool {
	r.mu.Lock()
	if r.sessions[sessionID] != e {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	r.teardown(ctx, sessionID, e, reason)
	return true
}

// expireLocked unlinks idle sessions; the caller tears them down after
// releasing the lock.
func (r *Registry) expireLocked(now time.Time) map[string]*entry {
	if r.cfg.IdleTTL <= 0 {
		return nil
	}
	var out map[string]*entry
	for id, e := range r.sessions {
		if !r.idle(e, now) {
			continue
		}
		if out == nil {
			out = make(map[string]*entry)
		}
		out[id] = e
		delete(r.sessions, id)
	}
	return out
}

func (r *Registry) teardownAll(ctx context.Context, all map[string]*entry, reason string) {
	for id, e := range all {
		r.teardown(ctx, id, e, reason)
	}
}

func (r *Registry) teardown(ctx context.Context, sessionID string, e *entry, reason string) {
	e.store.Close()
	r.emit(ctx, events.TopicSessionEnd, sessionID, e.owner)
	r.cfg.Logger.Info().Str("session_id", sessionID).Str("reason", reason).Msg("cart session ended")
}

func (r *Registry) emit(ctx context.Context, topic, sessionID, userID string) {
	if r.cfg.Events == nil {
		return
	}
	if err := r.cfg.Events.Emit(context.WithoutCancel(ctx), events.Event{Topic: topic, SessionID: sessionID, UserID: userID}); err != nil {
		r.cfg.Logger.Warn().Err(err).Str("topic", topic).Msg("emit session event")
	}
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
