package cart

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/marketplace-cart/internal/events"
)

// Remote is the authoritative cart service for one session.
type Remote interface {
	GetCart(ctx context.Context) (Cart, error)
	AddItem(ctx context.Context, listingID string, quantity int) (Cart, error)
	UpdateItem(ctx context.Context, itemID string, quantity int) error
	RemoveItem(ctx context.Context, itemID string) error
	ClearCart(ctx context.Context) error
}

// Locker serialises a session's mutations across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Publisher receives cart change events.
type Publisher interface {
	Emit(ctx context.Context, ev events.Event) error
}

// Operation names used in errors, logs and events.
const (
	OpFetch          = "fetch"
	OpAddItem        = "add_item"
	OpUpdateQuantity = "update_quantity"
	OpRemoveItem     = "remove_item"
	OpClearCart      = "clear_cart"
	OpReplaceCart    = "replace_cart"
)

const defaultTimeout = 10 * time.Second

// StoreConfig configures a Store.
type StoreConfig struct {
	Remote    Remote
	SessionID string
	// Timeout bounds every operation, including time spent queued behind
	// another operation on the same store.
	Timeout time.Duration
	Logger  *zerolog.Logger
	Events  Publisher
	Locker  Locker
	LockTTL time.Duration
	Now     func() time.Time
}

// Store is the single source of truth for one session's cart. Every mutation
// goes through the cart service; reads never observe unconfirmed state except
// for ClearCart, which is documented as optimistic.
//
// Operations on a store are serialised: at most one request is in flight at a
// time and later calls wait for their turn (or for their context to end).
// Responses are additionally stamped with a sequence number and a response
// older than the applied state is discarded.
type Store struct {
	remote    Remote
	sessionID string
	timeout   time.Duration
	logger    zerolog.Logger
	events    Publisher
	locker    Locker
	lockTTL   time.Duration
	now       func() time.Time

	flight chan struct{}
	seq    atomic.Uint64
	done   context.Context
	stop   context.CancelFunc

	mu      sync.RWMutex
	cart    Cart
	status  Status
	prev    Status
	loading bool
	errMsg  string
	errKind Kind
	version uint64
	closed  bool
}

// NewStore constructs an idle store with an empty cart.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Remote == nil {
		return nil, errors.New("cart: remote not configured")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = timeout + 5*time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	done, stop := context.WithCancel(context.Background())
	return &Store{
		remote:    cfg.Remote,
		sessionID: cfg.SessionID,
		timeout:   timeout,
		logger:    logger.With().Str("session_id", cfg.SessionID).Logger(),
		events:    cfg.Events,
		locker:    cfg.Locker,
		lockTTL:   lockTTL,
		now:       now,
		flight:    make(chan struct{}, 1),
		done:      done,
		stop:      stop,
		cart:      Cart{Items: []Item{}},
		status:    StatusIdle,
	}, nil
}

// SessionID returns the session the store belongs to.
func (s *Store) SessionID() string { return s.sessionID }

// Snapshot returns a consistent copy of the current state. It never waits for
// in-flight requests.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Cart:      s.cart.clone(),
		Status:    s.status,
		Loading:   s.loading,
		Error:     s.errMsg,
		ErrorKind: s.errKind,
		Version:   s.version,
	}
}

// Fetch resynchronises the store with the cart service and replaces local
// state wholesale.
//
// Policy: authoritative resync. On failure the local cart is reset to empty and
// the error is stored but not returned, since Fetch is usually driven by a
// screen lifecycle hook with no caller awaiting it. A call that gives up while
// waiting for its turn stores the error and keeps the cart. Cancellation leaves
// state untouched.
func (s *Store) Fetch(ctx context.Context) {
	started := s.now()
	if cerr := s.run(ctx, OpFetch, resetOnFailure, s.refresh); cerr != nil {
		s.report(ctx, cerr, started)
		return
	}
	s.succeeded(ctx, OpFetch, events.TopicCartUpdated, started)
}

// AddItem adds quantity units of a listing. Callers wanting a single unit pass 1.
//
// Policy: pessimistic. Nothing changes locally until the cart service answers;
// on success the store adopts the returned cart. A listing from another vendor
// fails with ErrVendorConflict and leaves the cart untouched. Errors are stored
// and returned.
func (s *Store) AddItem(ctx context.Context, listingID string, quantity int) error {
	started := s.now()
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return s.reject(ctx, validationError(OpAddItem, "listing id is required"), started)
	}
	if quantity < 1 {
		return s.reject(ctx, validationError(OpAddItem, "quantity must be at least 1"), started)
	}
	cerr := s.run(ctx, OpAddItem, keepOnFailure, func(ctx context.Context) error {
		seq := s.seq.Add(1)
		c, err := s.remote.AddItem(ctx, listingID, quantity)
		if err != nil {
			return err
		}
		return s.apply(seq, c)
	})
	if cerr != nil {
		return s.report(ctx, cerr, started)
	}
	s.succeeded(ctx, OpAddItem, events.TopicCartUpdated, started)
	return nil
}

// UpdateQuantity sets the quantity of an existing line, then refetches the cart
// to pick up the server-computed subtotal. A quantity below 1 is rejected;
// use RemoveItem or AdjustQuantity instead.
//
// Policy: pessimistic. On failure the last successfully fetched state is kept.
// Errors are stored and returned.
func (s *Store) UpdateQuantity(ctx context.Context, itemID string, quantity int) error {
	started := s.now()
	if quantity < 1 {
		return s.reject(ctx, validationError(OpUpdateQuantity, "quantity must be at least 1"), started)
	}
	if !s.hasItem(itemID) {
		return s.reject(ctx, validationError(OpUpdateQuantity, "item is not in the cart"), started)
	}
	cerr := s.run(ctx, OpUpdateQuantity, keepOnFailure, func(ctx context.Context) error {
		if err := s.remote.UpdateItem(ctx, itemID, quantity); err != nil {
			return err
		}
		return s.refresh(ctx)
	})
	if cerr != nil {
		return s.report(ctx, cerr, started)
	}
	s.succeeded(ctx, OpUpdateQuantity, events.TopicCartUpdated, started)
	return nil
}

// AdjustQuantity applies a stepper delta to a line. A resulting quantity below
// 1 removes the line instead of storing it.
func (s *Store) AdjustQuantity(ctx context.Context, itemID string, delta int) error {
	item, ok := s.item(itemID)
	if !ok {
		return s.reject(ctx, validationError(OpUpdateQuantity, "item is not in the cart"), s.now())
	}
	if delta == 0 {
		return nil
	}
	target := item.Quantity + delta
	if target < 1 {
		return s.RemoveItem(ctx, itemID)
	}
	return s.UpdateQuantity(ctx, itemID, target)
}

// RemoveItem deletes a line, then refetches the cart. When the last line goes
// the vendor becomes whatever the server reports, normally nil.
//
// Policy: pessimistic. On failure the last successfully fetched state is kept.
// Errors are stored and returned.
func (s *Store) RemoveItem(ctx context.Context, itemID string) error {
	started := s.now()
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return s.reject(ctx, validationError(OpRemoveItem, "item id is required"), started)
	}
	cerr := s.run(ctx, OpRemoveItem, keepOnFailure, func(ctx context.Context) error {
		if err := s.remote.RemoveItem(ctx, itemID); err != nil {
			return err
		}
		return s.refresh(ctx)
	})
	if cerr != nil {
		return s.report(ctx, cerr, started)
	}
	s.succeeded(ctx, OpRemoveItem, events.TopicCartUpdated, started)
	return nil
}

// ClearCart deletes the whole cart.
//
// Policy: optimistic. Once its turn comes the local cart is emptied even when
// the cart service call fails, because an empty cart is always a safe state to
// present. A remote failure is still stored and returned. A call that gives up
// while waiting for its turn never reached the service and changes nothing
// locally.
func (s *Store) ClearCart(ctx context.Context) error {
	started := s.now()
	cerr := s.run(ctx, OpClearCart, resetOnFailure, func(ctx context.Context) error {
		err := s.remote.ClearCart(ctx)
		s.resetLocal()
		return err
	})
	if cerr != nil {
		return s.report(ctx, cerr, started)
	}
	s.succeeded(ctx, OpClearCart, events.TopicCartCleared, started)
	return nil
}

// ReplaceCart empties the cart and adds the listing in one serialised step. It
// is the remediation offered after ErrVendorConflict.
//
// Policy: pessimistic. If the clear fails nothing changes locally; if the add
// fails after a successful clear the local cart is empty, matching the server.
func (s *Store) ReplaceCart(ctx context.Context, listingID string, quantity int) error {
	started := s.now()
	listingID = strings.TrimSpace(listingID)
	if listingID == "" {
		return s.reject(ctx, validationError(OpReplaceCart, "listing id is required"), started)
	}
	if quantity < 1 {
		return s.reject(ctx, validationError(OpReplaceCart, "quantity must be at least 1"), started)
	}
	cerr := s.run(ctx, OpReplaceCart, keepOnFailure, func(ctx context.Context) error {
		if err := s.remote.ClearCart(ctx); err != nil {
			return err
		}
		s.resetLocal()
		seq := s.seq.Add(1)
		c, err := s.remote.AddItem(ctx, listingID, quantity)
		if err != nil {
			return err
		}
		return s.apply(seq, c)
	})
	if cerr != nil {
		return s.report(ctx, cerr, started)
	}
	s.succeeded(ctx, OpReplaceCart, events.TopicCartUpdated, started)
	return nil
}

// ClearError acknowledges the current error without touching the cart.
func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = ""
	s.errKind = KindUnknown
	if s.status == StatusError {
		s.status = s.settledStatusLocked()
	}
}

// Close ends the store's lifecycle. In-flight operations are cancelled and
// later calls fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.stop()
}

// Failure policies for run.
const (
	keepOnFailure  = false
	resetOnFailure = true
)

// run executes fn inside the store's single-flight section under the operation
// timeout and classifies any failure. A failure of fn is recorded before the
// section is released, so the next queued call always observes it. With
// resetOnFailure the cart is emptied as part of that record.
func (s *Store) run(ctx context.Context, op string, reset bool, fn func(context.Context) error) *Error {
	if s.isClosed() {
		return &Error{Op: op, Kind: KindClosed, Message: defaultMessage(KindClosed)}
	}
	opCtx, cancel := s.operationContext(ctx)
	defer cancel()

	select {
	case s.flight <- struct{}{}:
	case <-opCtx.Done():
		// never got a turn: the holder of the section owns the cart
		cerr := s.classify(opCtx, op, opCtx.Err())
		s.record(cerr, keepOnFailure)
		return cerr
	}
	defer func() { <-s.flight }()

	s.begin()
	defer s.end()

	var err error
	if s.locker != nil {
		ran := false
		var fnErr error
		err = s.locker.WithLock(opCtx, "cart:lock:"+s.sessionID, s.lockTTL, func(ctx context.Context) error {
			ran = true
			fnErr = fn(ctx)
			return fnErr
		})
		if err != nil && ran && fnErr == nil {
			// the remote call succeeded; only releasing the lock failed
			s.logger.Warn().Err(err).Str("op", op).Msg("cart lock not released cleanly")
			err = nil
		}
	} else {
		err = fn(opCtx)
	}
	if err != nil {
		cerr := s.classify(opCtx, op, err)
		s.record(cerr, reset)
		return cerr
	}
	return nil
}

func (s *Store) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	stop := context.AfterFunc(s.done, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// refresh fetches the cart and applies it if it is still the newest response.
func (s *Store) refresh(ctx context.Context) error {
	seq := s.seq.Add(1)
	c, err := s.remote.GetCart(ctx)
	if err != nil {
		return err
	}
	return s.apply(seq, c)
}

func (s *Store) apply(seq uint64, c Cart) error {
	if err := c.validate(); err != nil {
		return &Error{Kind: KindInconsistent, Err: err}
	}
	next := c.clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq <= s.version {
		return nil
	}
	s.cart = next
	s.version = seq
	s.status = StatusReady
	s.errMsg = ""
	s.errKind = KindUnknown
	return nil
}

func (s *Store) resetLocal() {
	seq := s.seq.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cart = Cart{Items: []Item{}}
	s.version = seq
	s.status = StatusReady
	s.errMsg = ""
	s.errKind = KindUnknown
}

func (s *Store) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prev = s.status
	s.status = StatusLoading
	s.loading = true
}

func (s *Store) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if s.status == StatusLoading {
		s.status = s.prev
	}
}

func (s *Store) settledStatusLocked() Status {
	if s.version == 0 {
		return StatusIdle
	}
	return StatusReady
}

func (s *Store) classify(ctx context.Context, op string, err error) *Error {
	out := &Error{Op: op, Kind: KindOf(err), Err: err}
	var ce *Error
	if errors.As(err, &ce) {
		out.Code = ce.Code
		out.Status = ce.Status
		out.Message = ce.Message
		out.Err = ce.Err
	}
	switch {
	case s.isClosed():
		out.Kind = KindClosed
		out.Message = ""
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		out.Kind = KindTimeout
		out.Message = ""
	case errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled):
		out.Kind = KindCanceled
		out.Message = ""
	case out.Kind == KindUnknown:
		out.Kind = KindTransport
	}
	if out.Message == "" {
		out.Message = defaultMessage(out.Kind)
	}
	return out
}

// record stores a failure as the user-visible error. Cancellation and teardown
// are never stored, since nobody is left to see them.
func (s *Store) record(cerr *Error, reset bool) {
	if cerr.Kind == KindCanceled || cerr.Kind == KindClosed {
		return
	}
	var seq uint64
	if reset {
		seq = s.seq.Add(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = cerr.Message
	s.errKind = cerr.Kind
	s.status = StatusError
	if reset && seq > s.version {
		s.cart = Cart{Items: []Item{}}
		s.version = seq
	}
}

// reject stores and reports a failure caught before the call was queued.
func (s *Store) reject(ctx context.Context, cerr *Error, started time.Time) *Error {
	s.record(cerr, keepOnFailure)
	return s.report(ctx, cerr, started)
}

// report logs a failure and publishes it. The failure is already recorded.
func (s *Store) report(ctx context.Context, cerr *Error, started time.Time) *Error {
	s.logger.Warn().
		Err(cerr).
		Str("op", cerr.Op).
		Str("kind", cerr.Kind.String()).
		Str("code", cerr.Code).
		Msg("cart operation failed")
	snap := s.Snapshot()
	s.emit(ctx, events.Event{
		Topic:     events.TopicCartFailed,
		Op:        cerr.Op,
		Version:   snap.Version,
		ItemCount: snap.ItemCount(),
		Subtotal:  snap.Subtotal,
		ErrorKind: cerr.Kind.String(),
		Duration:  s.now().Sub(started),
	})
	return cerr
}

func (s *Store) succeeded(ctx context.Context, op, topic string, started time.Time) {
	snap := s.Snapshot()
	s.emit(ctx, events.Event{
		Topic:     topic,
		Op:        op,
		Version:   snap.Version,
		ItemCount: snap.ItemCount(),
		Subtotal:  snap.Subtotal,
		Duration:  s.now().Sub(started),
	})
}

func (s *Store) emit(ctx context.Context, ev events.Event) {
	if s.events == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ev.SessionID = s.sessionID
	if err := s.events.Emit(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn().Err(err).Str("topic", ev.Topic).Msg("emit cart event")
	}
}

func (s *Store) item(id string) (Item, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, it := range s.cart.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

func (s *Store) hasItem(id string) bool {
	_, ok := s.item(id)
	return ok
}

func (s *Store) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func validationError(op, msg string) *Error {
	return &Error{Op: op, Kind: KindValidation, Code: "VALIDATION", Message: msg}
}
