package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/common"
	"github.com/noah-isme/marketplace-cart/internal/pricing"
)

// Handler exposes cart stores to the mobile screens.
type Handler struct {
	Registry *Registry
	Validate *validator.Validate
	// Mutations wrap every cart-changing route, e.g. rate limiting and
	// idempotency.
	Mutations []func(http.Handler) http.Handler
	// Starts wrap session creation, e.g. a per-client rate limit.
	Starts []func(http.Handler) http.Handler
}

// CartView is the read model every cart screen renders.
type CartView struct {
	cart.Snapshot
	ItemCount int  `json:"itemCount"`
	Empty     bool `json:"isEmpty"`
}

func viewOf(s cart.Snapshot) CartView {
	if s.Items == nil {
		s.Items = []cart.Item{}
	}
	return CartView{Snapshot: s, ItemCount: s.ItemCount(), Empty: s.Empty()}
}

type addItemPayload struct {
	ListingID string `json:"listingId" validate:"required"`
	Quantity  *int   `json:"quantity" validate:"omitempty,min=1"`
}

type updateItemPayload struct {
	Quantity *int `json:"quantity" validate:"omitempty,min=1"`
	Delta    *int `json:"delta"`
}

// Routes mounts the session and cart endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.With(h.Starts...).Post("/session", h.StartSession)
	r.Delete("/session", h.EndSession)
	r.Get("/cart", h.GetCart)
	r.Get("/cart/summary", h.Summary)
	r.Delete("/cart/error", h.ClearError)
	r.Group(func(r chi.Router) {
		for _, mw := range h.Mutations {
			r.Use(mw)
		}
		r.Post("/cart/items", h.AddItem)
		r.Patch("/cart/items/{itemId}", h.UpdateItem)
		r.Delete("/cart/items/{itemId}", h.RemoveItem)
		r.Delete("/cart", h.ClearCart)
		r.Post("/cart/replace", h.ReplaceCart)
	})
}

// StartSession creates the caller's cart store and loads the cart. The session
// id comes from the X-Session-ID header or is generated.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	token := common.BearerToken(r)
	if token == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	sessionID := strings.TrimSpace(r.Header.Get(common.SessionHeader))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	store, created, err := h.Registry.Start(r.Context(), sessionID, token)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	store.Fetch(r.Context())

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	w.Header().Set(common.SessionHeader, sessionID)
	common.Data(w, status, map[string]any{
		"sessionId": sessionID,
		"cart":      viewOf(store.Snapshot()),
	})
}

// EndSession tears down the caller's cart store.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, token, ok := credentials(w, r)
	if !ok {
		return
	}
	if err := h.Registry.End(r.Context(), sessionID, token); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetCart returns the current snapshot. With ?refresh=1 it resyncs first; a
// failed resync is reported inside the snapshot, not as an HTTP error.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		store.Fetch(r.Context())
	}
	writeCart(w, http.StatusOK, store.Snapshot())
}

// Summary returns the estimated total for the checkout-supplied fees.
func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var fees pricing.Fees
	for _, f := range []struct {
		name string
		dst  *pricing.Money
	}{{"deliveryFee", &fees.Delivery}, {"serviceFee", &fees.Service}} {
		raw := strings.TrimSpace(r.URL.Query().Get(f.name))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", f.name+" must be a non-negative integer", nil)
			return
		}
		*f.dst = v
	}
	snap := store.Snapshot()
	common.Data(w, http.StatusOK, map[string]any{
		"itemCount": snap.ItemCount(),
		"vendorId":  snap.VendorID,
		"summary":   snap.EstimatedTotal(fees),
	})
}

// AddItem adds a listing, one unit unless quantity says otherwise.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var payload addItemPayload
	if !h.decode(w, r, &payload) {
		return
	}
	qty := 1
	if payload.Quantity != nil {
		qty = *payload.Quantity
	}
	h.respond(w, store, store.AddItem(r.Context(), payload.ListingID, qty))
}

// UpdateItem sets a line's quantity, or steps it by delta. A delta taking the
// quantity below one removes the line.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var payload updateItemPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if (payload.Quantity == nil) == (payload.Delta == nil) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "exactly one of quantity or delta is required", nil)
		return
	}
	itemID := chi.URLParam(r, "itemId")
	var err error
	if payload.Quantity != nil {
		err = store.UpdateQuantity(r.Context(), itemID, *payload.Quantity)
	} else {
		err = store.AdjustQuantity(r.Context(), itemID, *payload.Delta)
	}
	h.respond(w, store, err)
}

// RemoveItem deletes a line.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	h.respond(w, store, store.RemoveItem(r.Context(), chi.URLParam(r, "itemId")))
}

// ClearCart empties the cart. The local cart is emptied even when the cart
// service fails; the error is still reported.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	h.respond(w, store, store.ClearCart(r.Context()))
}

// ReplaceCart empties the cart and adds the listing. Screens call it after
// the user accepts a vendor conflict prompt.
func (h *Handler) ReplaceCart(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	var payload addItemPayload
	if !h.decode(w, r, &payload) {
		return
	}
	qty := 1
	if payload.Quantity != nil {
		qty = *payload.Quantity
	}
	h.respond(w, store, store.ReplaceCart(r.Context(), payload.ListingID, qty))
}

// ClearError dismisses the stored error.
func (h *Handler) ClearError(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}
	store.ClearError()
	writeCart(w, http.StatusOK, store.Snapshot())
}

func (h *Handler) store(w http.ResponseWriter, r *http.Request) (*cart.Store, bool) {
	sessionID, token, ok := credentials(w, r)
	if !ok {
		return nil, false
	}
	store, err := h.Registry.Get(r.Context(), sessionID, token)
	if err != nil {
		writeSessionError(w, err)
		return nil, false
	}
	return store, true
}

func credentials(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	token := common.BearerToken(r)
	if token == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return "", "", false
	}
	sessionID := strings.TrimSpace(r.Header.Get(common.SessionHeader))
	if sessionID == "" {
		common.JSONError(w, http.StatusBadRequest, "SESSION_REQUIRED", common.SessionHeader+" header is required", nil)
		return "", "", false
	}
	return sessionID, token, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	v := h.Validate
	if v == nil {
		v = validator.New()
	}
	if err := v.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]string, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", fields)
			return false
		}
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, store *cart.Store, err error) {
	if err != nil {
		writeError(w, err, store.Snapshot())
		return
	}
	writeCart(w, http.StatusOK, store.Snapshot())
}

func writeCart(w http.ResponseWriter, status int, snap cart.Snapshot) {
	common.Data(w, status, viewOf(snap))
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found, start a new one", nil)
	case errors.Is(err, ErrTokenMismatch):
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "session belongs to another user", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "session error", nil)
	}
}

// writeError maps cart failures onto HTTP. The current snapshot travels in
// details so the screen can re-render without another round trip.
func writeError(w http.ResponseWriter, err error, snap cart.Snapshot) {
	var ce *cart.Error
	if !errors.As(err, &ce) {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error(), nil)
		return
	}
	status, code := http.StatusInternalServerError, ce.Code
	switch ce.Kind {
	case cart.KindValidation:
		status = http.StatusBadRequest
	case cart.KindConflict:
		status, code = http.StatusConflict, "VENDOR_CONFLICT"
	case cart.KindRejected:
		status = http.StatusUnprocessableEntity
		if ce.Status >= 400 && ce.Status < 500 {
			status = ce.Status
		}
	case cart.KindTransport:
		status, code = http.StatusBadGateway, "CART_SERVICE_UNAVAILABLE"
	case cart.KindInconsistent:
		status, code = http.StatusBadGateway, "CART_INCONSISTENT"
	case cart.KindTimeout:
		status, code = http.StatusGatewayTimeout, "CART_TIMEOUT"
	case cart.KindCanceled:
		status, code = http.StatusServiceUnavailable, "REQUEST_CANCELED"
	case cart.KindClosed:
		status, code = http.StatusGone, "SESSION_ENDED"
	}
	if code == "" {
		code = strings.ToUpper(ce.Kind.String())
	}
	common.JSONError(w, status, code, ce.Message, map[string]any{
		"kind": ce.Kind,
		"cart": viewOf(snap),
	})
}
