package cartserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/marketplace-cart/internal/common"
)

// Handler wires the cart service to HTTP.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

type addItemPayload struct {
	ListingID string `json:"listingId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,min=1"`
}

type updateItemPayload struct {
	Quantity int `json:"quantity" validate:"required,min=1"`
}

// Routes mounts the cart endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(requireOwner)
		r.Get("/cart", h.Get)
		r.Delete("/cart", h.Clear)
		r.Post("/cart/items", h.AddItem)
		r.Put("/cart/items/{itemId}", h.UpdateItem)
		r.Delete("/cart/items/{itemId}", h.RemoveItem)
	})
}

// Get returns the caller's cart.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.Svc.Get(r.Context(), owner(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, c)
}

// AddItem adds a listing and responds with the full cart.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var payload addItemPayload
	if !h.decode(w, r, &payload) {
		return
	}
	payload.ListingID = strings.TrimSpace(payload.ListingID)
	c, err := h.Svc.AddItem(r.Context(), owner(r), payload.ListingID, payload.Quantity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, c)
}

// UpdateItem sets the quantity for a cart line item.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var payload updateItemPayload
	if !h.decode(w, r, &payload) {
		return
	}
	if err := h.Svc.UpdateQty(r.Context(), owner(r), chi.URLParam(r, "itemId"), payload.Quantity); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveItem deletes a cart item.
func (h *Handler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.RemoveItem(r.Context(), owner(r), chi.URLParam(r, "itemId")); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear empties the cart.
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.Svc.Clear(r.Context(), owner(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	if _, ok := common.AsAppError(err); ok {
		common.WriteAppError(w, err)
		return
	}
	switch {
	case errors.Is(err, ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	default:
		common.WriteAppError(w, err)
	}
}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := common.BearerToken(r)
		if tok == "" {
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithToken(r.Context(), tok)))
	})
}

func owner(r *http.Request) string {
	tok, _ := common.Token(r.Context())
	return tok
}
