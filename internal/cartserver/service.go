// Package cartserver is an in-memory implementation of the cart service used
// for local development and contract tests.
package cartserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/common"
	"github.com/noah-isme/marketplace-cart/internal/pricing"
)

// ErrNotFound indicates the requested line or listing could not be located.
var ErrNotFound = errors.New("not found")

// ErrInvalidInput is returned when the provided payload is invalid.
var ErrInvalidInput = errors.New("invalid input")

// Listing is a catalog entry that can be added to a cart.
type Listing struct {
	ID          string
	Name        string
	Price       pricing.Money
	Images      []string
	VendorID    string
	Unavailable bool
}

// Vendor owns listings. PromoBps is a storewide discount in basis points
// applied to the cart subtotal.
type Vendor struct {
	ID       string
	Name     string
	PromoBps int
}

type line struct {
	id        string
	listingID string
	qty       int
	pos       uint64
}

type ownerCart struct {
	vendorID string
	lines    map[string]*line
	next     uint64
}

// Service stores one cart per owner token.
type Service struct {
	NewID       func() string
	MaxQuantity int

	mu       sync.Mutex
	listings map[string]Listing
	vendors  map[string]Vendor
	carts    map[string]*ownerCart
}

// NewService returns a service seeded with the provided catalog.
func NewService(vendors []Vendor, listings []Listing) *Service {
	s := &Service{
		listings: make(map[string]Listing, len(listings)),
		vendors:  make(map[string]Vendor, len(vendors)),
		carts:    make(map[string]*ownerCart),
	}
	for _, v := range vendors {
		s.vendors[v.ID] = v
	}
	for _, l := range listings {
		s.listings[l.ID] = l
	}
	return s
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) maxQuantity() int {
	if s.MaxQuantity <= 0 {
		return 99
	}
	return s.MaxQuantity
}

// PutListing adds or replaces a catalog listing.
func (s *Service) PutListing(l Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

// Get returns the owner's cart. Unknown owners have an empty cart.
func (s *Service) Get(ctx context.Context, owner string) (cart.Cart, error) {
	if err := ctx.Err(); err != nil {
		return cart.Cart{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.carts[owner]), nil
}

// AddItem adds qty units of a listing, incrementing an existing line. A
// listing from a vendor other than the cart's is refused with 409.
func (s *Service) AddItem(ctx context.Context, owner, listingID string, qty int) (cart.Cart, error) {
	if err := ctx.Err(); err != nil {
		return cart.Cart{}, err
	}
	if qty <= 0 {
		return cart.Cart{}, fmt.Errorf("quantity must be positive: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	listing, ok := s.listings[listingID]
	if !ok {
		return cart.Cart{}, common.NewAppError("LISTING_NOT_FOUND", "listing not found", http.StatusNotFound, ErrNotFound)
	}
	if listing.Unavailable {
		return cart.Cart{}, common.NewAppError("LISTING_UNAVAILABLE", "listing is no longer available", http.StatusUnprocessableEntity, nil)
	}
	oc := s.carts[owner]
	if oc == nil {
		oc = &ownerCart{lines: make(map[string]*line)}
		s.carts[owner] = oc
	}
	if len(oc.lines) > 0 && oc.vendorID != listing.VendorID {
		return cart.Cart{}, common.NewAppError("VENDOR_CONFLICT", "your cart already holds items from another vendor", http.StatusConflict, nil)
	}

	for _, ln := range oc.lines {
		if ln.listingID == listingID {
			if ln.qty+qty > s.maxQuantity() {
				return cart.Cart{}, fmt.Errorf("quantity exceeds %d: %w", s.maxQuantity(), ErrInvalidInput)
			}
			ln.qty += qty
			return s.snapshotLocked(oc), nil
		}
	}
	if qty > s.maxQuantity() {
		return cart.Cart{}, fmt.Errorf("quantity exceeds %d: %w", s.maxQuantity(), ErrInvalidInput)
	}
	oc.vendorID = listing.VendorID
	id := s.newID()
	oc.next++
	oc.lines[id] = &line{id: id, listingID: listingID, qty: qty, pos: oc.next}
	return s.snapshotLocked(oc), nil
}

// UpdateQty sets the quantity of one line.
func (s *Service) UpdateQty(ctx context.Context, owner, itemID string, qty int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if qty <= 0 {
		return fmt.Errorf("quantity must be positive: %w", ErrInvalidInput)
	}
	if qty > s.maxQuantity() {
		return fmt.Errorf("quantity exceeds %d: %w", s.maxQuantity(), ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ln, err := s.lineLocked(owner, itemID)
	if err != nil {
		return err
	}
	ln.qty = qty
	return nil
}

// RemoveItem deletes one line. Removing the last line releases the vendor.
func (s *Service) RemoveItem(ctx context.Context, owner, itemID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lineLocked(owner, itemID); err != nil {
		return err
	}
	oc := s.carts[owner]
	delete(oc.lines, itemID)
	if len(oc.lines) == 0 {
		oc.vendorID = ""
	}
	return nil
}

// Clear empties the owner's cart.
func (s *Service) Clear(ctx context.Context, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, owner)
	return nil
}

func (s *Service) lineLocked(owner, itemID string) (*line, error) {
	oc := s.carts[owner]
	if oc == nil {
		return nil, common.NewAppError("ITEM_NOT_FOUND", "cart item not found", http.StatusNotFound, ErrNotFound)
	}
	ln, ok := oc.lines[itemID]
	if !ok {
		return nil, common.NewAppError("ITEM_NOT_FOUND", "cart item not found", http.StatusNotFound, ErrNotFound)
	}
	return ln, nil
}

func (s *Service) snapshotLocked(oc *ownerCart) cart.Cart {
	out := cart.Cart{Items: []cart.Item{}}
	if oc == nil || len(oc.lines) == 0 {
		return out
	}
	lines := make([]*line, 0, len(oc.lines))
	for _, ln := range oc.lines {
		lines = append(lines, ln)
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].pos < lines[j].pos })

	priced := make([]pricing.Item, 0, len(lines))
	for _, ln := range lines {
		l := s.listings[ln.listingID]
		out.Items = append(out.Items, cart.Item{
			ID:        ln.id,
			ListingID: ln.listingID,
			Listing: cart.Listing{
				ID:       l.ID,
				Name:     l.Name,
				Price:    l.Price,
				Images:   append([]string(nil), l.Images...),
				VendorID: l.VendorID,
			},
			Quantity: ln.qty,
		})
		priced = append(priced, pricing.Item{Qty: ln.qty, UnitPrice: l.Price})
	}
	vendor := s.vendors[oc.vendorID]
	vendorID := oc.vendorID
	out.VendorID = &vendorID
	out.Vendor = &cart.Vendor{ID: vendorID, Name: vendor.Name}
	out.Subtotal = pricing.Compute(priced, vendor.PromoBps).Subtotal
	return out
}
