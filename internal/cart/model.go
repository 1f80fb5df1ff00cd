package cart

import (
	"fmt"

	"github.com/noah-isme/marketplace-cart/internal/pricing"
)

// Listing is the denormalised listing snapshot attached to a cart line. It
// reflects the listing at the time of the last fetch and may be stale.
type Listing struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Price    pricing.Money `json:"price"`
	Images   []string      `json:"images,omitempty"`
	VendorID string        `json:"vendorId,omitempty"`
}

// Item is a single cart line.
type Item struct {
	ID        string  `json:"id"`
	ListingID string  `json:"listingId"`
	Listing   Listing `json:"listing"`
	Quantity  int     `json:"quantity"`
}

// Vendor owns every listing in a non-empty cart.
type Vendor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Cart is the authoritative cart snapshot returned by the cart service.
type Cart struct {
	Items    []Item        `json:"items"`
	VendorID *string       `json:"vendorId"`
	Vendor   *Vendor       `json:"vendor"`
	Subtotal pricing.Money `json:"subtotal"`
}

func (c Cart) clone() Cart {
	out := Cart{Subtotal: c.Subtotal}
	out.Items = make([]Item, len(c.Items))
	for i, it := range c.Items {
		cp := it
		if it.Listing.Images != nil {
			cp.Listing.Images = append([]string(nil), it.Listing.Images...)
		}
		out.Items[i] = cp
	}
	if c.VendorID != nil {
		id := *c.VendorID
		out.VendorID = &id
	}
	if c.Vendor != nil {
		v := *c.Vendor
		out.Vendor = &v
	}
	return out
}

// validate checks the invariants the store refuses to expose: positive
// quantities, a non-negative subtotal and a single vendor per non-empty cart.
func (c Cart) validate() error {
	if c.Subtotal < 0 {
		return fmt.Errorf("negative subtotal %d", c.Subtotal)
	}
	seen := make(map[string]struct{}, len(c.Items))
	for _, it := range c.Items {
		if it.ID == "" {
			return fmt.Errorf("line without id for listing %q", it.ListingID)
		}
		if _, dup := seen[it.ID]; dup {
			return fmt.Errorf("duplicate line %q", it.ID)
		}
		seen[it.ID] = struct{}{}
		if it.Quantity < 1 {
			return fmt.Errorf("line %q has quantity %d", it.ID, it.Quantity)
		}
	}
	if len(c.Items) == 0 {
		return nil
	}
	if c.VendorID == nil || *c.VendorID == "" {
		return fmt.Errorf("non-empty cart without vendor")
	}
	for _, it := range c.Items {
		if it.Listing.VendorID != "" && it.Listing.VendorID != *c.VendorID {
			return fmt.Errorf("line %q belongs to vendor %q, cart vendor is %q", it.ID, it.Listing.VendorID, *c.VendorID)
		}
	}
	return nil
}

// Status is the coarse lifecycle state of a store.
type Status uint8

const (
	StatusIdle Status = iota
	StatusLoading
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "idle"
	}
}

// MarshalText renders the status as its lowercase name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a consistent, read-only copy of the store state for UI consumers.
type Snapshot struct {
	Cart
	Status    Status `json:"status"`
	Loading   bool   `json:"isLoading"`
	Error     string `json:"error,omitempty"`
	ErrorKind Kind   `json:"errorKind,omitempty"`
	Version   uint64 `json:"version"`
}

// ItemCount is the sum of quantities, used for badge display.
func (s Snapshot) ItemCount() int {
	n := 0
	for _, it := range s.Items {
		n += it.Quantity
	}
	return n
}

// Empty reports whether the cart has no lines.
func (s Snapshot) Empty() bool { return len(s.Items) == 0 }

// Item looks up a line by id.
func (s Snapshot) Item(id string) (Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return Item{}, false
}

// EstimatedTotal adds checkout-supplied fees to the server subtotal.
func (s Snapshot) EstimatedTotal(fees pricing.Fees) pricing.Summary {
	return pricing.Estimate(s.Subtotal, fees)
}
