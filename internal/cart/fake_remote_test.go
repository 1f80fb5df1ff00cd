package cart_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/pricing"
)

type fakeListing struct {
	name     string
	price    pricing.Money
	vendorID string
}

// fakeRemote is an in-memory cart service enforcing the single-vendor rule.
type fakeRemote struct {
	mu       sync.Mutex
	listings map[string]fakeListing
	vendors  map[string]string
	items    []cart.Item
	nextID   int

	// subtotal overrides the naive price x quantity sum when set.
	subtotal func(items []cart.Item) pricing.Money

	getErr    error
	addErr    error
	updateErr error
	removeErr error
	clearErr  error

	// block makes every call wait for ctx to end.
	block bool
	// addResponse replaces the AddItem response when set.
	addResponse *cart.Cart

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	gate     chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		listings: map[string]fakeListing{
			"listing-42": {name: "Deep clean", price: 2500, vendorID: "vendor-a"},
			"listing-43": {name: "Window wash", price: 1200, vendorID: "vendor-a"},
			"listing-99": {name: "Dog walk", price: 800, vendorID: "vendor-b"},
		},
		vendors: map[string]string{"vendor-a": "Sparkle Co", "vendor-b": "Happy Paws"},
	}
}

func (f *fakeRemote) enter(ctx context.Context) error {
	f.calls.Add(1)
	n := f.inFlight.Add(1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeRemote) leave() { f.inFlight.Add(-1) }

func (f *fakeRemote) snapshotLocked() cart.Cart {
	out := cart.Cart{Items: append([]cart.Item(nil), f.items...)}
	if len(f.items) > 0 {
		vid := f.items[0].Listing.VendorID
		out.VendorID = &vid
		out.Vendor = &cart.Vendor{ID: vid, Name: f.vendors[vid]}
	}
	if f.subtotal != nil {
		out.Subtotal = f.subtotal(f.items)
		return out
	}
	lines := make([]pricing.Item, 0, len(f.items))
	for _, it := range f.items {
		lines = append(lines, pricing.Item{Qty: it.Quantity, UnitPrice: it.Listing.Price})
	}
	out.Subtotal = pricing.Compute(lines, 0).Subtotal
	return out
}

func (f *fakeRemote) GetCart(ctx context.Context) (cart.Cart, error) {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return cart.Cart{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return cart.Cart{}, f.getErr
	}
	return f.snapshotLocked(), nil
}

func (f *fakeRemote) AddItem(ctx context.Context, listingID string, quantity int) (cart.Cart, error) {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return cart.Cart{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return cart.Cart{}, f.addErr
	}
	if f.addResponse != nil {
		return *f.addResponse, nil
	}
	l, ok := f.listings[listingID]
	if !ok {
		return cart.Cart{}, &cart.Error{Kind: cart.KindRejected, Code: "LISTING_NOT_FOUND", Status: http.StatusNotFound}
	}
	if len(f.items) > 0 && f.items[0].Listing.VendorID != l.vendorID {
		return cart.Cart{}, &cart.Error{Kind: cart.KindConflict, Code: "VENDOR_CONFLICT", Status: http.StatusConflict}
	}
	for i := range f.items {
		if f.items[i].ListingID == listingID {
			f.items[i].Quantity += quantity
			return f.snapshotLocked(), nil
		}
	}
	f.nextID++
	f.items = append(f.items, cart.Item{
		ID:        fmt.Sprintf("l%d", f.nextID),
		ListingID: listingID,
		Listing:   cart.Listing{ID: listingID, Name: l.name, Price: l.price, VendorID: l.vendorID},
		Quantity:  quantity,
	})
	return f.snapshotLocked(), nil
}

func (f *fakeRemote) UpdateItem(ctx context.Context, itemID string, quantity int) error {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	for i := range f.items {
		if f.items[i].ID == itemID {
			f.items[i].Quantity = quantity
			return nil
		}
	}
	return &cart.Error{Kind: cart.KindRejected, Code: "NOT_FOUND", Status: http.StatusNotFound}
}

func (f *fakeRemote) RemoveItem(ctx context.Context, itemID string) error {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	for i := range f.items {
		if f.items[i].ID == itemID {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return &cart.Error{Kind: cart.KindRejected, Code: "NOT_FOUND", Status: http.StatusNotFound}
}

func (f *fakeRemote) ClearCart(ctx context.Context) error {
	defer f.leave()
	if err := f.enter(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.items = nil
	return nil
}

func (f *fakeRemote) failGets(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getErr = err
}

func (f *fakeRemote) seed(items ...cart.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, items...)
	f.nextID += len(items)
}

var errNetwork = errors.New("dial tcp: connection refused")
