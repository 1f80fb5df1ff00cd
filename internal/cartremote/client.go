// Package cartremote talks to the authoritative cart service over HTTP.
package cartremote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/marketplace-cart/internal/cart"
	"github.com/noah-isme/marketplace-cart/internal/resilience"
)

// CodeVendorConflict is the error code the cart service uses when a listing
// belongs to a different vendor than the current cart.
const CodeVendorConflict = "VENDOR_CONFLICT"

const maxErrorBody = 16 << 10

// Config configures a Client.
type Config struct {
	BaseURL string
	// HTTP is used for every call. Mutations run with a single attempt.
	HTTP resilience.HTTPClient
	// NewKey generates Idempotency-Key values. Defaults to random UUIDs.
	NewKey func() string
}

// Client implements cart.Remote for a single session token.
type Client struct {
	base   *url.URL
	http   resilience.HTTPClient
	token  string
	newKey func() string
}

var _ cart.Remote = (*Client)(nil)

// New validates cfg and returns an unauthenticated client. Use WithToken to
// bind it to a session.
func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		return nil, errors.New("cartremote: base url required")
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("cartremote: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("cartremote: unsupported scheme %q", base.Scheme)
	}
	if cfg.HTTP.Client == nil {
		cfg.HTTP.Client = NewHTTPClient(nil)
	}
	newKey := cfg.NewKey
	if newKey == nil {
		newKey = uuid.NewString
	}
	return &Client{base: base, http: cfg.HTTP, newKey: newKey}, nil
}

// NewHTTPClient returns an http.Client whose transport is traced with
// OpenTelemetry. A nil base uses http.DefaultTransport.
func NewHTTPClient(base http.RoundTripper) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(base,
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return "cart-service " + r.Method
			}),
		),
	}
}

// WithToken returns a copy of the client that authenticates as token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = strings.TrimSpace(token)
	return &cp
}

// GetCart loads the current cart. Transient failures are retried.
func (c *Client) GetCart(ctx context.Context) (cart.Cart, error) {
	var out cart.Cart
	err := c.call(ctx, cart.OpFetch, c.http, http.MethodGet, "/cart", nil, &out)
	return out, err
}

// AddItem adds quantity units of a listing and returns the full cart.
func (c *Client) AddItem(ctx context.Context, listingID string, quantity int) (cart.Cart, error) {
	payload := map[string]any{"listingId": listingID, "quantity": quantity}
	var out cart.Cart
	err := c.call(ctx, cart.OpAddItem, c.http.WithAttempts(1), http.MethodPost, "/cart/items", payload, &out)
	return out, err
}

// UpdateItem sets the quantity of a line.
func (c *Client) UpdateItem(ctx context.Context, itemID string, quantity int) error {
	payload := map[string]any{"quantity": quantity}
	return c.call(ctx, cart.OpUpdateQuantity, c.http.WithAttempts(1), http.MethodPut, "/cart/items/"+url.PathEscape(itemID), payload, nil)
}

// RemoveItem deletes a line.
func (c *Client) RemoveItem(ctx context.Context, itemID string) error {
	return c.call(ctx, cart.OpRemoveItem, c.http.WithAttempts(1), http.MethodDelete, "/cart/items/"+url.PathEscape(itemID), nil, nil)
}

// ClearCart deletes every line.
func (c *Client) ClearCart(ctx context.Context) error {
	return c.call(ctx, cart.OpClearCart, c.http.WithAttempts(1), http.MethodDelete, "/cart", nil, nil)
}

// Ping checks that the cart service answers. Any HTTP response counts.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/health/live", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.WithAttempts(1).Do(ctx, req)
	if err != nil {
		var se *resilience.StatusError
		if errors.As(err, &se) {
			return fmt.Errorf("cart service: %s", se.Status)
		}
		return err
	}
	_ = resp.Body.Close()
	return nil
}

func (c *Client) call(ctx context.Context, op string, hc resilience.HTTPClient, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return &cart.Error{Op: op, Kind: cart.KindValidation, Code: "BAD_PAYLOAD", Err: err}
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return &cart.Error{Op: op, Kind: cart.KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if method != http.MethodGet {
		req.Header.Set("Idempotency-Key", c.newKey())
	}

	start := time.Now()
	resp, err := hc.Do(ctx, req)
	if err != nil {
		return transportError(ctx, op, err, time.Since(start))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return responseError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return transportError(ctx, op, ctx.Err(), time.Since(start))
		}
		return &cart.Error{Op: op, Kind: cart.KindInconsistent, Code: "BAD_RESPONSE", Status: resp.StatusCode, Err: fmt.Errorf("decode cart: %w", err)}
	}
	return nil
}

func transportError(ctx context.Context, op string, err error, elapsed time.Duration) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &cart.Error{Op: op, Kind: cart.KindTimeout, Err: fmt.Errorf("after %s: %w", elapsed.Round(time.Millisecond), err)}
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return &cart.Error{Op: op, Kind: cart.KindCanceled, Err: err}
	case errors.Is(err, resilience.ErrOpenCircuit):
		return &cart.Error{Op: op, Kind: cart.KindTransport, Code: "CIRCUIT_OPEN", Err: err}
	}
	var se *resilience.StatusError
	if errors.As(err, &se) {
		return &cart.Error{Op: op, Kind: cart.KindTransport, Code: "UPSTREAM", Status: se.StatusCode, Err: err}
	}
	return &cart.Error{Op: op, Kind: cart.KindTransport, Err: err}
}

type envelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func responseError(op string, resp *http.Response) error {
	var env envelope
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &env)

	e := &cart.Error{
		Op:      op,
		Kind:    cart.KindRejected,
		Code:    env.Error.Code,
		Message: env.Error.Message,
		Status:  resp.StatusCode,
		Err:     fmt.Errorf("cart service responded %s", resp.Status),
	}
	switch {
	case resp.StatusCode == http.StatusConflict && (e.Code == CodeVendorConflict || e.Code == ""):
		e.Kind = cart.KindConflict
		if e.Code == "" {
			e.Code = CodeVendorConflict
		}
	case resp.StatusCode >= http.StatusInternalServerError:
		e.Kind = cart.KindTransport
	}
	return e
}
