package cart

import (
	"errors"
	"strings"
)

// Kind classifies a cart failure by origin so callers can pick a remediation.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindTransport means the request could not complete.
	KindTransport
	// KindTimeout means the operation exceeded its deadline.
	KindTimeout
	// KindCanceled means the caller abandoned the operation.
	KindCanceled
	// KindRejected means the cart service refused the mutation.
	KindRejected
	// KindConflict means the listing belongs to a different vendor than the cart.
	KindConflict
	// KindValidation means a local precondition was violated before any request was sent.
	KindValidation
	// KindInconsistent means the cart service returned a snapshot that breaks cart invariants.
	KindInconsistent
	// KindClosed means the store was torn down.
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindCanceled:
		return "canceled"
	case KindRejected:
		return "rejected"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindInconsistent:
		return "inconsistent"
	case KindClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the kind as its lowercase name.
func (k Kind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return []byte(""), nil
	}
	return []byte(k.String()), nil
}

var (
	ErrTransport      = errors.New("cart: cart service unavailable")
	ErrTimeout        = errors.New("cart: operation timed out")
	ErrCanceled       = errors.New("cart: operation canceled")
	ErrRejected       = errors.New("cart: request rejected by cart service")
	ErrVendorConflict = errors.New("cart: listing belongs to a different vendor")
	ErrValidation     = errors.New("cart: invalid input")
	ErrInconsistent   = errors.New("cart: inconsistent cart snapshot")
	ErrClosed         = errors.New("cart: store closed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindTransport:
		return ErrTransport
	case KindTimeout:
		return ErrTimeout
	case KindCanceled:
		return ErrCanceled
	case KindRejected:
		return ErrRejected
	case KindConflict:
		return ErrVendorConflict
	case KindValidation:
		return ErrValidation
	case KindInconsistent:
		return ErrInconsistent
	case KindClosed:
		return ErrClosed
	default:
		return nil
	}
}

// Error describes a failed cart operation. Message is safe to show to users.
type Error struct {
	Op      string
	Kind    Kind
	Code    string
	Message string
	Status  int
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("cart")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Unwrap allows errors.Is/As to inspect the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf extracts the kind of a cart error, or KindUnknown.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

func defaultMessage(k Kind) string {
	switch k {
	case KindTransport:
		return "We couldn't reach the cart service. Please try again."
	case KindTimeout:
		return "The cart is taking too long to respond. Please try again."
	case KindCanceled:
		return "The cart request was canceled."
	case KindRejected:
		return "The cart service could not apply this change."
	case KindConflict:
		return "Your cart contains items from another vendor. Clear it to add this item."
	case KindValidation:
		return "That change isn't valid for your cart."
	case KindInconsistent:
		return "The cart service returned an unexpected cart. Please refresh."
	case KindClosed:
		return "Your session has ended."
	default:
		return "Something went wrong with your cart."
	}
}
