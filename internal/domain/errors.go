package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMerchantConflict = errors.New("cart already holds items from another merchant")
	ErrUnreachable      = errors.New("cart service unreachable")
	ErrUnauthorized     = errors.New("credential rejected")
	ErrDataIntegrity    = errors.New("cart totals do not add up")

	ErrMissingVariant       = errors.New("product_variant_id is required")
	ErrMissingMerchant      = errors.New("merchant_id is required")
	ErrInvalidQuantity      = errors.New("quantity must be greater than 0")
	ErrAlreadyAuthenticated = errors.New("session is already authenticated")
	ErrNotAuthenticated     = errors.New("session is not authenticated")
)

// ServerRejection is an explicit refusal by the remote system. Message is the
// server's text and is shown to the user verbatim.
type ServerRejection struct {
	StatusCode int
	Message    string
}

func (e *ServerRejection) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server rejected request (status %d)", e.StatusCode)
	}
	return e.Message
}

// IsValidation reports whether err is one of the local input checks.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingVariant) ||
		errors.Is(err, ErrMissingMerchant) ||
		errors.Is(err, ErrInvalidQuantity)
}

// UserMessage picks the most specific message available for err.
func UserMessage(err error, fallback string) string {
	var rej *ServerRejection
	switch {
	case err == nil:
		return fallback
	case errors.As(err, &rej):
		return rej.Error()
	case errors.Is(err, ErrMerchantConflict):
		return "Your cart contains items from another restaurant. Clear it to add this item."
	case errors.Is(err, ErrUnauthorized):
		return "Your session has expired. Please sign in again."
	case errors.Is(err, ErrUnreachable):
		return fallback + ": service unavailable, please try again"
	case IsValidation(err):
		return err.Error()
	default:
		return fallback
	}
}
