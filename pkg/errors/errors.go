package apperrors

import "errors"

// Standardized exchange errors. Handlers map these onto wire error kinds
// and HTTP statuses; compare with errors.Is.
var (
	ErrUnknownSymbol      = errors.New("unknown symbol")
	ErrInvalidOrder       = errors.New("invalid order")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrFOKUnfillable      = errors.New("fok order unfillable")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrMalformed          = errors.New("malformed message")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInternal           = errors.New("internal error")
)

// Kind returns the wire error kind for an error. Unrecognized errors map
// to INTERNAL.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrUnknownSymbol):
		return "UNKNOWN_SYMBOL"
	case errors.Is(err, ErrInvalidOrder):
		return "INVALID_ORDER"
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_BALANCE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	case errors.Is(err, ErrFOKUnfillable):
		return "FOK_UNFILLABLE"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMITED"
	case errors.Is(err, ErrMalformed):
		return "MALFORMED"
	case errors.Is(err, ErrUnknownMessageType):
		return "UNKNOWN_MESSAGE_TYPE"
	default:
		return "INTERNAL"
	}
}
