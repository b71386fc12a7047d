package orders

import (
	"errors"
	"net/http"
)

// Stable error codes returned to API callers.
const (
	CodeValidation          = "VALIDATION_ERROR"
	CodeAccountInactive     = "ACCOUNT_INACTIVE"
	CodeKYCRequired         = "KYC_REQUIRED"
	CodeInvalidSymbol       = "INVALID_SYMBOL"
	CodeMarketClosed        = "MARKET_CLOSED"
	CodeQuantityOutOfRange  = "QUANTITY_OUT_OF_RANGE"
	CodeLeverageExceeded    = "LEVERAGE_EXCEEDED"
	CodeIdempotencyReused   = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimited         = "RATE_LIMITED"
	CodePriceUnavailable    = "PRICE_UNAVAILABLE"
	CodeInsufficientMargin  = "INSUFFICIENT_MARGIN"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodePositionNotFound    = "POSITION_NOT_FOUND"
	CodePositionClosed      = "POSITION_CLOSED"
	CodeConflict            = "CONCURRENCY_CONFLICT"
	CodeTimeout             = "TIMEOUT"
	CodePersistence         = "PERSISTENCE_ERROR"
)

type OrderError struct {
	Code    string
	Message string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

func newError(code, msg string) *OrderError {
	return &OrderError{Code: code, Message: msg}
}

func wrapError(code, msg string, err error) *OrderError {
	return &OrderError{Code: code, Message: msg, Err: err}
}

// CodeOf returns the stable code carried by err, or PERSISTENCE_ERROR.
func CodeOf(err error) string {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return CodePersistence
}

// MessageOf returns the caller-facing message for err. Internal causes are not exposed.
func MessageOf(err error) string {
	var oe *OrderError
	if errors.As(err, &oe) {
		return oe.Message
	}
	return "internal error"
}

func StatusCode(code string) int {
	switch code {
	case CodeIdempotencyReused:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodePositionNotFound:
		return http.StatusNotFound
	case CodePriceUnavailable:
		return http.StatusServiceUnavailable
	case CodeConflict, CodePersistence:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
