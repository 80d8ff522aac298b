// Package errs provides structured error envelopes shared across the engine.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category the execution pipeline can act on.
type Code string

const (
	// CodeRateLimited indicates the venue throttled the request.
	CodeRateLimited Code = "rate_limited"
	// CodeInsufficientBalance indicates the account cannot fund the order.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodeInvalidOrder indicates the order parameters were rejected as malformed.
	CodeInvalidOrder Code = "invalid_order"
	// CodeOrderNotFound indicates the referenced order does not exist at the venue.
	CodeOrderNotFound Code = "order_not_found"
	// CodeAuth indicates authentication or authorization failure.
	CodeAuth Code = "auth"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network"
	// CodeTimeout indicates the venue did not answer within the deadline.
	CodeTimeout Code = "timeout"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeUnavailable indicates a component is shut down or not ready.
	CodeUnavailable Code = "unavailable"
	// CodeExchange captures uncategorized exchange-side failures.
	CodeExchange Code = "exchange_error"
)

// E is the structured error envelope produced across the engine.
type E struct {
	Exchange string
	Code     Code
	HTTP     int
	RawCode  string
	Message  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawCode captures the raw venue error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) {
		e.RawCode = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+strconv.Quote(e.RawCode))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the error code from err, unwrapping as needed.
// Errors that are not envelopes report CodeExchange.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var envelope *E
	if errors.As(err, &envelope) && envelope != nil {
		return envelope.Code
	}
	return CodeExchange
}

// Retriable reports whether an order submission failing with err may be retried.
// Rate limits, network faults, timeouts, and generic exchange errors are
// transient; balance, validation, auth, and not-found failures are terminal.
func Retriable(err error) bool {
	switch CodeOf(err) {
	case CodeRateLimited, CodeNetwork, CodeTimeout, CodeExchange, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Wrap converts an arbitrary error into an exchange_error envelope unless it
// already carries a code.
func Wrap(exchange string, err error) error {
	if err == nil {
		return nil
	}
	var envelope *E
	if errors.As(err, &envelope) {
		return err
	}
	return New(exchange, CodeExchange, WithMessage(err.Error()), WithCause(err))
}
