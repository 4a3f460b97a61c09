// Package errs classifies failures from the market data layer and the
// computation core into a closed, typed taxonomy. The classification drives
// retry and backoff decisions; the core itself never retries.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeNetwork          Code = "NETWORK_ERROR"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeDataNotFound     Code = "DATA_NOT_FOUND"
	CodeServer           Code = "SERVER_ERROR"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeInsufficientData Code = "INSUFFICIENT_DATA"
	CodeCalculation      Code = "CALCULATION_ERROR"
	CodeData             Code = "DATA_ERROR" // catch-all for unclassified fetch failures
)

// Severity grades how serious a failure is for operators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error is a classified failure. Recoverable means the condition can be
// cleared by changing inputs; Retryable means the same call may succeed
// unchanged.
type Error struct {
	Code        Code
	Message     string
	UserMessage string
	Severity    Severity
	Recoverable bool
	Retryable   bool
	RetryAfter  time.Duration // rate-limit hint, zero when absent
	Symbol      string        // optional symbol context
	cause       error
}

func (e *Error) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s: %s (symbol %s)", e.Code, e.Message, e.Symbol)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf extracts the classification code from err, or empty when err is not
// a classified error.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsRetryable reports whether err is classified as safe to retry unchanged.
func IsRetryable(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Retryable
}

// Validation builds a non-retryable input error.
func Validation(format string, args ...any) *Error {
	return &Error{
		Code:        CodeValidation,
		Message:     fmt.Sprintf(format, args...),
		UserMessage: "Please check your input parameters and try again.",
		Severity:    SeverityLow,
		Recoverable: true,
		Retryable:   false,
	}
}

// InsufficientData builds the error for runs that cannot produce at least
// two usable snapshots.
func InsufficientData(format string, args ...any) *Error {
	return &Error{
		Code:        CodeInsufficientData,
		Message:     fmt.Sprintf(format, args...),
		UserMessage: "Not enough historical data for the selected period. Choose a shorter period or different coins.",
		Severity:    SeverityMedium,
		Recoverable: true,
		Retryable:   false,
	}
}

// Calculation builds the error for a division-by-zero or NaN arising during
// metrics computation. Reported as a defect, never retried.
func Calculation(format string, args ...any) *Error {
	return &Error{
		Code:        CodeCalculation,
		Message:     fmt.Sprintf(format, args...),
		UserMessage: "A calculation error occurred. This may be due to invalid price data or extreme market conditions.",
		Severity:    SeverityMedium,
		Recoverable: true,
		Retryable:   false,
	}
}

// NotFound builds the error for a symbol with no historical series.
func NotFound(symbol string) *Error {
	return &Error{
		Code:        CodeDataNotFound,
		Message:     fmt.Sprintf("historical data not available for %s", symbol),
		UserMessage: fmt.Sprintf("Historical data for %s is not available. This coin may be too new or not supported.", symbol),
		Severity:    SeverityMedium,
		Recoverable: true,
		Retryable:   false,
		Symbol:      symbol,
	}
}

// ClassifyHTTP maps a provider HTTP status to a classified error.
// retryAfter is the raw Retry-After header in seconds, empty when absent.
func ClassifyHTTP(status int, symbol, retryAfter string, cause error) *Error {
	switch {
	case status == 404:
		e := NotFound(symbol)
		e.cause = cause
		return e
	case status == 429:
		e := &Error{
			Code:        CodeRateLimited,
			Message:     "rate limit exceeded while fetching data",
			UserMessage: "Too many requests. Please wait a moment and try again.",
			Severity:    SeverityLow,
			Recoverable: true,
			Retryable:   true,
			Symbol:      symbol,
			cause:       cause,
		}
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
		return e
	case status >= 500:
		return &Error{
			Code:        CodeServer,
			Message:     fmt.Sprintf("server error (%d) while fetching data", status),
			UserMessage: "The data service is temporarily unavailable. Please try again in a few minutes.",
			Severity:    SeverityMedium,
			Recoverable: true,
			Retryable:   true,
			Symbol:      symbol,
			cause:       cause,
		}
	default:
		return &Error{
			Code:        CodeData,
			Message:     fmt.Sprintf("unexpected status %d while fetching data", status),
			UserMessage: "An unexpected error occurred while loading data. Please try again.",
			Severity:    SeverityMedium,
			Recoverable: true,
			Retryable:   true,
			Symbol:      symbol,
			cause:       cause,
		}
	}
}

// ClassifyFetch maps a transport-level failure to a classified error.
// Already-classified errors pass through unchanged.
func ClassifyFetch(err error, symbol string) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Code:        CodeNetwork,
			Message:     "network error while fetching data",
			UserMessage: "Unable to connect to the data source. Please check your connection and try again.",
			Severity:    SeverityMedium,
			Recoverable: true,
			Retryable:   true,
			Symbol:      symbol,
			cause:       err,
		}
	}
	return &Error{
		Code:        CodeData,
		Message:     "unknown error fetching data",
		UserMessage: "An unexpected error occurred while loading data. Please try again.",
		Severity:    SeverityMedium,
		Recoverable: true,
		Retryable:   true,
		Symbol:      symbol,
		cause:       err,
	}
}

// HTTPStatus maps a classified error to the response status the API layer
// should return.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return 400
	case CodeDataNotFound:
		return 404
	case CodeInsufficientData, CodeCalculation:
		return 422
	case CodeRateLimited:
		return 429
	case CodeNetwork, CodeServer, CodeData:
		return 502
	default:
		return 500
	}
}
