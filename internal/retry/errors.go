package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Reason classifies why a remote call attempt failed
type Reason string

const (
	// ReasonNone is returned when there is no error to classify
	ReasonNone Reason = ""
	// ReasonNetwork covers timeouts, refused and reset connections
	ReasonNetwork Reason = "network"
	// ReasonRateLimited covers HTTP 429 responses
	ReasonRateLimited Reason = "rate_limited"
	// ReasonServerError covers 5xx responses other than 502/503/504
	ReasonServerError Reason = "server_error"
	// ReasonTransientUpstream covers 502, 503 and 504 responses
	ReasonTransientUpstream Reason = "transient_upstream"
	// ReasonClientError covers 4xx responses other than 429. These are never retried.
	ReasonClientError Reason = "client_error"
	// ReasonCircuitOpen is synthetic: the call was rejected without a network attempt
	ReasonCircuitOpen Reason = "circuit_open"
	// ReasonUnknown is anything else
	ReasonUnknown Reason = "unknown"
)

// ErrCircuitOpen is returned when the breaker for an endpoint rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// ClassifiedError attaches a Reason to an underlying error
type ClassifiedError struct {
	Reason   Reason
	Endpoint string
	Err      error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s (%s): %v", e.Reason, e.Endpoint, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with the given reason
func Classify(reason Reason, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Reason: reason, Err: err}
}

// reasoner is implemented by errors that know their own classification (e.g. HTTP errors)
type reasoner interface {
	RetryReason() Reason
}

// retryAfter is implemented by errors carrying a server supplied wait hint
type retryAfter interface {
	RetryAfter() time.Duration
}

// ReasonOf returns the classification of err
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonNone
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if errors.Is(err, ErrCircuitOpen) {
		return ReasonCircuitOpen
	}

	var r reasoner
	if errors.As(err, &r) {
		return r.RetryReason()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonNetwork
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ReasonNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReasonNetwork
	}

	return ReasonUnknown
}

// ReasonForStatus maps an HTTP status code to a Reason
func ReasonForStatus(code int) Reason {
	switch {
	case code == http.StatusTooManyRequests:
		return ReasonRateLimited
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return ReasonTransientUpstream
	case code >= 500:
		return ReasonServerError
	case code >= 400:
		return ReasonClientError
	default:
		return ReasonUnknown
	}
}

// IsCircuitOpen reports whether err was produced by an open breaker
func IsCircuitOpen(err error) bool {
	return ReasonOf(err) == ReasonCircuitOpen
}

// reasonPolicy is one row of the retry decision table
type reasonPolicy struct {
	// retryable is false for classes that are surfaced immediately
	retryable bool
	// ceilingOffset is subtracted from the attempt ceiling (result floored at 1)
	ceilingOffset int
	// delayMultiplier inflates the base delay before exponentiation
	delayMultiplier float64
	// countsAsFailure controls whether the outcome feeds the breaker and history
	countsAsFailure bool
}

var reasonPolicies = map[Reason]reasonPolicy{
	ReasonNetwork:           {retryable: true, ceilingOffset: 0, delayMultiplier: 1, countsAsFailure: true},
	ReasonRateLimited:       {retryable: true, ceilingOffset: 0, delayMultiplier: 2, countsAsFailure: true},
	ReasonServerError:       {retryable: true, ceilingOffset: 1, delayMultiplier: 1.5, countsAsFailure: true},
	ReasonTransientUpstream: {retryable: true, ceilingOffset: 1, delayMultiplier: 1.5, countsAsFailure: true},
	ReasonUnknown:           {retryable: true, ceilingOffset: 2, delayMultiplier: 1, countsAsFailure: true},
	ReasonClientError:       {retryable: false, delayMultiplier: 1, countsAsFailure: false},
	ReasonCircuitOpen:       {retryable: false, delayMultiplier: 1, countsAsFailure: false},
}

func policyFor(reason Reason) reasonPolicy {
	if p, ok := reasonPolicies[reason]; ok {
		return p
	}
	return reasonPolicies[ReasonUnknown]
}
