// Package apperr defines the structured error taxonomy shared by every
// component. Errors carry a domain (the subsystem that produced them), a
// kind within that domain and a retryable flag so callers can decide
// whether backing off and trying again makes sense.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Domain identifies the subsystem an error originated from.
type Domain string

const (
	DomainHTTP         Domain = "http"
	DomainESI          Domain = "esi"
	DomainZKB          Domain = "zkb"
	DomainCache        Domain = "cache"
	DomainParsing      Domain = "parsing"
	DomainEnrichment   Domain = "enrichment"
	DomainRedisQ       Domain = "redis_q"
	DomainRateLimit    Domain = "ratelimit"
	DomainValidation   Domain = "validation"
	DomainSubscription Domain = "subscription"
)

// Error is a structured application error with a domain:kind identity.
type Error struct {
	Domain    Domain
	Kind      string
	Message   string
	Retryable bool
	Cause     error
	// RetryAfter is the server-indicated wait before retrying, set on
	// rate-limit errors when the upstream sent a Retry-After header.
	RetryAfter time.Duration
}

// New creates a structured error.
func New(domain Domain, kind, message string, retryable bool) *Error {
	return &Error{Domain: domain, Kind: kind, Message: message, Retryable: retryable}
}

// Wrap creates a structured error wrapping an underlying cause.
func Wrap(domain Domain, kind, message string, retryable bool, cause error) *Error {
	return &Error{Domain: domain, Kind: kind, Message: message, Retryable: retryable, Cause: cause}
}

// Error implements the error interface using the domain:kind form.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s:%s: %s: %v", e.Domain, e.Kind, e.Message, e.Cause)
	}
	if e.Message == "" {
		return fmt.Sprintf("%s:%s", e.Domain, e.Kind)
	}
	return fmt.Sprintf("%s:%s: %s", e.Domain, e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by domain and kind, ignoring message and cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Domain == other.Domain && e.Kind == other.Kind
}

// Tag returns the "domain:kind" identity string.
func (e *Error) Tag() string {
	return fmt.Sprintf("%s:%s", e.Domain, e.Kind)
}

// IsRetryable reports whether err (anywhere in its chain) is a retryable
// structured error. Unstructured errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// RetryAfterOf returns the server-indicated retry interval carried by err,
// or zero when none was provided.
func RetryAfterOf(err error) time.Duration {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// KindOf returns the domain:kind tag of err, or "" for unstructured errors.
func KindOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Tag()
	}
	return ""
}

// Sentinel errors for the kinds components match on. Matching uses
// errors.Is which compares domain+kind only, so these double as both
// constructors and comparison targets.
var (
	ErrHTTPTimeout       = New(DomainHTTP, "timeout", "request timed out", true)
	ErrHTTPConnection    = New(DomainHTTP, "connection_failed", "connection failed", true)
	ErrHTTPRateLimited   = New(DomainHTTP, "rate_limited", "rate limited by upstream", true)
	ErrHTTPNotFound      = New(DomainHTTP, "not_found", "resource not found", false)
	ErrHTTPForbidden     = New(DomainHTTP, "forbidden", "access forbidden", false)
	ErrHTTPServerError   = New(DomainHTTP, "server_error", "upstream server error", true)
	ErrHTTPBadResponse   = New(DomainHTTP, "bad_response", "malformed upstream response", false)
	ErrESINotFound       = New(DomainESI, "not_found", "entity not found", false)
	ErrESIAPIError       = New(DomainESI, "api_error", "ESI request failed", true)
	ErrCacheMiss         = New(DomainCache, "miss", "cache miss", false)
	ErrCacheLoaderTimout = New(DomainCache, "loader_timeout", "cache loader timed out", true)
	ErrInvalidFormat     = New(DomainParsing, "invalid_format", "unrecognized killmail shape", false)
	ErrMissingField      = New(DomainParsing, "missing_field", "required field missing", false)
	ErrEnrichTimeout     = New(DomainEnrichment, "timeout", "enrichment timed out", true)
	ErrPollError         = New(DomainRedisQ, "poll_error", "RedisQ poll failed", true)
	ErrQueueTimeout      = New(DomainRateLimit, "queue_timeout", "request expired in queue", true)
	ErrCircuitOpen       = New(DomainRateLimit, "circuit_open", "circuit breaker open", true)
)
