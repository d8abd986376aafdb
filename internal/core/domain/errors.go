package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoProxyAvailable means the pool is empty or every proxy was
	// excluded by the failed set, tags or geo restriction.
	ErrNoProxyAvailable = errors.New("no proxy available")

	// ErrAllCircuitsOpen means proxies existed but every breaker denied
	// admission. Terminal for the request.
	ErrAllCircuitsOpen = errors.New("all circuits open")

	ErrNotFound      = errors.New("proxy not found")
	ErrAlreadyExists = errors.New("proxy already exists")

	// ErrDeadlineExceeded marks the total request deadline elapsing while
	// selecting, waiting or dispatching.
	ErrDeadlineExceeded = errors.New("total deadline exceeded")

	// ErrCancelled marks caller cancellation.
	ErrCancelled = errors.New("request cancelled")
)

// DispatchFailure is a classified attempt failure. Proxies are identified by
// id only; the wrapped error never carries credentials.
type DispatchFailure struct {
	Err     error
	Kind    ErrorKind
	ProxyID string
	Latency time.Duration
}

func (e *DispatchFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch via proxy %s failed (%s): %v", e.ProxyID, e.Kind, e.Err)
	}
	return fmt.Sprintf("dispatch via proxy %s failed (%s)", e.ProxyID, e.Kind)
}

func (e *DispatchFailure) Unwrap() error {
	return e.Err
}

func NewDispatchFailure(proxyID string, kind ErrorKind, latency time.Duration, err error) *DispatchFailure {
	return &DispatchFailure{
		ProxyID: proxyID,
		Kind:    kind,
		Latency: latency,
		Err:     err,
	}
}

// RateLimitedError carries what a denied caller needs to back off.
type RateLimitedError struct {
	Identifier string
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited for %s: retry after %s", e.Identifier, e.RetryAfter)
}

// RetryExhaustedError wraps the last outcome once attempts or deadline ran
// out.
type RetryExhaustedError struct {
	Err         error
	Attempts    int
	LastKind    ErrorKind
	LastStatus  int
	LastProxyID string
}

func (e *RetryExhaustedError) Error() string {
	if e.LastStatus > 0 {
		return fmt.Sprintf("retries exhausted after %d attempts: last status %d via proxy %s", e.Attempts, e.LastStatus, e.LastProxyID)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// ConfigValidationError reports a rejected configuration field at
// construct/update time.
type ConfigValidationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid configuration for %s=%v: %s", e.Field, e.Value, e.Reason)
}

func NewConfigValidationError(field string, value interface{}, reason string) *ConfigValidationError {
	return &ConfigValidationError{
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// SelectionError notes which strategy failed over how many candidates; used
// for logging, the wrapped sentinel drives control flow.
type SelectionError struct {
	Err        error
	Strategy   string
	Candidates int
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("strategy %s failed with %d candidates: %v", e.Strategy, e.Candidates, e.Err)
}

func (e *SelectionError) Unwrap() error {
	return e.Err
}

func NewSelectionError(strategy string, candidates int, err error) *SelectionError {
	return &SelectionError{
		Strategy:   strategy,
		Candidates: candidates,
		Err:        err,
	}
}
