package entity

import (
	"context"
	"errors"
	"fmt"
)

// Standard domain errors
var (
	ErrInvalidRequest   = errors.New("invalid request parameters")
	ErrUnsafeQuery      = errors.New("query contains data-modifying statements")
	ErrNoSecondary      = errors.New("no secondary provider configured")
	ErrSearchDisabled   = errors.New("search API key and engine id must be configured")
	ErrUnknownPartition = errors.New("unknown partition")
)

// ErrorKind is the provider failure taxonomy that drives retry and fallback.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindRateLimit       ErrorKind = "rate_limit"
	KindContextTooLarge ErrorKind = "context_too_large"
	KindTimeout         ErrorKind = "timeout"
	KindOther           ErrorKind = "other"
)

// ProviderError is the normalized failure every provider adapter returns.
type ProviderError struct {
	Kind       ErrorKind
	Provider   ProviderName
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func NewProviderError(provider ProviderName, kind ErrorKind, status int, err error) *ProviderError {
	return &ProviderError{Kind: kind, Provider: provider, StatusCode: status, Err: err}
}

// KindOf classifies any error returned by a provider call. Errors that were
// not normalized by an adapter count as KindOther, except deadline expiry
// which counts as a timeout.
func KindOf(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindOther
}

type StoreErrorKind string

const (
	StoreUnreachable StoreErrorKind = "unreachable"
	StoreMalformed   StoreErrorKind = "malformed"
)

// StoreError is returned by context sources and store adapters.
type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s (%s): %v", e.Kind, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func Unreachable(op string, err error) *StoreError {
	return &StoreError{Kind: StoreUnreachable, Op: op, Err: err}
}

func Malformed(op string, err error) *StoreError {
	return &StoreError{Kind: StoreMalformed, Op: op, Err: err}
}

// IsUnreachable reports whether err means the backing store could not be contacted.
func IsUnreachable(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == StoreUnreachable
}

// SearchStatusError carries the HTTP status of a failed search call.
type SearchStatusError struct {
	StatusCode int
	Body       string
}

func (e *SearchStatusError) Error() string {
	return fmt.Sprintf("search returned HTTP %d: %s", e.StatusCode, e.Body)
}
