package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrUpstreamTransient = errors.New("upstream transient failure")
	ErrUpstreamFatal     = errors.New("upstream fatal failure")
	ErrRetryExhausted    = errors.New("retry attempts exhausted")
	ErrCacheRejected     = errors.New("cache entry rejected")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// IsUpstreamUnavailable reports whether err is a transient upstream failure,
// including one that survived every retry attempt.
func IsUpstreamUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamTransient) || errors.Is(err, ErrRetryExhausted)
}
