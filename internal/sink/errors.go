// Package sink holds the delivery targets for transcribed segments.
package sink

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAuthExpired = errors.New("remote credentials expired")
	ErrRateLimited = errors.New("remote rate limited")
	ErrUnavailable = errors.New("remote unavailable")
	// ErrUndeliverable reports a segment the sink has given up on. Callers
	// must not retry it.
	ErrUndeliverable = errors.New("segment undeliverable")
)

// RateLimitError carries the collaborator's retry guidance. A zero
// RetryAfter means none was given.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: retry after %s", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
