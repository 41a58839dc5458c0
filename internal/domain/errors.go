package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTransientNetwork marks I/O failures worth exactly one more attempt.
	ErrTransientNetwork = errors.New("transient network error")

	// ErrUnresolvedTarget is returned when the platform cannot locate a chat reference.
	ErrUnresolvedTarget = errors.New("unresolved target")

	// ErrCorruptCache is returned by cache loading when the snapshot cannot be parsed.
	// The store is still usable (empty) when this is returned.
	ErrCorruptCache = errors.New("corrupt cache")

	// ErrFatalConfig aborts the run before any processing starts.
	ErrFatalConfig = errors.New("fatal configuration error")

	// ErrFetchFailed ends the export of a single target.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrAllTargetsUnresolved is returned when not a single configured target resolved.
	ErrAllTargetsUnresolved = errors.New("no target could be resolved")

	ErrInvalidTransition = errors.New("invalid media task transition")
	ErrPathClaimed       = errors.New("output path already claimed")
)

// RateLimitedError is a flood-control signal from the platform.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
	}
	return fmt.Sprintf("rate limited: retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// MediaOptimizeError reports a failed re-encode. The downloaded original is
// still on disk at Original when it is non-empty.
type MediaOptimizeError struct {
	Original string
	Err      error
}

func (e *MediaOptimizeError) Error() string {
	return fmt.Sprintf("optimize %s: %v", e.Original, e.Err)
}

func (e *MediaOptimizeError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient network error.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// RetryAfter extracts the signaled wait from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// IsRateLimited reports whether err carries a flood-control signal.
func IsRateLimited(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl)
}
