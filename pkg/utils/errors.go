package utils

import (
	"errors"
)

// Sentinel errors for common conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrNotMounted indicates the path is absent from the mount table
	ErrNotMounted = errors.New("not mounted")

	// ErrUnmountFailed indicates all unmount stages were exhausted
	ErrUnmountFailed = errors.New("unmount failed")

	// ErrRemountFailed indicates all remount attempts were exhausted
	ErrRemountFailed = errors.New("remount failed")

	// ErrStillStale indicates the share remained unhealthy after a successful remount
	ErrStillStale = errors.New("still stale after remount")

	// ErrBreakerOpen indicates the circuit breaker rejected the operation
	ErrBreakerOpen = errors.New("circuit breaker open")

	// ErrMountTableUnavailable indicates the mount table could not be read
	ErrMountTableUnavailable = errors.New("mount table unavailable")
)
