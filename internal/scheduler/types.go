// Package scheduler serializes work onto the host thread. Program goroutines
// hand closures to a MainQueue and block until the host drains it on its next
// tick.
package scheduler

import "errors"

// Sentinel errors for the scheduler package.
var (
	// ErrQueueClosed is returned when calling into a closed queue.
	ErrQueueClosed = errors.New("main queue closed")

	// ErrCallbackFailed is returned to the waiter when its callback panicked.
	ErrCallbackFailed = errors.New("main thread callback failed")
)

// RequestState represents the state of a queued request.
type RequestState int32

const (
	// RequestPending indicates the request waits for the next drain.
	RequestPending RequestState = iota

	// RequestRunning indicates the host thread is executing the request.
	RequestRunning

	// RequestDone indicates the request completed or failed.
	RequestDone

	// RequestAbandoned indicates the caller stopped waiting before the
	// request ran; it is skipped.
	RequestAbandoned
)
