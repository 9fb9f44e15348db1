package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: occurrence already queued or running")
)

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// taskError annotates a task failure with retry policy. A negative after
// means no hint.
type taskError struct {
	err       error
	permanent bool
	after     time.Duration
}

func (e *taskError) Error() string {
	switch {
	case e.permanent:
		return "permanent: " + e.err.Error()
	case e.after >= 0:
		return fmt.Sprintf("retry in %s: %v", e.after, e.err)
	default:
		return e.err.Error()
	}
}

func (e *taskError) Unwrap() error { return e.err }

// NoRetry marks err as permanent: the engine records it and does not retry.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &taskError{err: err, permanent: true, after: -1}
}

func IsNoRetry(err error) bool {
	var te *taskError
	return errors.As(err, &te) && te.permanent
}

// RetryAfter asks for the next attempt no sooner than after. The delay is
// still capped by RetryMaxDelay and jittered.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &taskError{err: err, after: max(after, 0)}
}

// retryAfterOf extracts a retry hint from err.
func retryAfterOf(err error) (time.Duration, bool) {
	var te *taskError
	if errors.As(err, &te) && !te.permanent && te.after >= 0 {
		return te.after, true
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return ra.RetryAfter(), true
	}
	return 0, false
}
