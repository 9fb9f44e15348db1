package ads

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusPublished, StatusExpired},
	StatusScheduled: {StatusPublished, StatusExpired},
	StatusPublished: {StatusScheduled, StatusExpired},
}

// CanTransition reports whether from → to is a legal lifecycle move.
// Expired is terminal.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a with status to, or ErrInvalidTransition.
func Transition(a Ad, to Status) (Ad, error) {
	if !CanTransition(a.Status, to) {
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	return a, nil
}

// InitialStatus is the status a freshly saved ad lands in.
func InitialStatus(a Ad, now time.Time) Status {
	if a.Expired(now) {
		return StatusExpired
	}
	if a.IsScheduled() {
		return StatusScheduled
	}
	return StatusDraft
}
