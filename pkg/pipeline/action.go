package pipeline

import (
	"time"
)

// ActionKind tells the host what to do after a tick.
type ActionKind string

const (
	// ActionNone waits for the next scheduled tick.
	ActionNone ActionKind = "none"

	// ActionContinue ticks again right away.
	ActionContinue ActionKind = "continue"

	// ActionRetryAfter ticks again after Delay.
	ActionRetryAfter ActionKind = "retry_after"
)

// NextAction is returned by every tick in place of self-rescheduling.
type NextAction struct {
	Kind   ActionKind    `json:"kind"`
	Delay  time.Duration `json:"delay,omitempty"`
	Reason string        `json:"reason"`
}

// None waits for the next scheduled tick.
func None(reason string) NextAction {
	return NextAction{Kind: ActionNone, Reason: reason}
}

// Continue asks for an immediate tick.
func Continue(reason string) NextAction {
	return NextAction{Kind: ActionContinue, Reason: reason}
}

// RetryAfter asks for a tick after d.
func RetryAfter(d time.Duration, reason string) NextAction {
	if d <= 0 {
		return Continue(reason)
	}
	return NextAction{Kind: ActionRetryAfter, Delay: d, Reason: reason}
}
