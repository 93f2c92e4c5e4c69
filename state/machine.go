package state

import (
	"errors"
	"fmt"
	"strings"
)

// Status represents a transaction lifecycle state.
type Status string

// All transaction statuses.
const (
	StatusPending        Status = "pending"
	StatusPendingPayment Status = "pending_payment"
	StatusInEscrow       Status = "in_escrow"
	StatusCompleted      Status = "completed"
	StatusRefunded       Status = "refunded"
	StatusDisputed       Status = "disputed"
	StatusCancelled      Status = "cancelled"
)

// Event is a trigger that may move a transaction between statuses.
type Event string

// All transition events.
const (
	EventPaymentInitiated Event = "payment_initiated"
	EventPaymentConfirmed Event = "payment_confirmed"
	EventPaymentFailed    Event = "payment_failed"
	EventRelease          Event = "release"
	EventDispute          Event = "dispute"
	EventResolveRelease   Event = "resolve_release"
	EventResolveRefund    Event = "resolve_refund"
	EventCancel           Event = "cancel"
)

var (
	// ErrTerminalState is returned when an event targets a transaction that
	// has already reached completed, refunded or cancelled.
	ErrTerminalState = errors.New("state: transaction is in a terminal status")
	// ErrIllegalTransition is returned when the event is not permitted from
	// the current status.
	ErrIllegalTransition = errors.New("state: transition not permitted")
)

var transitions = map[Status]map[Event]Status{
	StatusPending: {
		EventPaymentInitiated: StatusPendingPayment,
		EventCancel:           StatusCancelled,
	},
	StatusPendingPayment: {
		EventPaymentConfirmed: StatusInEscrow,
		EventPaymentFailed:    StatusPending,
		EventCancel:           StatusCancelled,
	},
	StatusInEscrow: {
		EventRelease: StatusCompleted,
		EventDispute: StatusDisputed,
		// Administrative override: a dispute resolution may settle an
		// in_escrow transaction directly.
		EventResolveRelease: StatusCompleted,
		EventResolveRefund:  StatusRefunded,
	},
	StatusDisputed: {
		EventResolveRelease: StatusCompleted,
		EventResolveRefund:  StatusRefunded,
	},
}

// Valid reports whether the status is one of the supported values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPendingPayment, StatusInEscrow,
		StatusCompleted, StatusRefunded, StatusDisputed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	default:
		return false
	}
}

// Apply evaluates the transition table for the given event. It returns the
// next status, or ErrTerminalState / ErrIllegalTransition when the event is
// not legal from the current status. Apply never mutates anything; callers
// persist the result.
func Apply(current Status, event Event) (Status, error) {
	if !current.Valid() {
		return "", fmt.Errorf("state: unknown status %q", current)
	}
	if current.Terminal() {
		return "", fmt.Errorf("%w: %s does not accept %s", ErrTerminalState, current, event)
	}
	allowed, ok := transitions[current]
	if !ok {
		return "", fmt.Errorf("%w: no events accepted from %s", ErrIllegalTransition, current)
	}
	next, ok := allowed[event]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrIllegalTransition, event, current)
	}
	return next, nil
}

// ParseStatus canonicalises a status string, rejecting unknown values.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("state: unknown status %q", raw)
	}
	return s, nil
}
