package state

import (
	"fmt"
	"time"
)

// Transition describes what a lifecycle step did to a deposit. Callers turn
// the flags into events and ledger instructions.
type Transition struct {
	From Status
	To   Status

	// NoOp is set when the step was a legal repeat that changed nothing.
	NoOp bool

	CountChanged bool // confirmation count advanced
	Confirmed    bool // entered confirmed on this step
	Completed    bool // entered completed; net must be credited exactly once
	Reversed     bool // entered reversed; the credit must be mirrored
	Failed       bool
	Held         bool
}

func noop(d *Deposit) Transition {
	return Transition{From: d.Status, To: d.Status, NoOp: true}
}

func illegal(d *Deposit, action string) error {
	return &TransitionError{DepositID: d.ID, From: d.Status, Action: action}
}

func touch(d *Deposit, now time.Time) {
	d.UpdatedAt = now
}

// ApplyConfirmation records an observed confirmation count.
//
// Counts are monotonic: a lower count is stale, an equal count is a no-op.
// Reaching the required count moves the deposit to confirmed exactly once.
// While on hold the count is recorded but the status is left alone.
func ApplyConfirmation(d *Deposit, count int, now time.Time) (Transition, error) {
	if count < 0 {
		return Transition{}, fmt.Errorf("%w: negative confirmation count %d", ErrInvalidRequest, count)
	}
	if d.Status.IsTerminal() {
		return Transition{}, illegal(d, "record confirmation")
	}
	if count < d.Confirmations {
		return Transition{}, &StaleConfirmationError{DepositID: d.ID, Current: d.Confirmations, Received: count}
	}
	if count == d.Confirmations {
		return noop(d), nil
	}

	t := Transition{From: d.Status, CountChanged: true}
	d.Confirmations = count

	switch d.Status {
	case StatusPending, StatusAwaitingConfirmations:
		if count >= d.RequiredConfirmations {
			d.Status = StatusConfirmed
			d.ConfirmedAt = &now
			t.Confirmed = true
		} else {
			d.Status = StatusAwaitingConfirmations
		}
	case StatusConfirmed, StatusOnHold:
		// count only
	}

	touch(d, now)
	t.To = d.Status
	return t, nil
}

// Complete moves a confirmed deposit to completed. Completing an already
// completed deposit is a no-op so the credit is never issued twice.
func Complete(d *Deposit, now time.Time) (Transition, error) {
	switch d.Status {
	case StatusCompleted:
		return noop(d), nil
	case StatusConfirmed:
		t := Transition{From: d.Status, To: StatusCompleted, Completed: true}
		d.Status = StatusCompleted
		d.CompletedAt = &now
		touch(d, now)
		return t, nil
	}
	return Transition{}, illegal(d, "complete")
}

// Fail terminates a deposit that has not been credited.
func Fail(d *Deposit, reason string, now time.Time) (Transition, error) {
	if d.Status.IsTerminal() {
		return Transition{}, illegal(d, "fail")
	}
	t := Transition{From: d.Status, To: StatusFailed, Failed: true}
	d.Status = StatusFailed
	d.FailureReason = reason
	d.ResolvedAt = &now
	touch(d, now)
	return t, nil
}

// Reverse undoes a completed deposit. It is the only move out of completed.
func Reverse(d *Deposit, reason string, now time.Time) (Transition, error) {
	if d.Status != StatusCompleted {
		return Transition{}, illegal(d, "reverse")
	}
	t := Transition{From: d.Status, To: StatusReversed, Reversed: true}
	d.Status = StatusReversed
	d.FailureReason = reason
	d.ResolvedAt = &now
	touch(d, now)
	return t, nil
}

// Hold parks a deposit for manual review.
func Hold(d *Deposit, reason string, now time.Time) (Transition, error) {
	switch d.Status {
	case StatusOnHold:
		return noop(d), nil
	case StatusPending, StatusAwaitingConfirmations:
		t := Transition{From: d.Status, To: StatusOnHold, Held: true}
		d.Status = StatusOnHold
		d.HoldReason = reason
		touch(d, now)
		return t, nil
	}
	return Transition{}, illegal(d, "hold")
}

// ManualConfirm marks a deposit confirmed on a reviewer's approval,
// regardless of the observed confirmation count.
func ManualConfirm(d *Deposit, now time.Time) (Transition, error) {
	switch d.Status {
	case StatusConfirmed, StatusCompleted:
		return noop(d), nil
	case StatusPending, StatusAwaitingConfirmations, StatusOnHold:
		t := Transition{From: d.Status, To: StatusConfirmed, Confirmed: true}
		d.Status = StatusConfirmed
		d.ConfirmedAt = &now
		d.HoldReason = ""
		touch(d, now)
		return t, nil
	}
	return Transition{}, illegal(d, "approve")
}
