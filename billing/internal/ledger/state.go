package ledger

import (
	"fmt"
	"time"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
)

// State is a ledger row's status as observed by one worker at one instant. Pending rows
// split into fresh and stale so the reclaim rule is a transition like any other.
type State int

const (
	StatePending State = iota
	StateStalePending
	StateProcessed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStalePending:
		return "stale_pending"
	case StateProcessed:
		return "processed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Trigger is what a worker wants to do with a row.
type Trigger int

const (
	TriggerReclaim Trigger = iota
	TriggerSucceed
	TriggerFail
)

func (t Trigger) String() string {
	switch t {
	case TriggerReclaim:
		return "reclaim"
	case TriggerSucceed:
		return "succeed"
	case TriggerFail:
		return "fail"
	default:
		return fmt.Sprintf("trigger(%d)", int(t))
	}
}

// IllegalTransitionError is returned by Next for a (state, trigger) pair the ledger never performs.
type IllegalTransitionError struct {
	From    State
	Trigger Trigger
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("ledger: cannot %s a %s event", e.Trigger, e.From)
}

// Next returns the status a row moves to. Processed is terminal.
func Next(from State, tr Trigger) (store.EventStatus, error) {
	switch {
	case from == StatePending && tr == TriggerSucceed:
		return store.EventProcessed, nil
	case from == StatePending && tr == TriggerFail:
		return store.EventFailed, nil
	case from == StateStalePending && tr == TriggerReclaim,
		from == StateFailed && tr == TriggerReclaim:
		return store.EventPending, nil
	default:
		return "", &IllegalTransitionError{From: from, Trigger: tr}
	}
}

// Observe classifies a stored row. A pending row not touched for staleAfter is
// assumed abandoned by a crashed worker.
func Observe(ev *store.WebhookEvent, now time.Time, staleAfter time.Duration) State {
	switch ev.Status {
	case store.EventProcessed:
		return StateProcessed
	case store.EventFailed:
		return StateFailed
	default:
		if now.Sub(ev.UpdatedAt) >= staleAfter {
			return StateStalePending
		}
		return StatePending
	}
}
