package engine

import (
	"time"

	"github.com/roach88/patronage/internal/ledger"
)

// Observer receives per-event outcomes from the engine. The metrics package
// provides the production implementation.
type Observer interface {
	EventApplied(ev ledger.Event, d time.Duration)
	EventDuplicate(ev ledger.Event, conflict bool)
	EventRetried(ev ledger.Event, attempt int)
	EventFailed(ev ledger.Event, code RuntimeErrorCode)
	EventDeadLettered(ev ledger.Event)
}

type nopObserver struct{}

func (nopObserver) EventApplied(ledger.Event, time.Duration) {}
func (nopObserver) EventDuplicate(ledger.Event, bool) {}
func (nopObserver) EventRetried(ledger.Event, int) {}
func (nopObserver) EventFailed(ledger.Event, RuntimeErrorCode) {}
func (nopObserver) EventDeadLettered(ledger.Event) {}
