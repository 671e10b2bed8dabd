// Package coordinator serializes git-affecting operations across the
// HTTP handlers and the background poller, and carries the single-slot
// mailboxes the display loop polls for cross-thread signals. Exactly
// one Coordinator is constructed at startup and injected into every
// consumer.
package coordinator

import (
	"log/slog"
	"sync"
)

// Coordinator is the process-wide exclusive-operation mutex plus the
// mailboxes used for cross-thread signaling.
type Coordinator interface {
	// TryStartOperation attempts a non-blocking acquire of the operation
	// mutex. It returns false immediately when another operation is in
	// flight; that is a normal busy outcome, not an error.
	TryStartOperation() bool

	// FinishOperation releases the operation mutex. Calling it when the
	// mutex is not held is a no-op.
	FinishOperation()

	// RunExclusive blocks until the operation mutex is available, runs fn,
	// and releases on every exit path including panics.
	RunExclusive(fn func())

	// IsActive reports whether an operation is in flight. It is guarded by
	// its own lock and returns in bounded time even while a multi-second
	// operation holds the operation mutex.
	IsActive() bool

	// TriggerMessage stores a message for the display loop. Last write
	// wins if a previous trigger was never consumed.
	TriggerMessage(message string)

	// ConsumeMessageTrigger returns the pending message and clears it.
	// ok is false when no trigger is pending.
	ConsumeMessageTrigger() (message string, ok bool)

	// MarkSettingsChanged flags that settings were modified.
	MarkSettingsChanged()

	// ConsumeSettingsChanged reports and clears the settings-changed flag.
	ConsumeSettingsChanged() bool

	// SubscribeActive registers an observer of the active flag. Delivery
	// never blocks the operation path: each observer gets a buffered slot
	// and stale notifications are replaced by newer ones.
	SubscribeActive(fn func(active bool))
}

type defaultCoordinator struct {
	opMu sync.Mutex // the operation mutex itself

	stateMu         sync.Mutex // guards everything below
	opHeld          bool
	active          bool
	message         string
	messagePending  bool
	settingsPending bool
	observers       []*activeObserver
}

// activeObserver decouples a subscriber from the operation path. The
// single-slot channel keeps only the most recent state, so a slow
// subscriber never blocks the broadcaster and still converges on the
// latest value.
type activeObserver struct {
	slot chan bool
}

func (o *activeObserver) notify(active bool) {
	for {
		select {
		case o.slot <- active:
			return
		default:
			select {
			case <-o.slot:
			default:
			}
		}
	}
}

// New constructs the process-wide Coordinator.
func New() Coordinator {
	return &defaultCoordinator{}
}

func (c *defaultCoordinator) TryStartOperation() bool {
	if !c.opMu.TryLock() {
		slog.Debug("operation mutex busy, try-start rejected")
		return false
	}
	c.stateMu.Lock()
	c.opHeld = true
	c.stateMu.Unlock()
	c.setActive(true)
	return true
}

func (c *defaultCoordinator) FinishOperation() {
	c.stateMu.Lock()
	held := c.opHeld
	c.opHeld = false
	c.stateMu.Unlock()

	if !held {
		return
	}
	c.setActive(false)
	c.opMu.Unlock()
}

func (c *defaultCoordinator) RunExclusive(fn func()) {
	c.opMu.Lock()
	c.stateMu.Lock()
	c.opHeld = true
	c.stateMu.Unlock()
	c.setActive(true)

	defer c.FinishOperation()
	fn()
}

func (c *defaultCoordinator) IsActive() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.active
}

func (c *defaultCoordinator) setActive(active bool) {
	c.stateMu.Lock()
	c.active = active
	observers := make([]*activeObserver, len(c.observers))
	copy(observers, c.observers)
	c.stateMu.Unlock()

	for _, o := range observers {
		o.notify(active)
	}
}

func (c *defaultCoordinator) SubscribeActive(fn func(active bool)) {
	o := &activeObserver{slot: make(chan bool, 1)}
	c.stateMu.Lock()
	c.observers = append(c.observers, o)
	c.stateMu.Unlock()

	go func() {
		for active := range o.slot {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("active-flag observer panicked", "panic", r)
					}
				}()
				fn(active)
			}()
		}
	}()
}

func (c *defaultCoordinator) TriggerMessage(message string) {
	c.stateMu.Lock()
	c.message = message
	c.messagePending = true
	c.stateMu.Unlock()
}

func (c *defaultCoordinator) ConsumeMessageTrigger() (string, bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !c.messagePending {
		return "", false
	}
	message := c.message
	c.message = ""
	c.messagePending = false
	return message, true
}

func (c *defaultCoordinator) MarkSettingsChanged() {
	c.stateMu.Lock()
	c.settingsPending = true
	c.stateMu.Unlock()
}

func (c *defaultCoordinator) ConsumeSettingsChanged() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	pending := c.settingsPending
	c.settingsPending = false
	return pending
}
