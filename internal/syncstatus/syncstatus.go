// Package syncstatus tracks the user-facing sync state with a minimum
// display duration so the UI never flickers through a sub-500ms "syncing"
// blip (C9).
package syncstatus

import (
	"sync"
	"time"
)

// State is one of the observable sync states.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateOffline State = "offline"
	StateError   State = "error"
)

const minDisplay = 500 * time.Millisecond

// Snapshot is the full observable state a UI surface renders from:
// status, outstanding work, the last failure (if any), when the engine
// last completed a sync, an optional human-readable message, and the
// realtime channel's connection state (kept as a plain string so this
// package doesn't need to import internal/realtime).
type Snapshot struct {
	Status           State
	PendingCount     int
	LastError        string
	LastErrorDetails string
	LastSyncTime     time.Time
	SyncMessage      string
	RealtimeState    string
}

// Observer debounces rapid Status transitions and fans out both the bare
// displayed state and the full Snapshot to subscribers. The other
// Snapshot fields are informational and propagate immediately -- only
// Status is subject to the minimum-display debounce.
type Observer struct {
	mu            sync.Mutex
	current       Snapshot
	shownAt       time.Time
	pendingStatus *State
	pendingTmr    *time.Timer
	subscribers   []chan State
	snapSubs      []chan Snapshot
	now           func() time.Time
}

// New creates an Observer starting in StateIdle.
func New() *Observer {
	return &Observer{current: Snapshot{Status: StateIdle}, now: time.Now}
}

// Subscribe returns a channel that receives every displayed state change.
// The channel is buffered; slow consumers miss only intermediate states,
// never the final one.
func (o *Observer) Subscribe() <-chan State {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan State, 8)
	o.subscribers = append(o.subscribers, ch)
	return ch
}

// SubscribeSnapshot returns a channel that receives the full Snapshot on
// every change, debounced the same way as Subscribe.
func (o *Observer) SubscribeSnapshot() <-chan Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch := make(chan Snapshot, 8)
	o.snapSubs = append(o.snapSubs, ch)
	return ch
}

// Current returns the currently displayed state.
func (o *Observer) Current() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current.Status
}

// Snapshot returns a copy of the full observable state.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Set requests a transition to s. If the current state has been shown for
// less than minDisplay, the transition is deferred until the window
// elapses; a later Set before that timer fires replaces the pending
// value, so only the most recent requested state is ever shown.
func (o *Observer) Set(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if s == o.current.Status {
		o.pendingStatus = nil
		return
	}

	elapsed := o.now().Sub(o.shownAt)
	if elapsed >= minDisplay {
		o.applyStatusLocked(s)
		return
	}

	o.pendingStatus = &s
	if o.pendingTmr == nil {
		remaining := minDisplay - elapsed
		o.pendingTmr = time.AfterFunc(remaining, o.flush)
	}
}

// SetPendingCount reports the outbox's current unacknowledged op count.
func (o *Observer) SetPendingCount(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.PendingCount = n
	o.publishLocked()
}

// SetError records the most recent sync failure, or clears it when err is
// nil. details carries additional context (e.g. the failing table) beyond
// err.Error().
func (o *Observer) SetError(err error, details string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err == nil {
		o.current.LastError = ""
		o.current.LastErrorDetails = ""
	} else {
		o.current.LastError = err.Error()
		o.current.LastErrorDetails = details
	}
	o.publishLocked()
}

// SetLastSyncTime records when the engine last completed a sync cycle.
func (o *Observer) SetLastSyncTime(t time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.LastSyncTime = t
	o.publishLocked()
}

// SetMessage sets a human-readable status line (e.g. "3 items waiting to
// sync"), independent of Status.
func (o *Observer) SetMessage(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.SyncMessage = msg
	o.publishLocked()
}

// SetRealtimeState mirrors the realtime ingress's connection state
// (internal/realtime.ConnState, passed as its string form) into the
// snapshot the UI reads.
func (o *Observer) SetRealtimeState(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current.RealtimeState = s
	o.publishLocked()
}

func (o *Observer) flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pendingTmr = nil
	if o.pendingStatus == nil {
		return
	}
	next := *o.pendingStatus
	o.pendingStatus = nil
	o.applyStatusLocked(next)
}

func (o *Observer) applyStatusLocked(s State) {
	o.current.Status = s
	o.shownAt = o.now()
	for _, ch := range o.subscribers {
		select {
		case ch <- s:
		default:
			// Buffer full: discard the oldest queued state so the newest
			// one is still delivered.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
	o.publishLocked()
}

func (o *Observer) publishLocked() {
	snap := o.current
	for _, ch := range o.snapSubs {
		select {
		case ch <- snap:
		default:
		}
	}
}
