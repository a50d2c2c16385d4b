package outbox

import (
	"sync"
	"time"
)

// Scheduler coalesces bursts of mutations into a single debounced push
// trigger, mirroring the host app's pattern of firing a push shortly after
// the user stops typing rather than after every keystroke.
type Scheduler struct {
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
	fn    func()
}

// NewScheduler creates a Scheduler that waits debounce (expected 1.5-2.0s)
// of quiet before invoking fn.
func NewScheduler(debounce time.Duration, fn func()) *Scheduler {
	return &Scheduler{debounce: debounce, fn: fn}
}

// Kick (re)starts the debounce window. Safe for concurrent use.
func (s *Scheduler) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.debounce, s.fn)
}

// Cancel stops any pending trigger.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}
