package session

import (
	"sync"
	"time"

	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

type timerEntry struct {
	timer *time.Timer
}

// TimeoutScheduler keeps one idle timer per non-live session
type TimeoutScheduler struct {
	mu       sync.Mutex
	timers   map[string]*timerEntry
	registry *Registry
	onExpire func(*models.Session)
	stopped  bool
}

// NewTimeoutScheduler calls onExpire from the timer goroutine when a
// session stays idle for its whole timeout
func NewTimeoutScheduler(registry *Registry, onExpire func(*models.Session)) *TimeoutScheduler {
	return &TimeoutScheduler{
		timers:   make(map[string]*timerEntry),
		registry: registry,
		onExpire: onExpire,
	}
}

// Arm starts or restarts the idle countdown of s. It is a no-op for live
// sessions and for sessions that are closing or no longer registered.
func (t *TimeoutScheduler) Arm(s *models.Session) bool {
	if s.Live || s.IdleTimeout <= 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped || s.Closing() || !t.registry.Contains(s.ID) {
		return false
	}

	if prev, ok := t.timers[s.ID]; ok {
		prev.timer.Stop()
	}

	entry := &timerEntry{}
	t.timers[s.ID] = entry
	// the callback takes t.mu, so it cannot observe entry before timer is set
	entry.timer = time.AfterFunc(s.IdleTimeout, func() { t.fire(s, entry) })
	return true
}

func (t *TimeoutScheduler) fire(s *models.Session, entry *timerEntry) {
	t.mu.Lock()
	if current, ok := t.timers[s.ID]; !ok || current != entry {
		// rearmed or cancelled after this timer was already running
		t.mu.Unlock()
		return
	}
	delete(t.timers, s.ID)
	t.mu.Unlock()

	t.onExpire(s)
}

// Cancel stops the countdown of id, if any
func (t *TimeoutScheduler) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if entry, ok := t.timers[id]; ok {
		entry.timer.Stop()
		delete(t.timers, id)
	}
}

// Armed reports whether id has a running countdown
func (t *TimeoutScheduler) Armed(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[id]
	return ok
}

// Stop cancels every countdown and refuses further arming
func (t *TimeoutScheduler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for id, entry := range t.timers {
		entry.timer.Stop()
		delete(t.timers, id)
	}
}
