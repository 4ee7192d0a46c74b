package callsync

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// multiTimeout keeps at most one pending timer per int64 key. Firing removes
// the key before invoking the callback, so a callback re-arming itself sees a
// clean slate. All timers run on the injected clock, which keeps them
// steerable from tests.
type multiTimeout struct {
	clock clock.Clock
	fire  func(key int64)

	mu     sync.Mutex
	timers map[int64]*clock.Timer
}

func newMultiTimeout(c clock.Clock, fire func(key int64)) *multiTimeout {
	return &multiTimeout{
		clock:  c,
		fire:   fire,
		timers: make(map[int64]*clock.Timer),
	}
}

// set schedules the key, replacing any pending timer for it.
func (t *multiTimeout) set(key int64, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	t.armLocked(key, d)
}

// setIfAbsent schedules the key only when no timer is already pending, so an
// earlier deadline is never pushed back.
func (t *multiTimeout) setIfAbsent(key int64, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.timers[key]; ok {
		return
	}
	t.armLocked(key, d)
}

func (t *multiTimeout) armLocked(key int64, d time.Duration) {
	t.timers[key] = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		delete(t.timers, key)
		t.mu.Unlock()
		t.fire(key)
	})
}

func (t *multiTimeout) has(key int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[key]
	return ok
}

func (t *multiTimeout) cancel(key int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[key]; ok {
		timer.Stop()
		delete(t.timers, key)
	}
}

func (t *multiTimeout) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, timer := range t.timers {
		timer.Stop()
		delete(t.timers, key)
	}
}
