package transport

import (
	"sync"
	"time"
)

// scheduler owns the session's named one-shot timers. Every scheduled
// callback is stamped with the generation current at schedule time; bumping
// the generation (on teardown or suspension) turns already-fired callbacks
// into no-ops, which closes the race between timer cancellation and state
// reset.
type scheduler struct {
	mu         sync.Mutex
	generation uint64
	timers     map[string]*scheduledTimer
	suspended  bool
}

type scheduledTimer struct {
	timer     *time.Timer
	fn        func()
	deadline  time.Time
	remaining time.Duration
}

func newScheduler() *scheduler {
	return &scheduler{timers: make(map[string]*scheduledTimer)}
}

// Schedule arms (or re-arms) the named timer. While suspended the delay is
// parked and started on Resume.
func (s *scheduler) Schedule(name string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(name)
	gen := s.generation
	st := &scheduledTimer{fn: fn, deadline: time.Now().Add(delay)}
	if s.suspended {
		st.remaining = delay
	} else {
		st.timer = time.AfterFunc(delay, func() { s.fire(name, gen) })
	}
	s.timers[name] = st
}

func (s *scheduler) fire(name string, gen uint64) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	st, ok := s.timers[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, name)
	s.mu.Unlock()
	st.fn()
}

// Cancel disarms the named timer if pending.
func (s *scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(name)
}

func (s *scheduler) cancelLocked(name string) {
	if st, ok := s.timers[name]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.timers, name)
	}
}

// CancelAll disarms everything and bumps the generation so in-flight fires
// become no-ops.
func (s *scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	for name, st := range s.timers {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(s.timers, name)
	}
}

// Suspend parks every pending timer, remembering its remaining duration.
// Fires racing the suspension are invalidated by the generation bump.
func (s *scheduler) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	s.suspended = true
	s.generation++
	now := time.Now()
	for _, st := range s.timers {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		st.remaining = st.deadline.Sub(now)
		if st.remaining < 0 {
			st.remaining = 0
		}
	}
}

// Resume restarts every parked timer from its remaining duration.
func (s *scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suspended {
		return
	}
	s.suspended = false
	gen := s.generation
	now := time.Now()
	for name, st := range s.timers {
		st.deadline = now.Add(st.remaining)
		n := name
		st.timer = time.AfterFunc(st.remaining, func() { s.fire(n, gen) })
	}
}

// Pending reports whether the named timer is armed or parked.
func (s *scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}
