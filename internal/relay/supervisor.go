package relay

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScheduleFunc runs f once after d and returns a function that cancels it.
type ScheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Supervisor keeps at most one hub reconnect attempt pending. Each failed
// attempt schedules exactly one more; there is no attempt cap.
type Supervisor struct {
	backoff  Backoff
	schedule ScheduleFunc
	attempt  func() error
	log      *zap.Logger
	rec      Recorder

	mu       sync.Mutex
	rng      *rand.Rand
	pending  bool
	stopped  bool
	failures int
	cancel   func() bool
}

func newSupervisor(b Backoff, schedule ScheduleFunc, attempt func() error, log *zap.Logger, rec Recorder) *Supervisor {
	if schedule == nil {
		schedule = afterFunc
	}
	return &Supervisor{
		backoff:  b,
		schedule: schedule,
		attempt:  attempt,
		log:      log,
		rec:      rec,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Schedule arms one reconnect attempt. It returns false when an attempt is
// already pending or the supervisor was stopped.
func (s *Supervisor) Schedule() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.pending {
		return false
	}
	d := s.backoff.Delay(s.failures+1, s.rng)
	s.pending = true
	s.cancel = s.schedule(d, s.fire)
	s.log.Info("hub reconnect scheduled", zap.Duration("delay", d), zap.Int("attempt", s.failures+1))
	return true
}

func (s *Supervisor) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.cancel = nil
	s.mu.Unlock()

	err := s.attempt()
	s.rec.ReconnectAttempt(err == nil)
	if err == nil {
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		return
	}
	s.log.Warn("hub reconnect failed", zap.Error(err))
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
	s.Schedule()
}

// Pending reports whether an attempt is armed.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Stop cancels any pending attempt; later Schedule calls are ignored.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.pending = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
