package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/tether/internal/clock"
	"github.com/roach88/tether/internal/metrics"
)

// DefaultReconnectDelay is the fixed delay before a reconnection attempt.
const DefaultReconnectDelay = 5 * time.Second

// Scheduler arms at most one reconnection timer at a time.
//
// The delay comes from a backoff.BackOff policy (a constant
// DefaultReconnectDelay unless configured). When the timer fires the fire
// callback runs on the timer's goroutine; the session forwards it to its
// run loop. A failed attempt re-enters through OnUnexpectedDisconnect, so
// retries continue for as long as the policy allows.
type Scheduler struct {
	clock  clock.Clock
	policy backoff.BackOff
	fire   func()
	logger *slog.Logger

	mu       sync.Mutex
	timer    clock.Timer
	gen      uint64
	pending  bool
	stopped  bool
	attempts int
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithPolicy sets the backoff policy. Returning backoff.Stop gives up.
func WithPolicy(p backoff.BackOff) SchedulerOption {
	return func(s *Scheduler) { s.policy = p }
}

// WithSchedulerClock sets the clock used to arm timers.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler returns a Scheduler that calls fire when a timer elapses.
func NewScheduler(fire func(), opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		clock:  clock.Real(),
		policy: backoff.NewConstantBackOff(DefaultReconnectDelay),
		fire:   fire,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnUnexpectedDisconnect arms a reconnection timer unless one is already
// pending. It reports whether a new timer was armed.
func (s *Scheduler) OnUnexpectedDisconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.pending {
		return false
	}

	delay := s.policy.NextBackOff()
	if delay == backoff.Stop {
		s.logger.Warn("reconnect policy exhausted, giving up", "attempts", s.attempts)
		return false
	}

	s.gen++
	gen := s.gen
	s.pending = true
	s.timer = s.clock.AfterFunc(delay, func() { s.expire(gen) })
	s.logger.Info("reconnect scheduled", "delay", delay)
	return true
}

// Cancel stops the pending timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Reset cancels any pending timer and restarts the policy, for use after a
// successful connection.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.policy.Reset()
}

// Stop cancels any pending timer and refuses to arm new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Attempts returns how many timers have fired.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Scheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
	s.gen++
}

// expire runs when the timer armed under gen fires. A cancelled or
// superseded timer that fires anyway is ignored.
func (s *Scheduler) expire(gen uint64) {
	s.mu.Lock()
	if !s.pending || gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.timer = nil
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	metrics.ReconnectAttempts.Inc()
	s.logger.Info("reconnect timer fired", "attempt", attempt)
	if s.fire != nil {
		s.fire()
	}
}
