// Package supervisor owns the account loop goroutines: it starts one per
// account, restarts any that crash, and drains them on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"autotrader/pkg/telemetry"

	"autotrader/internal/core"
)

// Runner is one supervised account loop
type Runner interface {
	Run(ctx context.Context) error
	AccountID() string
	Status() (core.AccountStatus, string)
}

// Supervisor runs account loops in isolation. A panic or error in one
// loop restarts only that loop after restartDelay; the others keep
// trading undisturbed.
type Supervisor struct {
	runners      []Runner
	logger       core.ILogger
	restartDelay time.Duration
	drainGrace   time.Duration

	mu       sync.Mutex
	restarts map[string]int
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(runners []Runner, restartDelay, drainGrace time.Duration, logger core.ILogger) *Supervisor {
	return &Supervisor{
		runners:      runners,
		logger:       logger.WithField("component", "supervisor"),
		restartDelay: restartDelay,
		drainGrace:   drainGrace,
		restarts:     make(map[string]int),
	}
}

// Start launches every account loop. It returns immediately; loops run
// until Stop.
func (s *Supervisor) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, r := range s.runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			s.runLoop(runCtx, r)
		}(r)
	}

	go func() {
		wg.Wait()
		close(s.done)
	}()

	s.logger.Info("Supervisor started", "accounts", len(s.runners))
}

// runLoop runs one account loop, restarting it after crashes until the
// context is cancelled
func (s *Supervisor) runLoop(ctx context.Context, r Runner) {
	for {
		err := s.runOnce(ctx, r)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}

		s.mu.Lock()
		s.restarts[r.AccountID()]++
		count := s.restarts[r.AccountID()]
		s.mu.Unlock()

		metrics := telemetry.GetGlobalMetrics()
		if metrics.LoopRestartsTotal != nil {
			metrics.LoopRestartsTotal.Add(ctx, 1)
		}
		s.logger.Error("Account loop crashed, restarting",
			"account", r.AccountID(),
			"restarts", count,
			"error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// runOnce executes the loop, converting a panic into an error so the
// crash never escapes to the process
func (s *Supervisor) runOnce(ctx context.Context, r Runner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("loop panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return r.Run(ctx)
}

// Stop drains the loops: cancellation lets each finish its in-flight
// cycle, bounded by the drain grace period.
func (s *Supervisor) Stop() {
	if s.cancel == nil {
		return
	}
	s.logger.Info("Supervisor stopping, draining loops", "grace", s.drainGrace.String())
	s.cancel()

	select {
	case <-s.done:
		s.logger.Info("All account loops drained")
	case <-time.After(s.drainGrace):
		s.logger.Warn("Drain grace period expired, abandoning remaining loops")
	}
}

// RestartCount returns how many times an account's loop has been restarted
func (s *Supervisor) RestartCount(account string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts[account]
}

// Status reports each account's health classification
func (s *Supervisor) Status() map[string]core.AccountStatus {
	out := make(map[string]core.AccountStatus, len(s.runners))
	for _, r := range s.runners {
		status, _ := r.Status()
		out[r.AccountID()] = status
	}
	return out
}

// Healthy reports whether every account loop is at least degraded-running
func (s *Supervisor) Healthy() bool {
	for _, r := range s.runners {
		if status, _ := r.Status(); status == core.AccountHalted {
			return false
		}
	}
	return true
}
