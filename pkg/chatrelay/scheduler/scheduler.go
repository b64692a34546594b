// Package scheduler runs chatrelay's periodic maintenance jobs on
// robfig/cron. The only job today prunes conversation sessions that have
// been idle longer than the configured TTL.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidTTL is returned when the idle TTL is not positive.
var ErrInvalidTTL = errors.New("idle TTL must be positive")

// Pruner removes sessions idle for longer than ttl and reports how many
// were removed.
type Pruner interface {
	Prune(ttl time.Duration) int
}

// Scheduler runs the idle-session pruning job.
type Scheduler struct {
	// cron is the real cron scheduler from robfig/cron.
	cron *cron.Cron

	pruner   Pruner
	schedule string
	ttl      time.Duration

	// running prevents overlapping runs when a tick fires while the
	// previous prune is still active.
	running atomic.Bool

	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a Scheduler that prunes sessions idle longer than ttl on the
// given schedule (standard 5-field cron, @every 30m, @hourly, ...).
func New(pruner Pruner, schedule string, ttl time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pruner:   pruner,
		schedule: schedule,
		ttl:      ttl,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start registers the job and starts cron. An invalid schedule or TTL is
// returned as an error and nothing is started.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.ttl <= 0 {
		return ErrInvalidTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce() }); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.schedule, err)
	}
	s.cron = c
	s.cron.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("scheduler started",
		"schedule", s.schedule,
		"idle_ttl", s.ttl.String(),
		"cron_entries", len(s.cron.Entries()),
	)
	return nil
}

// RunOnce prunes idle sessions immediately. It returns the number removed,
// or -1 when a run was already in progress.
func (s *Scheduler) RunOnce() int {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("prune already running, skipping tick")
		return -1
	}
	defer s.running.Store(false)

	start := time.Now()
	removed := s.pruner.Prune(s.ttl)
	if removed > 0 {
		s.logger.Info("idle sessions pruned",
			"removed", removed,
			"idle_ttl", s.ttl.String(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return removed
}

// Stop stops cron and waits up to ten seconds for a running prune.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-time.After(10 * time.Second):
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}
