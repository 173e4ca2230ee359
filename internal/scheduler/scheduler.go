// Package scheduler runs the gateway's periodic maintenance: drift checks of
// registered triggers, recovery of executions orphaned by a crash and
// pruning of finished executions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/joai-gw/internal/config"
	"github.com/mattjoyce/joai-gw/internal/events"
)

// pruneInterval paces the loop when only retention is configured.
const pruneInterval = time.Hour

// Config controls what the scheduler does on each pass.
type Config struct {
	CheckInterval time.Duration
	Jitter        time.Duration
	Heal          bool
	Retention     time.Duration
}

// FromServiceConfig maps the service section of the config file.
func FromServiceConfig(sc config.ServiceConfig) Config {
	return Config{
		CheckInterval: sc.CheckInterval,
		Jitter:        sc.CheckJitter,
		Heal:          sc.HealDrift,
		Retention:     sc.ExecutionRetention,
	}
}

// Scheduler manages periodic trigger checks and queue upkeep.
type Scheduler struct {
	cfg      Config
	triggers TriggerSource
	queue    QueueService
	events   events.Publisher
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. A nil publisher drops events.
func New(cfg Config, triggers TriggerSource, q QueueService, pub events.Publisher, logger *slog.Logger) *Scheduler {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Scheduler{
		cfg:      cfg,
		triggers: triggers,
		queue:    q,
		events:   pub,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start performs crash recovery and, when anything periodic is configured,
// starts the maintenance loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverOrphanedExecutions(ctx); err != nil {
		return fmt.Errorf("scheduler crash recovery failed: %w", err)
	}

	interval := s.interval()
	if interval == 0 {
		s.logger.Info("periodic maintenance disabled")
		return nil
	}

	s.logger.Info("starting scheduler",
		"interval", interval,
		"jitter", s.cfg.Jitter,
		"drift_checks", s.cfg.CheckInterval > 0,
		"heal_drift", s.cfg.Heal,
		"retention", s.cfg.Retention,
	)
	s.wg.Add(1)
	go s.loop(ctx, interval)
	return nil
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) interval() time.Duration {
	if s.cfg.CheckInterval > 0 {
		return s.cfg.CheckInterval
	}
	if s.cfg.Retention > 0 {
		return pruneInterval
	}
	return 0
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	defer s.wg.Done()

	timer := time.NewTimer(calculateJitteredInterval(interval, s.cfg.Jitter))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(calculateJitteredInterval(interval, s.cfg.Jitter))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick performs a single maintenance pass.
func (s *Scheduler) tick(ctx context.Context) {
	s.logger.Debug("scheduler tick")
	s.events.Publish(events.SchedulerTick, map[string]any{"at": s.now().UTC()})

	if s.cfg.CheckInterval > 0 {
		s.checkTriggers(ctx)
	}
	if s.cfg.Retention > 0 {
		s.pruneExecutions(ctx)
	}
}

// checkTriggers verifies the subscription of every registered trigger.
// Triggers that were never activated, or were deactivated on purpose, are
// left alone. Each node decides and heals under its own lock, so a
// deactivation racing the pass is never undone.
func (s *Scheduler) checkTriggers(ctx context.Context) {
	for _, n := range s.triggers.All() {
		if ctx.Err() != nil {
			return
		}
		logger := s.logger.With("trigger", n.Name())

		report, err := n.CheckRegistered(ctx, s.cfg.Heal)
		if err != nil {
			logger.Error("drift check failed", "error", err, "drifted", report.Drifted)
			continue
		}
		switch {
		case !report.Registered:
		case report.Check.ListErr != nil:
			logger.Warn("drift check skipped, remote directory unavailable", "error", report.Check.ListErr)
		case report.Healed:
			logger.Info("subscription restored",
				"webhook_id", report.Activation.WebhookID,
				"created", report.Activation.Created,
				"replaced", report.Activation.Replaced,
			)
		}
	}
}

func (s *Scheduler) pruneExecutions(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.queue.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to prune executions", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("pruned finished executions", "count", n, "cutoff", cutoff.UTC())
		s.events.Publish(events.ExecutionsPruned, map[string]any{"count": n})
	}
}

// recoverOrphanedExecutions requeues executions a crashed process left
// running so a runner can claim them again.
func (s *Scheduler) recoverOrphanedExecutions(ctx context.Context) error {
	n, err := s.queue.RecoverRunning(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		s.logger.Debug("no orphaned executions found")
		return nil
	}
	s.logger.Warn("requeued orphaned executions", "count", n)
	return nil
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
