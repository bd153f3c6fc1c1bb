// Package runtime drives the background loops of the colony process:
// the orchestrator tick loop and the health check/heal loop. Both are
// plain tickers over durable state, so a crashed process resumes where
// it left off.
package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/remingtons1/colony/pkg/health"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/orchestrator"
)

// Config are the loop cadences. Zero values take the defaults.
type Config struct {
	TickInterval        time.Duration
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the documented loop cadences.
func DefaultConfig() Config {
	return Config{
		TickInterval:        5 * time.Second,
		HealthCheckInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	return c
}

// Runner owns the orchestrator and monitor goroutines. Monitor and
// Notifier are optional.
type Runner struct {
	orch     *orchestrator.Orchestrator
	monitor  *health.Monitor
	notifier orchestrator.Notifier
	cfg      Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool

	mu   sync.Mutex
	last *models.TickSummary
}

// NewRunner creates a runner; Start must be called to begin the loops.
func NewRunner(orch *orchestrator.Orchestrator, monitor *health.Monitor, notifier orchestrator.Notifier, cfg Config) *Runner {
	if notifier == nil {
		notifier = orchestrator.NopNotifier{}
	}
	return &Runner{
		orch:     orch,
		monitor:  monitor,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		stopCh:   make(chan struct{}),
	}
}

// Start spawns the loops. Safe to call multiple times; subsequent calls
// are no-ops.
func (r *Runner) Start(ctx context.Context) {
	if r.started {
		slog.Warn("Runner already started, ignoring duplicate Start call")
		return
	}
	r.started = true

	slog.Info("Starting runtime loops",
		"tick_interval", r.cfg.TickInterval,
		"health_check_interval", r.cfg.HealthCheckInterval)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runTicks(ctx)
	}()

	if r.monitor != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.runHealthChecks(ctx)
		}()
	}
}

// Stop signals the loops and waits for the in-flight tick or check to
// finish.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("Runtime loops stopped")
}

// LastSummary returns the most recent tick report, or nil before the
// first tick completes.
func (r *Runner) LastSummary() *models.TickSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Runner) runTicks(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary, err := r.orch.Tick(ctx)
			if err != nil {
				// State was not written; the next tick retries the same
				// phase.
				slog.Error("Orchestrator tick failed", "error", err)
				continue
			}
			r.mu.Lock()
			r.last = summary
			r.mu.Unlock()
		}
	}
}

func (r *Runner) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			reports, err := r.monitor.Check(ctx)
			if err != nil {
				slog.Error("Health check failed", "error", err)
				continue
			}
			for _, action := range r.monitor.AutoHeal(ctx, reports) {
				r.notifier.HealAction(ctx, action.Type, action.AgentAddress, action.Reason, action.Success)
			}
		}
	}
}
