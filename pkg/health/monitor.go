// Package health audits the worker-agent roster for pathologies
// (crashed processes, stuck tasks, empty wallets, error loops) and
// repairs them. It runs on its own cadence, independent of the
// orchestrator tick; both converge through the durable store.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/remingtons1/colony/pkg/funding"
	"github.com/remingtons1/colony/pkg/messaging"
	"github.com/remingtons1/colony/pkg/models"
	"github.com/remingtons1/colony/pkg/store"
	"github.com/remingtons1/colony/pkg/tracker"
)

// Issue identifies one detected worker pathology.
type Issue string

// Detected issues, in healing precedence order.
const (
	IssueErrorLoop      Issue = "error_loop"
	IssueOutOfCredits   Issue = "out_of_credits"
	IssueProcessCrashed Issue = "process_crashed"
	IssueStuckOnTask    Issue = "stuck_on_task"
)

// Config are the detection thresholds. Zero values take the documented
// defaults.
type Config struct {
	// InactivityThreshold: last activity older than this means the
	// process crashed.
	InactivityThreshold time.Duration
	// StuckThreshold: last activity older than this while a task is
	// active means the worker is stuck.
	StuckThreshold time.Duration
	// StuckGrace extends a running task's own timeout before the task
	// counts as stuck.
	StuckGrace time.Duration

	// CreditFloorCents triggers the out_of_credits issue.
	CreditFloorCents int64
	// CreditTargetCents is the balance a fund action tops up to.
	CreditTargetCents int64
	// CreditMinTransferCents is the smallest transfer a fund action
	// makes.
	CreditMinTransferCents int64

	// ErrorWindow is the sample window for the error-loop rate.
	ErrorWindow time.Duration
	// ErrorFallbackSamples is how many recent tasks to inspect when the
	// window holds too few.
	ErrorFallbackSamples int
	// ErrorMinSamples is the minimum sample count before the rate
	// counts.
	ErrorMinSamples int
	// ErrorRateThreshold is the failure rate at or above which the
	// worker is looping.
	ErrorRateThreshold float64
}

// DefaultConfig returns the documented detection thresholds.
func DefaultConfig() Config {
	return Config{
		InactivityThreshold:    45 * time.Minute,
		StuckThreshold:         15 * time.Minute,
		StuckGrace:             2 * time.Minute,
		CreditFloorCents:       10,
		CreditTargetCents:      250,
		CreditMinTransferCents: 50,
		ErrorWindow:            6 * time.Hour,
		ErrorFallbackSamples:   25,
		ErrorMinSamples:        3,
		ErrorRateThreshold:     0.6,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InactivityThreshold == 0 {
		c.InactivityThreshold = d.InactivityThreshold
	}
	if c.StuckThreshold == 0 {
		c.StuckThreshold = d.StuckThreshold
	}
	if c.StuckGrace == 0 {
		c.StuckGrace = d.StuckGrace
	}
	if c.CreditFloorCents == 0 {
		c.CreditFloorCents = d.CreditFloorCents
	}
	if c.CreditTargetCents == 0 {
		c.CreditTargetCents = d.CreditTargetCents
	}
	if c.CreditMinTransferCents == 0 {
		c.CreditMinTransferCents = d.CreditMinTransferCents
	}
	if c.ErrorWindow == 0 {
		c.ErrorWindow = d.ErrorWindow
	}
	if c.ErrorFallbackSamples == 0 {
		c.ErrorFallbackSamples = d.ErrorFallbackSamples
	}
	if c.ErrorMinSamples == 0 {
		c.ErrorMinSamples = d.ErrorMinSamples
	}
	if c.ErrorRateThreshold == 0 {
		c.ErrorRateThreshold = d.ErrorRateThreshold
	}
	return c
}

// Report is one worker's audit result.
type Report struct {
	Agent        *models.ChildAgent
	Issues       []Issue
	LastActivity time.Time
	ActiveTask   *models.Task
	BalanceCents int64
	ErrorRate    float64
	ErrorSamples int
}

// HasIssue reports whether the audit flagged the given issue.
func (r *Report) HasIssue(issue Issue) bool {
	for _, i := range r.Issues {
		if i == issue {
			return true
		}
	}
	return false
}

// Monitor audits workers and applies heal actions.
type Monitor struct {
	store     store.Store
	messenger *messaging.Messenger
	tracker   tracker.Tracker
	funding   funding.Funding
	cfg       Config
	now       func() time.Time

	mu   sync.Mutex
	last []*Report
}

// New creates a monitor with explicit collaborators.
func New(st store.Store, messenger *messaging.Messenger, tr tracker.Tracker, fund funding.Funding, cfg Config) *Monitor {
	return &Monitor{
		store:     st,
		messenger: messenger,
		tracker:   tr,
		funding:   fund,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Check audits every worker and returns one report per worker.
func (m *Monitor) Check(ctx context.Context) ([]*Report, error) {
	children, err := m.store.GetChildren(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}

	reports := make([]*Report, 0, len(children))
	for _, child := range children {
		report, err := m.audit(ctx, child)
		if err != nil {
			slog.Error("Worker audit failed", "address", child.Address, "error", err)
			continue
		}
		reports = append(reports, report)
	}

	m.mu.Lock()
	m.last = reports
	m.mu.Unlock()
	return reports, nil
}

// LastReports returns the reports from the most recent Check. The API
// layer serves these on the agents endpoint.
func (m *Monitor) LastReports() []*Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// audit gathers one worker's signals and applies the detection rules.
func (m *Monitor) audit(ctx context.Context, child *models.ChildAgent) (*Report, error) {
	now := m.now()
	report := &Report{Agent: child}

	report.LastActivity = m.lastActivity(ctx, child)

	tasks, err := m.store.GetTasksByAssignee(ctx, child.Address)
	if err != nil {
		return nil, err
	}
	report.ActiveTask = pickActiveTask(tasks)
	report.ErrorRate, report.ErrorSamples = m.errorRate(tasks, now)

	balance, err := m.funding.GetBalance(ctx, child.Address)
	if err != nil {
		slog.Warn("Balance lookup failed", "address", child.Address, "error", err)
	}
	report.BalanceCents = balance

	// Detection rules. Order here matters only for readability; the
	// healer applies its own precedence.
	if report.ErrorSamples >= m.cfg.ErrorMinSamples && report.ErrorRate >= m.cfg.ErrorRateThreshold {
		report.Issues = append(report.Issues, IssueErrorLoop)
	}
	if balance < m.cfg.CreditFloorCents {
		report.Issues = append(report.Issues, IssueOutOfCredits)
	}
	if child.Status.Crashed() || now.Sub(report.LastActivity) > m.cfg.InactivityThreshold {
		report.Issues = append(report.Issues, IssueProcessCrashed)
	}
	if report.ActiveTask != nil && m.isStuck(report, now) {
		report.Issues = append(report.Issues, IssueStuckOnTask)
	}
	return report, nil
}

// lastActivity is the most recent of the tracker check, the worker's
// event stream and its inbound messages.
func (m *Monitor) lastActivity(ctx context.Context, child *models.ChildAgent) time.Time {
	last := child.LastChecked
	if t, err := m.store.LatestEventTime(ctx, child.Address); err == nil && t.After(last) {
		last = t
	}
	if t, err := m.store.LatestInboxTime(ctx, child.Address); err == nil && t.After(last) {
		last = t
	}
	return last
}

// isStuck applies the two stuck rules: silence while a task is active,
// or a running task past its own timeout plus grace.
func (m *Monitor) isStuck(report *Report, now time.Time) bool {
	if now.Sub(report.LastActivity) > m.cfg.StuckThreshold {
		return true
	}
	task := report.ActiveTask
	if task.Status == models.TaskStatusRunning && task.StartedAt != nil {
		deadline := task.StartedAt.Add(time.Duration(task.TimeoutMs)*time.Millisecond + m.cfg.StuckGrace)
		if now.After(deadline) {
			return true
		}
	}
	return false
}

// pickActiveTask selects the single task considered active for a
// worker: prefer running, then the oldest created.
func pickActiveTask(tasks []*models.Task) *models.Task {
	var active *models.Task
	for _, t := range tasks {
		if !t.Active() {
			continue
		}
		if active == nil {
			active = t
			continue
		}
		tRunning := t.Status == models.TaskStatusRunning
		aRunning := active.Status == models.TaskStatusRunning
		switch {
		case tRunning && !aRunning:
			active = t
		case tRunning == aRunning && t.CreatedAt.Before(active.CreatedAt):
			active = t
		}
	}
	return active
}

// errorRate computes the failure rate over terminal tasks in the
// configured window; when the window holds too few samples it falls
// back to the most recent tasks.
func (m *Monitor) errorRate(tasks []*models.Task, now time.Time) (float64, int) {
	var windowed []*models.Task
	var terminal []*models.Task
	for _, t := range tasks {
		if t.Status != models.TaskStatusCompleted && t.Status != models.TaskStatusFailed {
			continue
		}
		terminal = append(terminal, t)
		if t.CompletedAt != nil && now.Sub(*t.CompletedAt) <= m.cfg.ErrorWindow {
			windowed = append(windowed, t)
		}
	}

	sample := windowed
	if len(sample) < m.cfg.ErrorMinSamples && len(terminal) > len(sample) {
		// GetTasksByAssignee orders oldest first; take the tail.
		if len(terminal) > m.cfg.ErrorFallbackSamples {
			terminal = terminal[len(terminal)-m.cfg.ErrorFallbackSamples:]
		}
		sample = terminal
	}
	if len(sample) == 0 {
		return 0, 0
	}

	failed := 0
	for _, t := range sample {
		if t.Status == models.TaskStatusFailed {
			failed++
		}
	}
	return float64(failed) / float64(len(sample)), len(sample)
}
