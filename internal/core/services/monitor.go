package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

// MonitorConfig bounds the supervisor.
type MonitorConfig struct {
	CheckInterval     time.Duration
	MaxExecutionCount int
	MaxRuntime        time.Duration
	Location          *time.Location
}

// Monitor is the supervising loop over today's tasks: it retries failed
// tasks while the execution budget allows, kills runs that exceed the
// runtime ceiling, reconciles tasks whose backend result arrived while the
// orchestrator was down or distracted, and sends exactly one notification
// per terminal failure.
type Monitor struct {
	logger   *slog.Logger
	queue    *Queue
	backend  ports.BackendClient
	notifier ports.Notifier // optional
	cfg      MonitorConfig

	notified map[domain.TaskID]struct{}
}

func NewMonitor(logger *slog.Logger, queue *Queue, backend ports.BackendClient, notifier ports.Notifier, cfg MonitorConfig) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.MaxExecutionCount <= 0 {
		cfg.MaxExecutionCount = 3
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = 2 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Monitor{
		logger:   logger,
		queue:    queue,
		backend:  backend,
		notifier: notifier,
		cfg:      cfg,
		notified: map[domain.TaskID]struct{}{},
	}
}

// Run ticks until ctx is cancelled. The first sweep happens after one full
// interval, giving startup recovery time to settle.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", "check_interval", m.cfg.CheckInterval)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep inspects every task submitted today and applies the retry, timeout
// and reconciliation rules. Exported so tests can drive ticks directly.
func (m *Monitor) Sweep(ctx context.Context) {
	today := time.Now().In(m.cfg.Location).Format("2006-01-02")
	for _, task := range m.queue.DayTasks(today) {
		switch task.Status {
		case domain.TaskStatusFailed:
			m.handleFailed(ctx, task)
		case domain.TaskStatusRunning:
			m.handleRunning(ctx, task)
		case domain.TaskStatusQueued:
			// Crash-recovered tasks re-enter queued with their handle
			// intact; the backend may already hold their result.
			if task.BackendHandle != "" {
				m.reconcile(ctx, task)
			}
		}
	}
}

func (m *Monitor) handleFailed(ctx context.Context, task domain.Task) {
	if task.ExecutionCount > m.cfg.MaxExecutionCount {
		m.finalize(ctx, task)
		return
	}
	if m.queue.Requeue(ctx, task.ID) {
		m.logger.Info("retrying failed task", "task_id", task.ID, "execution_count", task.ExecutionCount)
	}
}

func (m *Monitor) handleRunning(ctx context.Context, task domain.Task) {
	if task.StartedAt == nil {
		m.logger.Warn("running task without start timestamp, skipping", "task_id", task.ID)
		return
	}
	runtime := wallNow() - *task.StartedAt
	if runtime > m.cfg.MaxRuntime.Seconds() {
		msg := fmt.Sprintf("runtime exceeded %dh", int(m.cfg.MaxRuntime.Hours()))
		if m.queue.CancelRunning(ctx, task.ID, msg) {
			m.logger.Warn("cancelled overrunning task", "task_id", task.ID, "runtime_seconds", runtime)
		}
		return
	}
	if task.BackendHandle != "" {
		m.reconcile(ctx, task)
	}
}

// reconcile asks the backend whether the task's prompt already finished and
// adopts the result if so. Probe errors are logged and retried next sweep.
func (m *Monitor) reconcile(ctx context.Context, task domain.Task) {
	outputs, finished, err := m.backend.History(ctx, task.BackendHandle)
	if err != nil {
		m.logger.Debug("history probe failed", "task_id", task.ID, "error", err)
		return
	}
	if !finished {
		return
	}
	filename, ok := outputs.FirstFilename()
	if !ok {
		return
	}
	if m.queue.CompleteFromBackend(ctx, task.ID, filename) {
		m.logger.Info("adopted backend result", "task_id", task.ID, "backend_handle", task.BackendHandle)
	}
}

// finalize stamps the retries-exhausted message and notifies once.
func (m *Monitor) finalize(ctx context.Context, task domain.Task) {
	snapshot, updated := m.queue.FinalizeFailure(ctx, task.ID, task.ExecutionCount-1)
	if !updated {
		snapshot = task
	}
	if _, seen := m.notified[task.ID]; seen {
		return
	}
	m.notified[task.ID] = struct{}{}
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyTaskFailed(ctx, snapshot); err != nil {
		m.logger.Error("failure notification not delivered", "task_id", task.ID, "error", err)
	}
}
