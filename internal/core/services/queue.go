package services

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

// Default moving-average seeds per task type, seconds. Overridden by the
// metrics repository when one is configured.
var defaultAverages = map[domain.TaskType]float64{
	domain.TaskTextToImage:  60,
	domain.TaskImageToImage: 70,
	domain.TaskTextToVideo:  300,
	domain.TaskImageToVideo: 320,
}

const dispatchIdle = 100 * time.Millisecond

// Executor runs one dispatched task to a terminal status via the queue's
// mutation methods. Implementations are registered per task type at startup;
// tasks carry only data, so recovered tasks dispatch like fresh ones.
type Executor interface {
	Execute(ctx context.Context, task domain.Task)
}

// QueueConfig bounds the scheduler.
type QueueConfig struct {
	ConcurrencyCap int
	Location       *time.Location
}

type runningEntry struct {
	task   *domain.Task
	cancel context.CancelFunc
}

// Queue is the FIFO-by-submission scheduler: a time-ordered pending heap, a
// bounded running set, and per-type duration averages. One mutex guards all
// of it; the mutex is never held across store or network I/O.
type Queue struct {
	logger  *slog.Logger
	store   ports.TaskStore
	metrics ports.MetricsRepository // optional
	bus     *EventBus
	cap     int
	loc     *time.Location

	mu        sync.Mutex
	tasks     map[domain.TaskID]*domain.Task
	pending   taskHeap
	running   map[domain.TaskID]*runningEntry
	averages  map[domain.TaskType]float64
	completed map[domain.TaskType]int64
	handlers  map[domain.TaskType]Executor
}

func NewQueue(logger *slog.Logger, store ports.TaskStore, metrics ports.MetricsRepository, bus *EventBus, cfg QueueConfig) *Queue {
	if cfg.ConcurrencyCap <= 0 {
		cfg.ConcurrencyCap = 2
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	avgs := make(map[domain.TaskType]float64, len(defaultAverages))
	for tt, v := range defaultAverages {
		avgs[tt] = v
	}
	return &Queue{
		logger:    logger,
		store:     store,
		metrics:   metrics,
		bus:       bus,
		cap:       cfg.ConcurrencyCap,
		loc:       cfg.Location,
		tasks:     map[domain.TaskID]*domain.Task{},
		running:   map[domain.TaskID]*runningEntry{},
		averages:  avgs,
		completed: map[domain.TaskType]int64{},
		handlers:  map[domain.TaskType]Executor{},
	}
}

// RegisterExecutor binds a task type to its executor.
func (q *Queue) RegisterExecutor(tt domain.TaskType, ex Executor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[tt] = ex
}

// wallNow is wall-clock unix seconds with fractional part.
func wallNow() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// Recover rebuilds in-memory state from the store: tasks persisted as
// running are re-admitted as queued (keeping their backend handle so the
// monitor can reconcile results produced before the crash), and queued
// tasks submitted today re-enter the queue in submission order. Older
// queued tasks stay visible in history but are not dispatched.
func (q *Queue) Recover(ctx context.Context) error {
	today := time.Now().In(q.loc).Format("2006-01-02")
	var changed []domain.Task

	q.mu.Lock()
	for _, snap := range q.store.ListAll() {
		t := snap
		if t.Status == domain.TaskStatusRunning {
			t.Status = domain.TaskStatusQueued
			t.EndedAt = nil
			changed = append(changed, t)
		}
		task := t
		q.tasks[task.ID] = &task
		if task.Status == domain.TaskStatusQueued && task.Day(q.loc) == today {
			heap.Push(&q.pending, &task)
		}
	}
	requeued := q.pending.Len()
	q.mu.Unlock()

	for _, t := range changed {
		if err := q.store.Save(ctx, t); err != nil {
			return fmt.Errorf("persist recovered task %s: %w", t.ID, err)
		}
	}
	q.logger.Info("queue recovered", "tasks", len(q.tasks), "requeued", requeued, "reset_running", len(changed))
	return nil
}

// LoadAverages replaces the default duration seeds with persisted ones.
func (q *Queue) LoadAverages(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	saved, err := q.metrics.LoadAverages(ctx)
	if err != nil {
		q.logger.Warn("failed to load persisted averages, using defaults", "error", err)
		return
	}
	q.mu.Lock()
	for tt, avg := range saved {
		if avg > 0 {
			q.averages[tt] = avg
		}
	}
	q.mu.Unlock()
}

// EnqueueResult is what the submitter gets back.
type EnqueueResult struct {
	TaskID        domain.TaskID `json:"task_id"`
	QueuePosition int           `json:"queue_position"`
	EstimatedWait float64       `json:"estimated_wait"`
}

// Enqueue admits a task. A params task_id matching a known task updates and
// re-queues that record (idempotent resubmit) instead of creating a second
// one. User errors are returned synchronously; nothing is persisted for
// them.
func (q *Queue) Enqueue(ctx context.Context, tt domain.TaskType, params domain.Params) (EnqueueResult, error) {
	if err := domain.ValidateParams(tt, params); err != nil {
		return EnqueueResult{}, err
	}

	now := wallNow()
	var snapshot domain.Task

	q.mu.Lock()
	var task *domain.Task
	if raw, ok := params["task_id"].(string); ok && raw != "" {
		if existing, known := q.tasks[domain.TaskID(raw)]; known {
			if _, isRunning := q.running[existing.ID]; isRunning {
				q.mu.Unlock()
				return EnqueueResult{}, fmt.Errorf("task %s is currently running", raw)
			}
			existing.Params = domain.MergeParams(existing.Params, params)
			existing.Type = tt
			existing.SubmittedAt = now
			existing.Status = domain.TaskStatusQueued
			existing.StatusMessage = ""
			existing.StartedAt = nil
			existing.EndedAt = nil
			existing.OutputFilename = ""
			existing.BackendHandle = ""
			q.pending.remove(existing.ID)
			task = existing
		}
	}
	if task == nil {
		id := domain.TaskID(uuid.New().String())
		if raw, ok := params["task_id"].(string); ok && raw != "" {
			id = domain.TaskID(raw)
		}
		task = &domain.Task{
			ID:          id,
			Type:        tt,
			SubmittedAt: now,
			Params:      params,
			Status:      domain.TaskStatusQueued,
		}
		q.tasks[task.ID] = task
	}
	heap.Push(&q.pending, task)

	position := len(q.running) + q.pending.Len()
	wait := 0.0
	if position > q.cap {
		wait = float64(position-q.cap) * q.averages[tt]
	}
	snapshot = *task
	q.mu.Unlock()

	if err := q.store.Save(ctx, snapshot); err != nil {
		return EnqueueResult{}, fmt.Errorf("persist enqueued task: %w", err)
	}
	q.publishStatus(snapshot)
	q.logger.Info("task enqueued", "task_id", snapshot.ID, "task_type", tt, "position", position)
	return EnqueueResult{TaskID: snapshot.ID, QueuePosition: position, EstimatedWait: wait}, nil
}

// Run is the dispatcher loop: while capacity remains and the queue is
// non-empty, start the earliest-submitted task in its own worker; otherwise
// idle briefly. Blocks until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info("dispatcher started", "concurrency_cap", q.cap)
	for {
		if !q.dispatchOne(ctx) {
			select {
			case <-ctx.Done():
				q.logger.Info("dispatcher stopped")
				return nil
			case <-time.After(dispatchIdle):
			}
			continue
		}
		select {
		case <-ctx.Done():
			q.logger.Info("dispatcher stopped")
			return nil
		default:
		}
	}
}

func (q *Queue) dispatchOne(ctx context.Context) bool {
	q.mu.Lock()
	if len(q.running) >= q.cap || q.pending.Len() == 0 {
		q.mu.Unlock()
		return false
	}
	task := heap.Pop(&q.pending).(*domain.Task)
	handler, ok := q.handlers[task.Type]
	if !ok {
		task.Status = domain.TaskStatusFailed
		task.StatusMessage = fmt.Sprintf("no executor registered for %s", task.Type)
		now := wallNow()
		task.StartedAt = &now
		task.EndedAt = &now
		task.ExecutionCount++
		snapshot := *task
		q.mu.Unlock()
		q.persist(ctx, snapshot)
		return true
	}

	task.ExecutionCount++
	now := wallNow()
	task.StartedAt = &now
	task.EndedAt = nil
	task.Status = domain.TaskStatusRunning
	workerCtx, cancel := context.WithCancel(ctx)
	q.running[task.ID] = &runningEntry{task: task, cancel: cancel}
	snapshot := *task
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.logger.Info("task dispatched", "task_id", snapshot.ID, "task_type", snapshot.Type, "execution", snapshot.ExecutionCount)

	go func() {
		defer cancel()
		handler.Execute(workerCtx, snapshot)
	}()
	return true
}

// StillRunning is the worker's post-I/O checkpoint: false once the monitor
// cancelled the task, at which point the worker must exit without writes.
func (q *Queue) StillRunning(id domain.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.running[id]
	return ok
}

// SetBackendHandle records the backend correlation id after submission.
func (q *Queue) SetBackendHandle(ctx context.Context, id domain.TaskID, handle string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	task.BackendHandle = handle
	snapshot := *task
	q.mu.Unlock()
	q.persist(ctx, snapshot)
}

// Complete finishes a task successfully: records the output, folds the
// observed duration into the type's moving average, and persists.
func (q *Queue) Complete(ctx context.Context, id domain.TaskID, outputFilename string) {
	q.mu.Lock()
	entry, ok := q.running[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.running, id)
	task := entry.task
	now := wallNow()
	task.EndedAt = &now
	task.Status = domain.TaskStatusCompleted
	task.StatusMessage = ""
	task.OutputFilename = outputFilename

	var avg float64
	var count int64
	if observed, ok := task.Duration(); ok {
		avg = 0.8*q.averages[task.Type] + 0.2*observed
		q.averages[task.Type] = avg
		q.completed[task.Type]++
		count = q.completed[task.Type]
	}
	snapshot := *task
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	if q.metrics != nil && count > 0 {
		if err := q.metrics.SaveAverage(ctx, snapshot.Type, avg, count); err != nil {
			q.logger.Warn("failed to persist duration average", "task_type", snapshot.Type, "error", err)
		}
	}
	q.logger.Info("task completed", "task_id", id, "output", outputFilename)
}

// Fail finishes a task with a diagnostic. Called by the worker itself; the
// monitor decides later whether the failure is retryable.
func (q *Queue) Fail(ctx context.Context, id domain.TaskID, message string) {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	if entry, running := q.running[id]; running {
		delete(q.running, id)
		entry.cancel()
	}
	q.pending.remove(id)
	now := wallNow()
	task.EndedAt = &now
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.Status = domain.TaskStatusFailed
	task.StatusMessage = message
	snapshot := *task
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.logger.Warn("task failed", "task_id", id, "reason", message)
}

// CancelRunning is the monitor's kill switch for stuck tasks: the worker's
// context is cancelled and the task marked failed; the worker observes the
// missing running entry and exits without further writes.
func (q *Queue) CancelRunning(ctx context.Context, id domain.TaskID, message string) bool {
	q.mu.Lock()
	entry, ok := q.running[id]
	if !ok {
		q.mu.Unlock()
		return false
	}
	delete(q.running, id)
	entry.cancel()
	task := entry.task
	now := wallNow()
	task.EndedAt = &now
	task.Status = domain.TaskStatusFailed
	task.StatusMessage = message
	snapshot := *task
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.logger.Warn("running task cancelled", "task_id", id, "reason", message)
	return true
}

// Requeue pushes a failed task back for another execution, preserving its
// original submission time so it keeps its FIFO position.
func (q *Queue) Requeue(ctx context.Context, id domain.TaskID) bool {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != domain.TaskStatusFailed {
		q.mu.Unlock()
		return false
	}
	if _, running := q.running[id]; running {
		q.mu.Unlock()
		return false
	}
	task.Status = domain.TaskStatusQueued
	task.StatusMessage = ""
	task.StartedAt = nil
	task.EndedAt = nil
	q.pending.remove(id)
	heap.Push(&q.pending, task)
	snapshot := *task
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.logger.Info("task requeued for retry", "task_id", id, "execution_count", snapshot.ExecutionCount)
	return true
}

// FinalizeFailure marks a task terminally failed after exhausting retries.
// Returns the finalized snapshot for notification, and false when the task
// was already finalized.
func (q *Queue) FinalizeFailure(ctx context.Context, id domain.TaskID, retries int) (domain.Task, bool) {
	prefix := fmt.Sprintf("already retried %d times: ", retries)

	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != domain.TaskStatusFailed {
		q.mu.Unlock()
		return domain.Task{}, false
	}
	if len(task.StatusMessage) >= len(prefix) && task.StatusMessage[:len(prefix)] == prefix {
		q.mu.Unlock()
		return domain.Task{}, false
	}
	task.StatusMessage = prefix + task.StatusMessage
	if task.EndedAt == nil {
		now := wallNow()
		task.EndedAt = &now
		if task.StartedAt == nil {
			task.StartedAt = &now
		}
	}
	snapshot := *task
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	return snapshot, true
}

// CompleteFromBackend is the monitor's reconciliation path: the backend
// already finished this prompt, so adopt its result without re-executing.
func (q *Queue) CompleteFromBackend(ctx context.Context, id domain.TaskID, backendFilename string) bool {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Terminal() {
		q.mu.Unlock()
		return false
	}
	if entry, running := q.running[id]; running {
		delete(q.running, id)
		entry.cancel()
	}
	q.pending.remove(id)
	now := wallNow()
	if task.StartedAt == nil {
		started := task.SubmittedAt
		task.StartedAt = &started
	}
	task.EndedAt = &now
	task.Status = domain.TaskStatusCompleted
	task.StatusMessage = ""
	task.OutputFilename = backendFilename
	snapshot := *task
	q.mu.Unlock()

	q.persist(ctx, snapshot)
	q.logger.Info("task reconciled from backend", "task_id", id, "output", backendFilename)
	return true
}

// Get returns a copy of the live task.
func (q *Queue) Get(id domain.TaskID) (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// DayTasks returns copies of every live task submitted on day (YYYY-MM-DD).
func (q *Queue) DayTasks(day string) []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Task
	for _, t := range q.tasks {
		if t.Day(q.loc) == day {
			out = append(out, *t)
		}
	}
	return out
}

// QueueStatus is the workload summary the status API serves.
type QueueStatus struct {
	Total          int                         `json:"total"`
	Running        int                         `json:"running"`
	Queued         int                         `json:"queued"`
	ConcurrencyCap int                         `json:"concurrency_cap"`
	Averages       map[domain.TaskType]float64 `json:"average_durations"`
	EstimatedWait  float64                     `json:"estimated_wait"`
	Progress       int                         `json:"progress"` // UI hint only
}

// Status summarizes the queue, optionally restricted to one task type. The
// filter counts matching tasks in both sets without disturbing queue order.
func (q *Queue) Status(filter domain.TaskType) QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	match := func(tt domain.TaskType) bool {
		return filter == "" || tt == filter
	}

	st := QueueStatus{
		ConcurrencyCap: q.cap,
		Averages:       make(map[domain.TaskType]float64, len(q.averages)),
	}
	for tt, avg := range q.averages {
		st.Averages[tt] = avg
	}
	for _, entry := range q.running {
		if match(entry.task.Type) {
			st.Running++
		}
	}
	for _, t := range q.pending {
		if match(t.Type) {
			st.Queued++
		}
	}
	st.Total = st.Running + st.Queued

	backlog := st.Total - q.cap
	if backlog > 0 {
		avg := q.averages[filter]
		if filter == "" {
			var sum float64
			for _, v := range q.averages {
				sum += v
			}
			avg = sum / float64(len(q.averages))
		}
		st.EstimatedWait = float64(backlog) * avg
	}
	return st
}

// persist snapshots to the store and publishes the status event. Never
// called with the queue mutex held.
func (q *Queue) persist(ctx context.Context, snapshot domain.Task) {
	if err := q.store.Save(ctx, snapshot); err != nil {
		q.logger.Error("failed to persist task snapshot", "task_id", snapshot.ID, "error", err)
	}
	q.publishStatus(snapshot)
}

func (q *Queue) publishStatus(snapshot domain.Task) {
	if q.bus == nil {
		return
	}
	q.bus.Publish(Event{
		TaskID:    snapshot.ID,
		Type:      EventTypeStatus,
		Status:    snapshot.Status,
		Message:   snapshot.StatusMessage,
		Timestamp: time.Now().UnixMilli(),
	})
}

// taskHeap orders pending tasks by submission time, earliest first.
type taskHeap []*domain.Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].SubmittedAt == h[j].SubmittedAt {
		return h[i].ID < h[j].ID
	}
	return h[i].SubmittedAt < h[j].SubmittedAt
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*domain.Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// remove drops a task id from the heap if present.
func (h *taskHeap) remove(id domain.TaskID) {
	for i, t := range *h {
		if t.ID == id {
			heap.Remove(h, i)
			return
		}
	}
}
