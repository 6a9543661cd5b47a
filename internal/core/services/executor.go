package services

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

const launchWait = 30 * time.Second

// WorkflowExecutor drives one task against the generation backend: load the
// type's workflow template, inject params, submit, poll for outputs, download
// the first artifact. One instance serves every task type; the template path
// is derived from the task type at execution time.
type WorkflowExecutor struct {
	logger      *slog.Logger
	queue       *Queue
	backend     ports.BackendClient
	launcher    ports.BackendLauncher // optional
	workflowDir string
	outputDir   string
}

var _ Executor = (*WorkflowExecutor)(nil)

func NewWorkflowExecutor(logger *slog.Logger, queue *Queue, backend ports.BackendClient, launcher ports.BackendLauncher, workflowDir, outputDir string) *WorkflowExecutor {
	return &WorkflowExecutor{
		logger:      logger,
		queue:       queue,
		backend:     backend,
		launcher:    launcher,
		workflowDir: workflowDir,
		outputDir:   outputDir,
	}
}

// Execute runs the task to a terminal status. It receives a value copy; all
// shared-state mutations go through the queue. After every blocking call it
// re-checks the running set so a monitor cancellation wins over a late write.
func (e *WorkflowExecutor) Execute(ctx context.Context, task domain.Task) {
	log := e.logger.With("task_id", task.ID, "task_type", task.Type)

	doc, err := domain.LoadDocument(filepath.Join(e.workflowDir, string(task.Type)+".json"))
	if err != nil {
		e.queue.Fail(ctx, task.ID, fmt.Sprintf("load workflow template: %v", err))
		return
	}
	payload := doc.Clone().Inject(task.Params).Payload()

	if !e.ensureBackend(ctx, log) {
		e.queue.Fail(ctx, task.ID, "backend connection timeout")
		return
	}
	if !e.queue.StillRunning(task.ID) {
		return
	}

	clientID := uuid.New().String()
	handle, err := e.backend.Submit(ctx, payload, clientID)
	if err != nil {
		if ctx.Err() != nil && !e.queue.StillRunning(task.ID) {
			return
		}
		e.queue.Fail(ctx, task.ID, fmt.Sprintf("submit workflow: %v", err))
		return
	}
	if !e.queue.StillRunning(task.ID) {
		return
	}
	e.queue.SetBackendHandle(ctx, task.ID, handle)
	log.Info("workflow submitted", "backend_handle", handle)

	outputs, err := e.backend.WaitForOutputs(ctx, handle)
	if err != nil {
		// Cancelled by the monitor: the task is already finalized.
		if ctx.Err() != nil && !e.queue.StillRunning(task.ID) {
			return
		}
		e.queue.Fail(ctx, task.ID, fmt.Sprintf("wait for outputs: %v", err))
		return
	}
	if !e.queue.StillRunning(task.ID) {
		return
	}

	filename := outputFilename(task)
	if _, err := e.backend.SaveFirstArtifact(ctx, outputs, filepath.Join(e.outputDir, filename)); err != nil {
		if ctx.Err() != nil && !e.queue.StillRunning(task.ID) {
			return
		}
		e.queue.Fail(ctx, task.ID, fmt.Sprintf("download artifact: %v", err))
		return
	}
	e.queue.Complete(ctx, task.ID, filename)
}

// ensureBackend probes the backend and, when it is down and a launcher is
// configured, starts it and waits up to launchWait for it to come alive.
func (e *WorkflowExecutor) ensureBackend(ctx context.Context, log *slog.Logger) bool {
	if e.backend.IsAlive(ctx) {
		return true
	}
	if e.launcher == nil {
		return false
	}
	log.Info("backend down, launching")
	if err := e.launcher.Launch(ctx); err != nil {
		log.Error("backend launch failed", "error", err)
		return false
	}

	deadline := time.After(launchWait)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
			if e.backend.IsAlive(ctx) {
				return true
			}
		}
	}
}

// outputFilename builds the local artifact name: type, unix seconds, and the
// first 8 hex of the task id. Re-executions of the same task within the same
// second overwrite, keeping output naming idempotent.
func outputFilename(task domain.Task) string {
	suffix := strings.ReplaceAll(string(task.ID), "-", "")
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s_%d_%s.%s", task.Type, time.Now().Unix(), suffix, task.Type.OutputExt())
}
