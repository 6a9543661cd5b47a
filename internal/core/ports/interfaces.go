package ports

import (
	"context"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
)

// BackendClient abstracts the remote generation service (ComfyUI wire
// contract). Instances are safe for concurrent use; every call opens its own
// HTTP request.
type BackendClient interface {
	// IsAlive probes the backend with a bounded health check.
	IsAlive(ctx context.Context) bool

	// Submit posts a node-map payload and returns the backend handle.
	Submit(ctx context.Context, payload map[string]domain.PayloadNode, clientID string) (string, error)

	// History fetches the history record once. finished is true when the
	// record exists and carries a non-empty outputs map.
	History(ctx context.Context, handle string) (domain.Outputs, bool, error)

	// WaitForOutputs polls the history endpoint once per second until the
	// prompt has outputs or ctx is cancelled.
	WaitForOutputs(ctx context.Context, handle string) (domain.Outputs, error)

	// FetchArtifact downloads one artifact's raw bytes.
	FetchArtifact(ctx context.Context, ref domain.ArtifactRef) ([]byte, error)

	// SaveFirstArtifact writes the first fetchable artifact (images before
	// videos) to destPath and returns the backend-side filename it chose.
	SaveFirstArtifact(ctx context.Context, outputs domain.Outputs, destPath string) (string, error)
}

// BackendLauncher starts a local backend instance when the health probe
// fails. Implementations: subprocess spawn and Docker container.
type BackendLauncher interface {
	Launch(ctx context.Context) error
}

// TaskStore is the durable per-day task history. All methods serialize on an
// internal mutex; callers must not invoke Save while holding locks that are
// also taken inside store callbacks.
type TaskStore interface {
	// Save snapshots one task, rewriting its day file atomically.
	Save(ctx context.Context, task domain.Task) error

	// Get returns the last persisted snapshot.
	Get(id domain.TaskID) (domain.Task, bool)

	// ListDay returns the snapshots of one calendar day (YYYY-MM-DD),
	// sorted by submission time.
	ListDay(day string) []domain.Task

	// ListAll returns every known snapshot.
	ListAll() []domain.Task
}

// MetricsRepository persists per-type duration averages across restarts.
type MetricsRepository interface {
	LoadAverages(ctx context.Context) (map[domain.TaskType]float64, error)
	SaveAverage(ctx context.Context, tt domain.TaskType, avgSeconds float64, completed int64) error
}

// Notifier delivers terminal-failure notifications. Send failures are the
// caller's to log, never to propagate as task errors.
type Notifier interface {
	NotifyTaskFailed(ctx context.Context, task domain.Task) error
}
