package comfyui

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

// ProcessLauncher starts a local backend binary when the health probe fails.
// The process is detached; the backend owns its own lifetime after launch.
type ProcessLauncher struct {
	logger *slog.Logger
	path   string
	args   []string

	mu      sync.Mutex
	started bool
}

var _ ports.BackendLauncher = (*ProcessLauncher)(nil)

func NewProcessLauncher(logger *slog.Logger, path string, args ...string) *ProcessLauncher {
	return &ProcessLauncher{logger: logger, path: path, args: args}
}

// Launch spawns the backend once per process lifetime. A second call after a
// successful start is a no-op; the health probe decides whether the backend
// actually came up.
func (l *ProcessLauncher) Launch(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}

	cmd := exec.Command(l.path, l.args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn backend %s: %w", l.path, err)
	}
	l.started = true
	l.logger.Info("local backend spawned", "path", l.path, "pid", cmd.Process.Pid)

	// Reap the child when it exits so it never zombies.
	go func() {
		if err := cmd.Wait(); err != nil {
			l.logger.Warn("local backend exited", "error", err)
		}
		l.mu.Lock()
		l.started = false
		l.mu.Unlock()
	}()
	return nil
}
