package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

const filePrefix = "task_history_"

// Store keeps the durable per-day task history. Every state change rewrites
// the whole day file (read-merge-write under one mutex); the mutex is never
// held across network I/O because the store does none.
type Store struct {
	logger *slog.Logger
	dir    string
	loc    *time.Location

	mu        sync.Mutex
	snapshots map[domain.TaskID]domain.Task
}

var _ ports.TaskStore = (*Store)(nil)

// New opens the history directory and loads every day file found in it.
func New(logger *slog.Logger, dir string, loc *time.Location) (*Store, error) {
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s := &Store{
		logger:    logger,
		dir:       dir,
		loc:       loc,
		snapshots: map[domain.TaskID]domain.Task{},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// record is the on-disk row: every Task attribute plus a derived duration
// when both run timestamps are present.
type record struct {
	domain.Task
	Duration *float64 `json:"duration,omitempty"`
}

func (s *Store) load() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, filePrefix+"*.json"))
	if err != nil {
		return fmt.Errorf("scan data dir: %w", err)
	}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read history file: %w", err)
		}
		var records []record
		if err := json.Unmarshal(data, &records); err != nil {
			s.logger.Error("skipping unreadable history file", "path", path, "error", err)
			continue
		}
		for _, r := range records {
			// A resubmitted task can appear in an older day file too;
			// the latest submission wins.
			if prev, ok := s.snapshots[r.Task.ID]; ok && prev.SubmittedAt >= r.Task.SubmittedAt {
				continue
			}
			s.snapshots[r.Task.ID] = r.Task
		}
	}
	s.logger.Info("task history loaded", "tasks", len(s.snapshots), "files", len(matches))
	return nil
}

// Save snapshots one task and rewrites the day file its submission date maps
// to. When a resubmission moved the task to a new day, the old day file is
// rewritten as well so each file holds the task at most once.
func (s *Store) Save(_ context.Context, task domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := task.Day(s.loc)
	oldDay := ""
	if prev, ok := s.snapshots[task.ID]; ok {
		if d := prev.Day(s.loc); d != day {
			oldDay = d
		}
	}
	s.snapshots[task.ID] = task

	if err := s.writeDay(day); err != nil {
		return err
	}
	if oldDay != "" {
		if err := s.writeDay(oldDay); err != nil {
			return err
		}
	}
	return nil
}

// writeDay rewrites one day file from the in-memory snapshots. Caller holds
// the mutex.
func (s *Store) writeDay(day string) error {
	records := make([]record, 0)
	for _, t := range s.snapshots {
		if t.Day(s.loc) != day {
			continue
		}
		r := record{Task: t}
		if d, ok := t.Duration(); ok {
			dd := d
			r.Duration = &dd
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].SubmittedAt == records[j].SubmittedAt {
			return records[i].Task.ID < records[j].Task.ID
		}
		return records[i].SubmittedAt < records[j].SubmittedAt
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal day %s: %w", day, err)
	}
	data = append(data, '\n')

	path := filepath.Join(s.dir, filePrefix+day+".json")
	tmp, err := os.CreateTemp(s.dir, filePrefix+day+".*.tmp")
	if err != nil {
		return fmt.Errorf("write day %s: %w", day, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write day %s: %w", day, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write day %s: %w", day, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace day %s: %w", day, err)
	}
	return nil
}

// Get returns the last persisted snapshot of a task.
func (s *Store) Get(id domain.TaskID) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.snapshots[id]
	return t, ok
}

// ListDay returns the snapshots of one calendar day sorted by submission.
func (s *Store) ListDay(day string) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.snapshots {
		if t.Day(s.loc) == day {
			out = append(out, t)
		}
	}
	sortBySubmission(out)
	return out
}

// ListAll returns every known snapshot sorted by submission.
func (s *Store) ListAll() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.snapshots))
	for _, t := range s.snapshots {
		out = append(out, t)
	}
	sortBySubmission(out)
	return out
}

// Location returns the zone day keys are computed in.
func (s *Store) Location() *time.Location { return s.loc }

func sortBySubmission(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].SubmittedAt == tasks[j].SubmittedAt {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].SubmittedAt < tasks[j].SubmittedAt
	})
}
