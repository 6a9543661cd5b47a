package domain

import (
	"errors"
	"fmt"
	"time"
)

type TaskID string

type TaskType string

const (
	TaskTextToImage  TaskType = "text_to_image"
	TaskImageToImage TaskType = "image_to_image"
	TaskTextToVideo  TaskType = "text_to_video"
	TaskImageToVideo TaskType = "image_to_video"
)

// AllTaskTypes in a stable order, used by config defaults and the status API.
var AllTaskTypes = []TaskType{TaskTextToImage, TaskImageToImage, TaskTextToVideo, TaskImageToVideo}

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrUnknownTaskType = errors.New("unknown task type")
)

// Params carries the user-supplied generation parameters. Values keep the
// JSON types they arrived with (string, float64, bool).
type Params map[string]any

// Task is the unit tracked through the queue. Timestamps are wall-clock unix
// seconds with fractional part; SubmittedAt defines FIFO order and the day
// file the record persists into.
type Task struct {
	ID             TaskID     `json:"task_id"`
	Type           TaskType   `json:"task_type"`
	SubmittedAt    float64    `json:"submitted_at"`
	Params         Params     `json:"params"`
	Status         TaskStatus `json:"status"`
	StatusMessage  string     `json:"status_message,omitempty"`
	ExecutionCount int        `json:"execution_count"`
	StartedAt      *float64   `json:"started_at,omitempty"`
	EndedAt        *float64   `json:"ended_at,omitempty"`
	OutputFilename string     `json:"output_filename,omitempty"`
	BackendHandle  string     `json:"backend_handle,omitempty"`
}

// Duration returns the observed run duration in seconds when both run
// timestamps are set.
func (t *Task) Duration() (float64, bool) {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0, false
	}
	return *t.EndedAt - *t.StartedAt, true
}

// Terminal reports whether the task reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Day returns the calendar date of SubmittedAt in loc, the key of the
// history file the record belongs to.
func (t *Task) Day(loc *time.Location) string {
	return time.Unix(int64(t.SubmittedAt), 0).In(loc).Format("2006-01-02")
}

// OutputExt maps a task type to its artifact extension.
func (tt TaskType) OutputExt() string {
	switch tt {
	case TaskTextToVideo, TaskImageToVideo:
		return "mp4"
	default:
		return "png"
	}
}

// Valid reports whether tt is one of the recognized task types.
func (tt TaskType) Valid() bool {
	switch tt {
	case TaskTextToImage, TaskImageToImage, TaskTextToVideo, TaskImageToVideo:
		return true
	}
	return false
}

// MissingParamError is a user error: surfaced to the submitter synchronously,
// the task is never enqueued.
type MissingParamError struct {
	Key string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Key)
}

// ValidateParams checks the minimal parameter set for a task type. The
// workflow documents carry defaults for everything else, so only the prompt
// and (for image-fed types) the source image are mandatory.
func ValidateParams(tt TaskType, params Params) error {
	if !tt.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, tt)
	}
	if s, _ := params["prompt"].(string); s == "" {
		return &MissingParamError{Key: "prompt"}
	}
	if tt == TaskImageToImage || tt == TaskImageToVideo {
		if s, _ := params["image_path"].(string); s == "" {
			return &MissingParamError{Key: "image_path"}
		}
	}
	return nil
}

// MergeParams overlays update onto base without mutating either. Used by
// idempotent resubmission.
func MergeParams(base, update Params) Params {
	merged := make(Params, len(base)+len(update))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
