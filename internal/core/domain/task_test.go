package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateParams(t *testing.T) {
	tests := []struct {
		name    string
		tt      TaskType
		params  Params
		wantErr string
	}{
		{"text to image ok", TaskTextToImage, Params{"prompt": "a fox"}, ""},
		{"missing prompt", TaskTextToImage, Params{}, `missing required parameter "prompt"`},
		{"empty prompt", TaskTextToVideo, Params{"prompt": ""}, `missing required parameter "prompt"`},
		{"i2i needs image", TaskImageToImage, Params{"prompt": "a fox"}, `missing required parameter "image_path"`},
		{"i2i ok", TaskImageToImage, Params{"prompt": "a fox", "image_path": "in.png"}, ""},
		{"i2v needs image", TaskImageToVideo, Params{"prompt": "a fox"}, `missing required parameter "image_path"`},
		{"unknown type", TaskType("upscale"), Params{"prompt": "a fox"}, "unknown task type"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateParams(tc.tt, tc.params)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestTaskDuration(t *testing.T) {
	task := Task{}
	_, ok := task.Duration()
	assert.False(t, ok)

	start, end := 100.5, 160.25
	task.StartedAt = &start
	_, ok = task.Duration()
	assert.False(t, ok)

	task.EndedAt = &end
	d, ok := task.Duration()
	assert.True(t, ok)
	assert.InDelta(t, 59.75, d, 1e-9)
}

func TestTaskDay(t *testing.T) {
	task := Task{SubmittedAt: 1756008000} // 2025-08-24 04:00:00 UTC
	assert.Equal(t, "2025-08-24", task.Day(time.UTC))
}

func TestTaskTerminal(t *testing.T) {
	assert.False(t, (&Task{Status: TaskStatusQueued}).Terminal())
	assert.False(t, (&Task{Status: TaskStatusRunning}).Terminal())
	assert.True(t, (&Task{Status: TaskStatusCompleted}).Terminal())
	assert.True(t, (&Task{Status: TaskStatusFailed}).Terminal())
}

func TestOutputExt(t *testing.T) {
	assert.Equal(t, "png", TaskTextToImage.OutputExt())
	assert.Equal(t, "png", TaskImageToImage.OutputExt())
	assert.Equal(t, "mp4", TaskTextToVideo.OutputExt())
	assert.Equal(t, "mp4", TaskImageToVideo.OutputExt())
}

func TestMergeParams(t *testing.T) {
	base := Params{"prompt": "old", "steps": 20}
	update := Params{"prompt": "new", "cfg": 7.5}

	merged := MergeParams(base, update)
	assert.Equal(t, "new", merged["prompt"])
	assert.Equal(t, 20, merged["steps"])
	assert.Equal(t, 7.5, merged["cfg"])
	assert.Equal(t, "old", base["prompt"])
}
