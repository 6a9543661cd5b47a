package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/services"
)

type memStore struct {
	mu    sync.Mutex
	tasks map[domain.TaskID]domain.Task
}

var _ ports.TaskStore = (*memStore)(nil)

func newMemStore() *memStore { return &memStore{tasks: map[domain.TaskID]domain.Task{}} }

func (m *memStore) Save(_ context.Context, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
	return nil
}

func (m *memStore) Get(id domain.TaskID) (domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *memStore) ListDay(day string) []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Day(time.UTC) == day {
			out = append(out, t)
		}
	}
	return out
}

func (m *memStore) ListAll() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}

type stubBackend struct{ alive bool }

var _ ports.BackendClient = (*stubBackend)(nil)

func (s *stubBackend) IsAlive(context.Context) bool { return s.alive }
func (s *stubBackend) Submit(context.Context, map[string]domain.PayloadNode, string) (string, error) {
	return "p-1", nil
}
func (s *stubBackend) History(context.Context, string) (domain.Outputs, bool, error) {
	return nil, false, nil
}
func (s *stubBackend) WaitForOutputs(context.Context, string) (domain.Outputs, error) {
	return nil, nil
}
func (s *stubBackend) FetchArtifact(context.Context, domain.ArtifactRef) ([]byte, error) {
	return nil, nil
}
func (s *stubBackend) SaveFirstArtifact(context.Context, domain.Outputs, string) (string, error) {
	return "", nil
}

type testServer struct {
	handler   http.Handler
	queue     *services.Queue
	store     *memStore
	bus       *services.EventBus
	outputDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := newMemStore()
	bus := services.NewEventBus(logger)
	queue := services.NewQueue(logger, store, nil, bus, services.QueueConfig{
		ConcurrencyCap: 2,
		Location:       time.UTC,
	})
	outputDir := t.TempDir()

	srv := NewServer(logger, queue, store, &stubBackend{alive: true}, bus, outputDir, time.UTC)
	handler, err := srv.Handler()
	require.NoError(t, err)
	return &testServer{handler: handler, queue: queue, store: store, bus: bus, outputDir: outputDir}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_SubmitTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/tasks", `{"task_type": "text_to_image", "params": {"prompt": "a fox"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res struct {
		TaskID        string  `json:"task_id"`
		QueuePosition int     `json:"queue_position"`
		EstimatedWait float64 `json:"estimated_wait"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, 1, res.QueuePosition)
}

func TestServer_SubmitTaskRejections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown task type", `{"task_type": "upscale", "params": {"prompt": "x"}}`},
		{"missing params", `{"task_type": "text_to_image"}`},
		{"missing prompt", `{"task_type": "text_to_image", "params": {}}`},
		{"i2i without image", `{"task_type": "image_to_image", "params": {"prompt": "x"}}`},
		{"malformed body", `{"task_type":`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/tasks", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestServer_GetTask(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/tasks", `{"task_type": "text_to_image", "params": {"prompt": "a fox"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = ts.do(t, http.MethodGet, "/v1/tasks/"+submitted.TaskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var task domain.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, domain.TaskStatusQueued, task.Status)

	rec = ts.do(t, http.MethodGet, "/v1/tasks/no-such-task", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetTaskFallsBackToStore(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.store.Save(context.Background(), domain.Task{
		ID: "archived", Type: domain.TaskTextToImage,
		SubmittedAt: 1000, Status: domain.TaskStatusCompleted,
	}))

	rec := ts.do(t, http.MethodGet, "/v1/tasks/archived", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"completed"`)
}

func TestServer_QueueStatus(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ts.queue.Enqueue(ctx, domain.TaskTextToImage, domain.Params{"prompt": "x"})
		require.NoError(t, err)
	}
	_, err := ts.queue.Enqueue(ctx, domain.TaskTextToVideo, domain.Params{"prompt": "y"})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/queue/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var all services.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Equal(t, 3, all.Total)

	rec = ts.do(t, http.MethodGet, "/v1/queue/status?task_type=text_to_video", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var videos services.QueueStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &videos))
	assert.Equal(t, 1, videos.Total)

	rec = ts.do(t, http.MethodGet, "/v1/queue/status?task_type=upscale", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_History(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	dayTS, _ := time.ParseInLocation("2006-01-02", "2026-03-01", time.UTC)
	require.NoError(t, ts.store.Save(ctx, domain.Task{
		ID: "t1", Type: domain.TaskTextToImage,
		SubmittedAt: float64(dayTS.Unix()) + 60,
		Status:      domain.TaskStatusCompleted,
	}))

	rec := ts.do(t, http.MethodGet, "/v1/history?date=2026-03-01", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res struct {
		Date  string        `json:"date"`
		Tasks []domain.Task `json:"tasks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "2026-03-01", res.Date)
	require.Len(t, res.Tasks, 1)

	// Days with no history return an empty list, not null.
	rec = ts.do(t, http.MethodGet, "/v1/history?date=2026-03-02", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"tasks":[]`)

	rec = ts.do(t, http.MethodGet, "/v1/history?date=not-a-date", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Outputs(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(ts.outputDir, "result.png"), []byte("png-bytes"), 0o644))

	rec := ts.do(t, http.MethodGet, "/v1/outputs/result.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/v1/outputs/missing.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/outputs/..%2Fsecret.txt", "")
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "ok", res["status"])
	assert.Equal(t, true, res["backend"])
}

func TestServer_TaskEventsStream(t *testing.T) {
	ts := newTestServer(t)
	srv := httptest.NewServer(ts.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/tasks/t1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the handler time to subscribe before publishing.
	time.Sleep(50 * time.Millisecond)
	ts.bus.Publish(services.Event{
		TaskID: "t1", Type: services.EventTypeStatus,
		Status: domain.TaskStatusCompleted, Timestamp: 123,
	})

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		lines = append(lines, strings.TrimRight(line, "\n"))
	}
	body := strings.Join(lines, "\n")
	assert.Contains(t, body, "event: status")
	assert.Contains(t, body, `"status":"completed"`)
	assert.Contains(t, body, `"task_id":"t1"`)
}
