package kernel

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/oapi-codegen/runtime"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/services"
)

//go:embed openapi.yaml
var apiSpec embed.FS

// Server is the HTTP surface over the queue: submission, status, history,
// artifact download and the per-task event stream.
type Server struct {
	logger    *slog.Logger
	queue     *services.Queue
	store     ports.TaskStore
	backend   ports.BackendClient
	eventBus  *services.EventBus
	outputDir string
	loc       *time.Location
}

func NewServer(logger *slog.Logger, queue *services.Queue, store ports.TaskStore, backend ports.BackendClient, eventBus *services.EventBus, outputDir string, loc *time.Location) *Server {
	if loc == nil {
		loc = time.Local
	}
	return &Server{
		logger:    logger,
		queue:     queue,
		store:     store,
		backend:   backend,
		eventBus:  eventBus,
		outputDir: outputDir,
		loc:       loc,
	}
}

// Handler builds the route table wrapped in OpenAPI request validation.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.handleTaskSSE)
	mux.HandleFunc("GET /v1/queue/status", s.handleQueueStatus)
	mux.HandleFunc("GET /v1/history", s.handleHistory)
	mux.HandleFunc("GET /v1/outputs/{filename}", s.handleOutput)

	validator, err := s.validationMiddleware()
	if err != nil {
		return nil, err
	}
	return validator(mux), nil
}

// validationMiddleware validates every matched request against the embedded
// OpenAPI document before it reaches a handler.
func (s *Server) validationMiddleware() (func(http.Handler) http.Handler, error) {
	raw, err := apiSpec.ReadFile("openapi.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded api spec: %w", err)
	}
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, fmt.Errorf("parse api spec: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("validate api spec: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				if errors.Is(err, routers.ErrPathNotFound) {
					http.NotFound(w, r)
					return
				}
				s.writeError(w, http.StatusMethodNotAllowed, err.Error())
				return
			}
			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				s.writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

type submitRequest struct {
	TaskType domain.TaskType `json:"task_type"`
	Params   domain.Params   `json:"params"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	res, err := s.queue.Enqueue(r.Context(), req.TaskType, req.Params)
	if err != nil {
		var missing *domain.MissingParamError
		if errors.As(err, &missing) || errors.Is(err, domain.ErrUnknownTaskType) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("enqueue failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := domain.TaskID(r.PathValue("id"))
	task, ok := s.queue.Get(id)
	if !ok {
		// Older days live only in the store.
		task, ok = s.store.Get(id)
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, domain.ErrTaskNotFound.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	var filter string
	if err := runtime.BindQueryParameter("form", true, false, "task_type", r.URL.Query(), &filter); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tt := domain.TaskType(filter)
	if filter != "" && !tt.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown task type %q", filter))
		return
	}
	s.writeJSON(w, http.StatusOK, s.queue.Status(tt))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var day string
	if err := runtime.BindQueryParameter("form", true, false, "date", r.URL.Query(), &day); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if day == "" {
		day = time.Now().In(s.loc).Format("2006-01-02")
	} else if _, err := time.Parse("2006-01-02", day); err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	tasks := s.store.ListDay(day)
	if tasks == nil {
		tasks = []domain.Task{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"date": day, "tasks": tasks})
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("filename")
	// Reject anything that is not a bare filename.
	if name == "" || name != filepath.Base(name) || name[0] == '.' {
		s.writeError(w, http.StatusBadRequest, "invalid filename")
		return
	}
	http.ServeFile(w, r, filepath.Join(s.outputDir, name))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"backend": s.backend.IsAlive(ctx),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
