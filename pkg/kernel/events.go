package kernel

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/services"
)

// handleTaskSSE streams task transitions as server-sent events. Subscribing
// with the task id yields only that task's events; the wildcard key is not
// exposed over HTTP.
func (s *Server) handleTaskSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(map[string]any{
				"task_id":   ev.TaskID,
				"status":    ev.Status,
				"message":   ev.Message,
				"timestamp": ev.Timestamp,
			})
			if err != nil {
				s.logger.Error("failed to marshal event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
			if ev.Type == services.EventTypeStatus && terminalStatus(ev) {
				return
			}
		}
	}
}

func terminalStatus(ev services.Event) bool {
	return ev.Status == domain.TaskStatusCompleted || ev.Status == domain.TaskStatusFailed
}
