package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/domain"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/core/ports"
)

const DefaultBaseURL = "http://127.0.0.1:8188"

// Client talks the ComfyUI HTTP contract: submit a prompt, poll history,
// download artifacts via the view endpoint. There is no internal state, so
// one instance serves all workers concurrently.
type Client struct {
	logger  *slog.Logger
	baseURL string
	httpc   *http.Client

	healthTimeout  time.Duration
	submitTimeout  time.Duration
	historyTimeout time.Duration
	fetchTimeout   time.Duration
	pollInterval   time.Duration
}

var _ ports.BackendClient = (*Client)(nil)

func NewClient(logger *slog.Logger, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		logger:         logger,
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpc:          &http.Client{},
		healthTimeout:  2 * time.Second,
		submitTimeout:  30 * time.Second,
		historyTimeout: 5 * time.Second,
		fetchTimeout:   30 * time.Second,
		pollInterval:   1 * time.Second,
	}
}

// IsAlive probes /system_stats with a 2s budget.
func (c *Client) IsAlive(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Submit posts the node map to /prompt and returns the backend handle.
func (c *Client) Submit(ctx context.Context, payload map[string]domain.PayloadNode, clientID string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    payload,
		"client_id": clientID,
	})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit prompt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("prompt submission failed with status %d: %s", resp.StatusCode, string(b))
	}

	var result struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if result.PromptID == "" {
		return "", fmt.Errorf("no prompt_id in response")
	}
	return result.PromptID, nil
}

// History fetches /history/<handle> once. finished is true when the record
// exists and its outputs map is non-empty.
func (c *Client) History(ctx context.Context, handle string) (domain.Outputs, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, false, fmt.Errorf("create history request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, false, fmt.Errorf("history fetch failed with status %d: %s", resp.StatusCode, string(b))
	}

	var history map[string]struct {
		Outputs domain.Outputs `json:"outputs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return nil, false, fmt.Errorf("decode history: %w", err)
	}

	entry, ok := history[handle]
	if !ok {
		return nil, false, nil
	}
	if entry.Outputs.Empty() {
		return entry.Outputs, false, nil
	}
	return entry.Outputs, true, nil
}

// WaitForOutputs polls history once per second until the prompt finished.
// There is no wall-clock cap here; cancellation comes from ctx.
func (c *Client) WaitForOutputs(ctx context.Context, handle string) (domain.Outputs, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		outputs, finished, err := c.History(ctx, handle)
		if err != nil {
			// Transient while the prompt is queued; keep polling.
			c.logger.Debug("history poll failed", "handle", handle, "error", err)
		} else if finished {
			return outputs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// FetchArtifact downloads one artifact via /view.
func (c *Client) FetchArtifact(ctx context.Context, ref domain.ArtifactRef) ([]byte, error) {
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Kind)

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create view request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact %s: %w", ref.Filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("artifact fetch failed with status %d for %s", resp.StatusCode, ref.Filename)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref.Filename, err)
	}
	return data, nil
}

// SaveFirstArtifact tries every image descriptor then every video descriptor
// and writes the first successful download to destPath. Returns the
// backend-side filename of the artifact it saved.
func (c *Client) SaveFirstArtifact(ctx context.Context, outputs domain.Outputs, destPath string) (string, error) {
	var refs []domain.ArtifactRef
	for _, id := range sortedIDs(outputs) {
		refs = append(refs, outputs[id].Images...)
	}
	for _, id := range sortedIDs(outputs) {
		refs = append(refs, outputs[id].Videos...)
	}
	if len(refs) == 0 {
		return "", fmt.Errorf("no artifacts in outputs")
	}

	var lastErr error
	for _, ref := range refs {
		data, err := c.FetchArtifact(ctx, ref)
		if err != nil {
			c.logger.Warn("artifact fetch failed, trying next", "filename", ref.Filename, "error", err)
			lastErr = err
			continue
		}
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
		if err := os.WriteFile(destPath, data, 0o644); err != nil {
			return "", fmt.Errorf("write artifact: %w", err)
		}
		return ref.Filename, nil
	}
	return "", fmt.Errorf("all artifact fetches failed: %w", lastErr)
}

func sortedIDs(outputs domain.Outputs) []string {
	ids := make([]string, 0, len(outputs))
	for id := range outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
