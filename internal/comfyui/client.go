// Package comfyui talks to a ComfyUI-compatible generation backend: prompt
// submission, history polling, output download, workflow templates and the
// backend's progress event stream.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genqueue/internal/infra"
)

const defaultBaseURL = "http://localhost:8188"

// Options configures the backend client.
type Options struct {
	BaseURL        string
	ClientID       string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *infra.Logger
}

// Client performs HTTP calls against the backend API.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewClient constructs a client. Every prompt it submits carries the same
// client id so the event monitor sees progress for all of them.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	clientID := strings.TrimSpace(opts.ClientID)
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.New(io.Discard))
		logger = &l
	}
	return &Client{
		baseURL:    baseURL,
		clientID:   clientID,
		httpClient: httpClient,
		logger:     logger,
	}
}

// EventsURL is the backend WebSocket endpoint for this client's events.
func (c *Client) EventsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws?clientId=" + url.QueryEscape(c.clientID)
}

// Submit queues a workflow and returns the backend prompt id.
func (c *Client) Submit(ctx context.Context, wf Workflow) (string, error) {
	if len(wf.Prompt) == 0 {
		return "", errors.New("comfyui: workflow is empty")
	}
	clientID := wf.ClientID
	if clientID == "" {
		clientID = c.clientID
	}
	body, err := json.Marshal(submitRequest{Prompt: wf.Prompt, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("comfyui: encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("comfyui: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var decoded submitResponse
	if err := c.doJSON(req, &decoded); err != nil {
		return "", err
	}
	if decoded.PromptID == "" {
		return "", errors.New("comfyui: no prompt_id in response")
	}
	c.logger.Info().Str("backend_job_id", decoded.PromptID).Msg("comfyui: queued prompt")
	return decoded.PromptID, nil
}

// GetStatus returns the history of a prompt. A prompt the backend has not
// recorded yet yields an empty, not-done History.
func (c *Client) GetStatus(ctx context.Context, promptID string) (*History, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, fmt.Errorf("comfyui: build request: %w", err)
	}
	var decoded map[string]History
	if err := c.doJSON(req, &decoded); err != nil {
		return nil, err
	}
	h, ok := decoded[promptID]
	if !ok {
		return &History{}, nil
	}
	return &h, nil
}

// FetchOutput streams an output file. The caller closes the reader.
func (c *Client) FetchOutput(ctx context.Context, ref OutputRef) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+ref.ViewPath(), nil)
	if err != nil {
		return nil, fmt.Errorf("comfyui: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("comfyui: fetch output: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

// HealthCheck reports whether the backend answers /system_stats.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if _, err := c.SystemStats(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("comfyui: health check failed")
		return false
	}
	return true
}

func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return nil, fmt.Errorf("comfyui: build request: %w", err)
	}
	var stats SystemStats
	if err := c.doJSON(req, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("comfyui: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("comfyui: decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("comfyui: %s %s: status %d: %s", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, strings.TrimSpace(string(raw)))
}
