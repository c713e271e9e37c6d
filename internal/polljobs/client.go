package polljobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/spacebroker/internal/observability"
)

// DefaultBaseURL is the ModelScope inference API.
const DefaultBaseURL = "https://api-inference.modelscope.cn/"

// Provider task states.
const (
	TaskSucceeded = "SUCCEED"
	TaskFailed    = "FAILED"
)

// ErrProvider wraps every failure talking to the provider. Its details are
// for server logs only.
var ErrProvider = errors.New("provider request failed")

// maxDownloadBytes bounds a generated image download.
const maxDownloadBytes = 64 << 20

// SubmitRequest starts an async generation.
type SubmitRequest struct {
	Model     string   `json:"model"`
	Prompt    string   `json:"prompt"`
	Size      string   `json:"size,omitempty"`
	ImageURLs []string `json:"image_url,omitempty"`
}

// TaskResult is the provider's view of a task.
type TaskResult struct {
	Status       string   `json:"task_status"`
	OutputImages []string `json:"output_images"`
	Error        string   `json:"-"`
}

// Download is a fetched artifact.
type Download struct {
	Data        []byte
	ContentType string
}

// Provider is the submit+poll API the manager drives.
type Provider interface {
	Submit(ctx context.Context, credential string, req SubmitRequest) (string, error)
	Task(ctx context.Context, credential, taskID string) (TaskResult, error)
	Download(ctx context.Context, url string) (Download, error)
}

// ClientConfig configures the ModelScope client.
type ClientConfig struct {
	BaseURL         string
	SubmitTimeout   time.Duration
	PollTimeout     time.Duration
	DownloadTimeout time.Duration
	HTTPClient      *http.Client
	Metrics         *observability.Metrics
	Tracer          *observability.Tracer
}

// Client talks to the ModelScope async image API.
type Client struct {
	baseURL         string
	submitTimeout   time.Duration
	pollTimeout     time.Duration
	downloadTimeout time.Duration
	http            *http.Client
	metrics         *observability.Metrics
	tracer          *observability.Tracer
}

// NewClient creates a client, defaulting the base URL and the 30s/15s/60s
// submit, poll and download timeouts.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 15 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:         cfg.BaseURL,
		submitTimeout:   cfg.SubmitTimeout,
		pollTimeout:     cfg.PollTimeout,
		downloadTimeout: cfg.DownloadTimeout,
		http:            cfg.HTTPClient,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
	}
}

// Submit starts a generation and returns the provider task id.
func (c *Client) Submit(ctx context.Context, credential string, req SubmitRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "polljobs.provider.submit", "model", req.Model)
	defer span.End()

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"v1/images/generations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-ModelScope-Async-Mode", "true")

	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := c.doJSON(httpReq, "submit", &out); err != nil {
		observability.RecordError(span, err)
		return "", err
	}
	if out.TaskID == "" {
		return "", fmt.Errorf("%w: no task_id in response", ErrProvider)
	}
	return out.TaskID, nil
}

// Task fetches the state of taskID.
func (c *Client) Task(ctx context.Context, credential, taskID string) (TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "polljobs.provider.task", "task_id", taskID)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"v1/tasks/"+taskID, nil)
	if err != nil {
		return TaskResult{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-ModelScope-Task-Type", "image_generation")

	var raw struct {
		TaskStatus   string          `json:"task_status"`
		OutputImages []string        `json:"output_images"`
		Error        json.RawMessage `json:"error"`
	}
	if err := c.doJSON(httpReq, "poll", &raw); err != nil {
		observability.RecordError(span, err)
		return TaskResult{}, err
	}
	res := TaskResult{Status: raw.TaskStatus, OutputImages: raw.OutputImages}
	if len(raw.Error) > 0 && string(raw.Error) != "null" {
		res.Error = string(raw.Error)
	}
	return res, nil
}

// Download fetches a generated artifact.
func (c *Client) Download(ctx context.Context, url string) (Download, error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "polljobs.provider.download")
	defer span.End()

	start := time.Now()
	defer func() { c.metrics.ProviderCall("download", time.Since(start)) }()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Download{}, fmt.Errorf("%w: %v", ErrProvider, err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		observability.RecordError(span, err)
		return Download{}, fmt.Errorf("%w: download: %v", ErrProvider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Download{}, fmt.Errorf("%w: download status %d", ErrProvider, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return Download{}, fmt.Errorf("%w: read download: %v", ErrProvider, err)
	}
	if len(data) > maxDownloadBytes {
		return Download{}, fmt.Errorf("%w: download exceeds %d bytes", ErrProvider, maxDownloadBytes)
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "image/png"
	}
	return Download{Data: data, ContentType: ct}, nil
}

func (c *Client) doJSON(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.ProviderCall(op, time.Since(start))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrProvider, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrProvider, op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s: status %d: %s", ErrProvider, op, resp.StatusCode, truncate(string(body), 256))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrProvider, op, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
