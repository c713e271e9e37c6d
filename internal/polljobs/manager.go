// Package polljobs runs jobs on third-party submit+poll APIs, allowing one
// active job per (requester, channel) with a lockout window inside a hard
// timeout.
package polljobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/spacebroker/internal/observability"
)

// Job states.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// CanStart reasons.
const (
	ReasonReady      = "ready"
	ReasonTimeout    = "timeout"
	ReasonProcessing = "processing"
	ReasonWaiting    = "waiting"
)

var (
	// ErrBusy is returned (wrapped in *BusyError) while a job is active.
	ErrBusy = errors.New("a job is already running")
	// ErrUnknownModel is returned for model ids outside the catalog.
	ErrUnknownModel = errors.New("unknown model")
	// ErrPromptRequired is returned for an empty prompt.
	ErrPromptRequired = errors.New("prompt is required")
)

// BusyError carries the wait hint for a refused start.
type BusyError struct {
	Reason      string
	WaitSeconds int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("%s: %s, wait %ds", ErrBusy, e.Reason, e.WaitSeconds)
}

func (e *BusyError) Unwrap() error { return ErrBusy }

// Busy marks the error as a busy rejection.
func (e *BusyError) Busy() bool { return true }

// Key identifies the single job slot of a requester on a channel.
type Key struct {
	RequesterID string
	ChannelID   string
}

// Decision is the outcome of CanStart.
type Decision struct {
	Allowed     bool
	Reason      string
	WaitSeconds int
}

// Err converts a refusal into a *BusyError.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &BusyError{Reason: d.Reason, WaitSeconds: d.WaitSeconds}
}

// Job is a tracked provider task.
type Job struct {
	Key         Key        `json:"-"`
	TaskID      string     `json:"task_id"`
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt"`
	Resolution  Resolution `json:"resolution"`
	ImageURLs   []string   `json:"image_urls,omitempty"`
	Status      string     `json:"status"`
	ResultURL   string     `json:"result_url,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	// ElapsedSeconds is set when the job finishes.
	ElapsedSeconds *float64 `json:"elapsed_seconds,omitempty"`

	credential string
	polling    bool
}

// Terminal reports whether the job finished.
func (j Job) Terminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailed
}

func (j *Job) snapshot() Job {
	out := *j
	out.credential = ""
	out.polling = false
	out.ImageURLs = append([]string(nil), j.ImageURLs...)
	if j.ElapsedSeconds != nil {
		v := *j.ElapsedSeconds
		out.ElapsedSeconds = &v
	}
	return out
}

// Rehoster stores a fetched artifact under the requester's namespace and
// returns its public URL.
type Rehoster interface {
	Rehost(ctx context.Context, owner, folder, prefix, contentType string, body io.ReadSeeker) (string, error)
}

// Config configures a Manager.
type Config struct {
	// Timeout is the default hard timeout after which a job slot can be reclaimed.
	Timeout time.Duration
	// Lockout is the sub-window of Timeout during which a restart is refused
	// with the "processing" reason.
	Lockout time.Duration
	// ResultFolder is the storage folder for re-hosted results.
	ResultFolder string
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
}

// StartParams describes a generation.
type StartParams struct {
	Model      string
	Prompt     string
	Resolution Resolution
	ImageURLs  []string
	// Timeout overrides Config.Timeout for this channel.
	Timeout time.Duration
}

// Manager tracks polling jobs.
type Manager struct {
	provider    Provider
	credentials *CredentialPool
	store       Rehoster
	timeout     time.Duration
	lockout     time.Duration
	folder      string
	now         func() time.Time
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer

	mu   sync.Mutex
	jobs map[Key]*Job
}

// NewManager creates a manager.
func NewManager(provider Provider, credentials *CredentialPool, store Rehoster, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = 240 * time.Second
	}
	if cfg.ResultFolder == "" {
		cfg.ResultFolder = "gen_img"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if credentials == nil {
		credentials = NewCredentialPool(nil)
	}
	return &Manager{
		provider:    provider,
		credentials: credentials,
		store:       store,
		timeout:     cfg.Timeout,
		lockout:     cfg.Lockout,
		folder:      cfg.ResultFolder,
		now:         cfg.Now,
		logger:      cfg.Logger.With("component", "polljobs.manager"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		jobs:        make(map[Key]*Job),
	}
}

// Credentials returns the credential pool.
func (m *Manager) Credentials() *CredentialPool { return m.credentials }

// DefaultTimeout returns the configured hard timeout.
func (m *Manager) DefaultTimeout() time.Duration { return m.timeout }

// CanStart reports whether key may start a new job. A timeout of zero uses
// the manager default.
func (m *Manager) CanStart(key Key, timeout time.Duration) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canStartLocked(key, timeout, m.now())
}

func (m *Manager) canStartLocked(key Key, timeout time.Duration, now time.Time) Decision {
	if timeout <= 0 {
		timeout = m.timeout
	}
	job, ok := m.jobs[key]
	if !ok || job.StartedAt.IsZero() || job.Terminal() {
		return Decision{Allowed: true, Reason: ReasonReady}
	}
	elapsed := now.Sub(job.StartedAt)
	if elapsed >= timeout {
		return Decision{Allowed: true, Reason: ReasonTimeout}
	}
	if elapsed < m.lockout {
		return Decision{Reason: ReasonProcessing, WaitSeconds: int((m.lockout - elapsed) / time.Second)}
	}
	return Decision{Reason: ReasonWaiting, WaitSeconds: int((timeout - elapsed) / time.Second)}
}

// Start submits a job for key. The slot is reserved before the provider
// call, so concurrent starts for one key cannot both reach the provider.
func (m *Manager) Start(ctx context.Context, key Key, params StartParams) (Job, error) {
	if params.Prompt == "" {
		return Job{}, ErrPromptRequired
	}
	if params.Model == "" {
		params.Model = DefaultModelID()
	}
	if _, ok := ModelByID(params.Model); !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrUnknownModel, params.Model)
	}
	if params.Resolution.ID == "" {
		params.Resolution = fallbackResolution
	}

	m.mu.Lock()
	decision := m.canStartLocked(key, params.Timeout, m.now())
	if !decision.Allowed {
		m.mu.Unlock()
		return Job{}, decision.Err()
	}
	credential, err := m.credentials.Next()
	if err != nil {
		m.mu.Unlock()
		return Job{}, err
	}
	previous := m.jobs[key]
	reserved := &Job{
		Key:        key,
		Model:      params.Model,
		Prompt:     params.Prompt,
		Resolution: params.Resolution,
		ImageURLs:  append([]string(nil), params.ImageURLs...),
		Status:     StatusProcessing,
		StartedAt:  m.now(),
		credential: credential,
	}
	m.jobs[key] = reserved
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "polljobs.start",
		"channel_id", key.ChannelID,
		"model", params.Model,
	)
	defer span.End()

	taskID, err := m.provider.Submit(ctx, credential, SubmitRequest{
		Model:     params.Model,
		Prompt:    params.Prompt,
		Size:      params.Resolution.Size(),
		ImageURLs: params.ImageURLs,
	})
	if err != nil {
		observability.RecordError(span, err)
		m.mu.Lock()
		if m.jobs[key] == reserved {
			if previous != nil {
				m.jobs[key] = previous
			} else {
				delete(m.jobs, key)
			}
		}
		m.mu.Unlock()
		m.metrics.PollJob("start_error")
		m.logger.ErrorContext(ctx, "provider start failed",
			"user_id", key.RequesterID,
			"channel_id", key.ChannelID,
			"error", err,
		)
		return Job{}, err
	}

	m.mu.Lock()
	reserved.TaskID = taskID
	reserved.StartedAt = m.now()
	out := reserved.snapshot()
	m.mu.Unlock()

	m.metrics.PollJob("started")
	m.logger.InfoContext(ctx, "provider job started",
		"user_id", key.RequesterID,
		"channel_id", key.ChannelID,
		"task_id", taskID,
	)
	return out, nil
}

// Get returns a copy of the job for key.
func (m *Manager) Get(key Key) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[key]
	if !ok {
		return Job{}, false
	}
	return job.snapshot(), true
}

// FindTask returns the job holding taskID.
func (m *Manager) FindTask(taskID string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.TaskID == taskID && taskID != "" {
			return job.snapshot(), true
		}
	}
	return Job{}, false
}

// Poll refreshes a processing job from the provider. Terminal jobs are
// returned without a network call. Transport errors are logged and leave
// the job processing; provider failures are logged and surface only as
// status "failed".
func (m *Manager) Poll(ctx context.Context, key Key) (Job, bool) {
	m.mu.Lock()
	job, ok := m.jobs[key]
	if !ok {
		m.mu.Unlock()
		return Job{}, false
	}
	if job.Terminal() || job.TaskID == "" || job.polling {
		out := job.snapshot()
		m.mu.Unlock()
		return out, true
	}
	job.polling = true
	taskID, credential := job.TaskID, job.credential
	m.mu.Unlock()

	ctx, span := m.tracer.Start(ctx, "polljobs.poll", "task_id", taskID)
	defer span.End()

	status, resultURL := m.refresh(ctx, key, taskID, credential)

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[key]
	if !ok {
		return Job{}, false
	}
	if current != job {
		return current.snapshot(), true
	}
	job.polling = false
	if status != StatusProcessing {
		now := m.now()
		elapsed := math.Round(now.Sub(job.StartedAt).Seconds()*100) / 100
		job.Status = status
		job.ResultURL = resultURL
		job.CompletedAt = now
		job.ElapsedSeconds = &elapsed
		m.metrics.PollJob(status)
	}
	return job.snapshot(), true
}

// refresh queries the provider and, on success, re-hosts the first output
// image. It returns the new status and the re-hosted URL.
func (m *Manager) refresh(ctx context.Context, key Key, taskID, credential string) (string, string) {
	log := m.logger.With("user_id", key.RequesterID, "channel_id", key.ChannelID, "task_id", taskID)

	res, err := m.provider.Task(ctx, credential, taskID)
	if err != nil {
		log.ErrorContext(ctx, "provider poll failed", "error", err)
		return StatusProcessing, ""
	}
	switch res.Status {
	case TaskSucceeded:
		if len(res.OutputImages) == 0 || res.OutputImages[0] == "" {
			log.ErrorContext(ctx, "provider returned no output images")
			return StatusFailed, ""
		}
		url, err := m.rehost(ctx, key, res.OutputImages[0])
		if err != nil {
			log.ErrorContext(ctx, "result re-host failed", "error", err)
			return StatusFailed, ""
		}
		log.InfoContext(ctx, "provider job succeeded", "result_url", url)
		return StatusSuccess, url
	case TaskFailed:
		log.ErrorContext(ctx, "provider job failed", "provider_error", res.Error)
		return StatusFailed, ""
	default:
		log.DebugContext(ctx, "provider job pending", "task_status", res.Status)
		return StatusProcessing, ""
	}
}

func (m *Manager) rehost(ctx context.Context, key Key, sourceURL string) (string, error) {
	if m.store == nil {
		return "", errors.New("no artifact store configured")
	}
	dl, err := m.provider.Download(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	return m.store.Rehost(ctx, key.RequesterID, m.folder, "img", dl.ContentType, bytes.NewReader(dl.Data))
}

// Clear forgets the job for key.
func (m *Manager) Clear(key Key) {
	m.mu.Lock()
	delete(m.jobs, key)
	m.mu.Unlock()
}

// SweepStale drops jobs started more than maxAge ago and returns how many.
func (m *Manager) SweepStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = m.timeout
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for key, job := range m.jobs {
		if job.polling {
			continue
		}
		if now.Sub(job.StartedAt) >= maxAge {
			delete(m.jobs, key)
			n++
		}
	}
	if n > 0 {
		m.logger.Info("stale polling jobs swept", "count", n)
	}
	return n
}

// Jobs lists tracked jobs ordered by start time.
func (m *Manager) Jobs() []Job {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
