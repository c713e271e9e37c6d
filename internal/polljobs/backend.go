package polljobs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/spacebroker/internal/broker"
)

// ChannelSettings are the per-channel knobs of a poll channel.
type ChannelSettings struct {
	Timeout            time.Duration
	DefaultModel       string
	EnabledResolutions []string
}

// SubmitPayload is the requester body of a poll submission.
type SubmitPayload struct {
	Prompt       string   `json:"prompt"`
	ModelID      string   `json:"model_id"`
	ResolutionID string   `json:"resolution_id"`
	ImageURLs    []string `json:"image_urls"`
}

// Backend adapts the Manager to the broker's Job interface.
type Backend struct {
	manager  *Manager
	settings func(channelID string) ChannelSettings
}

// NewBackend creates a poll backend. settings may be nil.
func NewBackend(m *Manager, settings func(string) ChannelSettings) *Backend {
	if settings == nil {
		settings = func(string) ChannelSettings { return ChannelSettings{} }
	}
	return &Backend{manager: m, settings: settings}
}

func (b *Backend) Kind() string { return broker.KindPoll }

// Manager returns the underlying manager.
func (b *Backend) Manager() *Manager { return b.manager }

// Settings returns the effective settings of channelID.
func (b *Backend) Settings(channelID string) ChannelSettings {
	s := b.settings(channelID)
	if s.Timeout <= 0 {
		s.Timeout = b.manager.DefaultTimeout()
	}
	return s
}

// Preflight refuses while the requester's slot is busy, then rejects bad
// input, before any admission state is consumed.
func (b *Backend) Preflight(_ context.Context, req broker.JobRequest) error {
	key := Key{RequesterID: req.RequesterID, ChannelID: req.ChannelID}
	if err := b.manager.CanStart(key, b.Settings(req.ChannelID).Timeout).Err(); err != nil {
		return err
	}
	_, err := b.params(req)
	return err
}

// Submit starts the provider job and returns its task id.
func (b *Backend) Submit(ctx context.Context, req broker.JobRequest) (broker.JobHandle, error) {
	params, err := b.params(req)
	if err != nil {
		return broker.JobHandle{}, err
	}
	job, err := b.manager.Start(ctx, Key{RequesterID: req.RequesterID, ChannelID: req.ChannelID}, params)
	if err != nil {
		return broker.JobHandle{}, err
	}
	return broker.JobHandle{Kind: broker.KindPoll, ID: job.TaskID}, nil
}

// Status polls the job holding task id.
func (b *Backend) Status(ctx context.Context, id string) (broker.JobStatus, error) {
	found, ok := b.manager.FindTask(id)
	if !ok {
		return broker.JobStatus{}, fmt.Errorf("%w: %s", broker.ErrUnknownRequest, id)
	}
	job, ok := b.manager.Poll(ctx, found.Key)
	if !ok {
		return broker.JobStatus{}, fmt.Errorf("%w: %s", broker.ErrUnknownRequest, id)
	}
	st := broker.JobStatus{
		Kind:      broker.KindPoll,
		ID:        job.TaskID,
		Status:    job.Status,
		CreatedAt: job.StartedAt,
		UpdatedAt: job.StartedAt,
	}
	if !job.CompletedAt.IsZero() {
		st.UpdatedAt = job.CompletedAt
	}
	if job.ResultURL != "" {
		st.Result, _ = json.Marshal(map[string]string{"url": job.ResultURL})
	}
	return st, nil
}

func (b *Backend) params(req broker.JobRequest) (StartParams, error) {
	var p SubmitPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return StartParams{}, fmt.Errorf("decode payload: %w", err)
		}
	}
	p.Prompt = strings.TrimSpace(p.Prompt)
	if p.Prompt == "" {
		return StartParams{}, ErrPromptRequired
	}
	s := b.Settings(req.ChannelID)
	model := p.ModelID
	if model == "" {
		model = s.DefaultModel
	}
	if model == "" {
		model = DefaultModelID()
	}
	if _, ok := ModelByID(model); !ok {
		return StartParams{}, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return StartParams{
		Model:      model,
		Prompt:     p.Prompt,
		Resolution: ResolveResolution(p.ResolutionID, EnabledResolutions(s.EnabledResolutions)),
		ImageURLs:  p.ImageURLs,
		Timeout:    s.Timeout,
	}, nil
}
