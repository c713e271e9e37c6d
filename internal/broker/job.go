package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/spacebroker/internal/artifacts"
	"github.com/haasonsaas/spacebroker/internal/observability"
	"github.com/haasonsaas/spacebroker/internal/ratelimit"
	"github.com/haasonsaas/spacebroker/internal/usage"
	"github.com/haasonsaas/spacebroker/pkg/protocol"
)

// Job kinds.
const (
	KindPush = "push"
	KindPoll = "poll"
)

// JobRequest is one admitted submission.
type JobRequest struct {
	ChannelID   string
	RequesterID string
	Tier        string
	Payload     json.RawMessage
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// JobStatus is the backend-neutral view of a job.
type JobStatus struct {
	Kind      string          `json:"kind"`
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Job is a backend that runs requester submissions: pushed to a connected
// worker, or started and polled on a third-party API.
type Job interface {
	Kind() string
	Submit(ctx context.Context, req JobRequest) (JobHandle, error)
	Status(ctx context.Context, id string) (JobStatus, error)
}

// Preflighter is implemented by backends that can reject a submission
// before any admission state is consumed.
type Preflighter interface {
	Preflight(ctx context.Context, req JobRequest) error
}

// UploadGranter issues upload capabilities for accepted requests.
type UploadGranter interface {
	Generate(ctx context.Context, requesterID, requestID string) (*artifacts.Grant, error)
}

// PushBackend runs jobs on the worker bound to the request's channel.
type PushBackend struct {
	broker     *Broker
	dispatcher *Dispatcher
	grants     UploadGranter
	resource   func(channelID string) string
	logger     *slog.Logger
}

// NewPushBackend creates the push backend. grants may be nil. resource maps
// a channel to the quota class stored with each request so dispatch
// failures can refund it.
func NewPushBackend(b *Broker, d *Dispatcher, grants UploadGranter, resource func(string) string, logger *slog.Logger) *PushBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if resource == nil {
		resource = func(string) string { return "" }
	}
	return &PushBackend{
		broker:     b,
		dispatcher: d,
		grants:     grants,
		resource:   resource,
		logger:     logger.With("component", "broker.push"),
	}
}

func (p *PushBackend) Kind() string { return KindPush }

// Preflight fails fast when the channel has no worker.
func (p *PushBackend) Preflight(_ context.Context, req JobRequest) error {
	if !p.broker.IsConnected(req.ChannelID) {
		return fmt.Errorf("%w: %s", ErrChannelUnavailable, req.ChannelID)
	}
	return nil
}

// Submit enqueues the request with an upload grant and returns its request id.
func (p *PushBackend) Submit(ctx context.Context, req JobRequest) (JobHandle, error) {
	requestID := uuid.NewString()
	var upload *protocol.UploadGrant
	if p.grants != nil {
		grant, err := p.grants.Generate(ctx, req.RequesterID, requestID)
		if err != nil {
			p.logger.WarnContext(ctx, "upload grant unavailable", "request_id", requestID, "error", err)
		} else {
			upload = wireGrant(grant)
		}
	}
	p.logger.InfoContext(ctx, "request accepted",
		"request_id", requestID,
		"channel_id", req.ChannelID,
		"presign_generated", upload != nil && upload.PutURL != "",
	)
	err := p.dispatcher.Submit(ctx, QueuedRequest{
		RequestID:   requestID,
		ChannelID:   req.ChannelID,
		RequesterID: req.RequesterID,
		Resource:    p.resource(req.ChannelID),
		Payload:     req.Payload,
		Upload:      upload,
	})
	if err != nil {
		return JobHandle{}, err
	}
	return JobHandle{Kind: KindPush, ID: requestID}, nil
}

// Status returns the correlation record of a request id.
func (p *PushBackend) Status(_ context.Context, id string) (JobStatus, error) {
	rec, ok := p.broker.Get(id)
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	}
	return JobStatus{
		Kind:      KindPush,
		ID:        rec.RequestID,
		Status:    string(rec.Status),
		Result:    rec.Result,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

func wireGrant(g *artifacts.Grant) *protocol.UploadGrant {
	if g == nil {
		return nil
	}
	out := &protocol.UploadGrant{
		PutURL:      g.PutURL,
		FinalURL:    g.FinalURL,
		ContentType: g.ContentType,
		Token:       g.Token,
	}
	if !g.ExpiresAt.IsZero() {
		out.ExpiresAt = g.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}

// Policy is the admission policy of one channel.
type Policy struct {
	Cooldown time.Duration
	// Resource is the quota class charged per submission; empty skips quota.
	Resource string
}

// Admission runs the fixed admission order for every backend: preflight,
// cooldown, daily quota, then the backend, refunding quota when the backend
// rejects the job. A quota denial leaves the cooldown window unset.
type Admission struct {
	limiter *ratelimit.Limiter
	quota   *usage.Quota
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewAdmission creates the admission pipeline. limiter and quota may be nil.
func NewAdmission(limiter *ratelimit.Limiter, quota *usage.Quota, logger *slog.Logger, metrics *observability.Metrics) *Admission {
	if logger == nil {
		logger = slog.Default()
	}
	return &Admission{
		limiter: limiter,
		quota:   quota,
		logger:  logger.With("component", "broker.admission"),
		metrics: metrics,
	}
}

// Submit admits req to job under policy.
func (a *Admission) Submit(ctx context.Context, job Job, req JobRequest, policy Policy) (JobHandle, error) {
	kind := job.Kind()
	if pf, ok := job.(Preflighter); ok {
		if err := pf.Preflight(ctx, req); err != nil {
			a.metrics.Submitted(kind, resultLabel(err))
			return JobHandle{}, err
		}
	}

	if a.limiter != nil {
		if err := a.limiter.Check(req.RequesterID, req.ChannelID, policy.Cooldown).Err(); err != nil {
			a.metrics.Submitted(kind, "throttled")
			return JobHandle{}, err
		}
	}

	charged := false
	if a.quota != nil && policy.Resource != "" {
		if err := a.quota.CheckAndIncrement(ctx, req.RequesterID, req.Tier, policy.Resource); err != nil {
			if errors.Is(err, usage.ErrQuotaExceeded) {
				a.metrics.QuotaDenial(policy.Resource)
				a.metrics.Submitted(kind, "quota")
			} else {
				a.metrics.Submitted(kind, "error")
			}
			// A denied submission never starts a cooldown window. The check
			// above only allowed it because the previous window had
			// elapsed, so forgetting the window restores that state.
			if a.limiter != nil && policy.Cooldown > 0 {
				a.limiter.Reset(req.RequesterID, req.ChannelID)
			}
			return JobHandle{}, err
		}
		charged = true
	}

	handle, err := job.Submit(ctx, req)
	if err != nil {
		if charged {
			a.Refund(ctx, req.RequesterID, policy.Resource)
		}
		a.metrics.Submitted(kind, resultLabel(err))
		return JobHandle{}, err
	}
	a.metrics.Submitted(kind, "accepted")
	return handle, nil
}

// Cooldown reports the cooldown window of requesterID on channelID without
// consuming it.
func (a *Admission) Cooldown(requesterID, channelID string) ratelimit.Status {
	if a.limiter == nil {
		return ratelimit.Status{Key: ratelimit.CompositeKey(requesterID, channelID), AllowedNow: true}
	}
	return a.limiter.GetStatus(requesterID, channelID)
}

// Refund returns one unit of resource to requesterID.
func (a *Admission) Refund(ctx context.Context, requesterID, resource string) {
	if a.quota == nil || resource == "" {
		return
	}
	if err := a.quota.Decrement(ctx, requesterID, resource); err != nil {
		a.logger.ErrorContext(ctx, "quota refund failed", "user_id", requesterID, "resource", resource, "error", err)
		return
	}
	a.metrics.QuotaRefund(resource)
}

func resultLabel(err error) string {
	var busy interface{ Busy() bool }
	switch {
	case errors.Is(err, ErrChannelUnavailable):
		return "unavailable"
	case errors.Is(err, ratelimit.ErrThrottled):
		return "throttled"
	case errors.Is(err, usage.ErrQuotaExceeded):
		return "quota"
	case errors.As(err, &busy) && busy.Busy():
		return "busy"
	default:
		return "error"
	}
}
