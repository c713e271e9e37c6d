package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/haasonsaas/spacebroker/internal/observability"
	"github.com/haasonsaas/spacebroker/pkg/protocol"
)

// dispatchFailedResult is the result stored when a request never reached its worker.
var dispatchFailedResult = json.RawMessage(`{"error":"dispatch failed"}`)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Concurrency bounds dispatch units running at once across all channels.
	Concurrency int64
	// Timeout bounds waiting for a slot plus the send itself.
	Timeout time.Duration
	// OnFailure runs after a request was marked failed because it could not
	// be delivered.
	OnFailure func(ctx context.Context, req QueuedRequest, err error)
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Dispatcher pushes queued requests to bound workers. Each channel has one
// pump goroutine so requests leave a channel in FIFO order; a weighted
// semaphore bounds the sends in progress across channels.
type Dispatcher struct {
	broker    *Broker
	sem       *semaphore.Weighted
	timeout   time.Duration
	onFailure func(context.Context, QueuedRequest, error)
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pumps   map[string]chan struct{}
	stopped bool
}

// NewDispatcher creates a dispatcher draining b.
func NewDispatcher(b *Broker, cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		broker:    b,
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		timeout:   cfg.Timeout,
		onFailure: cfg.OnFailure,
		logger:    logger.With("component", "broker.dispatcher"),
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		ctx:       ctx,
		cancel:    cancel,
		pumps:     make(map[string]chan struct{}),
	}
}

// Submit enqueues req and wakes the channel pump.
func (d *Dispatcher) Submit(ctx context.Context, req QueuedRequest) error {
	if err := d.broker.Enqueue(ctx, req); err != nil {
		return err
	}
	d.Notify(req.ChannelID)
	return nil
}

// Notify wakes the pump of channelID, starting it on first use.
func (d *Dispatcher) Notify(channelID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	wake, ok := d.pumps[channelID]
	if !ok {
		wake = make(chan struct{}, 1)
		d.pumps[channelID] = wake
		d.wg.Add(1)
		go d.pump(channelID, wake)
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// Stop ends every pump and waits for running dispatch units.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) pump(channelID string, wake <-chan struct{}) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-wake:
		}
		for {
			req, ok := d.broker.Dequeue(d.ctx, channelID)
			if !ok {
				break
			}
			d.dispatch(req)
			if d.ctx.Err() != nil {
				return
			}
		}
	}
}

func (d *Dispatcher) dispatch(req QueuedRequest) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()
	ctx = observability.AddChannel(ctx, req.ChannelID)
	ctx = observability.AddUserID(ctx, req.RequesterID)
	ctx, span := d.tracer.Start(ctx, "broker.dispatch",
		"request_id", req.RequestID,
		"channel_id", req.ChannelID,
	)
	defer span.End()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.fail(ctx, req, fmt.Errorf("acquire dispatch slot: %w", err))
		observability.RecordError(span, err)
		return
	}
	defer d.sem.Release(1)

	t, ok := d.broker.transportFor(ctx, req.ChannelID)
	if !ok {
		d.fail(ctx, req, fmt.Errorf("%w: %s", ErrChannelUnavailable, req.ChannelID))
		return
	}
	// Mark first so a fast worker reply never races a queued->processing move.
	if err := d.broker.MarkProcessing(ctx, req.RequestID); err != nil {
		d.logger.WarnContext(ctx, "dispatch skipped", "request_id", req.RequestID, "error", err)
		return
	}
	frame := &protocol.InferenceRequest{
		Type:        protocol.TypeInferenceRequest,
		RequestID:   req.RequestID,
		RequesterID: req.RequesterID,
		Payload:     req.Payload,
		Upload:      req.Upload,
	}
	if err := t.Send(ctx, frame); err != nil {
		observability.RecordError(span, err)
		d.fail(ctx, req, err)
		return
	}
	d.metrics.Dispatched(time.Since(start))
	d.logger.DebugContext(ctx, "request dispatched",
		"request_id", req.RequestID,
		"session_id", t.ID(),
		"presigned", req.Upload != nil && req.Upload.PutURL != "",
	)
}

func (d *Dispatcher) fail(ctx context.Context, req QueuedRequest, cause error) {
	d.logger.ErrorContext(ctx, "dispatch failed", "request_id", req.RequestID, "error", cause)
	updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := d.broker.Update(updateCtx, req.RequestID, string(StatusFailed), dispatchFailedResult); err != nil {
		return
	}
	if d.onFailure != nil {
		d.onFailure(updateCtx, req, cause)
	}
}
