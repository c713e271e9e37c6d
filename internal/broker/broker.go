package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/spacebroker/internal/cache"
	"github.com/haasonsaas/spacebroker/internal/observability"
)

// Config configures a Broker.
type Config struct {
	// RecordTTL bounds how long a correlation record stays queryable after
	// its last change. Zero keeps records until capacity eviction.
	RecordTTL time.Duration
	// MaxRecords caps the correlation table. Zero means unbounded.
	MaxRecords int
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Now        func() time.Time
}

// Broker owns the connection registry, the per-channel queues and the
// correlation table. All of that state lives on the run goroutine; public
// methods submit closures and wait for them to finish.
type Broker struct {
	ops       chan func(*state)
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

type state struct {
	conns    map[string]*Connection
	queues   map[string][]*QueuedRequest
	inflight map[string]int
	records  *cache.TTL[string, *RequestRecord]
}

// New starts a broker.
func New(cfg Config) *Broker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	b := &Broker{
		ops:     make(chan func(*state)),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		logger:  logger.With("component", "broker"),
		metrics: cfg.Metrics,
		now:     now,
	}
	metrics := cfg.Metrics
	st := &state{
		conns:    make(map[string]*Connection),
		queues:   make(map[string][]*QueuedRequest),
		inflight: make(map[string]int),
		records: cache.NewTTL(cache.Options[string, *RequestRecord]{
			TTL:     cfg.RecordTTL,
			MaxSize: cfg.MaxRecords,
			Now:     now,
			OnEvict: func(_ string, _ *RequestRecord, reason cache.EvictReason) {
				if reason != cache.EvictRemoved {
					metrics.RecordEvicted(reason.String())
				}
			},
		}),
	}
	go b.run(st)
	return b
}

func (b *Broker) run(st *state) {
	defer close(b.done)
	for {
		select {
		case op := <-b.ops:
			op(st)
		case <-b.quit:
			return
		}
	}
}

// do runs fn on the owner goroutine. Once fn is accepted it always runs to
// completion, even if ctx ends meanwhile.
func (b *Broker) do(ctx context.Context, fn func(*state)) error {
	finished := make(chan struct{})
	op := func(st *state) {
		defer close(finished)
		fn(st)
	}
	select {
	case b.ops <- op:
	case <-b.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Close stops the owner goroutine. Bound transports are closed.
func (b *Broker) Close() {
	b.closeOnce.Do(func() {
		var transports []Transport
		_ = b.do(context.Background(), func(st *state) {
			for _, c := range st.conns {
				if c.transport != nil {
					transports = append(transports, c.transport)
				}
			}
			st.conns = map[string]*Connection{}
		})
		close(b.quit)
		<-b.done
		for _, t := range transports {
			_ = t.Close()
		}
	})
}

// Register binds t to channelID. A channel holds at most one worker; a
// second registration fails with ErrAlreadyConnected and leaves the first
// binding in place. The caller closes the rejected transport.
func (b *Broker) Register(ctx context.Context, channelID, channelName string, t Transport) (Connection, error) {
	var (
		conn Connection
		err  error
	)
	opErr := b.do(ctx, func(st *state) {
		if existing, ok := st.conns[channelID]; ok {
			err = fmt.Errorf("%w: %s (connection %s)", ErrAlreadyConnected, channelID, existing.ID)
			return
		}
		c := &Connection{
			ID:          uuid.NewString(),
			ChannelID:   channelID,
			ChannelName: channelName,
			SessionID:   t.ID(),
			ConnectedAt: b.now(),
			transport:   t,
		}
		st.conns[channelID] = c
		conn = *c
	})
	if opErr != nil {
		return Connection{}, opErr
	}
	if err != nil {
		b.metrics.Registration("duplicate")
		b.logger.Warn("duplicate worker registration rejected", "channel_id", channelID, "session_id", t.ID())
		return Connection{}, err
	}
	b.metrics.Registration("accepted")
	b.metrics.WorkerConnected(1)
	b.logger.Info("worker registered", "channel_id", channelID, "connection_id", conn.ID, "session_id", conn.SessionID)
	return conn, nil
}

// Unregister clears the binding of channelID if it still belongs to
// connectionID (any binding when connectionID is empty). It is idempotent
// and reports whether a binding was removed. Queued and in-flight requests
// of the channel are left as they are.
func (b *Broker) Unregister(ctx context.Context, channelID, connectionID string) bool {
	removed := false
	_ = b.do(ctx, func(st *state) {
		c, ok := st.conns[channelID]
		if !ok || (connectionID != "" && c.ID != connectionID) {
			return
		}
		delete(st.conns, channelID)
		removed = true
	})
	if removed {
		b.metrics.WorkerConnected(-1)
		b.logger.Info("worker unregistered", "channel_id", channelID, "connection_id", connectionID)
	}
	return removed
}

// IsConnected reports whether channelID has a bound worker.
func (b *Broker) IsConnected(channelID string) bool {
	_, ok := b.Connection(channelID)
	return ok
}

// Connection returns a copy of the binding for channelID.
func (b *Broker) Connection(channelID string) (Connection, bool) {
	var (
		conn Connection
		ok   bool
	)
	_ = b.do(context.Background(), func(st *state) {
		c, found := st.conns[channelID]
		if !found {
			return
		}
		conn, ok = *c, true
		conn.InFlight = st.inflight[channelID]
		conn.transport = nil
	})
	return conn, ok
}

// Channels lists bound channels ordered by id.
func (b *Broker) Channels() []ChannelInfo {
	var out []ChannelInfo
	_ = b.do(context.Background(), func(st *state) {
		out = make([]ChannelInfo, 0, len(st.conns))
		for id, c := range st.conns {
			out = append(out, ChannelInfo{
				ChannelID:    id,
				ChannelName:  c.ChannelName,
				ConnectionID: c.ID,
				ConnectedAt:  c.ConnectedAt,
				QueueDepth:   len(st.queues[id]),
				InFlight:     st.inflight[id],
			})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

func (b *Broker) transportFor(ctx context.Context, channelID string) (Transport, bool) {
	var t Transport
	_ = b.do(ctx, func(st *state) {
		if c, ok := st.conns[channelID]; ok {
			t = c.transport
		}
	})
	return t, t != nil
}

// Enqueue appends req to its channel FIFO and creates its queued record.
// Without a bound worker it fails with ErrChannelUnavailable and records
// nothing.
func (b *Broker) Enqueue(ctx context.Context, req QueuedRequest) error {
	if req.RequestID == "" || req.ChannelID == "" {
		return fmt.Errorf("request id and channel id are required")
	}
	var err error
	opErr := b.do(ctx, func(st *state) {
		if _, ok := st.conns[req.ChannelID]; !ok {
			err = fmt.Errorf("%w: %s", ErrChannelUnavailable, req.ChannelID)
			return
		}
		if _, ok := st.records.Peek(req.RequestID); ok {
			err = fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RequestID)
			return
		}
		now := b.now()
		if req.EnqueuedAt.IsZero() {
			req.EnqueuedAt = now
		}
		queued := req
		st.queues[req.ChannelID] = append(st.queues[req.ChannelID], &queued)
		b.metrics.Queued(req.ChannelID, len(st.queues[req.ChannelID]))
		st.records.Set(req.RequestID, &RequestRecord{
			RequestID:   req.RequestID,
			ChannelID:   req.ChannelID,
			RequesterID: req.RequesterID,
			Status:      StatusQueued,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// Dequeue pops the oldest request of channelID. Requests whose record has
// already been evicted are dropped.
func (b *Broker) Dequeue(ctx context.Context, channelID string) (QueuedRequest, bool) {
	var (
		req QueuedRequest
		ok  bool
	)
	_ = b.do(ctx, func(st *state) {
		q := st.queues[channelID]
		for len(q) > 0 {
			head := q[0]
			q[0] = nil
			q = q[1:]
			if _, live := st.records.Peek(head.RequestID); live {
				req, ok = *head, true
				break
			}
		}
		if len(q) == 0 {
			delete(st.queues, channelID)
		} else {
			st.queues[channelID] = q
		}
		b.metrics.Queued(channelID, len(q))
	})
	return req, ok
}

// MarkProcessing moves a queued record to processing. Records that already
// reached a terminal state are left alone.
func (b *Broker) MarkProcessing(ctx context.Context, requestID string) error {
	var err error
	opErr := b.do(ctx, func(st *state) {
		rec, ok := st.records.Get(requestID)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
			return
		}
		if rec.Status != StatusQueued {
			return
		}
		rec.Status = StatusProcessing
		rec.UpdatedAt = b.now()
		st.inflight[rec.ChannelID]++
		st.records.Set(requestID, rec)
	})
	if opErr != nil {
		return opErr
	}
	return err
}

// Update records the terminal result of requestID. Only the first terminal
// update is kept; later ones fail with ErrResultAlreadyRecorded.
func (b *Broker) Update(ctx context.Context, requestID, status string, result json.RawMessage) (RequestRecord, error) {
	final := NormalizeStatus(status)
	var (
		out RequestRecord
		err error
	)
	opErr := b.do(ctx, func(st *state) {
		rec, ok := st.records.Get(requestID)
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
			return
		}
		if rec.Status.Terminal() {
			err = fmt.Errorf("%w: %s is %s", ErrResultAlreadyRecorded, requestID, rec.Status)
			out = *rec
			return
		}
		switch rec.Status {
		case StatusQueued:
			st.removeQueued(rec.ChannelID, requestID)
			b.metrics.Queued(rec.ChannelID, len(st.queues[rec.ChannelID]))
		case StatusProcessing:
			if st.inflight[rec.ChannelID] > 0 {
				st.inflight[rec.ChannelID]--
			}
			if st.inflight[rec.ChannelID] == 0 {
				delete(st.inflight, rec.ChannelID)
			}
		}
		rec.Status = final
		rec.Result = append(json.RawMessage(nil), result...)
		rec.UpdatedAt = b.now()
		st.records.Set(requestID, rec)
		out = *rec
	})
	if opErr != nil {
		return RequestRecord{}, opErr
	}
	switch {
	case err == nil:
		b.metrics.Result(string(final))
	case errors.Is(err, ErrUnknownRequest):
		b.metrics.UnknownResult()
		b.logger.Warn("result for unknown request ignored", "request_id", requestID)
	default:
		b.logger.Warn("duplicate result ignored", "request_id", requestID, "status", out.Status)
	}
	return out, err
}

func (st *state) removeQueued(channelID, requestID string) {
	q := st.queues[channelID]
	for i, r := range q {
		if r.RequestID == requestID {
			st.queues[channelID] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(st.queues[channelID]) == 0 {
		delete(st.queues, channelID)
	}
}

// Get returns a copy of the record for requestID.
func (b *Broker) Get(requestID string) (RequestRecord, bool) {
	var (
		out RequestRecord
		ok  bool
	)
	_ = b.do(context.Background(), func(st *state) {
		rec, found := st.records.Get(requestID)
		if !found {
			return
		}
		out, ok = *rec, true
		out.Result = append(json.RawMessage(nil), rec.Result...)
	})
	return out, ok
}

// Sweep drops expired correlation records and returns how many went.
func (b *Broker) Sweep() int {
	n := 0
	_ = b.do(context.Background(), func(st *state) {
		n = st.records.Sweep()
	})
	return n
}

// Records returns the number of correlation records held.
func (b *Broker) Records() int {
	n := 0
	_ = b.do(context.Background(), func(st *state) {
		n = st.records.Len()
	})
	return n
}
