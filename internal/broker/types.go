// Package broker binds remote workers to channels, queues requests per
// channel, pushes them to the bound worker and correlates the single
// terminal result of each request.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/spacebroker/pkg/protocol"
)

var (
	// ErrAlreadyConnected is returned when a channel already has a bound worker.
	ErrAlreadyConnected = errors.New("channel already has a connected worker")
	// ErrChannelUnavailable is returned when no worker is bound to the channel.
	ErrChannelUnavailable = errors.New("channel not connected")
	// ErrUnknownRequest is returned for request ids with no correlation record.
	ErrUnknownRequest = errors.New("unknown request id")
	// ErrResultAlreadyRecorded is returned for a second terminal update.
	ErrResultAlreadyRecorded = errors.New("result already recorded")
	// ErrDuplicateRequest is returned when a request id is enqueued twice.
	ErrDuplicateRequest = errors.New("duplicate request id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("broker closed")
)

// Status is the lifecycle state of a request record.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further update is accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// NormalizeStatus maps a worker-reported status onto a terminal status.
// Only "completed" counts as success.
func NormalizeStatus(s string) Status {
	if s == string(StatusCompleted) {
		return StatusCompleted
	}
	return StatusFailed
}

// Transport delivers frames to one connected worker.
type Transport interface {
	// ID identifies the underlying transport session.
	ID() string
	// Send queues req for delivery. It must not block past ctx.
	Send(ctx context.Context, req *protocol.InferenceRequest) error
	// Close tears the transport down.
	Close() error
}

// Connection is a worker bound to a channel.
type Connection struct {
	ID          string    `json:"connection_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	InFlight    int       `json:"in_flight"`

	transport Transport
}

// Processing reports whether the worker has requests it has not answered.
func (c Connection) Processing() bool { return c.InFlight > 0 }

// QueuedRequest is a request waiting in its channel FIFO.
type QueuedRequest struct {
	RequestID   string
	ChannelID   string
	RequesterID string
	// Resource is the quota class charged at admission, refunded on dispatch failure.
	Resource   string
	Payload    json.RawMessage
	Upload     *protocol.UploadGrant
	EnqueuedAt time.Time
}

// RequestRecord is the correlation entry clients poll.
type RequestRecord struct {
	RequestID   string          `json:"request_id"`
	ChannelID   string          `json:"channel_id"`
	RequesterID string          `json:"requester_id"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ChannelInfo summarizes a bound channel.
type ChannelInfo struct {
	ChannelID    string    `json:"channel_id"`
	ChannelName  string    `json:"channel_name"`
	ConnectionID string    `json:"connection_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	QueueDepth   int       `json:"queue_depth"`
	InFlight     int       `json:"in_flight"`
}
