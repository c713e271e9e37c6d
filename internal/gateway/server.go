// Package gateway exposes the requester HTTP API and the worker websocket
// endpoint.
package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/spacebroker/internal/artifacts"
	"github.com/haasonsaas/spacebroker/internal/auth"
	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/internal/observability"
	"github.com/haasonsaas/spacebroker/internal/polljobs"
	"github.com/haasonsaas/spacebroker/internal/usage"
)

// Channel is a configured channel the gateway accepts traffic for.
type Channel struct {
	ID     string
	Name   string
	Kind   string
	Policy broker.Policy
}

type directory struct {
	byID   map[string]Channel
	byName map[string]Channel
}

func newDirectory(channels []Channel) *directory {
	d := &directory{
		byID:   make(map[string]Channel, len(channels)),
		byName: make(map[string]Channel, len(channels)),
	}
	for _, ch := range channels {
		d.byID[ch.ID] = ch
		d.byName[ch.Name] = ch
	}
	return d
}

// Config holds gateway settings.
type Config struct {
	// WorkerPath is the websocket endpoint workers dial.
	WorkerPath string
	// FilesPath is the prefix the local artifact store is served under.
	FilesPath string
	// MaxUploadBytes caps proxied artifact uploads.
	MaxUploadBytes int64
	// SendBuffer is the per-worker outbound frame queue length.
	SendBuffer        int
	ReadHeaderTimeout time.Duration
}

// Options wires the gateway to the broker components. Poll, Quota, Uploads,
// Files and Gatherer may be nil; the routes they back are then not mounted.
type Options struct {
	Config    Config
	Broker    *broker.Broker
	Admission *broker.Admission
	Push      *broker.PushBackend
	Poll      *polljobs.Backend
	Quota     *usage.Quota
	Uploads   *artifacts.Correlator
	Files     http.Handler
	Auth      *auth.Service
	Gatherer  prometheus.Gatherer
	Channels  []Channel
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Server is the HTTP front of the broker.
type Server struct {
	cfg       Config
	broker    *broker.Broker
	admission *broker.Admission
	push      *broker.PushBackend
	poll      *polljobs.Backend
	quota     *usage.Quota
	uploads   *artifacts.Correlator
	files     http.Handler
	auth      *auth.Service
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	metrics   *observability.Metrics

	channels atomic.Pointer[directory]

	// sessionCtx parents every worker session so Shutdown can end them.
	sessionCtx    context.Context
	cancelSession context.CancelFunc
	sessions      sync.WaitGroup

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	startTime  time.Time
}

// New creates a gateway server.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg.WorkerPath == "" {
		cfg.WorkerPath = "/ws/worker"
	}
	if cfg.FilesPath == "" {
		cfg.FilesPath = "/files"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 200 << 20
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authService := opts.Auth
	if authService == nil {
		authService = auth.NewService(auth.Config{})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:           cfg,
		broker:        opts.Broker,
		admission:     opts.Admission,
		push:          opts.Push,
		poll:          opts.Poll,
		quota:         opts.Quota,
		uploads:       opts.Uploads,
		files:         opts.Files,
		auth:          authService,
		gatherer:      opts.Gatherer,
		logger:        logger.With("component", "gateway"),
		metrics:       opts.Metrics,
		sessionCtx:    ctx,
		cancelSession: cancel,
		startTime:     time.Now(),
	}
	s.SetChannels(opts.Channels)
	return s
}

// SetChannels replaces the channel directory. Bound workers of removed
// channels stay connected until they disconnect.
func (s *Server) SetChannels(channels []Channel) {
	s.channels.Store(newDirectory(channels))
}

func (s *Server) channelByID(id string) (Channel, bool) {
	ch, ok := s.channels.Load().byID[id]
	return ch, ok
}

func (s *Server) channelByName(name string) (Channel, bool) {
	ch, ok := s.channels.Load().byName[name]
	return ch, ok
}
