// Package worker provides the reference client a remote worker runs to serve
// a push channel: it registers over the worker websocket, executes inference
// requests, and reports one result per request.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/spacebroker/internal/backoff"
	"github.com/haasonsaas/spacebroker/pkg/protocol"
)

const (
	writeWait    = 10 * time.Second
	readWait     = 60 * time.Second
	registerWait = 10 * time.Second
)

// ErrRegistrationRejected is returned by a session when the broker refuses
// the register frame.
var ErrRegistrationRejected = errors.New("worker: registration rejected")

// Request is an inference request handed to the Handler.
type Request struct {
	RequestID   string
	RequesterID string
	Payload     json.RawMessage
	Upload      *protocol.UploadGrant
}

// Handler executes one request. The returned value is marshaled as the
// result object; an error reports the request as failed.
type Handler func(ctx context.Context, req Request) (any, error)

// Config configures the worker client.
type Config struct {
	// ServerURL is the broker's worker endpoint, e.g. ws://host:8080/ws/worker.
	ServerURL string

	// UploadURL is the proxied upload endpoint. Derived from ServerURL when empty.
	UploadURL string

	// ChannelName is the channel to register for.
	ChannelName string

	// Reconnect schedules reconnects (default 5s doubling to 60s).
	Reconnect backoff.Policy

	// MaxConcurrent limits parallel handler executions (default 4).
	MaxConcurrent int

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client connects to the broker as a worker.
type Client struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger
	dialer  *websocket.Dialer

	mu           sync.RWMutex
	connectionID string
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config, handler Handler) (*Client, error) {
	if handler == nil {
		return nil, errors.New("worker: handler is required")
	}
	if strings.TrimSpace(cfg.ChannelName) == "" {
		return nil, errors.New("worker: channel name is required")
	}
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, fmt.Errorf("worker: invalid server url %q", cfg.ServerURL)
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = uploadURLFor(u)
	}
	if cfg.Reconnect.Initial <= 0 {
		cfg.Reconnect = backoff.ReconnectPolicy()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger.With("component", "worker", "channel", cfg.ChannelName),
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   8192,
			WriteBufferSize:  8192,
		},
	}, nil
}

func uploadURLFor(ws *url.URL) string {
	u := *ws
	if u.Scheme == "wss" {
		u.Scheme = "https"
	} else {
		u.Scheme = "http"
	}
	u.Path = "/api/uploads/result"
	u.RawQuery = ""
	return u.String()
}

// ConnectionID returns the id the broker assigned to the current session,
// or "" while disconnected.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectionID
}

// Run connects and serves requests until ctx is done, reconnecting with
// backoff after every lost or refused session.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		registered, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			attempt = 0
		}
		attempt++
		delay := c.cfg.Reconnect.Delay(attempt)
		c.logger.Warn("worker session ended, reconnecting", "error", err, "attempt", attempt, "delay", delay)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// session runs one connection. It reports whether registration succeeded.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(1 << 20)

	resp, err := c.register(conn)
	if err != nil {
		return false, err
	}
	c.setConnectionID(resp.ConnectionID)
	defer c.setConnectionID("")
	c.logger.Info("worker registered", "connection_id", resp.ConnectionID, "channel_id", resp.ChannelID)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	w := &frameWriter{conn: conn}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		return w.control(websocket.PongMessage, []byte(data))
	})

	sem := make(chan struct{}, c.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			cancel()
			return true, fmt.Errorf("read: %w", err)
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("dropping invalid frame", "error", err)
			continue
		}
		switch f := frame.(type) {
		case *protocol.InferenceRequest:
			req := Request{RequestID: f.RequestID, RequesterID: f.RequesterID, Payload: f.Payload, Upload: f.Upload}
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-sessCtx.Done():
					return
				}
				defer func() { <-sem }()
				c.execute(sessCtx, w, req)
			}()
		case *protocol.Ping:
			if err := w.write(protocol.Pong{Type: protocol.TypePong}); err != nil {
				cancel()
				return true, err
			}
		case *protocol.Error:
			c.logger.Warn("broker reported error", "code", f.Code, "message", f.Message)
		case *protocol.Pong:
		default:
			c.logger.Debug("ignoring frame", "type", fmt.Sprintf("%T", frame))
		}
	}
}

func (c *Client) register(conn *websocket.Conn) (protocol.RegisterResponse, error) {
	var resp protocol.RegisterResponse
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(protocol.NewRegister(c.cfg.ChannelName)); err != nil {
		return resp, fmt.Errorf("send register: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return resp, fmt.Errorf("read register response: %w", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return resp, fmt.Errorf("decode register response: %w", err)
	}
	switch f := frame.(type) {
	case *protocol.RegisterResponse:
		if !f.Success {
			return *f, fmt.Errorf("%w: %s", ErrRegistrationRejected, f.Message)
		}
		return *f, nil
	case *protocol.Error:
		return resp, fmt.Errorf("%w: %s", ErrRegistrationRejected, f.Message)
	default:
		return resp, fmt.Errorf("unexpected frame %T before register response", frame)
	}
}

func (c *Client) setConnectionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectionID = id
}

// execute runs the handler and reports exactly one result.
func (c *Client) execute(ctx context.Context, w *frameWriter, req Request) {
	logger := c.logger.With("request_id", req.RequestID)
	start := time.Now()

	status := protocol.StatusCompleted
	var result json.RawMessage
	out, err := c.handler(ctx, req)
	if err == nil {
		if out == nil {
			out = map[string]any{}
		}
		result, err = json.Marshal(out)
	}
	if err != nil {
		status = protocol.StatusFailed
		result, _ = json.Marshal(map[string]string{"error": err.Error()})
		logger.Warn("request failed", "error", err, "duration", time.Since(start))
	} else {
		logger.Info("request completed", "duration", time.Since(start))
	}

	if err := w.write(protocol.NewInferenceResult(req.RequestID, status, result)); err != nil {
		logger.Error("send result", "error", err)
	}
}

// frameWriter serializes writes; gorilla connections allow one writer.
type frameWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *frameWriter) write(frame any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteJSON(frame)
}

func (w *frameWriter) control(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(messageType, data, time.Now().Add(writeWait))
}
