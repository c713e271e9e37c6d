package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/pkg/protocol"
)

const (
	wsMaxPayloadBytes = 1 << 20
	wsPingInterval    = 15 * time.Second
	wsPongWait        = 45 * time.Second
	wsWriteWait       = 10 * time.Second
)

var (
	errSessionClosed = errors.New("worker session closed")
	errSendFull      = errors.New("send buffer full")
)

var workerUpgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// workerSession is one worker websocket. Once registered it is the
// broker.Transport of its channel.
type workerSession struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	id     string
	logger *slog.Logger

	channelID    string
	connectionID string
	closeOnce    sync.Once
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	conn, err := workerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("worker upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	s.sessions.Add(1)
	defer s.sessions.Done()

	ctx, cancel := context.WithCancel(s.sessionCtx)
	id := uuid.NewString()
	session := &workerSession{
		server: s,
		conn:   conn,
		send:   make(chan []byte, s.cfg.SendBuffer),
		ctx:    ctx,
		cancel: cancel,
		id:     id,
		logger: s.logger.With("session_id", id, "remote", r.RemoteAddr),
	}
	session.run()
}

func (ws *workerSession) ID() string { return ws.id }

// Send queues req for the worker without blocking. A full queue fails the
// send so the dispatcher can fail the request.
func (ws *workerSession) Send(_ context.Context, req *protocol.InferenceRequest) error {
	return ws.enqueue(req)
}

func (ws *workerSession) Close() error {
	ws.close()
	return nil
}

func (ws *workerSession) run() {
	defer ws.close()

	ws.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	if !ws.register() {
		return
	}
	defer ws.unregister()

	go ws.writeLoop()
	ws.readLoop()
}

// register handles the first frame. Responses are written directly because
// the write loop has not started yet.
func (ws *workerSession) register() bool {
	msgType, data, err := ws.conn.ReadMessage()
	if err != nil {
		ws.logger.Debug("worker closed before registering", "error", err)
		return false
	}
	var reg *protocol.Register
	if msgType == websocket.TextMessage {
		if frame, err := protocol.Decode(data); err == nil {
			reg, _ = frame.(*protocol.Register)
		}
	}
	if reg == nil {
		ws.server.metrics.Registration("invalid")
		_ = ws.writeDirect(protocol.NewError(protocol.CodeRegisterRequired, "first frame must be register"))
		return false
	}

	ch, ok := ws.server.channelByName(reg.ChannelName)
	if !ok || ch.Kind != broker.KindPush {
		ws.server.metrics.Registration("unknown_channel")
		ws.logger.Warn("worker registration for unknown channel", "channel_name", reg.ChannelName)
		_ = ws.writeDirect(protocol.NewRegisterResponse(false, "", "", fmt.Sprintf("unknown channel %q", reg.ChannelName)))
		return false
	}

	conn, err := ws.server.broker.Register(ws.ctx, ch.ID, ch.Name, ws)
	if err != nil {
		msg := "registration failed"
		if errors.Is(err, broker.ErrAlreadyConnected) {
			msg = "channel already has a connected worker"
		}
		_ = ws.writeDirect(protocol.NewRegisterResponse(false, "", "", msg))
		return false
	}
	ws.channelID = ch.ID
	ws.connectionID = conn.ID
	ws.logger = ws.logger.With("channel_id", ch.ID, "connection_id", conn.ID)

	if err := ws.writeDirect(protocol.NewRegisterResponse(true, conn.ID, ch.ID, "registered")); err != nil {
		ws.logger.Warn("register response failed", "error", err)
	}
	return true
}

func (ws *workerSession) unregister() {
	ws.server.broker.Unregister(context.Background(), ws.channelID, ws.connectionID)
}

func (ws *workerSession) readLoop() {
	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.logger.Info("worker disconnected", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			ws.sendError(protocol.CodeInvalidFrame, err.Error())
			continue
		}
		switch f := frame.(type) {
		case *protocol.InferenceResult:
			ws.handleResult(f)
		case *protocol.Ping:
			_ = ws.enqueue(protocol.Pong{Type: protocol.TypePong})
		case *protocol.Register:
			ws.sendError(protocol.CodeInvalidFrame, "already registered")
		default:
			ws.sendError(protocol.CodeInvalidFrame, "unexpected frame type")
		}
	}
}

func (ws *workerSession) handleResult(res *protocol.InferenceResult) {
	// Workers may only settle requests of their own channel.
	if rec, ok := ws.server.broker.Get(res.RequestID); ok && rec.ChannelID != ws.channelID {
		ws.logger.Warn("result for another channel ignored", "request_id", res.RequestID, "owner_channel", rec.ChannelID)
		ws.sendError(protocol.CodeUnknownRequest, "unknown request_id")
		return
	}
	_, err := ws.server.broker.Update(ws.ctx, res.RequestID, res.Status, res.Result)
	switch {
	case err == nil:
	case errors.Is(err, broker.ErrUnknownRequest):
		ws.sendError(protocol.CodeUnknownRequest, "unknown request_id")
	case errors.Is(err, broker.ErrResultAlreadyRecorded):
		ws.sendError(protocol.CodeDuplicateResult, "result already recorded")
	default:
		ws.logger.Warn("result update failed", "request_id", res.RequestID, "error", err)
	}
}

func (ws *workerSession) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ws.ctx.Done():
			_ = ws.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "broker shutting down"),
				time.Now().Add(wsWriteWait))
			ws.close()
			return
		case data := <-ws.send:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				ws.logger.Debug("worker write failed", "error", err)
				ws.close()
				return
			}
		case <-ticker.C:
			if err := ws.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				ws.close()
				return
			}
		}
	}
}

func (ws *workerSession) writeDirect(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = ws.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

func (ws *workerSession) enqueue(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(data))
	}
	select {
	case <-ws.ctx.Done():
		return errSessionClosed
	default:
	}
	select {
	case ws.send <- data:
		return nil
	default:
		return errSendFull
	}
}

func (ws *workerSession) sendError(code, message string) {
	_ = ws.enqueue(protocol.NewError(code, message))
}

func (ws *workerSession) close() {
	ws.closeOnce.Do(func() {
		ws.cancel()
		_ = ws.conn.Close()
	})
}
