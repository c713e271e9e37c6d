package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/pkg/protocol"
)

func TestSubmitEndToEnd(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	resp, body := f.submit("c1", validSubmit)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit before worker: status = %d, want 503 (%v)", resp.StatusCode, body)
	}

	conn, reg := f.registerWorker("voice")
	if !reg.Success || reg.ChannelID != "c1" || reg.ConnectionID == "" {
		t.Fatalf("register response = %+v", reg)
	}

	resp, body = f.submit("c1", validSubmit)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: status = %d, want 200 (%v)", resp.StatusCode, body)
	}
	requestID, _ := body["request_id"].(string)
	if requestID == "" || body["success"] != true {
		t.Fatalf("submit body = %v", body)
	}

	var req protocol.InferenceRequest
	readFrame(t, conn, &req)
	if req.Type != protocol.TypeInferenceRequest || req.RequestID != requestID {
		t.Fatalf("pushed frame = %+v, want request %s", req, requestID)
	}
	if req.RequesterID != "anonymous" {
		t.Fatalf("requester_id = %q, want anonymous", req.RequesterID)
	}
	var payload map[string]any
	if err := json.Unmarshal(req.Payload, &payload); err != nil || payload["prompt"] != "hello" {
		t.Fatalf("payload = %s (%v)", req.Payload, err)
	}

	writeFrame(t, conn, protocol.NewInferenceResult(requestID, protocol.StatusCompleted, json.RawMessage(`{"url":"https://cdn.example/out.wav"}`)))

	var status map[string]any
	waitFor(t, "completed status", func() bool {
		_, status = f.do(http.MethodGet, "/api/requests/status?request_id="+requestID, "", nil)
		return status["status"] == string(broker.StatusCompleted)
	})
	result, _ := status["result"].(map[string]any)
	if result["url"] != "https://cdn.example/out.wav" {
		t.Fatalf("result = %v", status["result"])
	}
	if status["request_id"] != requestID || status["created_at"] == nil || status["updated_at"] == nil {
		t.Fatalf("status body = %v", status)
	}
}

func TestWorkerFirstFrameMustRegister(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	conn := f.dial()

	writeFrame(t, conn, protocol.Ping{Type: protocol.TypePing})
	var frame protocol.Error
	readFrame(t, conn, &frame)
	if frame.Type != protocol.TypeError || frame.Code != protocol.CodeRegisterRequired {
		t.Fatalf("frame = %+v, want register_required error", frame)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection still open after register_required")
	}
	if got := testutil.ToFloat64(f.metrics.Registrations.WithLabelValues("invalid")); got != 1 {
		t.Fatalf("invalid registrations = %v, want 1", got)
	}
}

func TestWorkerUnknownChannelRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	_, reg := f.registerWorker("nope")
	if reg.Success {
		t.Fatalf("register response = %+v, want failure", reg)
	}

	// Poll channels do not take workers either.
	_, reg = f.registerWorker("img")
	if reg.Success {
		t.Fatalf("register on poll channel = %+v, want failure", reg)
	}
}

func TestWorkerDuplicateRegistrationKeepsFirst(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	first, reg := f.registerWorker("voice")
	if !reg.Success {
		t.Fatalf("first register = %+v", reg)
	}
	_, dup := f.registerWorker("voice")
	if dup.Success || dup.Message != "channel already has a connected worker" {
		t.Fatalf("duplicate register = %+v", dup)
	}

	conn, ok := f.broker.Connection("c1")
	if !ok || conn.ID != reg.ConnectionID {
		t.Fatalf("binding = %+v, %v; want first connection %s", conn, ok, reg.ConnectionID)
	}

	// The rejected session's disconnect must not remove the live binding.
	time.Sleep(50 * time.Millisecond)
	if !f.broker.IsConnected("c1") {
		t.Fatal("first worker lost its binding")
	}

	writeFrame(t, first, protocol.Ping{Type: protocol.TypePing})
	var pong protocol.Pong
	readFrame(t, first, &pong)
	if pong.Type != protocol.TypePong {
		t.Fatalf("frame = %+v, want pong", pong)
	}
}

func TestWorkerDisconnectUnregisters(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	conn, reg := f.registerWorker("voice")
	if !reg.Success {
		t.Fatalf("register = %+v", reg)
	}
	_ = conn.Close()

	waitFor(t, "unregister", func() bool { return !f.broker.IsConnected("c1") })

	resp, _ := f.submit("c1", validSubmit)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit after disconnect: status = %d, want 503", resp.StatusCode)
	}

	_, again := f.registerWorker("voice")
	if !again.Success {
		t.Fatalf("re-register = %+v", again)
	}
}

func TestWorkerInvalidFramesAreAnswered(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	conn, _ := f.registerWorker("voice")

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	var frame protocol.Error
	readFrame(t, conn, &frame)
	if frame.Code != protocol.CodeInvalidFrame {
		t.Fatalf("frame = %+v, want invalid_frame", frame)
	}

	writeFrame(t, conn, protocol.NewInferenceResult("missing", protocol.StatusCompleted, json.RawMessage(`{}`)))
	readFrame(t, conn, &frame)
	if frame.Code != protocol.CodeUnknownRequest {
		t.Fatalf("frame = %+v, want unknown_request", frame)
	}

	// The session survives bad frames.
	if !f.broker.IsConnected("c1") {
		t.Fatal("worker dropped after invalid frames")
	}
}

func TestWorkerDuplicateResultRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	conn, _ := f.registerWorker("voice")

	_, body := f.submit("c1", validSubmit)
	requestID := body["request_id"].(string)
	var req protocol.InferenceRequest
	readFrame(t, conn, &req)

	writeFrame(t, conn, protocol.NewInferenceResult(requestID, "error", json.RawMessage(`{"error":"boom"}`)))
	waitFor(t, "failed status", func() bool {
		rec, ok := f.broker.Get(requestID)
		return ok && rec.Status == broker.StatusFailed
	})

	writeFrame(t, conn, protocol.NewInferenceResult(requestID, protocol.StatusCompleted, json.RawMessage(`{}`)))
	var frame protocol.Error
	readFrame(t, conn, &frame)
	if frame.Code != protocol.CodeDuplicateResult {
		t.Fatalf("frame = %+v, want duplicate_result", frame)
	}
	rec, _ := f.broker.Get(requestID)
	if rec.Status != broker.StatusFailed || !strings.Contains(string(rec.Result), "boom") {
		t.Fatalf("record = %+v, first result must stand", rec)
	}
}

func TestWorkerCannotSettleOtherChannels(t *testing.T) {
	channels := append(defaultChannels(), Channel{ID: "c2", Name: "other", Kind: broker.KindPush})
	f := newFixture(t, fixtureOptions{channels: channels})
	owner, _ := f.registerWorker("voice")
	intruder, _ := f.registerWorker("other")

	_, body := f.submit("c1", validSubmit)
	requestID := body["request_id"].(string)
	var req protocol.InferenceRequest
	readFrame(t, owner, &req)

	writeFrame(t, intruder, protocol.NewInferenceResult(requestID, protocol.StatusCompleted, json.RawMessage(`{}`)))
	var frame protocol.Error
	readFrame(t, intruder, &frame)
	if frame.Code != protocol.CodeUnknownRequest {
		t.Fatalf("frame = %+v, want unknown_request", frame)
	}
	rec, _ := f.broker.Get(requestID)
	if rec.Status != broker.StatusProcessing {
		t.Fatalf("status = %s, want processing", rec.Status)
	}
}
