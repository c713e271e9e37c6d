package gateway

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/spacebroker/internal/auth"
	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/internal/polljobs"
	"github.com/haasonsaas/spacebroker/internal/usage"
)

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.registerWorker("voice")

	tests := []struct {
		name    string
		channel string
		body    string
		want    int
	}{
		{name: "unknown channel", channel: "missing", body: validSubmit, want: http.StatusNotFound},
		{name: "poll channel", channel: "img", body: validSubmit, want: http.StatusNotFound},
		{name: "missing prompt", channel: "c1", body: `{"audio_url":"https://example.com/a.wav"}`, want: http.StatusBadRequest},
		{name: "missing audio", channel: "c1", body: `{"prompt":"hi"}`, want: http.StatusBadRequest},
		{name: "not json", channel: "c1", body: `prompt=hi`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.submit(tt.channel, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
			if body["success"] != false {
				t.Fatalf("body = %v, want success=false", body)
			}
		})
	}
}

func TestSubmitAcceptsFormBody(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.registerWorker("voice")

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/channels/c1/submit",
		strings.NewReader("prompt=hi&audio=https%3A%2F%2Fexample.com%2Fa.wav&speed=1.2"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, body := f.send(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", resp.StatusCode, body)
	}
}

func TestSubmitThrottled(t *testing.T) {
	channels := []Channel{{ID: "c1", Name: "voice", Kind: broker.KindPush, Policy: broker.Policy{Cooldown: 10 * time.Second}}}
	f := newFixture(t, fixtureOptions{channels: channels})
	f.registerWorker("voice")

	if resp, body := f.submit("c1", validSubmit); resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit: status = %d (%v)", resp.StatusCode, body)
	}
	resp, body := f.submit("c1", validSubmit)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second submit: status = %d, want 429 (%v)", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Retry-After"); got != "10" {
		t.Fatalf("Retry-After = %q, want 10", got)
	}
	if body["retry_after"] != float64(10) {
		t.Fatalf("retry_after = %v, want 10", body["retry_after"])
	}
	if got := testutil.ToFloat64(f.metrics.RequestsSubmitted.WithLabelValues(broker.KindPush, "throttled")); got != 1 {
		t.Fatalf("throttled submissions = %v, want 1", got)
	}

	_, snap := f.do(http.MethodGet, "/api/usage", "", nil)
	cooldowns, _ := snap["cooldowns"].(map[string]any)
	c1, _ := cooldowns["c1"].(map[string]any)
	if c1["allowed_now"] != false || c1["retry_after"] != float64(10) {
		t.Fatalf("cooldowns = %v", snap["cooldowns"])
	}
}

func TestSubmitQuotaExceeded(t *testing.T) {
	tiers := map[string]map[string]int{
		usage.TierStandard: {usage.ResourceWebsocket: 1, usage.ResourceChat: 1},
	}
	f := newFixture(t, fixtureOptions{tiers: tiers})
	f.registerWorker("voice")

	if resp, body := f.submit("c1", validSubmit); resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit: status = %d (%v)", resp.StatusCode, body)
	}
	resp, body := f.submit("c1", validSubmit)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("second submit: status = %d, want 403 (%v)", resp.StatusCode, body)
	}
	if body["resource"] != usage.ResourceWebsocket || body["limit"] != float64(1) {
		t.Fatalf("body = %v", body)
	}

	_, snap := f.do(http.MethodGet, "/api/usage", "", nil)
	resources, _ := snap["resources"].(map[string]any)
	ws, _ := resources[usage.ResourceWebsocket].(map[string]any)
	if ws["used"] != float64(1) || ws["limit"] != float64(1) {
		t.Fatalf("usage snapshot = %v", snap)
	}
}

func TestSubmitUnavailableConsumesNoQuota(t *testing.T) {
	tiers := map[string]map[string]int{
		usage.TierStandard: {usage.ResourceWebsocket: 1, usage.ResourceChat: 1},
	}
	f := newFixture(t, fixtureOptions{tiers: tiers})

	for i := 0; i < 3; i++ {
		if resp, _ := f.submit("c1", validSubmit); resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("submit %d: status = %d, want 503", i, resp.StatusCode)
		}
	}
	f.registerWorker("voice")
	if resp, body := f.submit("c1", validSubmit); resp.StatusCode != http.StatusOK {
		t.Fatalf("submit after connect: status = %d (%v)", resp.StatusCode, body)
	}
}

func TestRequestStatusErrors(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	if resp, _ := f.do(http.MethodGet, "/api/requests/status", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing id: status = %d, want 400", resp.StatusCode)
	}
	if resp, _ := f.do(http.MethodGet, "/api/requests/status?request_id=nope", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d, want 404", resp.StatusCode)
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	service := auth.NewService(auth.Config{APIKeys: []auth.APIKeyConfig{
		{Key: "user-key-0123456789", UserID: "u1", Tier: usage.TierStandard},
		{Key: "admin-key-0123456789", UserID: "root", Tier: usage.TierPro, Admin: true},
	}})
	f := newFixture(t, fixtureOptions{auth: service})

	bearer := func(key string) http.Header {
		return http.Header{"Authorization": []string{"Bearer " + key}}
	}

	tests := []struct {
		name   string
		path   string
		header http.Header
		want   int
	}{
		{name: "no credentials", path: "/api/requests/status?request_id=x", want: http.StatusUnauthorized},
		{name: "bad key", path: "/api/requests/status?request_id=x", header: bearer("wrong"), want: http.StatusUnauthorized},
		{name: "user key", path: "/api/requests/status?request_id=x", header: bearer("user-key-0123456789"), want: http.StatusNotFound},
		{name: "channels needs admin", path: "/api/channels", header: bearer("user-key-0123456789"), want: http.StatusForbidden},
		{name: "channels as admin", path: "/api/channels", header: bearer("admin-key-0123456789"), want: http.StatusOK},
		{name: "healthz is public", path: "/healthz", want: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(http.MethodGet, tt.path, "", tt.header)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestChannelsListsBoundWorkers(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.registerWorker("voice")

	resp, body := f.do(http.MethodGet, "/api/channels", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	list, _ := body["channels"].([]any)
	if len(list) != 1 {
		t.Fatalf("channels = %v, want one", body["channels"])
	}
	entry, _ := list[0].(map[string]any)
	if entry["channel_id"] != "c1" {
		t.Fatalf("entry = %v", entry)
	}
	if body["records"] != float64(0) {
		t.Fatalf("records = %v, want 0", body["records"])
	}
}

func uploadRequest(t *testing.T, url string, fields map[string]string, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		_, _ = io.WriteString(part, content)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadResultWithToken(t *testing.T) {
	f := newFixture(t, fixtureOptions{uploads: true})
	token, err := f.uploads.Tokens().Issue("req-1", "u1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	req := uploadRequest(t, f.srv.URL+"/api/uploads/result", map[string]string{"request_id": "req-1"}, "out put.wav", "RIFF-data")
	req.Header.Set("X-Upload-Token", token)
	resp, body := f.send(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%v)", resp.StatusCode, body)
	}
	url, _ := body["url"].(string)
	if !strings.HasPrefix(url, "/files/u1/ws_results/") || !strings.HasSuffix(url, "_out_put.wav") {
		t.Fatalf("url = %q", url)
	}

	got, err := f.srv.Client().Get(f.srv.URL + url)
	if err != nil {
		t.Fatalf("GET artifact: %v", err)
	}
	data, _ := io.ReadAll(got.Body)
	got.Body.Close()
	if got.StatusCode != http.StatusOK || string(data) != "RIFF-data" {
		t.Fatalf("artifact = %d %q", got.StatusCode, data)
	}

	// Tokens are single use.
	req = uploadRequest(t, f.srv.URL+"/api/uploads/result", nil, "again.wav", "x")
	req.Header.Set("X-Upload-Token", token)
	if resp, body := f.send(req); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reuse: status = %d, want 401 (%v)", resp.StatusCode, body)
	}
}

func TestUploadResultRejections(t *testing.T) {
	f := newFixture(t, fixtureOptions{uploads: true})
	tokens := f.uploads.Tokens()
	mismatched, _ := tokens.Issue("req-1", "u1")
	valid, _ := tokens.Issue("req-2", "u1")

	tests := []struct {
		name   string
		fields map[string]string
		file   string
		want   int
	}{
		{name: "no credentials", file: "a.wav", want: http.StatusUnauthorized},
		{name: "garbage token", fields: map[string]string{"upload_token": "not-a-token"}, file: "a.wav", want: http.StatusUnauthorized},
		{name: "request mismatch", fields: map[string]string{"upload_token": mismatched, "request_id": "other"}, file: "a.wav", want: http.StatusUnauthorized},
		{name: "bad folder", fields: map[string]string{"upload_token": valid, "folder": "../etc"}, file: "a.wav", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := uploadRequest(t, f.srv.URL+"/api/uploads/result", tt.fields, tt.file, "data")
			resp, body := f.send(req)
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.want, body)
			}
		})
	}
}

func TestUploadResultTokenSurvivesRejectedAttempts(t *testing.T) {
	f := newFixture(t, fixtureOptions{uploads: true})
	token, err := f.uploads.Tokens().Issue("req-9", "u1")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	url := f.srv.URL + "/api/uploads/result"

	req := uploadRequest(t, url, map[string]string{"folder": "bad/../x"}, "a.wav", "data")
	req.Header.Set("X-Upload-Token", token)
	if resp, body := f.send(req); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad folder: status = %d, want 400 (%v)", resp.StatusCode, body)
	}

	req = uploadRequest(t, url, map[string]string{"request_id": "req-9"}, "", "")
	req.Header.Set("X-Upload-Token", token)
	if resp, body := f.send(req); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing file: status = %d, want 400 (%v)", resp.StatusCode, body)
	}

	req = uploadRequest(t, url, map[string]string{"request_id": "req-9"}, "out.wav", "RIFF")
	req.Header.Set("X-Upload-Token", token)
	if resp, body := f.send(req); resp.StatusCode != http.StatusOK {
		t.Fatalf("retry: status = %d, want 200 (%v)", resp.StatusCode, body)
	}

	req = uploadRequest(t, url, nil, "again.wav", "x")
	req.Header.Set("X-Upload-Token", token)
	if resp, body := f.send(req); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("reuse after success: status = %d, want 401 (%v)", resp.StatusCode, body)
	}
}

func TestImageGenLifecycle(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	submit := func(body string) (*http.Response, map[string]any) {
		return f.do(http.MethodPost, "/api/image_gen/img/submit", body, nil)
	}
	status := func() map[string]any {
		_, body := f.do(http.MethodGet, "/api/image_gen/img/status", "", nil)
		return body
	}

	if st := status(); st["status"] != "idle" || st["can_submit"] != true {
		t.Fatalf("initial status = %v", st)
	}
	if resp, body := submit(`{"model_id":"Tongyi-MAI/Z-Image-Turbo"}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing prompt: status = %d (%v)", resp.StatusCode, body)
	}

	resp, body := submit(`{"prompt":"a cat","resolution_id":"1280x720"}`)
	if resp.StatusCode != http.StatusOK || body["task_id"] != "task-1" {
		t.Fatalf("submit: %d %v", resp.StatusCode, body)
	}

	resp, body = submit(`{"prompt":"another cat"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("busy submit: status = %d, want 429 (%v)", resp.StatusCode, body)
	}
	if body["reason"] != polljobs.ReasonProcessing {
		t.Fatalf("busy body = %v", body)
	}
	if wait, _ := body["wait_seconds"].(float64); wait <= 0 {
		t.Fatalf("wait_seconds = %v, want > 0", body["wait_seconds"])
	}

	// 1280x720 is not enabled on the channel, so the first enabled preset is used.
	st := status()
	if st["status"] != polljobs.StatusProcessing || st["can_submit"] != false || st["resolution"] != "1024x1024" {
		t.Fatalf("processing status = %v", st)
	}
	if _, ok := st["elapsed_seconds"]; ok {
		t.Fatalf("elapsed_seconds exposed to non-admin: %v", st)
	}

	f.provider.finish("https://provider.example/out.png")
	st = status()
	if st["status"] != polljobs.StatusSuccess || st["result_url"] != "https://cdn.example/anonymous/gen_img/img_0001.png" {
		t.Fatalf("finished status = %v", st)
	}

	if resp, _ := f.do(http.MethodPost, "/api/image_gen/img/clear", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("clear: status = %d", resp.StatusCode)
	}
	if st := status(); st["status"] != "idle" {
		t.Fatalf("status after clear = %v", st)
	}
}

func TestImageGenModels(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	resp, body := f.do(http.MethodGet, "/api/image_gen/models", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	models, _ := body["models"].([]any)
	resolutions, _ := body["resolutions"].([]any)
	if len(models) != len(polljobs.Models) || len(resolutions) != len(polljobs.Resolutions) {
		t.Fatalf("body = %v", body)
	}

	// A channel without its own list advertises only what submit accepts.
	_, body = f.do(http.MethodGet, "/api/image_gen/models?channel_id=img", "", nil)
	resolutions, _ = body["resolutions"].([]any)
	if len(resolutions) != 1 {
		t.Fatalf("channel resolutions = %v, want one", body["resolutions"])
	}
	if res, _ := resolutions[0].(map[string]any); res["id"] != "1024x1024" {
		t.Fatalf("channel resolution = %v, want 1024x1024", resolutions[0])
	}
}

func TestImageGenJobsListing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	if resp, body := f.do(http.MethodPost, "/api/image_gen/img/submit", `{"prompt":"a cat"}`, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %v", resp.StatusCode, body)
	}

	resp, body := f.do(http.MethodGet, "/api/image_gen/jobs", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d (%v)", resp.StatusCode, body)
	}
	jobs, _ := body["jobs"].([]any)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %v, want one", body["jobs"])
	}
	job, _ := jobs[0].(map[string]any)
	if job["channel_id"] != "img" || job["task_id"] != "task-1" || job["status"] != polljobs.StatusProcessing {
		t.Fatalf("job = %v", job)
	}
}
