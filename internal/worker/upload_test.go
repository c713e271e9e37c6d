package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/spacebroker/pkg/protocol"
)

func uploadClient(t *testing.T, uploadURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		ServerURL:   "ws://broker.invalid/ws/worker",
		UploadURL:   uploadURL,
		ChannelName: "voice",
		Logger:      discardLogger(),
	}, func(context.Context, Request) (any, error) { return nil, nil })
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return client
}

func TestUploadArtifactPresigned(t *testing.T) {
	var gotType, gotBody string
	bucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		data, _ := io.ReadAll(r.Body)
		gotType, gotBody = r.Header.Get("Content-Type"), string(data)
	}))
	defer bucket.Close()

	client := uploadClient(t, "http://proxy.invalid/api/uploads/result")
	url, err := client.UploadArtifact(context.Background(), Request{
		RequestID: "r1",
		Upload: &protocol.UploadGrant{
			PutURL:      bucket.URL + "/u1/ws_results/r1.wav",
			FinalURL:    "https://cdn.example/u1/ws_results/r1.wav",
			ContentType: "audio/wav",
			Token:       "tok",
		},
	}, []byte("RIFF"), "out.wav")
	if err != nil {
		t.Fatalf("UploadArtifact() error = %v", err)
	}
	if url != "https://cdn.example/u1/ws_results/r1.wav" {
		t.Fatalf("url = %q", url)
	}
	if gotType != "audio/wav" || gotBody != "RIFF" {
		t.Fatalf("PUT content-type = %q body = %q", gotType, gotBody)
	}
}

func TestUploadArtifactFallsBackToProxy(t *testing.T) {
	bucket := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer bucket.Close()

	var gotToken, gotRequestID, gotFile, gotName string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		gotToken = r.Header.Get("X-Upload-Token")
		gotRequestID = r.FormValue("request_id")
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		gotFile, gotName = string(data), header.Filename
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"success":true,"url":"/files/u1/ws_results/20260101_000000_out.wav"}`)
	}))
	defer proxy.Close()

	client := uploadClient(t, proxy.URL)
	url, err := client.UploadArtifact(context.Background(), Request{
		RequestID: "r1",
		Upload:    &protocol.UploadGrant{PutURL: bucket.URL + "/x", FinalURL: "https://cdn.example/x", Token: "tok-1"},
	}, []byte("RIFF"), "/tmp/out.wav")
	if err != nil {
		t.Fatalf("UploadArtifact() error = %v", err)
	}
	if url != "/files/u1/ws_results/20260101_000000_out.wav" {
		t.Fatalf("url = %q", url)
	}
	if gotToken != "tok-1" || gotRequestID != "r1" || gotFile != "RIFF" || gotName != "out.wav" {
		t.Fatalf("proxy saw token=%q request_id=%q file=%q name=%q", gotToken, gotRequestID, gotFile, gotName)
	}
}

func TestUploadArtifactProxyRejection(t *testing.T) {
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"success":false,"error":"upload token already used"}`)
	}))
	defer proxy.Close()

	client := uploadClient(t, proxy.URL)
	_, err := client.UploadArtifact(context.Background(), Request{
		RequestID: "r1",
		Upload:    &protocol.UploadGrant{Token: "tok-1"},
	}, []byte("x"), "out.bin")
	if err == nil {
		t.Fatal("UploadArtifact() error = nil, want rejection")
	}
}

func TestUploadArtifactWithoutGrant(t *testing.T) {
	client := uploadClient(t, "http://proxy.invalid/api/uploads/result")
	for _, grant := range []*protocol.UploadGrant{nil, {}} {
		_, err := client.UploadArtifact(context.Background(), Request{RequestID: "r1", Upload: grant}, []byte("x"), "out.bin")
		if !errors.Is(err, ErrNoUploadGrant) {
			t.Fatalf("UploadArtifact(%+v) error = %v, want ErrNoUploadGrant", grant, err)
		}
	}
}
