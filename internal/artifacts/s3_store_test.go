package artifacts

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestS3Store(t *testing.T, endpoint string) *S3Store {
	t.Helper()
	store, err := NewS3Store(context.Background(), S3StoreConfig{
		Bucket:          "results",
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "AKIDTEST",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("NewS3Store: %v", err)
	}
	return store
}

func TestS3Store_PresignPut(t *testing.T) {
	store := newTestS3Store(t, "http://minio.local:9000")

	raw, err := store.PresignPut(context.Background(), "u1/ws_results/abcd1234_ef567890.wav", "audio/wav", time.Hour)
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if u.Host != "minio.local:9000" || u.Path != "/results/u1/ws_results/abcd1234_ef567890.wav" {
		t.Errorf("presigned url = %s", raw)
	}
	q := u.Query()
	if q.Get("X-Amz-Signature") == "" || q.Get("X-Amz-Expires") != "3600" {
		t.Errorf("presigned query = %v", q)
	}
}

func TestS3Store_PublicURL(t *testing.T) {
	tests := []struct {
		name string
		cfg  S3StoreConfig
		want string
	}{
		{"endpoint", S3StoreConfig{Endpoint: "http://minio.local:9000/"}, "http://minio.local:9000/results/u1/a b.wav"},
		{"explicit", S3StoreConfig{Endpoint: "http://minio.local:9000", PublicBaseURL: "https://cdn.example.com/"}, "https://cdn.example.com/u1/a b.wav"},
		{"aws", S3StoreConfig{Region: "eu-west-1"}, "https://results.s3.eu-west-1.amazonaws.com/u1/a b.wav"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Bucket = "results"
			tt.cfg.AccessKeyID, tt.cfg.SecretAccessKey = "AKIDTEST", "secret"
			store, err := NewS3Store(context.Background(), tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			want := strings.ReplaceAll(tt.want, " ", "%20")
			if got := store.PublicURL("u1/a b.wav"); got != want {
				t.Errorf("PublicURL = %q, want %q", got, want)
			}
		})
	}
}

func TestS3Store_PutAndExists(t *testing.T) {
	var mu sync.Mutex
	objects := map[string]string{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			_, _ = io.Copy(io.Discard, r.Body)
			objects[r.URL.Path] = r.Header.Get("Content-Type")
			w.Header().Set("ETag", `"abc"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			if _, ok := objects[r.URL.Path]; ok {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	store := newTestS3Store(t, srv.URL)
	ctx := context.Background()

	got, err := store.Put(ctx, "u1/gen_img/img_1.png", bytes.NewReader([]byte("png")), PutOptions{ContentType: "image/png"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if got != srv.URL+"/results/u1/gen_img/img_1.png" {
		t.Errorf("Put url = %q", got)
	}
	mu.Lock()
	ct := objects["/results/u1/gen_img/img_1.png"]
	mu.Unlock()
	if ct != "image/png" {
		t.Errorf("stored content type = %q", ct)
	}

	ok, err := store.Exists(ctx, "u1/gen_img/img_1.png")
	if err != nil || !ok {
		t.Errorf("Exists(stored) = (%v, %v)", ok, err)
	}
	ok, err = store.Exists(ctx, "u1/gen_img/missing.png")
	if err != nil || ok {
		t.Errorf("Exists(missing) = (%v, %v)", ok, err)
	}
}
