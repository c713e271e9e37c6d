package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/spacebroker/internal/observability"
)

type memStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	putErr     error
	presignErr error
}

func newMemStore() *memStore { return &memStore{objects: map[string][]byte{}} }

func (s *memStore) Put(_ context.Context, key string, data io.Reader, _ PutOptions) (string, error) {
	if s.putErr != nil {
		_, _ = io.Copy(io.Discard, data)
		return "", s.putErr
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = b
	s.mu.Unlock()
	return s.PublicURL(key), nil
}

func (s *memStore) PresignPut(_ context.Context, key, contentType string, ttl time.Duration) (string, error) {
	if s.presignErr != nil {
		return "", s.presignErr
	}
	return "https://store.test/" + key + "?sig=1", nil
}

func (s *memStore) PublicURL(key string) string { return "https://store.test/" + key }

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *memStore) keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

func TestCorrelator_GeneratePresigned(t *testing.T) {
	issuer, _ := newTestIssuer(t)
	c := NewCorrelator(newMemStore(), issuer, CorrelatorConfig{})

	grant, err := c.Generate(context.Background(), "u1", "3f2a9c1e-0000-4000-8000-000000000000")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	keyPattern := regexp.MustCompile(`^https://store\.test/u1/ws_results/3f2a9c1e_[0-9a-f]{8}\.wav$`)
	if !keyPattern.MatchString(grant.FinalURL) {
		t.Errorf("FinalURL = %q", grant.FinalURL)
	}
	if !strings.HasPrefix(grant.PutURL, grant.FinalURL) {
		t.Errorf("PutURL %q does not address FinalURL", grant.PutURL)
	}
	if grant.ContentType != "audio/wav" {
		t.Errorf("ContentType = %q", grant.ContentType)
	}
	if grant.Token == "" {
		t.Error("grant should carry a fallback token")
	}
}

func TestCorrelator_GenerateUniqueKeys(t *testing.T) {
	c := NewCorrelator(newMemStore(), nil, CorrelatorConfig{})
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		g, err := c.Generate(context.Background(), "u1", "same-request")
		if err != nil {
			t.Fatal(err)
		}
		if seen[g.FinalURL] {
			t.Fatalf("duplicate key %q", g.FinalURL)
		}
		seen[g.FinalURL] = true
	}
}

func TestCorrelator_GenerateWithoutPresign(t *testing.T) {
	store := newMemStore()
	store.presignErr = ErrPresignUnavailable
	issuer, _ := newTestIssuer(t)

	grant, err := NewCorrelator(store, issuer, CorrelatorConfig{}).Generate(context.Background(), "u1", "req-1")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if grant.PutURL != "" || grant.FinalURL != "" || grant.Token == "" {
		t.Errorf("grant = %+v, want token only", grant)
	}

	_, err = NewCorrelator(store, nil, CorrelatorConfig{}).Generate(context.Background(), "u1", "req-1")
	if !errors.Is(err, ErrPresignUnavailable) {
		t.Errorf("Generate without presign or tokens = %v", err)
	}
}

func TestCorrelator_AcceptUpload(t *testing.T) {
	store := newMemStore()
	c := NewCorrelator(store, nil, CorrelatorConfig{})
	ctx := context.Background()

	url, err := c.AcceptUpload(ctx, Upload{Owner: "u1", Filename: "../my result.wav", ContentType: "audio/wav", Body: bytes.NewReader([]byte("RIFF"))})
	if err != nil {
		t.Fatalf("AcceptUpload: %v", err)
	}
	if !regexp.MustCompile(`^https://store\.test/u1/ws_results/[0-9a-f]{8}_my_result\.wav$`).MatchString(url) {
		t.Errorf("url = %q", url)
	}

	url, err = c.AcceptUpload(ctx, Upload{Owner: "u1", Folder: "clips", Filename: "a.mp4", Body: bytes.NewReader(nil)})
	if err != nil || !strings.Contains(url, "/u1/clips/") {
		t.Errorf("custom folder = (%q, %v)", url, err)
	}

	for _, folder := range []string{"../etc", "a/b", "sp ace"} {
		_, err := c.AcceptUpload(ctx, Upload{Owner: "u1", Folder: folder, Filename: "a", Body: bytes.NewReader(nil)})
		if !errors.Is(err, ErrInvalidFolder) {
			t.Errorf("folder %q error = %v, want ErrInvalidFolder", folder, err)
		}
	}
	if _, err := c.AcceptUpload(ctx, Upload{Owner: "u1/../u2", Filename: "a", Body: bytes.NewReader(nil)}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("bad owner error = %v", err)
	}
}

func TestCorrelator_FallbackStore(t *testing.T) {
	primary := newMemStore()
	primary.putErr = errors.New("s3 unavailable")
	fallback := newMemStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	c := NewCorrelator(primary, nil, CorrelatorConfig{}, WithFallback(fallback), WithMetrics(metrics))
	url, err := c.AcceptUpload(context.Background(), Upload{Owner: "u1", Filename: "out.wav", Body: bytes.NewReader([]byte("RIFF"))})
	if err != nil {
		t.Fatalf("AcceptUpload: %v", err)
	}
	keys := fallback.keys()
	if len(keys) != 1 || !strings.HasSuffix(url, keys[0]) {
		t.Fatalf("fallback keys = %v, url = %q", keys, url)
	}
	if got := string(fallback.objects[keys[0]]); got != "RIFF" {
		t.Errorf("fallback body = %q, want full body after rewind", got)
	}
	if got := testutil.ToFloat64(metrics.Uploads.WithLabelValues("proxied", "fallback")); got != 1 {
		t.Errorf("fallback uploads = %v", got)
	}

	fallback.putErr = errors.New("disk full")
	if _, err := c.AcceptUpload(context.Background(), Upload{Owner: "u1", Filename: "out.wav", Body: bytes.NewReader(nil)}); err == nil {
		t.Error("expected error when both stores fail")
	}
}

func TestCorrelator_Rehost(t *testing.T) {
	store := newMemStore()
	c := NewCorrelator(store, nil, CorrelatorConfig{})
	url, err := c.Rehost(context.Background(), "u1", "gen_img", "img", "image/jpeg", bytes.NewReader([]byte("jpg")))
	if err != nil {
		t.Fatal(err)
	}
	if !regexp.MustCompile(`^https://store\.test/u1/gen_img/img_[0-9a-f]{8}\.jpg$`).MatchString(url) {
		t.Errorf("url = %q", url)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"out.wav":          "out.wav",
		"../../etc/passwd": "passwd",
		`C:\tmp\x y.png`:   "x_y.png",
		"":                 "upload.bin",
		".hidden":          "hidden",
		"résumé final.wav": "r_sum_final.wav",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
