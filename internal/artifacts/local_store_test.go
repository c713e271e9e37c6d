package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "/files/")
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	ctx := context.Background()

	url, err := store.Put(ctx, "u1/ws_results/abc_out.wav", bytes.NewReader([]byte("RIFF")), PutOptions{ContentType: "audio/wav"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if url != "/files/u1/ws_results/abc_out.wav" {
		t.Errorf("url = %q", url)
	}

	ok, err := store.Exists(ctx, "u1/ws_results/abc_out.wav")
	if err != nil || !ok {
		t.Fatalf("Exists = (%v, %v)", ok, err)
	}
	ok, _ = store.Exists(ctx, "u1/ws_results/missing.wav")
	if ok {
		t.Error("missing key reported as existing")
	}

	rc, err := store.Open("u1/ws_results/abc_out.wav")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "RIFF" {
		t.Errorf("data = %q", data)
	}
	if _, err := store.Open("u1/nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Open missing = %v, want ErrNotFound", err)
	}

	if _, err := store.PresignPut(ctx, "u1/x.wav", "audio/wav", time.Hour); !errors.Is(err, ErrPresignUnavailable) {
		t.Errorf("PresignPut = %v, want ErrPresignUnavailable", err)
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir(), "/files")
	for _, key := range []string{"", "/etc/passwd", "../x", "u1/../../x", "u1//x", `u1\x`} {
		if _, err := store.Put(context.Background(), key, bytes.NewReader(nil), PutOptions{}); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestLocalStore_Handler(t *testing.T) {
	store, _ := NewLocalStore(t.TempDir(), "/files")
	_, _ = store.Put(context.Background(), "u1/gen_img/img_1.png", bytes.NewReader([]byte("png")), PutOptions{})

	srv := httptest.NewServer(http.StripPrefix("/files", store.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files/u1/gen_img/img_1.png")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "png" {
		t.Errorf("GET file = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/files/u1/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("directory listing status = %d, want 404", resp.StatusCode)
	}
}

func TestExtensionForContentType(t *testing.T) {
	tests := map[string]string{
		"image/jpeg": "jpg",
		"image/JPG":  "jpg",
		"image/webp": "webp",
		"image/png":  "png",
		"":           "png",
		"audio/wav":  "wav",
		"audio/mpeg": "mp3",
	}
	for ct, want := range tests {
		if got := ExtensionForContentType(ct); got != want {
			t.Errorf("ExtensionForContentType(%q) = %q, want %q", ct, got, want)
		}
	}
}
