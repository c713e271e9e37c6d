package polljobs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeModelScope serves the submit, task and image endpoints.
type fakeModelScope struct {
	srv *httptest.Server

	mu             sync.Mutex
	submitStatus   int
	submitDelay    time.Duration
	taskHTTPStatus int
	taskStatus     string
	taskError      string
	images         []string
	imageType      string
	submits        int
	polls          int
	auths          []string
	lastSubmit     SubmitRequest
	lastHeaders    http.Header
}

func newFakeModelScope(t *testing.T) *fakeModelScope {
	t.Helper()
	f := &fakeModelScope{
		submitStatus:   http.StatusOK,
		taskHTTPStatus: http.StatusOK,
		taskStatus:     "RUNNING",
		imageType:      "image/jpeg",
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	f.images = []string{f.srv.URL + "/outputs/img.jpg"}
	return f
}

func (f *fakeModelScope) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v1/images/generations":
		f.submits++
		f.auths = append(f.auths, r.Header.Get("Authorization"))
		f.lastHeaders = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&f.lastSubmit)
		if f.submitDelay > 0 {
			f.mu.Unlock()
			time.Sleep(f.submitDelay)
			f.mu.Lock()
		}
		if f.submitStatus != http.StatusOK {
			w.WriteHeader(f.submitStatus)
			_, _ = w.Write([]byte(`{"message":"quota exhausted for token"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": fmt.Sprintf("task-%d", f.submits)})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/tasks/"):
		f.polls++
		f.lastHeaders = r.Header.Clone()
		if f.taskHTTPStatus != http.StatusOK {
			w.WriteHeader(f.taskHTTPStatus)
			return
		}
		body := map[string]any{"task_status": f.taskStatus, "output_images": f.images}
		if f.taskError != "" {
			body["error"] = f.taskError
		}
		_ = json.NewEncoder(w).Encode(body)
	case r.Method == http.MethodGet && r.URL.Path == "/outputs/img.jpg":
		w.Header().Set("Content-Type", f.imageType)
		_, _ = w.Write([]byte("jpeg-bytes"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeModelScope) set(fn func(f *fakeModelScope)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeModelScope) counts() (submits, polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits, f.polls
}

func (f *fakeModelScope) client() *Client {
	return NewClient(ClientConfig{BaseURL: f.srv.URL})
}
