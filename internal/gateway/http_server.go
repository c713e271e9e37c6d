package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/spacebroker/internal/auth"
	"github.com/haasonsaas/spacebroker/internal/observability"
)

// Handler returns the gateway router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get(s.cfg.WorkerPath, s.handleWorker)
	if s.files != nil {
		r.Handle(s.cfg.FilesPath+"/*", http.StripPrefix(s.cfg.FilesPath, s.files))
	}

	r.Route("/api", func(r chi.Router) {
		if s.uploads != nil {
			r.Post("/uploads/result", s.handleUploadResult)
		}
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.auth, s.logger))
			r.Post("/channels/{channelID}/submit", s.handleSubmit)
			r.Get("/requests/status", s.handleRequestStatus)
			r.With(auth.RequireAdmin).Get("/channels", s.handleChannels)
			if s.quota != nil {
				r.Get("/usage", s.handleUsage)
			}
			if s.poll != nil {
				r.Get("/image_gen/models", s.handleImageModels)
				r.With(auth.RequireAdmin).Get("/image_gen/jobs", s.handleImageJobs)
				r.Post("/image_gen/{channelID}/submit", s.handleImageSubmit)
				r.Get("/image_gen/{channelID}/status", s.handleImageStatus)
				r.Post("/image_gen/{channelID}/clear", s.handleImageClear)
			}
		})
	})
	return r
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	s.mu.Lock()
	s.httpServer = server
	s.listener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

// Addr is the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes worker sessions and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelSession()

	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	var err error
	if server != nil {
		if err = server.Shutdown(ctx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := observability.AddRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.InfoContext(ctx, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
