package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haasonsaas/spacebroker/internal/observability"
	"github.com/haasonsaas/spacebroker/internal/worker"
)

type workerOptions struct {
	server      string
	channel     string
	artifact    string
	concurrency int
	delay       time.Duration
	debug       bool
}

func runWorker(ctx context.Context, opts workerOptions) error {
	level := "info"
	if opts.debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{Level: level, Format: "text"})

	var artifact []byte
	if opts.artifact != "" {
		data, err := os.ReadFile(opts.artifact)
		if err != nil {
			return fmt.Errorf("read artifact: %w", err)
		}
		artifact = data
	}

	var client *worker.Client
	handler := echoHandler(opts.delay, func(ctx context.Context, req worker.Request) (string, error) {
		if artifact == nil {
			return "", nil
		}
		return client.UploadArtifact(ctx, req, artifact, filepath.Base(opts.artifact))
	})

	client, err := worker.NewClient(worker.Config{
		ServerURL:     opts.server,
		ChannelName:   opts.channel,
		MaxConcurrent: opts.concurrency,
		Logger:        logger,
	}, handler)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("worker starting", "server", opts.server, "channel", opts.channel)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

// echoHandler answers with the request payload. upload, when it returns a
// URL, adds it to the result.
func echoHandler(delay time.Duration, upload func(context.Context, worker.Request) (string, error)) worker.Handler {
	return func(ctx context.Context, req worker.Request) (any, error) {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		result := map[string]any{"echo": json.RawMessage(req.Payload)}
		url, err := upload(ctx, req)
		if err != nil {
			slog.WarnContext(ctx, "artifact upload failed", "request_id", req.RequestID, "error", err)
			return nil, fmt.Errorf("upload artifact: %w", err)
		}
		if url != "" {
			result["url"] = url
		}
		return result, nil
	}
}
