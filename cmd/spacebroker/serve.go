package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/spacebroker/internal/artifacts"
	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/internal/config"
	"github.com/haasonsaas/spacebroker/internal/gateway"
	"github.com/haasonsaas/spacebroker/internal/maintenance"
	"github.com/haasonsaas/spacebroker/internal/observability"
	"github.com/haasonsaas/spacebroker/internal/polljobs"
	"github.com/haasonsaas/spacebroker/internal/ratelimit"
	"github.com/haasonsaas/spacebroker/internal/usage"
)

// runServe loads the configuration, wires the broker components and serves
// until a shutdown signal arrives.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCfg := observability.LogConfig{
		Level:          cfg.Observability.Logging.Level,
		Format:         cfg.Observability.Logging.Format,
		AddSource:      cfg.Observability.Logging.AddSource,
		RedactPatterns: cfg.Observability.Logging.RedactPatterns,
	}
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting spacebroker",
		"version", version,
		"commit", commit,
		"config", configPath,
		"channels", len(cfg.Channels),
	)

	var (
		metrics  *observability.Metrics
		gatherer prometheus.Gatherer
	)
	if cfg.Observability.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = observability.NewMetrics(reg)
		gatherer = reg
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "spacebroker",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		Insecure:       cfg.Observability.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := usage.OpenStore(ctx, usage.StoreConfig{
		Driver:        cfg.Usage.Store.Driver,
		DSN:           cfg.Usage.Store.DSN,
		RedisAddr:     cfg.Usage.Store.RedisAddr,
		RedisPassword: cfg.Usage.Store.RedisPassword,
		RedisDB:       cfg.Usage.Store.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer closer.Close()
	}
	quota, err := usage.New(store, usage.Config{Timezone: cfg.Usage.Timezone, Tiers: cfg.Usage.Tiers}, logger)
	if err != nil {
		return fmt.Errorf("init usage quota: %w", err)
	}
	limiter := ratelimit.NewLimiter(ratelimit.Config{MaxKeys: cfg.RateLimit.MaxKeys})

	correlator, files, err := buildArtifacts(ctx, cfg, logger, metrics, tracer)
	if err != nil {
		return err
	}

	// current is swapped by the config watcher; lookups below always read
	// the latest channel table.
	var current atomic.Pointer[config.Config]
	current.Store(cfg)

	b := broker.New(broker.Config{
		RecordTTL:  cfg.Broker.RecordTTL,
		MaxRecords: cfg.Broker.MaxRecords,
		Logger:     logger,
		Metrics:    metrics,
	})
	defer b.Close()

	admission := broker.NewAdmission(limiter, quota, logger, metrics)
	dispatcher := broker.NewDispatcher(b, broker.DispatcherConfig{
		Concurrency: int64(cfg.Broker.DispatchConcurrency),
		Timeout:     cfg.Broker.DispatchTimeout,
		OnFailure: func(ctx context.Context, req broker.QueuedRequest, _ error) {
			admission.Refund(ctx, req.RequesterID, req.Resource)
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	defer dispatcher.Stop()

	resource := func(channelID string) string {
		ch, ok := current.Load().Channel(channelID)
		if !ok {
			return ""
		}
		return ch.Resource
	}
	push := broker.NewPushBackend(b, dispatcher, correlator, resource, logger)

	provider := polljobs.NewClient(polljobs.ClientConfig{
		BaseURL:         cfg.Polling.BaseURL,
		SubmitTimeout:   cfg.Polling.SubmitTimeout,
		PollTimeout:     cfg.Polling.PollTimeout,
		DownloadTimeout: cfg.Polling.DownloadTimeout,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	manager := polljobs.NewManager(provider, polljobs.NewCredentialPool(cfg.Polling.Credentials), correlator, polljobs.Config{
		Timeout: seconds(cfg.Polling.TimeoutSeconds),
		Lockout: seconds(cfg.Polling.LockoutSeconds),
		Logger:  logger,
		Metrics: metrics,
		Tracer:  tracer,
	})
	poll := polljobs.NewBackend(manager, func(channelID string) polljobs.ChannelSettings {
		return pollSettings(current.Load(), channelID)
	})

	gw := gateway.New(gateway.Options{
		Config: gateway.Config{
			WorkerPath:        cfg.Server.WorkerPath,
			FilesPath:         filesPath(cfg.Storage.LocalBaseURL),
			MaxUploadBytes:    cfg.Uploads.MaxBytes,
			SendBuffer:        cfg.Broker.SendBuffer,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
		Broker:    b,
		Admission: admission,
		Push:      push,
		Poll:      poll,
		Quota:     quota,
		Uploads:   correlator,
		Files:     files,
		Auth:      newAuthService(cfg),
		Gatherer:  gatherer,
		Channels:  gatewayChannels(cfg),
		Logger:    logger,
		Metrics:   metrics,
	})

	targets := maintenance.Targets{Records: b, Polls: manager, Windows: limiter, Usage: quota}
	if tokens := correlator.Tokens(); tokens != nil {
		targets.Tokens = tokens
	}
	scheduler, err := maintenance.NewScheduler(maintenance.StandardJobs(cfg.Maintenance, targets), logger, metrics)
	if err != nil {
		return err
	}

	watcher := config.NewWatcher(configPath, cfg, func(next *config.Config) {
		current.Store(next)
		gw.SetChannels(gatewayChannels(next))
		quota.SetTiers(next.Usage.Tiers)
		manager.Credentials().Set(next.Polling.Credentials)
		logger.Info("configuration reloaded", "channels", len(next.Channels))
	}, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	}
	defer watcher.Close()

	if err := gw.Start(cfg.Server.HTTPAddr); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	// Counters left from days the broker was down are dropped before the
	// first scheduled run.
	if err := scheduler.RunNow(ctx, maintenance.JobPruneUsage); err != nil {
		logger.Warn("initial usage prune failed", "error", err)
	}
	scheduler.Start()
	logger.Info("spacebroker started", "http_addr", gw.Addr(), "worker_path", cfg.Server.WorkerPath)

	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := gw.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if err := scheduler.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("maintenance: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	logger.Info("spacebroker stopped gracefully")
	return nil
}

// buildArtifacts creates the upload correlator. The local store always
// exists: it is the primary store for the local driver and the fallback
// behind S3.
func buildArtifacts(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*artifacts.Correlator, http.Handler, error) {
	var tokens *artifacts.TokenIssuer
	if cfg.Uploads.TokenSecret != "" {
		var err error
		tokens, err = artifacts.NewTokenIssuer(artifacts.TokenConfig{
			Secret: []byte(cfg.Uploads.TokenSecret),
			TTL:    cfg.Uploads.TokenTTL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init upload tokens: %w", err)
		}
	}

	local, err := artifacts.NewLocalStore(cfg.Storage.LocalDir, cfg.Storage.LocalBaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("init local artifact store: %w", err)
	}

	opts := []artifacts.CorrelatorOption{
		artifacts.WithLogger(logger),
		artifacts.WithMetrics(metrics),
		artifacts.WithTracer(tracer),
	}
	var primary artifacts.Store = local
	if cfg.Storage.Driver == "s3" {
		s3store, err := artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{
			Bucket:          cfg.Storage.Bucket,
			Region:          cfg.Storage.Region,
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			UsePathStyle:    cfg.Storage.UsePathStyle,
			PublicBaseURL:   cfg.Storage.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init s3 artifact store: %w", err)
		}
		primary = s3store
		opts = append(opts, artifacts.WithFallback(local))
	}

	correlator := artifacts.NewCorrelator(primary, tokens, artifacts.CorrelatorConfig{
		PresignTTL:    cfg.Storage.PresignTTL,
		DefaultFolder: cfg.Uploads.DefaultFolder,
	}, opts...)
	return correlator, local.Handler(), nil
}

func gatewayChannels(cfg *config.Config) []gateway.Channel {
	out := make([]gateway.Channel, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		out = append(out, gateway.Channel{
			ID:   ch.ID,
			Name: ch.Name,
			Kind: ch.Kind,
			Policy: broker.Policy{
				Cooldown: cfg.CooldownFor(ch),
				Resource: ch.Resource,
			},
		})
	}
	return out
}

// pollSettings layers a channel's overrides over the polling defaults.
func pollSettings(cfg *config.Config, channelID string) polljobs.ChannelSettings {
	s := polljobs.ChannelSettings{
		Timeout:            seconds(cfg.Polling.TimeoutSeconds),
		DefaultModel:       cfg.Polling.DefaultModel,
		EnabledResolutions: cfg.Polling.EnabledResolutions,
	}
	ch, ok := cfg.Channel(channelID)
	if !ok {
		return s
	}
	if ch.TimeoutSeconds > 0 {
		s.Timeout = seconds(ch.TimeoutSeconds)
	}
	if ch.DefaultModel != "" {
		s.DefaultModel = ch.DefaultModel
	}
	if len(ch.EnabledResolutions) > 0 {
		s.EnabledResolutions = ch.EnabledResolutions
	}
	return s
}

// filesPath is the route the local store is served under: the path part of
// its public base URL.
func filesPath(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "/files"
	}
	path := strings.TrimRight(u.Path, "/")
	if path == "" {
		return "/files"
	}
	return path
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
