package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/logging"
	"github.com/ekaya-inc/tap-loganalytics/pkg/metrics"
	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
	"github.com/ekaya-inc/tap-loganalytics/pkg/retry"
	"github.com/ekaya-inc/tap-loganalytics/pkg/services"
	"github.com/ekaya-inc/tap-loganalytics/pkg/sink"
	"github.com/ekaya-inc/tap-loganalytics/pkg/state"
)

// app is the wired process shared by the commands.
type app struct {
	cfg     *config.Config
	streams []config.Stream
	logger  *zap.Logger
	store   state.Store
	engine  services.Engine
	sink    *sink.SingerWriter
	metrics *prometheus.Registry

	// streamErr joins the configuration errors of skipped streams.
	streamErr error
	skipped   int
}

// newApp loads configuration and wires the engine. Singer output goes to
// stdout; logs always go to stderr.
func newApp(ctx context.Context, opts *options, stdout io.Writer) (*app, error) {
	cfg, err := config.Load(opts.configPath, Version)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	streams, streamErr := cfg.Streams()
	skipped := len(cfg.Queries) - len(streams)
	for _, err := range unjoin(streamErr) {
		logger.Error("Skipping misconfigured stream", zap.String("error", err.Error()))
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("invalid configuration: no valid streams: %w", streamErr)
	}

	logger.Info("Configuration loaded",
		zap.String("version", cfg.Version),
		zap.String("cloud", cfg.Cloud),
		zap.String("state_backend", cfg.State.Backend),
		zap.Int("streams", len(streams)),
		zap.Int("concurrency", cfg.Concurrency))

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	client, err := newQueryClient(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create query client: %w", err)
	}
	if cfg.Query.BreakerThreshold > 0 {
		client = query.NewBreaker(client, query.BreakerConfig{
			Threshold:  cfg.Query.BreakerThreshold,
			ResetAfter: config.MustDuration(cfg.Query.BreakerReset),
		}, logger)
	}

	retryCfg := retry.QueryConfig()
	retryCfg.MaxRetries = cfg.Query.MaxRetries
	retryCfg.InitialDelay = config.MustDuration(cfg.Query.InitialBackoff)
	retryCfg.MaxDelay = config.MustDuration(cfg.Query.MaxBackoff)

	exec := query.NewExecutor(client, cfg.WorkspaceID, query.ExecutorConfig{
		Retry:          retryCfg,
		AttemptTimeout: config.MustDuration(cfg.Query.AttemptTimeout),
		MaxRows:        cfg.Query.MaxRows,
		OnAttempt:      m.QueryAttempt,
	}, logger)

	store, err := state.Open(ctx, cfg.State, logger)
	if err != nil {
		return nil, err
	}

	out := sink.NewSingerWriter(stdout)
	engine, err := services.NewEngine(services.EngineDeps{
		Executor: exec,
		Sink:     out,
		Store:    store,
		Metrics:  m,
	}, services.EngineConfigFrom(cfg), logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &app{
		cfg:     cfg,
		streams: streams,
		logger:  logger,
		store:   store,
		engine:  engine,
		sink:    out,
		metrics: reg,

		streamErr: streamErr,
		skipped:   skipped,
	}, nil
}

// configErr reports the streams left out by configuration errors.
func (a *app) configErr() error {
	if a.streamErr == nil {
		return nil
	}
	return fmt.Errorf("%d of %d streams skipped for configuration errors: %w", a.skipped, a.skipped+len(a.streams), a.streamErr)
}

func unjoin(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

// serveMetrics starts the metrics listener when configured.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		if err := metrics.Serve(ctx, a.cfg.MetricsAddr, a.metrics, a.logger); err != nil {
			a.logger.Error("Metrics listener failed", zap.Error(err))
		}
	}()
}

func (a *app) Close() {
	if err := a.sink.Flush(); err != nil {
		a.logger.Warn("Failed to flush output", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Failed to close state store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
