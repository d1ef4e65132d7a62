package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	runtimepkg "github.com/drblury/stmtflow/internal/runtime"
	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/render"
	"github.com/drblury/stmtflow/internal/runtime/sink"
	"github.com/drblury/stmtflow/internal/runtime/source"
	"github.com/drblury/stmtflow/internal/runtime/templates"
	"github.com/drblury/stmtflow/transport"
	_ "github.com/drblury/stmtflow/transport/transports"
)

// app is a fully wired processor. close releases resources in reverse
// order of acquisition.
type app struct {
	conf     configpkg.Config
	logger   logging.ServiceLogger
	registry *templates.Registry
	pipeline *runtimepkg.Pipeline
	admin    *runtimepkg.AdminServer
	closers  []func() error
}

func buildApp(ctx context.Context, conf configpkg.Config, logger logging.ServiceLogger) (_ *app, err error) {
	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	a := &app{conf: conf, logger: logger}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	a.registry, err = loadTemplates(ctx, conf, logger)
	if err != nil {
		return nil, err
	}

	artifacts, err := buildSink(ctx, conf, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, artifacts.Close)

	var tr *transport.Transport
	if conf.DataSourceType == configpkg.SourceStreaming || conf.OutcomeTopic != "" {
		tr, err = buildTransport(ctx, &conf, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, tr.Close)
	}

	src, err := buildSource(conf, tr, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, src.Close)

	deps := runtimepkg.Dependencies{
		Source:    src,
		Templates: a.registry,
		Renderer:  render.New(render.NewPDFEngine(), conf.RenderTimeout),
		Sink:      artifacts,
		Logger:    logger,
	}
	if conf.OutcomeTopic != "" {
		deps.Outcomes, err = runtimepkg.NewOutcomePublisher(tr.Publisher, conf.OutcomeTopic)
		if err != nil {
			return nil, err
		}
	}
	if conf.MetricsEnabled {
		deps.Metrics = runtimepkg.NewMetrics(prometheus.DefaultRegisterer)
		if err := deps.Metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	a.pipeline, err = runtimepkg.NewPipeline(&conf, deps)
	if err != nil {
		return nil, err
	}
	if conf.AdminPort > 0 {
		a.admin = runtimepkg.NewAdminServer(a.pipeline, a.registry, prometheus.DefaultGatherer, conf.AdminCORSAllowedOrigins, logger)
	}

	logger.Info("Processor ready", logging.LogFields{
		"source":         conf.DataSourceType,
		"artifact_store": conf.ArtifactStore,
		"artifact_index": conf.ArtifactIndex,
		"templates":      a.registry.Len(),
	})
	return a, nil
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func loadTemplates(ctx context.Context, conf configpkg.Config, logger logging.ServiceLogger) (*templates.Registry, error) {
	registry, err := templates.NewRegistry(templates.DirSource(conf.TemplateDirectory), logger)
	if err != nil {
		return nil, err
	}
	if err := registry.Reload(ctx); err != nil {
		return nil, fmt.Errorf("load templates from %s: %w", conf.TemplateDirectory, err)
	}
	return registry, nil
}

func buildSink(ctx context.Context, conf configpkg.Config, logger logging.ServiceLogger) (*sink.Sink, error) {
	var (
		blobs sink.BlobStore
		err   error
	)
	switch conf.ArtifactStore {
	case configpkg.ArtifactStoreMinIO:
		blobs, err = sink.NewMinIOBlobStore(ctx, sink.MinIOConfig{
			Endpoint:  conf.MinIOEndpoint,
			AccessKey: conf.MinIOAccessKey,
			SecretKey: conf.MinIOSecretKey,
			Bucket:    conf.MinIOBucket,
			UseSSL:    conf.MinIOUseSSL,
		})
	default:
		blobs, err = sink.NewFileBlobStore(conf.OutputDirectory)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact store: %w", err)
	}

	var index sink.Index
	switch conf.ArtifactIndex {
	case configpkg.ArtifactIndexSQLite:
		index, err = sink.OpenSQLiteIndex(ctx, conf.SQLiteFile)
	case configpkg.ArtifactIndexPostgres:
		index, err = sink.OpenPostgresIndex(ctx, conf.PostgresURL)
	default:
		index = sink.NewMemoryIndex()
	}
	if err != nil {
		return nil, fmt.Errorf("artifact index: %w", err)
	}

	s, err := sink.New(blobs, index, sink.WithLogger(logger))
	if err != nil {
		_ = index.Close()
		return nil, err
	}
	return s, nil
}

// buildTransport builds the configured broker transport. Transports that
// cannot nack lose payloads a crash interrupts, which is logged.
func buildTransport(ctx context.Context, conf *configpkg.Config, logger logging.ServiceLogger) (*transport.Transport, error) {
	tr, err := transport.Build(ctx, conf, logging.NewWatermillAdapter(logger))
	if err != nil {
		return nil, err
	}
	if !tr.Capabilities.SupportsRedelivery() {
		logger.Info("Transport cannot redeliver; deferred statements are dropped", logging.LogFields{
			"transport": tr.Capabilities.Name,
		})
	}
	return &tr, nil
}

func buildSource(conf configpkg.Config, tr *transport.Transport, logger logging.ServiceLogger) (source.Connector, error) {
	if conf.DataSourceType == configpkg.SourceStreaming {
		return source.NewStream(tr.Subscriber, tr.Publisher, source.StreamConfig{
			Topic:           conf.Topic,
			DeadLetterTopic: conf.DeadLetterTopic,
			BatchSize:       conf.BatchSize,
			PollInterval:    conf.PollInterval,
			Capabilities:    tr.Capabilities,
		}, logger)
	}
	return source.NewFileBatch(source.FileBatchConfig{
		InputDir:        conf.InputDirectory,
		ProcessingDir:   conf.ProcessingDirectory,
		ArchiveDir:      conf.ArchiveDirectory,
		QuarantineDir:   conf.QuarantineDirectory,
		Pattern:         conf.FilePattern,
		BatchSize:       conf.BatchSize,
		PollInterval:    conf.PollInterval,
		StaleClaimAfter: conf.StaleClaimAfter,
	}, logger)
}
