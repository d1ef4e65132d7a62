package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/sink"
	"github.com/drblury/stmtflow/internal/runtime/source"
	"github.com/drblury/stmtflow/internal/runtime/statement"
	"github.com/drblury/stmtflow/internal/runtime/templates"
)

const (
	tracerName = "github.com/drblury/stmtflow/pipeline"

	defaultQuarantineBurst = 10
	defaultBurstWindow     = time.Minute
)

// StatementValidator applies business rules to a normalized record.
type StatementValidator interface {
	Validate(ctx context.Context, rec *statement.Record) error
}

// TemplateResolver looks up a template by exact name and version.
type TemplateResolver interface {
	Resolve(name, version string) (*templates.Template, error)
}

// StatementRenderer turns a record and template into a PDF.
type StatementRenderer interface {
	Render(ctx context.Context, rec *statement.Record, tmpl *templates.Template) ([]byte, error)
}

// ArtifactStore persists rendered PDFs.
type ArtifactStore interface {
	Store(ctx context.Context, statementID, templateVersion string, pdf []byte) (sink.ArtifactRef, error)
}

// Dependencies holds the collaborators of a Pipeline. Source, Templates,
// Renderer and Sink are required; the rest are optional.
type Dependencies struct {
	Source    source.Connector
	Templates TemplateResolver
	Renderer  StatementRenderer
	Sink      ArtifactStore
	// Validator defaults to statement.NewValidator with the configured rules.
	Validator StatementValidator
	Outcomes  *OutcomePublisher
	Metrics   *Metrics
	Hooks     StatementHooks
	Logger    logging.ServiceLogger

	// QuarantineBurst raises a warning alert once this many payloads are
	// quarantined within BurstWindow. Zero means 10 per minute.
	QuarantineBurst int
	BurstWindow     time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Pipeline drives payloads from a source connector through normalization,
// validation, template resolution, rendering and storage, and settles each
// payload with the connector once its outcome is known.
type Pipeline struct {
	conf      configpkg.Config
	source    source.Connector
	validator StatementValidator
	templates TemplateResolver
	renderer  StatementRenderer
	sink      ArtifactStore
	outcomes  *OutcomePublisher
	metrics   *Metrics
	hooks     StatementHooks
	logger    logging.ServiceLogger
	tracer    trace.Tracer
	now       func() time.Time
	policy    retryPolicy
	stats     *PipelineStats

	burstMu    sync.Mutex
	burst      *throughputWindow
	burstLimit int

	slots       *semaphore.Weighted
	queued      atomic.Int64
	inFlight    atomic.Int64
	pollFailing atomic.Bool
}

// NewPipeline builds a Pipeline. conf is copied and completed with defaults.
func NewPipeline(conf *configpkg.Config, deps Dependencies) (*Pipeline, error) {
	if conf == nil {
		return nil, errors.New("stmtflow: config is required")
	}
	switch {
	case deps.Source == nil:
		return nil, errspkg.ErrSourceRequired
	case deps.Templates == nil:
		return nil, errspkg.ErrRegistryRequired
	case deps.Renderer == nil:
		return nil, errspkg.ErrRendererRequired
	case deps.Sink == nil:
		return nil, errspkg.ErrSinkRequired
	}

	c := conf.WithDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	validator := deps.Validator
	if validator == nil {
		validator = statement.NewValidator(ValidatorConfig(c, now))
	}
	burstLimit := deps.QuarantineBurst
	if burstLimit <= 0 {
		burstLimit = defaultQuarantineBurst
	}
	burstWindow := deps.BurstWindow
	if burstWindow <= 0 {
		burstWindow = defaultBurstWindow
	}

	return &Pipeline{
		conf:       c,
		source:     deps.Source,
		validator:  validator,
		templates:  deps.Templates,
		renderer:   deps.Renderer,
		sink:       deps.Sink,
		outcomes:   deps.Outcomes,
		metrics:    deps.Metrics,
		hooks:      LoggingHooks(logger).Merge(deps.Hooks),
		logger:     logger.With(logging.LogFields{"component": "pipeline"}),
		tracer:     otel.Tracer(tracerName),
		now:        now,
		policy:     retryPolicy{maxAttempts: c.RetryMaxAttempts, base: c.RetryBackoffBase, max: c.RetryBackoffMax},
		stats:      newPipelineStats(newResourceTracker()),
		burst:      newThroughputWindow(burstWindow),
		burstLimit: burstLimit,
		slots:      semaphore.NewWeighted(int64(c.QueueSize)),
	}, nil
}

// ValidatorConfig maps the configuration onto the business rule settings.
func ValidatorConfig(c configpkg.Config, now func() time.Time) statement.ValidatorConfig {
	types := make([]statement.Type, 0, len(c.EmptyTransactionTypes))
	for _, t := range c.EmptyTransactionTypes {
		types = append(types, statement.Type(t))
	}
	return statement.ValidatorConfig{
		AmountTolerance:       decimal.NewFromFloat(c.AmountTolerance),
		FutureSkew:            c.FutureSkewTolerance,
		EmptyTransactionTypes: types,
		AllowedCurrencies:     c.AllowedCurrencies,
		Now:                   now,
	}
}

// Process takes one payload to a terminal outcome and settles it with the
// source connector. It never returns without settling, except when the
// connector itself keeps failing (reported in Outcome.SettleErr).
func (p *Pipeline) Process(ctx context.Context, payload *source.RawPayload) Outcome {
	if payload == nil {
		return Outcome{Kind: OutcomeDeferred, Class: errspkg.ClassInternal, Err: errspkg.ErrPayloadRequired}
	}
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "ProcessStatement", trace.WithAttributes(
		attribute.String("stmtflow.payload_id", payload.ID),
		attribute.String("stmtflow.source", string(payload.Provenance.Kind)),
	))
	defer span.End()

	sc := StatementContext{
		PayloadID: payload.ID,
		Source:    payload.Provenance,
		Metadata:  payload.Metadata,
		Context:   ctx,
		StartedAt: start,
	}
	p.hooks.start(sc)

	out := p.execute(ctx, payload, &sc)
	out.PayloadID = payload.ID
	if out.Kind == OutcomeQuarantined && out.Class == errspkg.ClassTemplateNotFound {
		p.raise(Alert{
			Severity:    SeverityCritical,
			Class:       out.Class,
			Message:     out.Err.Error(),
			StatementID: out.StatementID,
			PayloadID:   payload.ID,
			At:          p.now().UTC(),
		})
	}

	out.SettleErr = p.settle(ctx, payload, &out)
	finished := p.now()
	out.Duration = finished.Sub(start)

	span.SetAttributes(
		attribute.String("stmtflow.statement_id", out.StatementID),
		attribute.String("stmtflow.outcome", string(out.Kind)),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Class))
	}

	p.stats.record(out, finished)
	p.metrics.RecordOutcome(out, finished)
	if out.Kind == OutcomeQuarantined {
		p.noteQuarantine(finished)
	}
	p.publishOutcome(ctx, payload, out)

	sc.Duration = out.Duration
	sc.Outcome = out
	p.hooks.finish(sc)
	return out
}

// execute runs the stages. A panic in any stage becomes an internal error
// attributed to that stage.
func (p *Pipeline) execute(ctx context.Context, payload *source.RawPayload, sc *StatementContext) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := &errspkg.InternalError{Cause: fmt.Errorf("panic in %s: %v", out.Stage, r)}
			out = p.failure(ctx, out, err, max(out.Attempts, 1))
		}
	}()

	if err := p.step(ctx, &out, StageReceive, func(context.Context) error {
		return CheckFraming(payload.Data)
	}); err != nil {
		return p.failure(ctx, out, err, 1)
	}

	var rec *statement.Record
	if err := p.step(ctx, &out, StageNormalize, func(context.Context) error {
		var err error
		rec, err = statement.Normalize(payload.Data)
		return err
	}); err != nil {
		return p.failure(ctx, out, err, 1)
	}
	out.StatementID = rec.StatementID
	sc.StatementID = rec.StatementID

	if err := p.step(ctx, &out, StageValidate, func(ctx context.Context) error {
		return p.validator.Validate(ctx, rec)
	}); err != nil {
		return p.failure(ctx, out, err, 1)
	}

	var tmpl *templates.Template
	if err := p.step(ctx, &out, StageResolve, func(context.Context) error {
		var err error
		tmpl, err = p.templates.Resolve(rec.Metadata.TemplateName, rec.Metadata.TemplateVersion)
		return err
	}); err != nil {
		return p.failure(ctx, out, err, 1)
	}
	sc.TemplateName = tmpl.Name
	sc.TemplateVersion = tmpl.Version

	var pdf []byte
	attempts := 0
	if err := p.step(ctx, &out, StageRender, func(ctx context.Context) error {
		var err error
		pdf, attempts, err = retryStage(ctx, p.policy, renderTries,
			[]errspkg.Class{errspkg.ClassRender, errspkg.ClassRenderTimeout},
			p.onRetry(StageRender, out.StatementID),
			func() ([]byte, error) { return p.renderer.Render(ctx, rec, tmpl) })
		return err
	}); err != nil {
		return p.failure(ctx, out, err, attempts)
	}

	var ref sink.ArtifactRef
	if err := p.step(ctx, &out, StageStore, func(ctx context.Context) error {
		var err error
		ref, attempts, err = retryStage(ctx, p.policy, p.conf.RetryMaxAttempts,
			[]errspkg.Class{errspkg.ClassSinkWrite},
			p.onRetry(StageStore, out.StatementID),
			func() (sink.ArtifactRef, error) { return p.sink.Store(ctx, rec.StatementID, tmpl.Version, pdf) })
		return err
	}); err != nil {
		return p.failure(ctx, out, err, attempts)
	}
	p.metrics.RecordArtifact(ref)

	out.Kind = OutcomeSuccess
	out.Artifact = &ref
	out.Attempts = attempts
	return out
}

// step wraps one stage in a span, a debug log line and a stage counter.
func (p *Pipeline) step(ctx context.Context, out *Outcome, stage Stage, fn func(context.Context) error) error {
	out.Stage = stage
	p.metrics.RecordStage(stage)
	p.logger.Debug("Entering stage", logging.LogFields{"stage": stage, "statement_id": out.StatementID})

	ctx, span := p.tracer.Start(ctx, string(stage))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errspkg.Classify(err)))
	}
	return err
}

// failure turns a stage error into a terminal outcome. Exhausted artifact
// writes and cancellations are deferred rather than quarantined so the
// payload is delivered again.
func (p *Pipeline) failure(ctx context.Context, out Outcome, err error, attempts int) Outcome {
	out.Err = err
	out.Class = errspkg.Classify(err)
	out.Attempts = attempts
	switch {
	case out.Class == errspkg.ClassSinkWrite:
		out.Kind = OutcomeDeferred
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		out.Kind = OutcomeDeferred
	default:
		out.Kind = OutcomeQuarantined
	}
	return out
}

func (p *Pipeline) onRetry(stage Stage, statementID string) func(error, time.Duration) {
	return func(err error, wait time.Duration) {
		class := errspkg.Classify(err)
		p.metrics.RecordRetry(stage, class)
		p.logger.Info("Retrying stage", logging.LogFields{
			"stage":        stage,
			"statement_id": statementID,
			"error_class":  class,
			"error":        err.Error(),
			"backoff_ms":   wait.Milliseconds(),
		})
	}
}

// settle reports the outcome to the connector, retrying connection failures.
// A payload that cannot be acknowledged or quarantined is released so it is
// not left claimed.
func (p *Pipeline) settle(ctx context.Context, payload *source.RawPayload, out *Outcome) error {
	var op func() (struct{}, error)
	switch out.Kind {
	case OutcomeSuccess:
		out.Stage = StageAcknowledge
		p.metrics.RecordStage(StageAcknowledge)
		op = func() (struct{}, error) { return struct{}{}, p.source.Acknowledge(ctx, payload) }
	case OutcomeQuarantined:
		rec := source.QuarantineRecord{
			Class:       out.Class,
			Message:     out.Err.Error(),
			Stage:       string(out.Stage),
			StatementID: out.StatementID,
			Attempts:    out.Attempts,
			At:          p.now().UTC(),
		}
		op = func() (struct{}, error) { return struct{}{}, p.source.Quarantine(ctx, payload, rec) }
	default:
		op = func() (struct{}, error) { return struct{}{}, p.source.Release(ctx, payload) }
	}

	_, _, err := retryStage(ctx, p.policy, p.conf.RetryMaxAttempts,
		[]errspkg.Class{errspkg.ClassConnection}, p.onRetry(StageAcknowledge, out.StatementID), op)
	if err == nil {
		return nil
	}
	p.logger.Error("Failed to settle payload", err, logging.LogFields{
		"payload_id": payload.ID,
		"outcome":    out.Kind,
	})
	if out.Kind != OutcomeDeferred {
		if releaseErr := p.source.Release(ctx, payload); releaseErr != nil {
			err = errors.Join(err, releaseErr)
		}
	}
	return err
}

func (p *Pipeline) raise(a Alert) {
	p.metrics.RecordAlert(a)
	p.hooks.alert(a)
}

func (p *Pipeline) noteQuarantine(at time.Time) {
	p.burstMu.Lock()
	snap := p.burst.AddAndSnapshot(at)
	fire := snap.Count >= p.burstLimit
	if fire {
		p.burst.reset()
	}
	p.burstMu.Unlock()

	if fire {
		p.raise(Alert{
			Severity: SeverityWarning,
			Class:    errspkg.ClassNone,
			Message:  fmt.Sprintf("%d statements quarantined within %s", snap.Count, p.burst.horizon),
			At:       at.UTC(),
		})
	}
}

// publishOutcome announces success and quarantine. Deferred payloads come
// back, so nothing is announced for them.
func (p *Pipeline) publishOutcome(ctx context.Context, payload *source.RawPayload, out Outcome) {
	if p.outcomes == nil || out.Kind == OutcomeDeferred {
		return
	}
	if err := p.outcomes.Publish(ctx, out, payload.Metadata); err != nil {
		p.logger.Error("Failed to publish outcome", err, logging.LogFields{
			"payload_id":   payload.ID,
			"statement_id": out.StatementID,
		})
	}
}

// CheckFraming rejects payloads that are not a single JSON object before they
// reach the normalizer.
func CheckFraming(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return &errspkg.MalformedPayloadError{Reason: "payload is empty"}
	}
	if !jsoncodec.Valid(trimmed) {
		return &errspkg.MalformedPayloadError{Reason: "payload is not valid JSON"}
	}
	if trimmed[0] != '{' {
		return &errspkg.MalformedPayloadError{Reason: "payload is not a JSON object"}
	}
	return nil
}
