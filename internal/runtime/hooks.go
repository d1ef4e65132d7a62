package runtime

import (
	"context"
	"time"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/metadata"
	"github.com/drblury/stmtflow/internal/runtime/source"
)

// StatementContext provides information about one payload's processing to hooks.
type StatementContext struct {
	// PayloadID is the connector's identifier for the payload.
	PayloadID string
	// StatementID is empty until the payload has been normalized.
	StatementID string
	// TemplateName and TemplateVersion are set once the template is resolved.
	TemplateName    string
	TemplateVersion string
	Source          source.Provenance
	Metadata        metadata.Metadata
	Context         context.Context
	StartedAt       time.Time
	// Duration is only set in OnStatementDone and OnStatementError.
	Duration time.Duration
	// Outcome is only set in OnStatementDone and OnStatementError.
	Outcome Outcome
}

// AlertSeverity ranks alerts for downstream routing.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert signals a condition an operator should look at, such as a statement
// asking for a template version that is not registered.
type Alert struct {
	Severity    AlertSeverity
	Class       errspkg.Class
	Message     string
	StatementID string
	PayloadID   string
	At          time.Time
}

// StatementHooks defines callbacks for statement lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type StatementHooks struct {
	// OnStatementStart is called before the payload enters the first stage.
	OnStatementStart func(ctx StatementContext)

	// OnStatementDone is called after a payload succeeded and was acknowledged.
	OnStatementDone func(ctx StatementContext)

	// OnStatementError is called for quarantined and deferred payloads.
	OnStatementError func(ctx StatementContext, err error)

	// OnAlert is called for template misconfiguration and quarantine bursts.
	OnAlert func(alert Alert)
}

// Merge combines two StatementHooks, creating a new StatementHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h StatementHooks) Merge(other StatementHooks) StatementHooks {
	return StatementHooks{
		OnStatementStart: chain(h.OnStatementStart, other.OnStatementStart),
		OnStatementDone:  chain(h.OnStatementDone, other.OnStatementDone),
		OnStatementError: chain2(h.OnStatementError, other.OnStatementError),
		OnAlert:          chain(h.OnAlert, other.OnAlert),
	}
}

func chain[T any](a, b func(T)) func(T) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T) {
		a(v)
		b(v)
	}
}

func chain2[T, U any](a, b func(T, U)) func(T, U) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(v T, u U) {
		a(v, u)
		b(v, u)
	}
}

func (h StatementHooks) start(ctx StatementContext) {
	if h.OnStatementStart != nil {
		h.OnStatementStart(ctx)
	}
}

func (h StatementHooks) finish(ctx StatementContext) {
	if ctx.Outcome.Kind == OutcomeSuccess {
		if h.OnStatementDone != nil {
			h.OnStatementDone(ctx)
		}
		return
	}
	if h.OnStatementError != nil {
		h.OnStatementError(ctx, ctx.Outcome.Err)
	}
}

func (h StatementHooks) alert(a Alert) {
	if h.OnAlert != nil {
		h.OnAlert(a)
	}
}

// LoggingHooks returns pre-built hooks that log statement lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) StatementHooks {
	return StatementHooks{
		OnStatementStart: func(ctx StatementContext) {
			logger.Debug("Statement received", logging.LogFields{
				"payload_id": ctx.PayloadID,
				"source":     ctx.Source.Kind,
			})
		},
		OnStatementDone: func(ctx StatementContext) {
			fields := logging.LogFields{
				"payload_id":       ctx.PayloadID,
				"statement_id":     ctx.StatementID,
				"template_version": ctx.TemplateVersion,
				"duration_ms":      ctx.Duration.Milliseconds(),
			}
			if ref := ctx.Outcome.Artifact; ref != nil {
				fields["artifact_key"] = ref.Key
				fields["deduplicated"] = ref.Deduplicated
			}
			logger.Info("Statement processed", fields)
		},
		OnStatementError: func(ctx StatementContext, err error) {
			logger.Error("Statement not processed", err, logging.LogFields{
				"payload_id":   ctx.PayloadID,
				"statement_id": ctx.StatementID,
				"outcome":      ctx.Outcome.Kind,
				"error_class":  ctx.Outcome.Class,
				"failed_stage": ctx.Outcome.Stage,
				"attempts":     ctx.Outcome.Attempts,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnAlert: func(a Alert) {
			logger.Error("Pipeline alert", nil, logging.LogFields{
				"severity":     a.Severity,
				"error_class":  a.Class,
				"message":      a.Message,
				"statement_id": a.StatementID,
			})
		},
	}
}

// AlertingHooks returns hooks that forward alerts to alertFunc.
func AlertingHooks(alertFunc func(Alert)) StatementHooks {
	return StatementHooks{
		OnAlert: alertFunc,
	}
}
