// Package render turns a validated statement and its resolved template into a
// PDF document.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/statement"
	"github.com/drblury/stmtflow/internal/runtime/templates"
)

// DefaultTimeout bounds a single render when none is configured.
const DefaultTimeout = 30 * time.Second

// Document is the executed markup handed to an Engine.
type Document struct {
	Title string
	// Markup is the line-oriented layout produced by the template.
	Markup string
	// CreatedAt is stamped into the document metadata. Using the statement
	// date keeps output byte-stable across runs.
	CreatedAt time.Time
}

// Engine lays a Document out as PDF bytes.
type Engine interface {
	Render(ctx context.Context, doc Document) ([]byte, error)
}

// Renderer binds records to templates and runs the engine under a wall-clock
// timeout. It has no storage side effects.
type Renderer struct {
	engine  Engine
	timeout time.Duration
}

// New returns a Renderer. A nil engine selects the PDF engine and a
// non-positive timeout selects DefaultTimeout.
func New(engine Engine, timeout time.Duration) *Renderer {
	if engine == nil {
		engine = NewPDFEngine()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Renderer{engine: engine, timeout: timeout}
}

type result struct {
	pdf []byte
	err error
}

// Render returns the PDF bytes or a *RenderError / *RenderTimeoutError. An
// engine that ignores cancellation keeps running in the background after the
// timeout fires; its result is discarded.
func (r *Renderer) Render(ctx context.Context, rec *statement.Record, tmpl *templates.Template) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: &errspkg.RenderError{
					Template: tmpl.ID(),
					Kind:     errspkg.RenderKindEngine,
					Cause:    fmt.Errorf("panic: %v", p),
				}}
			}
		}()
		pdf, err := r.render(ctx, rec, tmpl)
		done <- result{pdf: pdf, err: err}
	}()

	select {
	case res := <-done:
		return res.pdf, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &errspkg.RenderTimeoutError{Template: tmpl.ID(), Timeout: r.timeout}
		}
		return nil, ctx.Err()
	}
}

func (r *Renderer) render(ctx context.Context, rec *statement.Record, tmpl *templates.Template) ([]byte, error) {
	markup, err := Bind(rec, tmpl)
	if err != nil {
		return nil, err
	}
	pdf, err := r.engine.Render(ctx, Document{
		Title:     "Statement " + rec.StatementID,
		Markup:    markup,
		CreatedAt: rec.StatementDate,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &errspkg.RenderError{Template: tmpl.ID(), Kind: errspkg.RenderKindEngine, Cause: err}
	}
	return pdf, nil
}

// Bind executes tmpl against the record projected onto the template's
// declared fields. References to anything else fail with a missing_binding
// RenderError.
func Bind(rec *statement.Record, tmpl *templates.Template) (string, error) {
	view := statement.Project(rec.View(), tmpl.Fields)
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		kind := errspkg.RenderKindExecution
		if strings.Contains(err.Error(), "map has no entry for key") {
			kind = errspkg.RenderKindMissingBinding
		}
		return "", &errspkg.RenderError{Template: tmpl.ID(), Kind: kind, Cause: err}
	}
	return buf.String(), nil
}
