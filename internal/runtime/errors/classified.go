package errors

import (
	sterrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Class is the failure classification attached to every terminal error. It
// drives retry decisions, quarantine descriptors and metric labels.
type Class string

const (
	ClassNone             Class = "none"
	ClassConnection       Class = "connection"
	ClassMalformedPayload Class = "malformed_payload"
	ClassSchema           Class = "schema"
	ClassBusinessRule     Class = "business_rule"
	ClassTemplateNotFound Class = "template_not_found"
	ClassRender           Class = "render"
	ClassRenderTimeout    Class = "render_timeout"
	ClassSinkWrite        Class = "sink_write"
	ClassInternal         Class = "internal"
)

// Classes lists every non-empty class, in a stable order suitable for metric
// pre-registration and reports.
func Classes() []Class {
	return []Class{
		ClassConnection,
		ClassMalformedPayload,
		ClassSchema,
		ClassBusinessRule,
		ClassTemplateNotFound,
		ClassRender,
		ClassRenderTimeout,
		ClassSinkWrite,
		ClassInternal,
	}
}

// Transient reports whether failures of this class may succeed on retry.
func (c Class) Transient() bool {
	switch c {
	case ClassConnection, ClassSinkWrite, ClassRender, ClassRenderTimeout:
		return true
	default:
		return false
	}
}

// Classified is implemented by every error produced by a pipeline component.
type Classified interface {
	error
	Class() Class
}

// Classify maps any error onto a Class. Errors that carry no classification
// are treated as internal failures.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var c Classified
	if sterrors.As(err, &c) {
		return c.Class()
	}
	return ClassInternal
}

// IsTransient is shorthand for Classify(err).Transient().
func IsTransient(err error) bool {
	return err != nil && Classify(err).Transient()
}

// ConnectionError reports a failure talking to the inbound source or the
// dead-letter destination.
type ConnectionError struct {
	Op    string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stmtflow: connection error during %s: %v", e.Op, e.Cause)
}

func (e *ConnectionError) Unwrap() error { return e.Cause }
func (e *ConnectionError) Class() Class  { return ClassConnection }

// MalformedPayloadError reports a payload that is not a JSON object.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return "stmtflow: malformed payload: " + e.Reason
}

func (e *MalformedPayloadError) Class() Class { return ClassMalformedPayload }

// SchemaError reports a missing or mistyped field at Path.
type SchemaError struct {
	Path   string
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Path == "" {
		return "stmtflow: schema error: " + e.Reason
	}
	return fmt.Sprintf("stmtflow: schema error at %s: %s", e.Path, e.Reason)
}

func (e *SchemaError) Class() Class { return ClassSchema }

// BusinessRuleError reports the first violated validation rule together with
// the values that triggered it.
type BusinessRuleError struct {
	Rule   string
	Values map[string]string
}

func (e *BusinessRuleError) Error() string {
	if len(e.Values) == 0 {
		return "stmtflow: business rule " + e.Rule + " violated"
	}
	keys := make([]string, 0, len(e.Values))
	for k := range e.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+e.Values[k])
	}
	return fmt.Sprintf("stmtflow: business rule %s violated (%s)", e.Rule, strings.Join(parts, ", "))
}

func (e *BusinessRuleError) Class() Class { return ClassBusinessRule }

// TemplateNotFoundError reports that no loaded template matches the requested
// name and version exactly.
type TemplateNotFoundError struct {
	Name    string
	Version string
}

func (e *TemplateNotFoundError) Error() string {
	return fmt.Sprintf("stmtflow: template %s@%s not found", e.Name, e.Version)
}

func (e *TemplateNotFoundError) Class() Class { return ClassTemplateNotFound }

// RenderErrorKind distinguishes markup binding failures from engine failures.
type RenderErrorKind string

const (
	RenderKindMissingBinding RenderErrorKind = "missing_binding"
	RenderKindExecution      RenderErrorKind = "execution"
	RenderKindEngine         RenderErrorKind = "engine"
)

// RenderError reports a failure producing the document.
type RenderError struct {
	Template string
	Kind     RenderErrorKind
	Cause    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("stmtflow: render %s failed (%s): %v", e.Template, e.Kind, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }
func (e *RenderError) Class() Class  { return ClassRender }

// RenderTimeoutError reports that rendering exceeded its wall-clock budget.
type RenderTimeoutError struct {
	Template string
	Timeout  time.Duration
}

func (e *RenderTimeoutError) Error() string {
	return fmt.Sprintf("stmtflow: render %s exceeded %s", e.Template, e.Timeout)
}

func (e *RenderTimeoutError) Class() Class { return ClassRenderTimeout }

// SinkWriteError reports a failure persisting an artifact or its index entry.
type SinkWriteError struct {
	Key   string
	Cause error
}

func (e *SinkWriteError) Error() string {
	return fmt.Sprintf("stmtflow: sink write %s failed: %v", e.Key, e.Cause)
}

func (e *SinkWriteError) Unwrap() error { return e.Cause }
func (e *SinkWriteError) Class() Class  { return ClassSinkWrite }

// InternalError wraps unexpected failures, including recovered panics.
type InternalError struct {
	Cause error
}

func (e *InternalError) Error() string {
	return "stmtflow: internal error: " + e.Cause.Error()
}

func (e *InternalError) Unwrap() error { return e.Cause }
func (e *InternalError) Class() Class  { return ClassInternal }
