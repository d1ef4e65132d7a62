package runtime

import (
	"time"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/sink"
)

// Stage is a step of the statement state machine.
type Stage string

const (
	StageReceive     Stage = "receive"
	StageNormalize   Stage = "normalize"
	StageValidate    Stage = "validate"
	StageResolve     Stage = "resolve_template"
	StageRender      Stage = "render"
	StageStore       Stage = "store"
	StageAcknowledge Stage = "acknowledge"
)

// OutcomeKind is the terminal state of one payload.
type OutcomeKind string

const (
	OutcomeSuccess     OutcomeKind = "success"
	OutcomeQuarantined OutcomeKind = "quarantined"
	// OutcomeDeferred leaves the payload unacknowledged for redelivery. It is
	// used when artifact writes stay failing after every retry and when
	// processing was cancelled.
	OutcomeDeferred OutcomeKind = "deferred"
)

// Outcome is emitted exactly once per payload.
type Outcome struct {
	Kind        OutcomeKind
	PayloadID   string
	StatementID string
	// Stage is the last stage entered; for failures it is the stage that failed.
	Stage    Stage
	Class    errspkg.Class
	Err      error
	Artifact *sink.ArtifactRef
	// Attempts counts executions of the failing (or final) stage.
	Attempts int
	Duration time.Duration
	// SettleErr is set when the connector could not acknowledge, quarantine
	// or release the payload.
	SettleErr error
}

// Succeeded reports whether an artifact is stored for the payload.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}
