package runtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/logging"
)

func TestMergeCallsBothInOrder(t *testing.T) {
	var calls []string
	first := StatementHooks{
		OnStatementStart: func(StatementContext) { calls = append(calls, "first-start") },
		OnStatementError: func(StatementContext, error) { calls = append(calls, "first-error") },
	}
	second := StatementHooks{
		OnStatementStart: func(StatementContext) { calls = append(calls, "second-start") },
		OnAlert:          func(Alert) { calls = append(calls, "second-alert") },
	}

	merged := first.Merge(second)
	merged.start(StatementContext{})
	merged.finish(StatementContext{Outcome: Outcome{Kind: OutcomeQuarantined, Err: errors.New("x")}})
	merged.alert(Alert{})

	assert.Equal(t, []string{"first-start", "second-start", "first-error", "second-alert"}, calls)
}

func TestMergeWithEmptyHooksIsSafe(t *testing.T) {
	merged := StatementHooks{}.Merge(StatementHooks{})
	assert.Nil(t, merged.OnStatementDone)

	merged.start(StatementContext{})
	merged.finish(StatementContext{Outcome: Outcome{Kind: OutcomeSuccess}})
	merged.alert(Alert{})
}

func TestFinishRoutesByOutcome(t *testing.T) {
	var done, failed int
	var gotErr error
	hooks := StatementHooks{
		OnStatementDone:  func(StatementContext) { done++ },
		OnStatementError: func(_ StatementContext, err error) { failed++; gotErr = err },
	}

	hooks.finish(StatementContext{Outcome: Outcome{Kind: OutcomeSuccess}})
	sinkErr := &errspkg.SinkWriteError{Key: "k", Cause: errors.New("disk full")}
	hooks.finish(StatementContext{Outcome: Outcome{Kind: OutcomeDeferred, Err: sinkErr}})

	assert.Equal(t, 1, done)
	assert.Equal(t, 1, failed)
	assert.ErrorIs(t, gotErr, sinkErr)
}

func TestLoggingHooksDoNotPanic(t *testing.T) {
	hooks := LoggingHooks(logging.NewNopServiceLogger())
	require.NotNil(t, hooks.OnStatementStart)
	require.NotNil(t, hooks.OnAlert)

	hooks.start(StatementContext{PayloadID: "p1"})
	hooks.finish(StatementContext{PayloadID: "p1", Outcome: Outcome{Kind: OutcomeSuccess}})
	hooks.finish(StatementContext{PayloadID: "p2", Outcome: Outcome{Kind: OutcomeQuarantined, Err: errors.New("bad")}})
	hooks.alert(Alert{Severity: SeverityCritical, Message: "template missing"})
}

func TestAlertingHooks(t *testing.T) {
	var got []Alert
	hooks := AlertingHooks(func(a Alert) { got = append(got, a) })
	hooks.alert(Alert{Severity: SeverityWarning, Message: "burst"})

	require.Len(t, got, 1)
	assert.Equal(t, SeverityWarning, got[0].Severity)
}
