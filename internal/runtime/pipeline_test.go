package runtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/drblury/stmtflow/internal/runtime"
	"github.com/drblury/stmtflow/internal/runtime/config"
	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	"github.com/drblury/stmtflow/internal/runtime/render"
	"github.com/drblury/stmtflow/internal/runtime/sink"
	"github.com/drblury/stmtflow/internal/runtime/source"
	"github.com/drblury/stmtflow/internal/runtime/statement"
	"github.com/drblury/stmtflow/internal/runtime/statement/statementtest"
	"github.com/drblury/stmtflow/internal/runtime/templates"
	tt "github.com/drblury/stmtflow/internal/runtime/templates/templatestest"
)

var fixedNow = time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

// recordingSource is an in-memory connector that records how each payload
// was settled.
type recordingSource struct {
	mu          sync.Mutex
	pending     []*source.RawPayload
	batch       int
	pollErrs    []error
	polls       int
	ackFailures int

	acked       []string
	released    []string
	quarantined []source.QuarantineRecord
	status      source.Status
}

func newRecordingSource(batch int) *recordingSource {
	return &recordingSource{batch: batch, status: source.StatusConnected}
}

func (s *recordingSource) push(id string, data []byte) *source.RawPayload {
	p := &source.RawPayload{ID: id, Data: data, Provenance: source.Provenance{Kind: source.KindFile, Path: id}}
	s.mu.Lock()
	s.pending = append(s.pending, p)
	s.mu.Unlock()
	return p
}

func (s *recordingSource) Poll(ctx context.Context) ([]*source.RawPayload, error) {
	s.mu.Lock()
	s.polls++
	if len(s.pollErrs) > 0 {
		err := s.pollErrs[0]
		s.pollErrs = s.pollErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	n := min(s.batch, len(s.pending))
	batch := s.pending[:n:n]
	s.pending = s.pending[n:]
	s.mu.Unlock()

	if len(batch) > 0 {
		return batch, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

func (s *recordingSource) Acknowledge(_ context.Context, p *source.RawPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackFailures > 0 {
		s.ackFailures--
		return &errspkg.ConnectionError{Op: "archive", Cause: errors.New("busy")}
	}
	s.acked = append(s.acked, p.ID)
	return nil
}

func (s *recordingSource) Quarantine(_ context.Context, p *source.RawPayload, rec source.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Source = p.Provenance
	s.quarantined = append(s.quarantined, rec)
	return nil
}

func (s *recordingSource) Release(_ context.Context, p *source.RawPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, p.ID)
	return nil
}

func (s *recordingSource) Status() source.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *recordingSource) Close() error { return nil }

func (s *recordingSource) snapshot() (acked, released []string, quarantined []source.QuarantineRecord, polls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...), append([]string(nil), s.released...),
		append([]source.QuarantineRecord(nil), s.quarantined...), s.polls
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Store(_ context.Context, statementID, templateVersion string, pdf []byte) (sink.ArtifactRef, error) {
	args := m.Called(statementID, templateVersion)
	return args.Get(0).(sink.ArtifactRef), args.Error(1)
}

type mockRenderer struct {
	mock.Mock
}

func (m *mockRenderer) Render(_ context.Context, rec *statement.Record, tmpl *templates.Template) ([]byte, error) {
	args := m.Called(rec.StatementID, tmpl.ID())
	if fn, ok := args.Get(0).(func()); ok {
		fn()
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// blockingRenderer waits for gate before delegating.
type blockingRenderer struct {
	next    runtime.StatementRenderer
	gate    chan struct{}
	started chan string
}

func (b *blockingRenderer) Render(ctx context.Context, rec *statement.Record, tmpl *templates.Template) ([]byte, error) {
	b.started <- rec.StatementID
	<-b.gate
	return b.next.Render(ctx, rec, tmpl)
}

type harness struct {
	pipeline *runtime.Pipeline
	source   *recordingSource
	sink     *sink.Sink
	registry *templates.Registry

	mu     sync.Mutex
	alerts []runtime.Alert
	done   []runtime.StatementContext
	failed []runtime.StatementContext
}

func (h *harness) alertsSeen() []runtime.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]runtime.Alert(nil), h.alerts...)
}

func testConfig() *config.Config {
	return &config.Config{
		DataSourceType:   config.SourceFileBatch,
		BatchSize:        10,
		Workers:          2,
		RetryMaxAttempts: 3,
		RetryBackoffBase: time.Millisecond,
		RetryBackoffMax:  5 * time.Millisecond,
		RenderTimeout:    5 * time.Second,
		PollInterval:     10 * time.Millisecond,
	}
}

func newHarness(t *testing.T, customize ...func(*config.Config, *runtime.Dependencies)) *harness {
	t.Helper()
	registry, err := templates.NewRegistry(&templates.FSSource{FS: tt.FS(tt.Monthly("1.0", "1.1"))}, nil)
	require.NoError(t, err)
	require.NoError(t, registry.Reload(context.Background()))

	blobs, err := sink.NewFileBlobStore(t.TempDir())
	require.NoError(t, err)
	store, err := sink.New(blobs, sink.NewMemoryIndex())
	require.NoError(t, err)

	h := &harness{source: newRecordingSource(10), sink: store, registry: registry}
	conf := testConfig()
	deps := runtime.Dependencies{
		Source:    h.source,
		Templates: registry,
		Renderer:  render.New(nil, conf.RenderTimeout),
		Sink:      store,
		Now:       func() time.Time { return fixedNow },
		Hooks: runtime.StatementHooks{
			OnStatementDone: func(sc runtime.StatementContext) {
				h.mu.Lock()
				h.done = append(h.done, sc)
				h.mu.Unlock()
			},
			OnStatementError: func(sc runtime.StatementContext, _ error) {
				h.mu.Lock()
				h.failed = append(h.failed, sc)
				h.mu.Unlock()
			},
			OnAlert: func(a runtime.Alert) {
				h.mu.Lock()
				h.alerts = append(h.alerts, a)
				h.mu.Unlock()
			},
		},
	}
	for _, c := range customize {
		c(conf, &deps)
	}
	h.pipeline, err = runtime.NewPipeline(conf, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) process(t *testing.T, id string, data []byte) runtime.Outcome {
	t.Helper()
	p := &source.RawPayload{ID: id, Data: data, Provenance: source.Provenance{Kind: source.KindFile, Path: id}}
	return h.pipeline.Process(context.Background(), p)
}

func mutate(t *testing.T, data []byte, mutators ...statementtest.Mutator) []byte {
	t.Helper()
	var doc map[string]any
	require.NoError(t, jsoncodec.UnmarshalUseNumber(data, &doc))
	for _, m := range mutators {
		m(doc)
	}
	out, err := jsoncodec.Marshal(doc)
	require.NoError(t, err)
	return out
}

// referenceStatement is STMT-2024-001 with transactions summing to 500.00
// and an opening balance of zero.
func referenceStatement() []byte {
	return statementtest.Simple("0.00", "200.00", "300.00")
}

func TestNewPipelineRequiresCollaborators(t *testing.T) {
	conf := testConfig()
	src := newRecordingSource(1)
	_, err := runtime.NewPipeline(nil, runtime.Dependencies{})
	assert.Error(t, err)
	_, err = runtime.NewPipeline(conf, runtime.Dependencies{})
	assert.ErrorIs(t, err, errspkg.ErrSourceRequired)
	_, err = runtime.NewPipeline(conf, runtime.Dependencies{Source: src})
	assert.ErrorIs(t, err, errspkg.ErrRegistryRequired)
	_, err = runtime.NewPipeline(conf, runtime.Dependencies{Source: src, Templates: &templates.Registry{}})
	assert.ErrorIs(t, err, errspkg.ErrRendererRequired)
	_, err = runtime.NewPipeline(conf, runtime.Dependencies{Source: src, Templates: &templates.Registry{}, Renderer: render.New(nil, 0)})
	assert.ErrorIs(t, err, errspkg.ErrSinkRequired)
}

func TestReferenceStatementSucceeds(t *testing.T) {
	h := newHarness(t)

	out := h.process(t, "p1", referenceStatement())

	require.Equal(t, runtime.OutcomeSuccess, out.Kind, "error: %v", out.Err)
	assert.Equal(t, "STMT-2024-001", out.StatementID)
	assert.Equal(t, runtime.StageAcknowledge, out.Stage)
	require.NotNil(t, out.Artifact)
	assert.Equal(t, "STMT-2024-001", out.Artifact.StatementID)
	assert.Equal(t, "1.0", out.Artifact.TemplateVersion)
	assert.Equal(t, sink.Key("STMT-2024-001", out.Artifact.ContentHash), out.Artifact.Key)
	assert.False(t, out.Artifact.Deduplicated)

	acked, released, quarantined, _ := h.source.snapshot()
	assert.Equal(t, []string{"p1"}, acked)
	assert.Empty(t, released)
	assert.Empty(t, quarantined)

	history, err := h.sink.History(context.Background(), "STMT-2024-001")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestTotalsMismatchIsQuarantinedWithoutArtifact(t *testing.T) {
	h := newHarness(t)
	data := mutate(t, referenceStatement(),
		statementtest.SetIn("totals", "closing", json.Number("450.00")),
		statementtest.SetIn("balances", "closing", json.Number("450.00")),
	)

	out := h.process(t, "p1", data)

	require.Equal(t, runtime.OutcomeQuarantined, out.Kind)
	assert.Equal(t, errspkg.ClassBusinessRule, out.Class)
	assert.Equal(t, runtime.StageValidate, out.Stage)
	var rule *errspkg.BusinessRuleError
	require.ErrorAs(t, out.Err, &rule)
	assert.Equal(t, statement.RuleTotalsReconcile, rule.Rule)

	acked, _, quarantined, _ := h.source.snapshot()
	assert.Empty(t, acked)
	require.Len(t, quarantined, 1)
	assert.Equal(t, errspkg.ClassBusinessRule, quarantined[0].Class)
	assert.Equal(t, "validate", quarantined[0].Stage)
	assert.Equal(t, "STMT-2024-001", quarantined[0].StatementID)

	history, err := h.sink.History(context.Background(), "STMT-2024-001")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestUnregisteredTemplateVersionFailsClosed(t *testing.T) {
	h := newHarness(t)
	data := mutate(t, referenceStatement(), statementtest.Version("9.9"))

	out := h.process(t, "p1", data)

	require.Equal(t, runtime.OutcomeQuarantined, out.Kind)
	assert.Equal(t, errspkg.ClassTemplateNotFound, out.Class)
	var notFound *errspkg.TemplateNotFoundError
	require.ErrorAs(t, out.Err, &notFound)
	assert.Equal(t, "9.9", notFound.Version)

	alerts := h.alertsSeen()
	require.Len(t, alerts, 1)
	assert.Equal(t, runtime.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, errspkg.ClassTemplateNotFound, alerts[0].Class)
	assert.Equal(t, "STMT-2024-001", alerts[0].StatementID)

	history, err := h.sink.History(context.Background(), "STMT-2024-001")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMalformedPayloadsAreQuarantinedBeforeNormalizing(t *testing.T) {
	for name, data := range map[string]string{
		"empty":     "  ",
		"not json":  `{"statement_id":`,
		"array":     `[1, 2, 3]`,
		"bare text": `hello`,
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			out := h.process(t, "bad", []byte(data))

			require.Equal(t, runtime.OutcomeQuarantined, out.Kind)
			assert.Equal(t, errspkg.ClassMalformedPayload, out.Class)
			assert.Equal(t, runtime.StageReceive, out.Stage)
			assert.Empty(t, out.StatementID)

			_, _, quarantined, _ := h.source.snapshot()
			require.Len(t, quarantined, 1)
			assert.Equal(t, 1, quarantined[0].Attempts)
		})
	}
}

func TestSchemaErrorsReportFieldPath(t *testing.T) {
	h := newHarness(t)
	out := h.process(t, "p1", mutate(t, referenceStatement(), statementtest.Delete("customer_id")))

	require.Equal(t, runtime.OutcomeQuarantined, out.Kind)
	assert.Equal(t, errspkg.ClassSchema, out.Class)
	assert.Equal(t, runtime.StageNormalize, out.Stage)
	var schema *errspkg.SchemaError
	require.ErrorAs(t, out.Err, &schema)
	assert.Equal(t, "customer_id", schema.Path)
}

func TestRedeliveryWithIdenticalContentIsDeduplicated(t *testing.T) {
	h := newHarness(t)

	first := h.process(t, "p1", referenceStatement())
	second := h.process(t, "p2", referenceStatement())

	require.Equal(t, runtime.OutcomeSuccess, first.Kind)
	require.Equal(t, runtime.OutcomeSuccess, second.Kind)
	assert.True(t, second.Artifact.Deduplicated)
	assert.Equal(t, first.Artifact.Key, second.Artifact.Key)

	history, err := h.sink.History(context.Background(), "STMT-2024-001")
	require.NoError(t, err)
	assert.Len(t, history, 1)

	acked, _, _, _ := h.source.snapshot()
	assert.Equal(t, []string{"p1", "p2"}, acked)
}

func TestRedeliveryWithChangedContentSupersedes(t *testing.T) {
	h := newHarness(t)

	first := h.process(t, "p1", referenceStatement())
	changed := mutate(t, referenceStatement(),
		statementtest.SetTransaction(0, "description", "Corrected deposit"),
		statementtest.Version("1.1"),
	)
	second := h.process(t, "p2", changed)

	require.Equal(t, runtime.OutcomeSuccess, second.Kind, "error: %v", second.Err)
	assert.False(t, second.Artifact.Deduplicated)
	assert.NotEqual(t, first.Artifact.ContentHash, second.Artifact.ContentHash)
	assert.Equal(t, first.Artifact.ContentHash, second.Artifact.Supersedes)
	assert.Equal(t, "1.1", second.Artifact.TemplateVersion)

	history, err := h.sink.History(context.Background(), "STMT-2024-001")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, second.Artifact.Key, history[0].SupersededBy)
	assert.True(t, history[1].Current())

	current, err := h.sink.Current(context.Background(), "STMT-2024-001")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, second.Artifact.Key, current.Key)
}

func TestRenderFailureIsRetriedOnceThenQuarantined(t *testing.T) {
	renderer := new(mockRenderer)
	renderErr := &errspkg.RenderError{Template: "monthly@1.0", Kind: errspkg.RenderKindEngine, Cause: errors.New("font missing")}
	renderer.On("Render", "STMT-2024-001", "monthly@1.0").Return([]byte(nil), renderErr).Twice()

	h := newHarness(t, func(_ *config.Config, d *runtime.Dependencies) { d.Renderer = renderer })
	out := h.process(t, "p1", referenceStatement())

	require.Equal(t, runtime.OutcomeQuarantined, out.Kind)
	assert.Equal(t, errspkg.ClassRender, out.Class)
	assert.Equal(t, runtime.StageRender, out.Stage)
	assert.Equal(t, 2, out.Attempts)
	renderer.AssertExpectations(t)
}

func TestRenderSucceedsOnRetry(t *testing.T) {
	renderer := new(mockRenderer)
	renderer.On("Render", "STMT-2024-001", "monthly@1.0").
		Return([]byte(nil), &errspkg.RenderTimeoutError{Template: "monthly@1.0", Timeout: time.Second}).Once()
	renderer.On("Render", "STMT-2024-001", "monthly@1.0").Return([]byte("%PDF-1.3 test"), nil).Once()

	h := newHarness(t, func(_ *config.Config, d *runtime.Dependencies) { d.Renderer = renderer })
	out := h.process(t, "p1", referenceStatement())

	require.Equal(t, runtime.OutcomeSuccess, out.Kind, "error: %v", out.Err)
	assert.Equal(t, sink.Hash([]byte("%PDF-1.3 test")), out.Artifact.ContentHash)
	renderer.AssertExpectations(t)
}

func TestSinkExhaustionLeavesPayloadUnacknowledged(t *testing.T) {
	store := new(mockStore)
	store.On("Store", "STMT-2024-001", "1.0").
		Return(sink.ArtifactRef{}, &errspkg.SinkWriteError{Key: "k", Cause: errors.New("disk full")}).Times(3)

	h := newHarness(t, func(_ *config.Config, d *runtime.Dependencies) { d.Sink = store })
	out := h.process(t, "p1", referenceStatement())

	require.Equal(t, runtime.OutcomeDeferred, out.Kind)
	assert.Equal(t, errspkg.ClassSinkWrite, out.Class)
	assert.Equal(t, 3, out.Attempts)

	acked, released, quarantined, _ := h.source.snapshot()
	assert.Empty(t, acked)
	assert.Empty(t, quarantined, "an exhausted write must not produce a failure record")
	assert.Equal(t, []string{"p1"}, released)
	store.AssertExpectations(t)
}

func TestSinkRecoversWithinRetryBudget(t *testing.T) {
	store := new(mockStore)
	ref := sink.ArtifactRef{StatementID: "STMT-2024-001", TemplateVersion: "1.0", Key: "statements/STMT-2024-001/x.pdf"}
	store.On("Store", "STMT-2024-001", "1.0").
		Return(sink.ArtifactRef{}, &errspkg.SinkWriteError{Key: "k", Cause: errors.New("timeout")}).Once()
	store.On("Store", "STMT-2024-001", "1.0").Return(ref, nil).Once()

	h := newHarness(t, func(_ *config.Config, d *runtime.Dependencies) { d.Sink = store })
	out := h.process(t, "p1", referenceStatement())

	require.Equal(t, runtime.OutcomeSuccess, out.Kind)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, ref.Key, out.Artifact.Key)
}

func TestPanicInStageBecomesInternalError(t *testing.T) {
	renderer := new(mockRenderer)
	renderer.On("Render", "STMT-2024-001", "monthly@1.0").Return(func() { panic("boom") }, nil)

	h := newHarness(t, func(_ *config.Config, d *runtime.Dependencies) { d.Renderer = renderer })
	out := h.process(t, "p1", referenceStatement())

	require.Equal(t, runtime.OutcomeQuarantined, out.Kind)
	assert.Equal(t, errspkg.ClassInternal, out.Class)
	assert.Equal(t, runtime.StageRender, out.Stage)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestAcknowledgeRetriesConnectionErrors(t *testing.T) {
	h := newHarness(t)
	h.source.ackFailures = 2

	out := h.process(t, "p1", referenceStatement())

	require.Equal(t, runtime.OutcomeSuccess, out.Kind)
	assert.NoError(t, out.SettleErr)
	acked, released, _, _ := h.source.snapshot()
	assert.Equal(t, []string{"p1"}, acked)
	assert.Empty(t, released)
}

func TestAcknowledgeFailureReleasesPayload(t *testing.T) {
	h := newHarness(t)
	h.source.ackFailures = 10

	out := h.process(t, "p1", referenceStatement())

	assert.Equal(t, runtime.OutcomeSuccess, out.Kind)
	assert.Error(t, out.SettleErr)
	_, released, _, _ := h.source.snapshot()
	assert.Equal(t, []string{"p1"}, released)
}

func TestHooksSeeStatementDetails(t *testing.T) {
	h := newHarness(t)
	h.process(t, "ok", referenceStatement())
	h.process(t, "bad", []byte("nope"))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.done, 1)
	assert.Equal(t, "STMT-2024-001", h.done[0].StatementID)
	assert.Equal(t, "monthly", h.done[0].TemplateName)
	assert.Equal(t, "1.0", h.done[0].TemplateVersion)
	assert.Equal(t, runtime.OutcomeSuccess, h.done[0].Outcome.Kind)

	require.Len(t, h.failed, 1)
	assert.Equal(t, "bad", h.failed[0].PayloadID)
	assert.Equal(t, errspkg.ClassMalformedPayload, h.failed[0].Outcome.Class)
}

func TestQuarantineBurstRaisesWarning(t *testing.T) {
	h := newHarness(t, func(_ *config.Config, d *runtime.Dependencies) {
		d.QuarantineBurst = 3
		d.BurstWindow = time.Hour
	})
	for i := 0; i < 4; i++ {
		h.process(t, "bad", []byte("nope"))
	}

	alerts := h.alertsSeen()
	require.Len(t, alerts, 1)
	assert.Equal(t, runtime.SeverityWarning, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "3 statements quarantined")
}

func TestHealthReportsLastSuccess(t *testing.T) {
	h := newHarness(t)
	assert.Nil(t, h.pipeline.Health().LastSuccessAt)

	h.process(t, "p1", referenceStatement())

	health := h.pipeline.Health()
	require.NotNil(t, health.LastSuccessAt)
	assert.Equal(t, fixedNow, *health.LastSuccessAt)
	assert.Equal(t, source.StatusConnected, health.SourceStatus)
	assert.True(t, health.Healthy())
}

func TestRunProcessesBatchWithoutBlockingOnFailures(t *testing.T) {
	h := newHarness(t)
	h.source.push("bad", []byte("{not json"))
	h.source.push("ok", referenceStatement())
	h.source.push("rule", mutate(t, statementtest.Simple("0.00", "500.00"),
		statementtest.Set("statement_id", "STMT-2024-002"),
		statementtest.SetIn("totals", "closing", json.Number("450.00")),
	))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	assert.Eventually(t, func() bool {
		acked, _, quarantined, _ := h.source.snapshot()
		return len(acked) == 1 && len(quarantined) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	acked, released, _, _ := h.source.snapshot()
	assert.Equal(t, []string{"ok"}, acked)
	assert.Empty(t, released)
	assert.Equal(t, int64(0), h.pipeline.Health().Backlog)
}

func TestRunAppliesBackpressure(t *testing.T) {
	gate := make(chan struct{})
	blocking := &blockingRenderer{gate: gate, started: make(chan string, 10)}
	h := newHarness(t, func(c *config.Config, d *runtime.Dependencies) {
		c.BatchSize = 2
		c.QueueSize = 2
		c.Workers = 1
		blocking.next = d.Renderer
		d.Renderer = blocking
	})
	h.source.batch = 2
	for i, id := range []string{"A", "B", "C", "D"} {
		h.source.push(id, mutate(t, referenceStatement(), statementtest.Set("statement_id", "STMT-"+string(rune('1'+i)))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first statement never reached the renderer")
	}
	time.Sleep(50 * time.Millisecond)

	_, _, _, polls := h.source.snapshot()
	assert.Equal(t, 1, polls, "feeder must not poll while the queue is full")
	assert.Equal(t, int64(2), h.pipeline.Health().Backlog)

	close(gate)
	assert.Eventually(t, func() bool {
		acked, _, _, _ := h.source.snapshot()
		return len(acked) == 4
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunReleasesUnstartedPayloadsOnShutdown(t *testing.T) {
	gate := make(chan struct{})
	blocking := &blockingRenderer{gate: gate, started: make(chan string, 10)}
	h := newHarness(t, func(c *config.Config, d *runtime.Dependencies) {
		c.BatchSize = 3
		c.QueueSize = 3
		c.Workers = 1
		blocking.next = d.Renderer
		d.Renderer = blocking
	})
	h.source.batch = 3
	for i, id := range []string{"first", "second", "third"} {
		h.source.push(id, mutate(t, referenceStatement(), statementtest.Set("statement_id", "STMT-"+string(rune('A'+i)))))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first statement never reached the renderer")
	}
	cancel()
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	acked, released, quarantined, _ := h.source.snapshot()
	assert.Equal(t, []string{"first"}, acked, "the in-flight statement must finish")
	assert.ElementsMatch(t, []string{"second", "third"}, released)
	assert.Empty(t, quarantined)
}

func TestRunPollFailuresDegradeHealth(t *testing.T) {
	h := newHarness(t, func(c *config.Config, _ *runtime.Dependencies) {
		c.RetryBackoffBase = 20 * time.Millisecond
		c.RetryBackoffMax = 20 * time.Millisecond
	})
	conn := &errspkg.ConnectionError{Op: "poll", Cause: errors.New("broker unreachable")}
	h.source.pollErrs = []error{conn, conn, conn, conn, conn}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return h.pipeline.Health().SourceStatus == source.StatusDegraded
	}, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return h.pipeline.Health().SourceStatus == source.StatusConnected
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunStopsWhenConnectorCloses(t *testing.T) {
	h := newHarness(t)
	h.source.pollErrs = []error{errspkg.ErrConnectorClosed}

	err := h.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrConnectorClosed)
}
