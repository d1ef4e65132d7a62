package runtime_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/stmtflow/internal/runtime"
	"github.com/drblury/stmtflow/internal/runtime/config"
	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	"github.com/drblury/stmtflow/internal/runtime/source"
	"github.com/drblury/stmtflow/internal/runtime/templates"
)

type brokenCatalog struct{}

func (brokenCatalog) List() []templates.Summary { return nil }

func (brokenCatalog) Reload(context.Context) error {
	return errors.New("monthly@2.0: markup: unexpected EOF")
}

func serve(t *testing.T, handler http.Handler, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminHealth(t *testing.T) {
	h := newHarness(t)
	admin := runtime.NewAdminServer(h.pipeline, nil, nil, nil, nil)

	rec := serve(t, admin.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health runtime.Health
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, source.StatusConnected, health.SourceStatus)
	assert.Nil(t, health.LastSuccessAt)

	h.source.mu.Lock()
	h.source.status = source.StatusDisconnected
	h.source.mu.Unlock()

	rec = serve(t, admin.Handler(), http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminStatsWithCORS(t *testing.T) {
	h := newHarness(t)
	h.process(t, "p1", referenceStatement())
	admin := runtime.NewAdminServer(h.pipeline, nil, nil, []string{"https://ops.example.com"}, nil)

	rec := serve(t, admin.Handler(), http.MethodGet, "/api/stats", http.Header{"Origin": {"https://ops.example.com"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	var stats map[string]any
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(1), stats["succeeded"])

	rec = serve(t, admin.Handler(), http.MethodGet, "/api/stats", http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(t, admin.Handler(), http.MethodOptions, "/api/stats", http.Header{"Origin": {"https://ops.example.com"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := runtime.NewMetrics(reg)
	require.NoError(t, metrics.Register())
	h := newHarness(t, func(_ *config.Config, d *runtime.Dependencies) { d.Metrics = metrics })
	h.process(t, "p1", referenceStatement())

	admin := runtime.NewAdminServer(h.pipeline, nil, reg, nil, nil)
	rec := serve(t, admin.Handler(), http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "stmtflow_pipeline_outcomes_total")
	assert.Contains(t, body, `stmtflow_pipeline_artifacts_total{result="stored"} 1`)
	assert.Contains(t, body, `stmtflow_pipeline_stage_transitions_total{stage="render"} 1`)
}

func TestAdminWithoutCatalogHasNoTemplateRoutes(t *testing.T) {
	h := newHarness(t)
	admin := runtime.NewAdminServer(h.pipeline, nil, nil, nil, nil)

	assert.Equal(t, http.StatusNotFound, serve(t, admin.Handler(), http.MethodGet, "/api/templates", nil).Code)
	assert.Equal(t, http.StatusNotFound, serve(t, admin.Handler(), http.MethodGet, "/metrics", nil).Code)
}

func TestAdminTemplates(t *testing.T) {
	h := newHarness(t)
	admin := runtime.NewAdminServer(h.pipeline, h.registry, nil, nil, nil)

	rec := serve(t, admin.Handler(), http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []templates.Summary
	require.NoError(t, jsoncodec.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, "monthly", summaries[0].Name)
	assert.Equal(t, []string{"1.0", "1.1"}, summaries[0].Versions)

	rec = serve(t, admin.Handler(), http.MethodGet, "/api/templates/reload", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.MethodPost, rec.Header().Get("Allow"))

	rec = serve(t, admin.Handler(), http.MethodPost, "/api/templates/reload", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminReloadFailureKeepsServing(t *testing.T) {
	h := newHarness(t)
	admin := runtime.NewAdminServer(h.pipeline, brokenCatalog{}, nil, nil, nil)

	rec := serve(t, admin.Handler(), http.MethodPost, "/api/templates/reload", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "unexpected EOF"), rec.Body.String())
}
