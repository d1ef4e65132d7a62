package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/templates"
)

// TemplateCatalog is the part of the template registry the admin API uses.
type TemplateCatalog interface {
	List() []templates.Summary
	Reload(ctx context.Context) error
}

// AdminServer serves health, metrics, stats and template management.
type AdminServer struct {
	pipeline    *Pipeline
	catalog     TemplateCatalog
	gatherer    prometheus.Gatherer
	corsOrigins []string
	logger      logging.ServiceLogger
	mux         *http.ServeMux
}

// NewAdminServer wires the handlers. catalog and gatherer may be nil, which
// leaves the related endpoints unregistered.
func NewAdminServer(p *Pipeline, catalog TemplateCatalog, gatherer prometheus.Gatherer, corsOrigins []string, logger logging.ServiceLogger) *AdminServer {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	a := &AdminServer{
		pipeline:    p,
		catalog:     catalog,
		gatherer:    gatherer,
		corsOrigins: corsOrigins,
		logger:      logger,
		mux:         http.NewServeMux(),
	}

	a.Handle("/healthz", http.HandlerFunc(a.handleHealth))
	a.Handle("/api/stats", a.cors(http.HandlerFunc(a.handleStats)))
	if gatherer != nil {
		a.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	if catalog != nil {
		a.Handle("/api/templates", a.cors(http.HandlerFunc(a.handleTemplates)))
		a.Handle("/api/templates/reload", http.HandlerFunc(a.handleReload))
	}
	return a
}

// Handle registers an extra handler on the admin mux.
func (a *AdminServer) Handle(pattern string, handler http.Handler) {
	a.mux.Handle(pattern, handler)
}

func (a *AdminServer) Handler() http.Handler {
	return a.mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down
// gracefully.
func (a *AdminServer) ListenAndServe(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.pipeline.Health()
	status := http.StatusOK
	if !h.Healthy() {
		status = http.StatusServiceUnavailable
	}
	a.writeJSON(w, status, h)
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.pipeline.Stats())
}

func (a *AdminServer) handleTemplates(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.catalog.List())
}

func (a *AdminServer) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.catalog.Reload(r.Context()); err != nil {
		a.logger.Error("Template reload failed", err, nil)
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	a.writeJSON(w, http.StatusOK, a.catalog.List())
}

func (a *AdminServer) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		a.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// cors sets CORS headers for allowed origins and answers preflight requests.
func (a *AdminServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.corsOrigins) > 0 {
			if allowed := a.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminServer) allowedOrigin(requestOrigin string) string {
	for _, allowed := range a.corsOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
