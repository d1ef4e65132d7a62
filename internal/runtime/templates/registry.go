package templates

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/statement"
)

type key struct {
	name    string
	version string
}

// Registry serves compiled templates. Lookups take the read lock; Reload
// builds a complete new table and swaps it under the write lock, so readers
// see either the old or the new table and never a mix.
type Registry struct {
	source Source
	logger logging.ServiceLogger

	mu        sync.RWMutex
	templates map[key]*Template
	loadedAt  time.Time
}

// Summary describes one template name and its loaded versions.
type Summary struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
	Inactive []string `json:"inactive,omitempty"`
}

// NewRegistry returns an empty registry; call Reload to populate it.
func NewRegistry(source Source, logger logging.ServiceLogger) (*Registry, error) {
	if source == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	return &Registry{
		source:    source,
		logger:    logger,
		templates: map[key]*Template{},
	}, nil
}

// Resolve returns the active template registered under exactly name and
// version, or a *TemplateNotFoundError.
func (r *Registry) Resolve(name, version string) (*Template, error) {
	r.mu.RLock()
	t, ok := r.templates[key{name, version}]
	r.mu.RUnlock()
	if !ok || !t.Active {
		return nil, &errspkg.TemplateNotFoundError{Name: name, Version: version}
	}
	return t, nil
}

// Reload loads and validates every definition from the source. Any failure
// leaves the current table in place.
func (r *Registry) Reload(ctx context.Context) error {
	defs, err := r.source.Load(ctx)
	if err != nil {
		r.logger.Error("Template reload failed", err, logging.LogFields{"stage": "load"})
		return fmt.Errorf("stmtflow: load templates: %w", err)
	}

	next := make(map[key]*Template, len(defs))
	var errs []error
	for _, def := range defs {
		t, err := build(def)
		if err != nil {
			errs = append(errs, fmt.Errorf("template %s@%s: %w", def.Name, def.Version, err))
			continue
		}
		k := key{t.Name, t.Version}
		if _, dup := next[k]; dup {
			errs = append(errs, fmt.Errorf("template %s: defined twice", t.ID()))
			continue
		}
		next[k] = t
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		r.logger.Error("Template reload rejected", err, logging.LogFields{"definitions": len(defs)})
		return fmt.Errorf("stmtflow: validate templates: %w", err)
	}

	r.mu.Lock()
	r.templates = next
	r.loadedAt = time.Now()
	r.mu.Unlock()

	r.logger.Info("Templates loaded", logging.LogFields{"count": len(next)})
	return nil
}

func build(def Definition) (*Template, error) {
	if def.Name == "" {
		return nil, errors.New("name is empty")
	}
	if _, err := semver.NewVersion(def.Version); err != nil {
		return nil, fmt.Errorf("version %q: %w", def.Version, err)
	}
	t, err := compile(def)
	if err != nil {
		return nil, err
	}
	if len(t.Fields) == 0 {
		return nil, errors.New("manifest declares no fields")
	}
	for _, f := range t.Fields {
		if !statement.IsFieldPath(f) {
			return nil, fmt.Errorf("unknown field %q", f)
		}
	}
	return t, nil
}

// List returns loaded templates grouped by name, versions in semver order.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byName := map[string]*Summary{}
	for k, t := range r.templates {
		s, ok := byName[k.name]
		if !ok {
			s = &Summary{Name: k.name}
			byName[k.name] = s
		}
		s.Versions = append(s.Versions, k.version)
		if !t.Active {
			s.Inactive = append(s.Inactive, k.version)
		}
	}

	out := make([]Summary, 0, len(byName))
	for _, name := range slices.Sorted(maps.Keys(byName)) {
		s := byName[name]
		slices.SortFunc(s.Versions, compareVersions)
		slices.SortFunc(s.Inactive, compareVersions)
		out = append(out, *s)
	}
	return out
}

// Len returns the number of loaded template versions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.templates)
}

// LoadedAt reports when the current table was installed.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

// versions were validated at load time.
func compareVersions(a, b string) int {
	va, _ := semver.NewVersion(a)
	vb, _ := semver.NewVersion(b)
	return va.Compare(vb)
}
