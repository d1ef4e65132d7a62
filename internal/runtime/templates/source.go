package templates

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// File names inside a version directory.
const (
	ManifestFile = "template.yaml"
	MarkupFile   = "template.tmpl"
)

// Definition is the raw, uncompiled form of one template version.
type Definition struct {
	Name     string
	Version  string
	Manifest []byte
	Markup   []byte
}

// Source supplies template definitions to the registry.
type Source interface {
	Load(ctx context.Context) ([]Definition, error)
}

// FSSource reads definitions laid out as <name>/<version>/{template.yaml,template.tmpl}.
// Entries starting with a dot are ignored.
type FSSource struct {
	FS fs.FS
}

// DirSource returns an FSSource rooted at dir.
func DirSource(dir string) *FSSource {
	return &FSSource{FS: os.DirFS(dir)}
}

// Load walks the two directory levels and reads every version. A version
// directory missing either file is an error.
func (s *FSSource) Load(ctx context.Context) ([]Definition, error) {
	names, err := fs.ReadDir(s.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("read template root: %w", err)
	}

	var defs []Definition
	var errs []error
	for _, name := range names {
		if !name.IsDir() || hidden(name.Name()) {
			continue
		}
		versions, err := fs.ReadDir(s.FS, name.Name())
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", name.Name(), err))
			continue
		}
		for _, version := range versions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if !version.IsDir() || hidden(version.Name()) {
				continue
			}
			def, err := s.read(name.Name(), version.Name())
			if err != nil {
				errs = append(errs, err)
				continue
			}
			defs = append(defs, def)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return defs, nil
}

func (s *FSSource) read(name, version string) (Definition, error) {
	dir := path.Join(name, version)
	manifest, err := fs.ReadFile(s.FS, path.Join(dir, ManifestFile))
	if err != nil {
		return Definition{}, fmt.Errorf("template %s@%s: %w", name, version, err)
	}
	markup, err := fs.ReadFile(s.FS, path.Join(dir, MarkupFile))
	if err != nil {
		return Definition{}, fmt.Errorf("template %s@%s: %w", name, version, err)
	}
	return Definition{Name: name, Version: version, Manifest: manifest, Markup: markup}, nil
}

func hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
