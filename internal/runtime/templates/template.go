// Package templates loads, validates and serves statement layout templates.
//
// A template is addressed by (name, version). Every version is an immutable
// pair of files: a YAML manifest naming the record fields the layout
// consumes, and a text/template markup body that the renderer turns into a
// document. The Registry resolves templates by exact match only and swaps its
// whole table atomically on reload.
package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template is one loaded, compiled template version.
type Template struct {
	Name        string
	Version     string
	Description string
	// Fields lists the record field paths the markup may reference.
	Fields []string
	// Active templates are resolvable; inactive ones are only listed.
	Active bool
	// Checksum is the hex sha256 of manifest and markup.
	Checksum string

	tmpl *template.Template
}

// ID returns "name@version".
func (t *Template) ID() string {
	return t.Name + "@" + t.Version
}

// Execute writes the markup with data bound as dot.
func (t *Template) Execute(w io.Writer, data any) error {
	return t.tmpl.Execute(w, data)
}

type manifest struct {
	Description string   `yaml:"description"`
	Fields      []string `yaml:"fields"`
	Active      *bool    `yaml:"active"`
}

func parseManifest(data []byte) (manifest, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// compile builds a Template from a definition without validating fields or
// version; the registry does that.
func compile(def Definition) (*Template, error) {
	m, err := parseManifest(def.Manifest)
	if err != nil {
		return nil, err
	}

	t := &Template{
		Name:        def.Name,
		Version:     def.Version,
		Description: m.Description,
		Fields:      slices.Clone(m.Fields),
		Active:      m.Active == nil || *m.Active,
		Checksum:    checksum(def.Manifest, def.Markup),
	}
	slices.Sort(t.Fields)
	t.Fields = slices.Compact(t.Fields)

	t.tmpl, err = template.New(t.ID()).
		Option("missingkey=error").
		Funcs(funcMap()).
		Parse(string(def.Markup))
	if err != nil {
		return nil, fmt.Errorf("compile markup: %w", err)
	}
	return t, nil
}

func checksum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
