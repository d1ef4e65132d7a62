package templates_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/templates"
	tt "github.com/drblury/stmtflow/internal/runtime/templates/templatestest"
)

func newRegistry(t *testing.T, fsys fstest.MapFS) *templates.Registry {
	t.Helper()
	reg, err := templates.NewRegistry(&templates.FSSource{FS: fsys}, nil)
	require.NoError(t, err)
	return reg
}

func TestNewRegistryRequiresSource(t *testing.T) {
	_, err := templates.NewRegistry(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrRegistryRequired)
}

func TestResolveIsExact(t *testing.T) {
	reg := newRegistry(t, tt.FS(tt.Monthly("1.0", "2.0")))
	require.NoError(t, reg.Reload(context.Background()))

	tmpl, err := reg.Resolve("monthly", "1.0")
	require.NoError(t, err)
	assert.Equal(t, "monthly@1.0", tmpl.ID())
	assert.True(t, tmpl.Active)
	assert.Len(t, tmpl.Checksum, 64)

	for _, miss := range []struct{ name, version string }{
		{"monthly", "1.0.0"},
		{"monthly", "1"},
		{"monthly", "3.0"},
		{"quarterly", "1.0"},
	} {
		_, err := reg.Resolve(miss.name, miss.version)
		var notFound *errspkg.TemplateNotFoundError
		require.True(t, errors.As(err, &notFound), "%s@%s", miss.name, miss.version)
		assert.Equal(t, miss.version, notFound.Version)
		assert.Equal(t, errspkg.ClassTemplateNotFound, errspkg.Classify(err))
	}
}

func TestResolveBeforeReloadFails(t *testing.T) {
	reg := newRegistry(t, tt.FS(tt.Monthly("1.0")))
	_, err := reg.Resolve("monthly", "1.0")
	assert.Error(t, err)
	assert.True(t, reg.LoadedAt().IsZero())
}

func TestInactiveTemplatesAreListedButNotResolvable(t *testing.T) {
	tree := tt.Monthly("1.0")
	tree["monthly@0.9"] = [2]string{"active: false\nfields: [statement_id]\n", "{{.statement_id}}"}
	reg := newRegistry(t, tt.FS(tree))
	require.NoError(t, reg.Reload(context.Background()))

	_, err := reg.Resolve("monthly", "0.9")
	assert.Error(t, err)
	assert.Equal(t, []templates.Summary{{
		Name:     "monthly",
		Versions: []string{"0.9", "1.0"},
		Inactive: []string{"0.9"},
	}}, reg.List())
}

func TestListOrdersVersionsSemantically(t *testing.T) {
	reg := newRegistry(t, tt.FS(tt.Monthly("1.10", "1.2", "1.0")))
	require.NoError(t, reg.Reload(context.Background()))
	list := reg.List()
	require.Len(t, list, 1)
	assert.Equal(t, []string{"1.0", "1.2", "1.10"}, list[0].Versions)
	assert.Equal(t, 3, reg.Len())
}

func TestReloadRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name string
		id   string
		def  [2]string
		want string
	}{
		{"unparsable version", "monthly@latest", [2]string{tt.MonthlyManifest, tt.MonthlyMarkup}, "version"},
		{"unknown field", "monthly@1.1", [2]string{"fields: [customer_info.ssn]\n", "x"}, "unknown field"},
		{"no fields", "monthly@1.1", [2]string{"description: empty\n", "x"}, "no fields"},
		{"bad yaml", "monthly@1.1", [2]string{"fields: [unterminated\n", "x"}, "manifest"},
		{"bad markup", "monthly@1.1", [2]string{tt.MonthlyManifest, "{{.statement_id"}, "markup"},
		{"unknown function", "monthly@1.1", [2]string{tt.MonthlyManifest, "{{shout .statement_id}}"}, "markup"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tree := tt.Monthly("1.0")
			tree[tc.id] = tc.def
			reg := newRegistry(t, tt.FS(tree))
			err := reg.Reload(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
			assert.Equal(t, 0, reg.Len(), "nothing may be installed from a failed reload")
		})
	}
}

func TestReloadFailureKeepsServedTable(t *testing.T) {
	fsys := tt.FS(tt.Monthly("1.0"))
	reg := newRegistry(t, fsys)
	require.NoError(t, reg.Reload(context.Background()))
	loaded := reg.LoadedAt()

	for k, v := range tt.FS(tt.Monthly("2.0")) {
		fsys[k] = v
	}
	fsys["broken/1.0/"+templates.ManifestFile] = &fstest.MapFile{Data: []byte("fields: [nope]\n")}
	fsys["broken/1.0/"+templates.MarkupFile] = &fstest.MapFile{Data: []byte("x")}

	require.Error(t, reg.Reload(context.Background()))
	_, err := reg.Resolve("monthly", "1.0")
	assert.NoError(t, err)
	_, err = reg.Resolve("monthly", "2.0")
	assert.Error(t, err, "a partially valid reload must not be installed")
	assert.Equal(t, loaded, reg.LoadedAt())

	delete(fsys, "broken/1.0/"+templates.ManifestFile)
	delete(fsys, "broken/1.0/"+templates.MarkupFile)
	require.NoError(t, reg.Reload(context.Background()))
	_, err = reg.Resolve("monthly", "2.0")
	assert.NoError(t, err)
}

func TestSourceRequiresBothFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"monthly/1.0/" + templates.ManifestFile: &fstest.MapFile{Data: []byte(tt.MonthlyManifest)},
		".git/HEAD":                             &fstest.MapFile{Data: []byte("ref")},
	}
	_, err := (&templates.FSSource{FS: fsys}).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), templates.MarkupFile)
}

func TestSourceSkipsHiddenEntries(t *testing.T) {
	fsys := tt.FS(tt.Monthly("1.0"))
	fsys[".drafts/1.0/"+templates.ManifestFile] = &fstest.MapFile{Data: []byte("garbage")}
	defs, err := (&templates.FSSource{FS: fsys}).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "monthly", defs[0].Name)
}

func TestResolveDuringReload(t *testing.T) {
	reg := newRegistry(t, tt.FS(tt.Monthly("1.0")))
	require.NoError(t, reg.Reload(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, err := reg.Resolve("monthly", "1.0"); err != nil {
					t.Errorf("resolve during reload: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, reg.Reload(context.Background()))
	}
	wg.Wait()
}

func TestTemplateRejectsUndeclaredReference(t *testing.T) {
	tree := tt.Tree{"narrow@1.0": {"fields: [statement_id]\n", "{{.statement_id}} {{.customer_id}}"}}
	reg := newRegistry(t, tt.FS(tree))
	require.NoError(t, reg.Reload(context.Background()))
	tmpl, err := reg.Resolve("narrow", "1.0")
	require.NoError(t, err)

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, map[string]any{"statement_id": "S"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "map has no entry for key")
}

func writeVersion(t *testing.T, dir, manifest, markup string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, templates.ManifestFile), []byte(manifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, templates.MarkupFile), []byte(markup), 0o644))
}

func TestWatcherReloadsOnNewVersion(t *testing.T) {
	root := t.TempDir()
	staging := t.TempDir()
	writeVersion(t, filepath.Join(root, "monthly", "1.0"), tt.MonthlyManifest, tt.MonthlyMarkup)

	reg, err := templates.NewRegistry(templates.DirSource(root), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Reload(context.Background()))

	w, err := templates.NewWatcher(root, reg, nil)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	writeVersion(t, filepath.Join(staging, "2.0"), tt.MonthlyManifest, tt.MonthlyMarkup)
	require.NoError(t, os.Rename(filepath.Join(staging, "2.0"), filepath.Join(root, "monthly", "2.0")))

	assert.Eventually(t, func() bool {
		_, err := reg.Resolve("monthly", "2.0")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}
