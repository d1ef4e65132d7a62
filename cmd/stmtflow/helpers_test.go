package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
	"github.com/drblury/stmtflow/internal/runtime/templates/templatestest"
)

func reflectConfigType() reflect.Type {
	return reflect.TypeFor[configpkg.Config]()
}

// testConfig returns a file-batch config rooted in a temporary directory
// with the monthly templates at 1.0 and 1.1 installed.
func testConfig(t *testing.T) configpkg.Config {
	t.Helper()
	root := t.TempDir()
	tmplDir := filepath.Join(root, "templates")
	require.NoError(t, os.CopyFS(tmplDir, templatestest.FS(templatestest.Monthly("1.0", "1.1"))))

	conf := configpkg.Default()
	conf.TemplateDirectory = tmplDir
	conf.InputDirectory = filepath.Join(root, "input")
	conf.ProcessingDirectory = filepath.Join(root, "input", ".processing")
	conf.ArchiveDirectory = filepath.Join(root, "archive")
	conf.QuarantineDirectory = filepath.Join(root, "error")
	conf.OutputDirectory = filepath.Join(root, "output")
	conf.MetricsEnabled = false
	conf.PollInterval = 10 * time.Millisecond
	return conf
}
