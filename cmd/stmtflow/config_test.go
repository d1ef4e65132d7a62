package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := loadConfig("")
	require.NoError(t, err)

	def := configpkg.Default()
	assert.Equal(t, def.DataSourceType, conf.DataSourceType)
	assert.Equal(t, def.InputDirectory, conf.InputDirectory)
	assert.Equal(t, def.ProcessingDirectory, conf.ProcessingDirectory)
	assert.Equal(t, def.RetryBackoffMax, conf.RetryBackoffMax)
	assert.Equal(t, def.EmptyTransactionTypes, conf.EmptyTransactionTypes)
	assert.True(t, conf.MetricsEnabled)
	require.NoError(t, conf.Validate())
}

func TestLoadConfigFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stmtflow.yaml")
	file := `
data_source_type: streaming
pubsub_system: kafka
kafka_brokers: [broker-1:9092]
topic: statements
workers: 8
retry_backoff_base: 250ms
allowed_currencies: [USD, EUR]
`
	require.NoError(t, os.WriteFile(path, []byte(file), 0o600))
	t.Setenv("STMTFLOW_WORKERS", "3")
	t.Setenv("STMTFLOW_KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("STMTFLOW_RENDER_TIMEOUT", "45s")

	conf, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, configpkg.SourceStreaming, conf.DataSourceType)
	assert.Equal(t, "statements", conf.Topic)
	assert.Equal(t, "statements.dead-letter", conf.DeadLetterTopic)
	assert.Equal(t, 3, conf.Workers, "environment wins over the file")
	assert.Equal(t, []string{"a:9092", "b:9092"}, conf.KafkaBrokers)
	assert.Equal(t, 250*time.Millisecond, conf.RetryBackoffBase)
	assert.Equal(t, 45*time.Second, conf.RenderTimeout)
	assert.Equal(t, []string{"USD", "EUR"}, conf.AllowedCurrencies)
	require.NoError(t, conf.Validate())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEveryFieldHasAKey(t *testing.T) {
	keys := map[string]bool{}
	rt := reflectConfigType()
	for i := range rt.NumField() {
		key := rt.Field(i).Tag.Get("mapstructure")
		if key == "" {
			t.Fatalf("field %s has no mapstructure key", rt.Field(i).Name)
		}
		if keys[key] {
			t.Fatalf("duplicate key %q", key)
		}
		keys[key] = true
	}
}

func TestRootLogger(t *testing.T) {
	for _, format := range []string{"json", "text", "zap"} {
		opts := &rootOptions{logLevel: "debug", logFormat: format}
		logger, flush, err := opts.logger()
		require.NoError(t, err, format)
		logger.Debug("probe", nil)
		flush()
	}

	_, _, err := (&rootOptions{logLevel: "info", logFormat: "xml"}).logger()
	require.Error(t, err)
	_, _, err = (&rootOptions{logLevel: "loud", logFormat: "json"}).logger()
	require.Error(t, err)
}
