package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
	"github.com/drblury/stmtflow/internal/runtime/logging"
)

type rootOptions struct {
	configFile string
	logLevel   string
	logFormat  string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "stmtflow",
		Short:         "Render financial statements to PDF",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, toml or json)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flags.StringVar(&opts.logFormat, "log-format", "json", "json, text or zap")

	cmd.AddCommand(
		newRunCommand(opts),
		newCheckCommand(opts),
		newTemplatesCommand(opts),
	)
	return cmd
}

func (o *rootOptions) config() (configpkg.Config, error) {
	return loadConfig(o.configFile)
}

// logger builds the service logger. The returned func flushes buffered
// entries and must be called before exit.
func (o *rootOptions) logger() (logging.ServiceLogger, func(), error) {
	switch o.logFormat {
	case "zap":
		level, err := zap.ParseAtomicLevel(o.logLevel)
		if err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		zc := zap.NewProductionConfig()
		zc.Level = level
		zl, err := zc.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("build zap logger: %w", err)
		}
		return logging.NewZapServiceLogger(zl), func() { _ = zl.Sync() }, nil
	case "json", "text":
		var level slog.Level
		if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
			return nil, nil, fmt.Errorf("log level: %w", err)
		}
		handlerOpts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
		if o.logFormat == "text" {
			handler = slog.NewTextHandler(os.Stderr, handlerOpts)
		}
		return logging.NewSlogServiceLogger(slog.New(handler)), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("log format %q is not one of json, text, zap", o.logFormat)
	}
}
