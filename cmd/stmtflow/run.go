package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/templates"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process statements until interrupted",
		Long: `Process statements from the configured source until SIGINT or SIGTERM.
SIGHUP reloads the template directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := opts.config()
			if err != nil {
				return err
			}
			logger, flush, err := opts.logger()
			if err != nil {
				return err
			}
			defer flush()
			logger.Debug("Loaded configuration", logging.LogFields{"config": conf.String()})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, conf, logger)
			if err != nil {
				return err
			}
			runErr := a.run(ctx)
			return errors.Join(runErr, a.close())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.pipeline.Run(ctx) })
	g.Go(func() error { return a.reloadOnSignal(ctx) })

	if a.conf.TemplateReloadTrigger == configpkg.ReloadWatch {
		w, err := templates.NewWatcher(a.conf.TemplateDirectory, a.registry, a.logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(ctx) })
	}
	if a.admin != nil {
		g.Go(func() error { return a.admin.ListenAndServe(ctx, a.conf.AdminPort) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reloadOnSignal reloads templates on SIGHUP. A failed reload keeps the
// previous templates.
func (a *app) reloadOnSignal(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := a.registry.Reload(ctx); err != nil {
				a.logger.Error("Template reload failed", err, logging.LogFields{
					"directory": a.conf.TemplateDirectory,
				})
			}
		}
	}
}
