package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/stmtflow/internal/runtime"
	configpkg "github.com/drblury/stmtflow/internal/runtime/config"
	errspkg "github.com/drblury/stmtflow/internal/runtime/errors"
	"github.com/drblury/stmtflow/internal/runtime/jsoncodec"
	"github.com/drblury/stmtflow/internal/runtime/logging"
	"github.com/drblury/stmtflow/internal/runtime/render"
	"github.com/drblury/stmtflow/internal/runtime/statement"
	"github.com/drblury/stmtflow/internal/runtime/templates"
)

var errCheckFailed = errors.New("payload failed checks")

// checkReport is printed as JSON by the check command.
type checkReport struct {
	File        string `json:"file"`
	Valid       bool   `json:"valid"`
	StatementID string `json:"statement_id,omitempty"`
	Template    string `json:"template,omitempty"`
	Stage       string `json:"failed_stage,omitempty"`
	Class       string `json:"error_class,omitempty"`
	Error       string `json:"error,omitempty"`
	PDFBytes    int    `json:"pdf_bytes,omitempty"`
	RenderedTo  string `json:"rendered_to,omitempty"`
}

func newCheckCommand(opts *rootOptions) *cobra.Command {
	var renderTo string
	cmd := &cobra.Command{
		Use:   "check <payload.json>",
		Short: "Run a payload through every stage except storage",
		Long: `Normalize, validate, resolve the template for and render a statement
payload without touching any source or sink. Exits non-zero when a stage fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := opts.config()
			if err != nil {
				return err
			}
			registry, err := loadTemplates(cmd.Context(), conf, logging.NewNopServiceLogger())
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			report, pdf := checkPayload(cmd.Context(), conf, registry, data, time.Now)
			report.File = args[0]
			if report.Valid && renderTo != "" {
				if err := os.WriteFile(renderTo, pdf, 0o644); err != nil {
					return err
				}
				report.RenderedTo = renderTo
			}

			body, err := jsoncodec.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			if !report.Valid {
				return errCheckFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&renderTo, "render", "", "write the rendered PDF to this path")
	return cmd
}

// checkPayload runs the processing stages up to and including render and
// returns the PDF when every stage passed.
func checkPayload(ctx context.Context, conf configpkg.Config, registry *templates.Registry, data []byte, now func() time.Time) (checkReport, []byte) {
	var report checkReport
	fail := func(stage runtimepkg.Stage, err error) (checkReport, []byte) {
		report.Stage = string(stage)
		report.Class = string(errspkg.Classify(err))
		report.Error = err.Error()
		return report, nil
	}

	if err := runtimepkg.CheckFraming(data); err != nil {
		return fail(runtimepkg.StageReceive, err)
	}
	rec, err := statement.Normalize(data)
	if err != nil {
		return fail(runtimepkg.StageNormalize, err)
	}
	report.StatementID = rec.StatementID

	validator := statement.NewValidator(runtimepkg.ValidatorConfig(conf, now))
	if err := validator.Validate(ctx, rec); err != nil {
		return fail(runtimepkg.StageValidate, err)
	}
	tmpl, err := registry.Resolve(rec.Metadata.TemplateName, rec.Metadata.TemplateVersion)
	if err != nil {
		return fail(runtimepkg.StageResolve, err)
	}
	report.Template = tmpl.ID()

	pdf, err := render.New(nil, conf.RenderTimeout).Render(ctx, rec, tmpl)
	if err != nil {
		return fail(runtimepkg.StageRender, err)
	}
	report.PDFBytes = len(pdf)
	report.Valid = true
	return report, pdf
}
