package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/legacy-reconcile/internal/cli"
	"github.com/Veraticus/legacy-reconcile/internal/config"
	"github.com/Veraticus/legacy-reconcile/internal/legacy"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/normalize"
	"github.com/Veraticus/legacy-reconcile/internal/precedence"
	"github.com/Veraticus/legacy-reconcile/internal/reconcile"
	"github.com/Veraticus/legacy-reconcile/internal/report"
	"github.com/Veraticus/legacy-reconcile/internal/service"
	"github.com/Veraticus/legacy-reconcile/internal/storage"
)

type runFlags struct {
	reportOut    string
	resume       string
	entities     []string
	examples     int
	noCheckpoint bool
}

func dryRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "dry-run <export.xml>",
		Short: "Report what apply would do, without writing",
		Long: `Match and classify every record of the export and print the audit
report. The live store is only read.`,
		Example: `  # Preview the whole export
  reconcile dry-run export.xml

  # Only customers, with the report saved as a workbook
  reconcile dry-run export.xml --entities customers --report-out audit.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, args[0], model.ModeDryRun, flags)
		},
	}

	addReportFlags(cmd, &flags)
	cmd.Flags().StringSliceVar(&flags.entities, "entities", nil, "limit the run to these entities (customers, vehicles, product-applications)")

	return cmd
}

func applyCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "apply <export.xml>",
		Short: "Write inserts and updates to the live store",
		Long: `Plan the run exactly like dry-run, then execute every INSERT and UPDATE,
one transaction per record. Conflicts and invalid records are never
written. A record that fails is rolled back and logged; the run continues.

With the sqlite driver an automatic checkpoint is taken first.`,
		Example: `  reconcile apply export.xml

  # Continue an interrupted run
  reconcile apply export.xml --resume 6f1c2e4a-...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, args[0], model.ModeApply, flags)
		},
	}

	addReportFlags(cmd, &flags)
	cmd.Flags().BoolVar(&flags.noCheckpoint, "no-checkpoint", false, "skip the automatic sqlite checkpoint")
	cmd.Flags().StringVar(&flags.resume, "resume", "", "skip records already processed by this run")

	return cmd
}

func addReportFlags(cmd *cobra.Command, flags *runFlags) {
	cmd.Flags().StringVar(&flags.reportOut, "report-out", "", "also write the report to a .json or .xlsx file")
	cmd.Flags().IntVar(&flags.examples, "examples", 0, "example records kept per outcome (default from config)")
}

func runReconcile(cmd *cobra.Command, exportPath string, mode model.RunMode, flags runFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	entities, err := parseEntities(flags.entities)
	if err != nil {
		return err
	}
	examples := cfg.Report.Examples
	if flags.examples > 0 {
		examples = flags.examples
	}
	reportOut := cfg.Report.Out
	if flags.reportOut != "" {
		reportOut = config.ExpandPath(flags.reportOut)
	}

	table, err := precedence.Load(cfg.Precedence.File)
	if err != nil {
		return err
	}

	store, err := initStorage(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Warn("Failed to close live store", "error", closeErr)
		}
	}()

	resumeHint := ""
	if mode == model.ModeApply {
		resumeHint = fmt.Sprintf("reconcile apply %s --resume <run id from 'reconcile runs list'>", exportPath)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctx = cli.NewInterruptHandler(cmd.ErrOrStderr()).HandleInterrupts(ctx, resumeHint)

	opts := []reconcile.Option{
		reconcile.WithPasswordHasher(normalize.NewPasswordHasher(cfg.Passwords.BcryptCost)),
	}
	if mode == model.ModeApply {
		opts = append(opts, reconcile.WithProgress(cli.NewProgressBar(cmd.ErrOrStderr())))
		if !flags.noCheckpoint && cfg.Checkpoint.Auto {
			opts = append(opts, reconcile.WithBeforeApply(autoCheckpoint(out, store)))
		}
	}
	engine := reconcile.New(store, table, opts...)

	path := config.ExpandPath(exportPath)
	result, runErr := engine.Run(ctx, legacy.NewExtractor(legacy.FileSource{Path: path}), reconcile.Options{
		Mode:        mode,
		ExportPath:  path,
		ResumeRunID: flags.resume,
		Entities:    entities,
		Examples:    examples,
		Retry:       cfg.Retry.RetryOptions(),
	})
	if result == nil {
		return runErr
	}

	if err := report.RenderConsole(out, result.Report); err != nil {
		return fmt.Errorf("failed to print report: %w", err)
	}
	if reportOut != "" {
		if err := report.WriteFile(reportOut, result.Report); err != nil {
			return err
		}
		fmt.Fprintln(out, cli.FormatSuccess("Report written to "+reportOut))
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			fmt.Fprintln(out, cli.FormatWarning(fmt.Sprintf("Run %s interrupted.", result.Run.ID)))
			fmt.Fprintln(out, cli.FormatInfo(fmt.Sprintf("Resume with: reconcile apply %s --resume %s", exportPath, result.Run.ID)))
		}
		return runErr
	}

	fmt.Fprintln(out, cli.SubtleStyle.Render(fmt.Sprintf("run %s %s", result.Run.ID, result.Run.Status)))
	return nil
}

// autoCheckpoint snapshots a sqlite live store once the apply run is planned,
// so a failed plan or one with nothing to write leaves no checkpoint behind.
func autoCheckpoint(out io.Writer, store service.Store) func(context.Context, *reconcile.Plan) error {
	return func(ctx context.Context, plan *reconcile.Plan) error {
		if _, ok := store.(*storage.SQLiteStorage); !ok {
			slog.Debug("Skipping automatic checkpoint, store is not sqlite")
			return nil
		}
		if plan.Writes() == 0 {
			slog.Debug("Skipping automatic checkpoint, nothing to write", "run_id", plan.Run.ID)
			return nil
		}
		manager, err := checkpointManager(store)
		if err != nil {
			return err
		}
		info, err := manager.AutoCheckpoint(ctx, storage.ApplyTrigger{
			RunID:      plan.Run.ID,
			ExportPath: plan.Options.ExportPath,
			Writes:     plan.Writes(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s Created checkpoint %s (%s)\n",
			cli.SuccessStyle.Render(cli.SuccessIcon),
			cli.InfoStyle.Render(info.ID),
			formatFileSize(info.FileSize))
		return nil
	}
}
