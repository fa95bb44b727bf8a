package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veraticus/legacy-reconcile/internal/cli"
	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
	"github.com/Veraticus/legacy-reconcile/internal/service"
	"github.com/Veraticus/legacy-reconcile/internal/storage"
)

func runsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show the run log",
		Long: `Every dry-run and apply is recorded in the live store with its outcome
counts, its per-record errors and, for apply, the cursor used by --resume.`,
	}

	cmd.AddCommand(listRunsCmd())
	cmd.AddCommand(showRunCmd())

	return cmd
}

func listRunsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, cli.SubtitleStyle.Render("No runs recorded."))
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, strings.Join([]string{
				cli.TableHeaderStyle.Render("ID"),
				cli.TableHeaderStyle.Render("STARTED"),
				cli.TableHeaderStyle.Render("MODE"),
				cli.TableHeaderStyle.Render("STATUS"),
				cli.TableHeaderStyle.Render("INSERT"),
				cli.TableHeaderStyle.Render("UPDATE"),
				cli.TableHeaderStyle.Render("CONFLICT"),
				cli.TableHeaderStyle.Render("ERRORS"),
			}, "\t"))
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					cli.InfoStyle.Render(run.ID),
					formatRelativeTime(run.StartedAt),
					run.Mode,
					statusStyle(run.Status),
					run.Counts[model.OutcomeInsert],
					run.Counts[model.OutcomeUpdate],
					run.Counts[model.OutcomeConflict],
					run.ErrorCount,
				)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	return cmd
}

func showRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its errors and cursors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			store, err := initStorage(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			run, err := store.GetRun(ctx, args[0])
			if errors.Is(err, common.ErrNotFound) {
				return common.NewUserError(fmt.Sprintf("no run %s", args[0]), err)
			}
			if err != nil {
				return fmt.Errorf("failed to load run: %w", err)
			}
			runErrors, err := store.ListRunErrors(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("failed to load run errors: %w", err)
			}
			cursors, err := store.GetCursors(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("failed to load run cursors: %w", err)
			}

			return renderRun(out, run, runErrors, cursors, runCheckpoint(ctx, store, run))
		},
	}
}

// runCheckpoint names the automatic checkpoint taken before an apply run, or
// "" when there is none.
func runCheckpoint(ctx context.Context, store service.Store, run *model.Run) string {
	if run.Mode != model.ModeApply {
		return ""
	}
	if _, ok := store.(*storage.SQLiteStorage); !ok {
		return ""
	}
	manager, err := checkpointManager(store)
	if err != nil {
		slog.Debug("Failed to open checkpoints", "error", err)
		return ""
	}
	info, err := manager.ForRun(ctx, run.ID)
	if err != nil {
		return ""
	}
	return info.ID
}

func renderRun(out io.Writer, run *model.Run, runErrors []model.RunError, cursors []model.Cursor, checkpoint string) error {
	fmt.Fprintln(out, cli.FormatTitle("Run "+run.ID))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Mode:\t%s\n", run.Mode)
	fmt.Fprintf(w, "  Status:\t%s\n", statusStyle(run.Status))
	fmt.Fprintf(w, "  Export:\t%s\n", run.ExportPath)
	fmt.Fprintf(w, "  Started:\t%s\n", run.StartedAt.Format(time.DateTime))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "  Finished:\t%s\n", run.FinishedAt.Format(time.DateTime))
	}
	if checkpoint != "" {
		fmt.Fprintf(w, "  Checkpoint:\t%s\n", cli.InfoStyle.Render(checkpoint))
	}
	for _, outcome := range model.AllOutcomes() {
		if n := run.Counts[outcome]; n > 0 {
			fmt.Fprintf(w, "  %s:\t%s\n", outcome, cli.OutcomeStyle(string(outcome)).Render(fmt.Sprint(n)))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(cursors) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, cli.BoldStyle.Render("Resume cursors"))
		for _, c := range cursors {
			fmt.Fprintf(out, "  %s: last legacy id %s\n", c.Entity, c.LegacyID)
		}
	}

	if len(runErrors) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, cli.FormatError(fmt.Sprintf("%d records failed", len(runErrors))))
		for _, e := range runErrors {
			fmt.Fprintf(out, "  %s %s: %s\n", e.Entity, e.LegacyID, e.Message)
		}
	}
	return nil
}

func statusStyle(status model.RunStatus) string {
	switch status {
	case model.RunStatusCompleted:
		return cli.SuccessStyle.Render(string(status))
	case model.RunStatusInterrupted:
		return cli.WarningStyle.Render(string(status))
	case model.RunStatusFailed:
		return cli.ErrorStyle.Render(string(status))
	}
	return cli.SubtleStyle.Render(string(status))
}
