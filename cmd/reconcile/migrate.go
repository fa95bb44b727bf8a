package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/legacy-reconcile/internal/cli"
)

// schemaVersioner is implemented by stores that track a numbered schema.
type schemaVersioner interface {
	SchemaVersion(ctx context.Context) (int, error)
	LatestSchemaVersion() int
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run live store migrations",
		Long: `Create or update the live store schema: the customer, vehicle and
product application tables plus the run log.

Every other command migrates on startup; migrate exists to prepare a store
ahead of the first run.`,
		RunE: runMigrate,
	}

	cmd.Flags().Bool("status", false, "Show current migration status without applying changes")

	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	status, _ := cmd.Flags().GetBool("status")

	slog.Info("Starting live store migration",
		"driver", cfg.Database.Driver,
		"status_only", status)

	store, err := openStorage(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if status {
		versioner, ok := store.(schemaVersioner)
		if !ok {
			return fmt.Errorf("the %s driver does not report a schema version", cfg.Database.Driver)
		}
		current, err := versioner.SchemaVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, cli.FormatTitle("Live store migration status"))
		fmt.Fprintf(out, "  Current version: %d\n", current)
		fmt.Fprintf(out, "  Latest version:  %d\n", versioner.LatestSchemaVersion())
		if current < versioner.LatestSchemaVersion() {
			fmt.Fprintln(out, cli.FormatWarning("Migrations pending. Run 'reconcile migrate'."))
		} else {
			fmt.Fprintln(out, cli.FormatSuccess("Schema is up to date."))
		}
		return nil
	}

	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Fprintln(out, cli.FormatSuccess("Live store migrations completed"))
	return nil
}
