package main

import (
	"context"
	"fmt"
	"time"

	"github.com/drmaatic/backend/internal/infrastructure/db"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApplication()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := db.RunMigrations(a.db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.log.Info("database migrations completed")
		return nil
	},
}

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard delete tasks soft deleted before the cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApplication()
		if err != nil {
			return err
		}
		defer a.Close()

		olderThan := purgeOlderThan
		if olderThan <= 0 {
			olderThan = a.cfg.Maintenance.PurgeAfter
		}
		n, err := a.tasks.PurgeDeleted(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "purged %d tasks deleted before %s\n", n, time.Now().Add(-olderThan).Format(time.RFC3339))
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run status sync, archive sweep and timeline pruning once",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApplication()
		if err != nil {
			return err
		}
		defer a.Close()

		scheduler, err := a.newScheduler()
		if err != nil {
			return err
		}
		jobs := []struct {
			name string
			run  func(context.Context) (int, error)
		}{
			{"status sync", scheduler.SyncStatuses},
			{"archive sweep", scheduler.SweepArchives},
			{"timeline prune", scheduler.PruneTimeline},
		}
		for _, job := range jobs {
			n, err := job.run(cmd.Context())
			if err != nil {
				return fmt.Errorf("%s: %w", job.name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", job.name, n)
		}
		return nil
	},
}

var scriptsCmd = &cobra.Command{
	Use:   "scripts",
	Short: "Manage the script catalog",
}

var scriptsLoadCmd = &cobra.Command{
	Use:   "load <catalog.yaml>",
	Short: "Create or update scripts, job templates and groups from a catalog file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApplication()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := db.RunMigrations(a.db); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		n, err := a.scripts.Import(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d scripts from %s\n", n, args[0])
		return nil
	},
}

var scriptsDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Remove a script from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApplication()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.scripts.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted script %s\n", args[0])
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "age of the deletion cutoff (default maintenance.purge_after)")

	scriptsCmd.AddCommand(scriptsLoadCmd)
	scriptsCmd.AddCommand(scriptsDeleteCmd)
}
