package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"clinicalai/internal/jobs"
	"clinicalai/internal/migrate"
	"clinicalai/internal/store"
)

func requireDSN(dsn string) error {
	if dsn == "" {
		return errors.New("database.dsn (or CLINICAL_DB_DSN) is required")
	}
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit database schema",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if err := requireDSN(cfg.Database.DSN); err != nil {
				return err
			}
			if err := migrate.Run(cmd.Context(), cfg.Database.DSN); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if err := requireDSN(cfg.Database.DSN); err != nil {
				return err
			}
			return migrate.Status(cmd.Context(), cfg.Database.DSN)
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect extraction audit events",
	}

	var operation string
	var limit int
	recent := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent extraction events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if err := requireDSN(cfg.Database.DSN); err != nil {
				return err
			}

			db, err := store.Open(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			rows, err := store.New(db, logger).ListRecent(cmd.Context(), operation, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tREQUEST\tOPERATION\tOUTCOME\tMODEL\tCHARS\tMS\tERROR")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.CreatedAt.Format(time.RFC3339), r.RequestID, r.Operation, r.Outcome,
					r.Model, r.InputChars, r.DurationMs, r.Error.String)
			}
			return w.Flush()
		},
	}
	recent.Flags().StringVar(&operation, "operation", "", "only show this operation kind")
	recent.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.AddCommand(recent)

	var days int
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete audit events older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if err := requireDSN(cfg.Database.DSN); err != nil {
				return err
			}
			if days > 0 {
				cfg.Audit.RetentionDays = days
			}
			if cfg.Audit.RetentionDays <= 0 {
				return errors.New("audit.retentionDays must be positive to prune")
			}

			db, err := store.Open(cmd.Context(), cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer db.Close()

			stats := jobs.CleanupExpiredEvents(cmd.Context(), cfg.Audit, store.New(db, logger), logger, time.Now())
			fmt.Printf("Deleted %d event(s) created before %s.\n", stats.EventsDeleted, stats.Cutoff.Format(time.RFC3339))
			return nil
		},
	}
	prune.Flags().IntVar(&days, "days", 0, "override audit.retentionDays")
	cmd.AddCommand(prune)
	return cmd
}
