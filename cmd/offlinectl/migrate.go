package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/storage/sqlite"
)

var (
	migrateTo     int
	migrateStatus bool
)

func init() {
	migrateCmd.Flags().IntVar(&migrateTo, "to", 0, "apply migrations up to this version (default: latest)")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "only show applied migrations")
	rootCmd.AddCommand(migrateCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply local store schema migrations",
	Long:  "Bring the agent's SQLite store up to date. The agent also migrates on start; this is for inspecting\nor staging an upgrade while the agent is stopped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, err := sql.Open(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", cfg.Store.Path, err)
		}
		defer db.Close()

		m := sqlite.NewMigrator(db, logging.WithComponent("migrate").Logger)
		if !migrateStatus {
			target := migrateTo
			if target <= 0 {
				target = m.LatestVersion()
			}
			if err := m.UpTo(ctx, target); err != nil {
				return err
			}
		}

		applied, err := m.Applied(ctx)
		if err != nil {
			return err
		}
		current, _ := m.CurrentVersion(ctx)
		fmt.Printf("%s: schema version %d of %d\n", cfg.Store.Path, current, m.LatestVersion())
		if info, err := os.Stat(cfg.Store.Path); err == nil {
			fmt.Printf("Database size: %s\n", humanize.IBytes(uint64(info.Size())))
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tAPPLIED\tDESCRIPTION")
		for _, a := range applied {
			fmt.Fprintf(tw, "%d\t%s\t%s\n", a.Version, humanize.Time(a.AppliedAt), a.Description)
		}
		return tw.Flush()
	},
}
