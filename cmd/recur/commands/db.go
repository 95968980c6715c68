package commands

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/recurring/am"
	"github.com/teranos/recurring/db"
	"github.com/teranos/recurring/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.Decorate("db", "Migrate and inspect the job database"),
	Long: sym.DB + ` db - Migrate and inspect the job database

Examples:
  recur db migrate          # Apply pending migrations
  recur db stats            # Show queue totals and schema version`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.AppliedVersions(database)
	if err != nil {
		return err
	}
	pterm.Success.Printf("Database up to date (%d migrations: %s)\n", len(versions), strings.Join(versions, ", "))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.queue.Counts(context.Background())
	if err != nil {
		return err
	}
	versions, err := db.AppliedVersions(a.db)
	if err != nil {
		return err
	}

	path := a.cfg.GetDatabasePath()
	size := "unknown"
	if info, err := os.Stat(path); err == nil {
		size = fmt.Sprintf("%.1f KB", float64(info.Size())/1024)
	}

	fmt.Printf("%s Database Statistics\n", sym.DB)
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database Path:  %s\n", path)
	fmt.Printf("File Size:      %s\n", size)
	fmt.Printf("Migrations:     %d (latest %s)\n", len(versions), lastOr(versions, "none"))
	fmt.Println()
	fmt.Printf("Pending Jobs:   %d\n", counts.Pending)
	fmt.Printf("Running Jobs:   %d\n", counts.Running)
	fmt.Printf("Failed Jobs:    %d\n", counts.Failed)

	if files := am.LoadedFiles(); len(files) > 0 {
		fmt.Printf("\nConfig Files:   %s\n", strings.Join(files, ", "))
	}
	return nil
}

func lastOr(s []string, fallback string) string {
	if len(s) == 0 {
		return fallback
	}
	return s[len(s)-1]
}
