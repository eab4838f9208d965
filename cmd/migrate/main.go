// Command migrate applies or rolls back the database schema.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/woprhq/provisioner/internal/config"
	"github.com/woprhq/provisioner/internal/database"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	Long: `Applies the embedded SQL migrations to the configured database.

Without flags all pending migrations are applied. Use --status to
inspect the current schema version, --dry-run to list what would be
applied, and --down N to roll back N migrations.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().Bool("status", false, "print the current schema version and exit")
	rootCmd.Flags().Bool("dry-run", false, "list pending migrations without applying")
	rootCmd.Flags().Int("down", 0, "roll back this many migrations")
}

func run(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetBool("status")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	down, _ := cmd.Flags().GetInt("down")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Database.Enabled() {
		return fmt.Errorf("no database URL configured")
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	version, dirty, err := db.MigrationVersion()
	if err != nil {
		return err
	}

	if status {
		if version == 0 {
			fmt.Println("schema version: none applied")
		} else {
			fmt.Printf("schema version: %d (dirty: %v)\n", version, dirty)
		}
		return nil
	}

	if dirty {
		return fmt.Errorf("schema is dirty at version %d, resolve manually before migrating", version)
	}

	if down > 0 {
		fmt.Printf("rolling back %d migration(s) from version %d\n", down, version)
		return db.MigrateDown(down)
	}

	files, err := database.MigrationFiles()
	if err != nil {
		return err
	}
	pending := pendingUps(files, version)

	if dryRun {
		if len(pending) == 0 {
			fmt.Println("no pending migrations")
			return nil
		}
		fmt.Println("pending migrations:")
		for _, f := range pending {
			fmt.Printf("  %s\n", f)
		}
		return nil
	}

	if err := db.RunMigrations(); err != nil {
		return err
	}
	fmt.Printf("applied %d migration(s)\n", len(pending))
	return nil
}

// pendingUps filters the embedded file list to up-migrations past the
// current version. File names follow NNNN_name.up.sql.
func pendingUps(files []string, current uint) []string {
	var pending []string
	for _, f := range files {
		if !strings.HasSuffix(f, ".up.sql") {
			continue
		}
		var num uint
		if _, err := fmt.Sscanf(f, "%04d_", &num); err != nil {
			continue
		}
		if num > current {
			pending = append(pending, f)
		}
	}
	return pending
}
