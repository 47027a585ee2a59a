package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quarrylabs/quarry/errors"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the quarry database",
	Long: `Manage quarry database operations.

Examples:
  quarry db migrate               # Apply pending schema migrations
  quarry db stats                 # Job, file, and queue counts`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job, file, and queue counts",
	RunE:  runDbStats,
}

var dbPathFlag string

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Custom database path (overrides config)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	// openDatabase migrates as a side effect; this command exists so deploys
	// can apply schema changes before starting workers.
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Println("Database is up to date")
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	var jobs, files, queued, inFlight int
	if err := database.QueryRow(`SELECT COUNT(*) FROM jobs`).Scan(&jobs); err != nil {
		return errors.Wrap(err, "failed to count jobs")
	}
	if err := database.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&files); err != nil {
		return errors.Wrap(err, "failed to count files")
	}
	if err := database.QueryRow(`SELECT COUNT(*) FROM work_queue`).Scan(&queued); err != nil {
		return errors.Wrap(err, "failed to count queued items")
	}
	if err := database.QueryRow(`SELECT COUNT(*) FROM work_inflight`).Scan(&inFlight); err != nil {
		return errors.Wrap(err, "failed to count in-flight claims")
	}

	fmt.Printf("Jobs:      %d\n", jobs)
	fmt.Printf("Files:     %d\n", files)
	fmt.Printf("Queued:    %d\n", queued)
	fmt.Printf("In flight: %d\n", inFlight)

	rows, err := database.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status ORDER BY status`)
	if err != nil {
		return errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	first := true
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return errors.Wrap(err, "failed to scan job status count")
		}
		if first {
			fmt.Println("\nJobs by status:")
			first = false
		}
		fmt.Printf("  %-10s %d\n", status, count)
	}
	return rows.Err()
}
