package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	confirmReset bool
	resetRedis   bool
	resetDB      bool
)

// resetCmd clears broker streams and/or the database.
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset broker data and/or the database",
	Long: `Reset clears the Redis streams used by the broker transport and/or the
SQLite database.

WARNING: This operation is irreversible and permanently deletes all records.

Examples:
  # Reset both (requires confirmation)
  sentinel reset

  # Reset with automatic confirmation
  sentinel reset --yes

  # Reset only the database
  sentinel reset --db-only`,
	RunE: runReset,
}

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVarP(&confirmReset, "yes", "y", false, "Automatically confirm reset operation")
	resetCmd.Flags().BoolVar(&resetRedis, "redis-only", false, "Reset only broker data")
	resetCmd.Flags().BoolVar(&resetDB, "db-only", false, "Reset only the database")
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if !resetRedis && !resetDB {
		resetRedis = true
		resetDB = true
	}

	var targets []string
	if resetRedis {
		targets = append(targets, "broker streams")
	}
	if resetDB {
		targets = append(targets, "SQLite database")
	}
	fmt.Printf("This will permanently delete: %s\n", strings.Join(targets, " and "))

	if !confirmReset {
		fmt.Print("Are you sure you want to continue? (y/N): ")
		var response string
		fmt.Scanln(&response)
		if strings.ToLower(response) != "y" && strings.ToLower(response) != "yes" {
			fmt.Println("Reset operation cancelled.")
			return nil
		}
	}

	if resetRedis {
		if err := resetBrokerData(ctx); err != nil {
			fmt.Printf("Warning: failed to reset broker data: %v\n", err)
			if !resetDB {
				return fmt.Errorf("failed to reset broker data: %w", err)
			}
		} else {
			fmt.Println("Broker streams cleared")
		}
	}

	if resetDB {
		if err := resetDatabase(); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("Database cleared")
	}
	return nil
}

func resetBrokerData(ctx context.Context) error {
	brokerURL := viper.GetString("bus.broker_url")
	opts, err := redis.ParseURL(brokerURL)
	if err != nil {
		return fmt.Errorf("failed to parse broker URL: %w", err)
	}

	client := redis.NewClient(opts)
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	streams := []string{"alerts", "investigations", "actions", "stats"}
	for _, stream := range streams {
		if err := client.Del(ctx, stream).Err(); err != nil {
			return fmt.Errorf("failed to delete stream %s: %w", stream, err)
		}
	}
	return nil
}

func resetDatabase() error {
	dbPath := viper.GetString("database.path")

	// Also remove WAL sidecar files.
	var removed []string
	for _, file := range []string{dbPath, dbPath + "-shm", dbPath + "-wal"} {
		if _, err := os.Stat(file); err == nil {
			if err := os.Remove(file); err != nil {
				return fmt.Errorf("failed to remove %s: %w", file, err)
			}
			removed = append(removed, file)
		}
	}
	if len(removed) == 0 {
		fmt.Println("No database files found to remove")
	}
	return nil
}
