package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

var statsJSON bool

// statsCmd prints one aggregate counter snapshot.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pipeline counters",
	Long: `Stats prints the aggregate counters from the store: record totals plus
breakdowns by alert severity, action type and verdict.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Emit JSON instead of text")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	stats, err := st.GetStats(cmd.Context())
	if err != nil {
		return err
	}

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Alerts:         %d\n", stats.Alerts)
	for _, sev := range []string{"high", "medium", "low"} {
		if n := stats.AlertSeverities[sev]; n > 0 {
			fmt.Printf("  %-12s  %d\n", sev, n)
		}
	}
	fmt.Printf("Investigations: %d\n", stats.Investigations)
	for _, v := range []string{"malicious", "suspicious", "benign"} {
		if n := stats.Verdicts[v]; n > 0 {
			fmt.Printf("  %-12s  %d\n", v, n)
		}
	}
	fmt.Printf("Actions:        %d\n", stats.Actions)
	for action, n := range stats.ActionTypes {
		fmt.Printf("  %-12s  %d\n", action, n)
	}
	return nil
}
