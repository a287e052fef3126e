package cmd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

var (
	listLimit  int
	listOffset int
)

var (
	colorRed    = color.New(color.FgRed).SprintFunc()
	colorYellow = color.New(color.FgYellow).SprintFunc()
	colorGreen  = color.New(color.FgGreen).SprintFunc()
)

// listCmd prints persisted records in table form.
var listCmd = &cobra.Command{
	Use:   "list [alerts|investigations|actions]",
	Short: "List persisted alerts, investigations or actions",
	Long: `List prints persisted pipeline records in a table, newest first.

Examples:
  # Most recent alerts
  sentinel list alerts

  # Page through actions
  sentinel list actions --limit 10 --offset 20`,
	Args: cobra.ExactArgs(1),
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of items to show")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "Number of items to skip")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	switch strings.ToLower(args[0]) {
	case "alerts":
		return listAlerts(cmd, st)
	case "investigations":
		return listInvestigations(cmd, st)
	case "actions":
		return listActions(cmd, st)
	default:
		return fmt.Errorf("unknown list type: %s (use alerts, investigations or actions)", args[0])
	}
}

func severityCell(s event.Severity) string {
	switch s {
	case event.SeverityHigh:
		return colorRed(string(s))
	case event.SeverityMedium:
		return colorYellow(string(s))
	default:
		return string(s)
	}
}

func verdictCell(v event.Verdict) string {
	switch v {
	case event.VerdictMalicious:
		return colorRed(string(v))
	case event.VerdictSuspicious:
		return colorYellow(string(v))
	default:
		return colorGreen(string(v))
	}
}

func tsCell(ts float64) string {
	return time.Unix(int64(ts), 0).Format("2006-01-02 15:04:05")
}

func listAlerts(cmd *cobra.Command, st *store.Store) error {
	alerts, total, err := st.ListAlerts(cmd.Context(), listLimit, listOffset)
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("No alerts found.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Time", "Source", "Destination", "Proto", "Score", "Severity"})
	for _, a := range alerts {
		table.Append([]string{
			a.ID, tsCell(a.TS), a.SrcIP, a.DstIP, a.Proto,
			fmt.Sprintf("%.2f", a.ModelScore), severityCell(a.Severity),
		})
	}
	table.Render()
	fmt.Printf("Showing %d of %d alerts\n", len(alerts), total)
	return nil
}

func listInvestigations(cmd *cobra.Command, st *store.Store) error {
	reports, total, err := st.ListInvestigations(cmd.Context(), listLimit, listOffset)
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("No investigations found.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Alert", "Time", "Risk", "Verdict", "Confidence", "Sources"})
	for _, r := range reports {
		table.Append([]string{
			r.AlertID, tsCell(r.TS), fmt.Sprintf("%.2f", r.RiskScore),
			verdictCell(r.Verdict), fmt.Sprintf("%.2f", r.Confidence),
			fmt.Sprintf("%d", len(r.Sources)),
		})
	}
	table.Render()
	fmt.Printf("Showing %d of %d investigations\n", len(reports), total)
	return nil
}

func listActions(cmd *cobra.Command, st *store.Store) error {
	actions, total, err := st.ListActions(cmd.Context(), listLimit, listOffset)
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Println("No actions found.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Time", "Action", "Target", "Result", "Gate", "Reverted"})
	for _, a := range actions {
		reverted := "no"
		if a.Reverted {
			reverted = colorYellow("yes")
		}
		table.Append([]string{
			a.ActionID, tsCell(a.TS), a.ActionType, a.Target, a.Result,
			a.SafetyGate, reverted,
		})
	}
	table.Render()
	fmt.Printf("Showing %d of %d actions\n", len(actions), total)
	return nil
}
