package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

// watchCmd renders live pipeline counters in the terminal, refreshed once
// per second (the same cadence the stats topic pushes at).
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch pipeline counters live",
	Long: `Watch renders the pipeline counters in a live terminal view, refreshed
once per second. Press q or Ctrl-C to exit.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	app := tview.NewApplication()
	table := tview.NewTable().SetBorders(false)
	table.SetBorder(true).SetTitle(" sentinel — live counters (q to quit) ")

	app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Rune() == 'q' || ev.Key() == tcell.KeyCtrlC {
			app.Stop()
			return nil
		}
		return ev
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				app.Stop()
				return
			case <-ticker.C:
				stats, err := st.GetStats(ctx)
				if err != nil {
					continue
				}
				app.QueueUpdateDraw(func() {
					renderStats(table, stats)
				})
			}
		}
	}()

	if err := app.SetRoot(table, true).Run(); err != nil {
		return fmt.Errorf("terminal UI failed: %w", err)
	}
	return nil
}

func renderStats(table *tview.Table, stats *store.Stats) {
	table.Clear()
	row := 0
	put := func(label string, value string, valueColor tcell.Color) {
		table.SetCell(row, 0, tview.NewTableCell(label).SetTextColor(tcell.ColorWhite))
		table.SetCell(row, 1, tview.NewTableCell(value).SetTextColor(valueColor).SetAlign(tview.AlignRight))
		row++
	}

	put("Alerts", fmt.Sprintf("%d", stats.Alerts), tcell.ColorAqua)
	put("  high", fmt.Sprintf("%d", stats.AlertSeverities["high"]), tcell.ColorRed)
	put("  medium", fmt.Sprintf("%d", stats.AlertSeverities["medium"]), tcell.ColorYellow)
	put("  low", fmt.Sprintf("%d", stats.AlertSeverities["low"]), tcell.ColorGreen)

	put("Investigations", fmt.Sprintf("%d", stats.Investigations), tcell.ColorAqua)
	put("  malicious", fmt.Sprintf("%d", stats.Verdicts["malicious"]), tcell.ColorRed)
	put("  suspicious", fmt.Sprintf("%d", stats.Verdicts["suspicious"]), tcell.ColorYellow)
	put("  benign", fmt.Sprintf("%d", stats.Verdicts["benign"]), tcell.ColorGreen)

	put("Actions", fmt.Sprintf("%d", stats.Actions), tcell.ColorAqua)
	for action, n := range stats.ActionTypes {
		put("  "+action, fmt.Sprintf("%d", n), tcell.ColorWhite)
	}
}
