package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/sentinel-defense/internal/bus"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
	"github.com/Ashfaaq98/sentinel-defense/internal/respond"
	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

// revertCmd undoes a previously executed action by its id.
var revertCmd = &cobra.Command{
	Use:   "revert <action-id>",
	Short: "Revert a previously executed action",
	Long: `Revert looks up the action's revert token and invokes the action
plug-in's revert path, emitting a new action record that references the
original. Reverting an already-reverted action is a no-op.

Example:
  sentinel revert act_1756224000000000000-0000`,
	Args: cobra.ExactArgs(1),
	RunE: runRevert,
}

func init() {
	rootCmd.AddCommand(revertCmd)
}

func runRevert(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	m := metrics.New(nil)
	eventBus := bus.NewMemoryBus(cfg.Bus, m, nil)
	defer eventBus.Close()

	registry := respond.NewRegistry()
	if err := respond.RegisterBuiltins(registry, respond.BuiltinOptions{
		Production:    cfg.Response.ProductionActionsEnabled,
		HoneypotIP:    cfg.Response.HoneypotIP,
		QuarantineDir: cfg.Response.QuarantineDir,
	}); err != nil {
		return err
	}

	engine, err := respond.NewEngine(cfg.Response,
		respond.DefaultMatrix(cfg.Response.RiskMedium, cfg.Response.RiskHigh),
		registry, nil, eventBus, st, m, nil)
	if err != nil {
		return err
	}

	record, err := engine.Revert(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Revert of %s: %s (record %s)\n", args[0], record.Result, record.ActionID)
	return nil
}
