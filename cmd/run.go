package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/sentinel-defense/internal/capture"
	"github.com/Ashfaaq98/sentinel-defense/internal/pipeline"
)

var (
	runProfile string
	runSeed    int64
	runRate    time.Duration
	runFolder  string
)

// runCmd starts the full pipeline against a live packet source.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the detection-investigation-response pipeline",
	Long: `Run starts the full pipeline: packets are aggregated into flows, scored
in micro-batches, investigated against threat intelligence and answered with
containment actions.

The packet source is synthetic traffic by default; point --capture-folder at
a directory of JSONL captures to feed real traffic.

Examples:
  # Synthetic mixed traffic, in-process bus
  sentinel run

  # Feed captures dropped into a folder, Redis Streams bus
  sentinel run --capture-folder ./captures --bus redis`,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runProfile, "profile", "mixed", "Synthetic traffic profile (benign, scan, flood, exfil, mixed)")
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Synthetic traffic RNG seed (0 = time-based)")
	runCmd.Flags().DurationVar(&runRate, "rate", 10*time.Millisecond, "Synthetic packet interval")
	runCmd.Flags().StringVar(&runFolder, "capture-folder", "", "Directory of JSONL captures to replay and watch")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var source capture.Source
	if runFolder != "" {
		source, err = capture.NewFolderSource(runFolder, nil)
		if err != nil {
			return fmt.Errorf("failed to open capture folder: %w", err)
		}
	} else {
		source, err = capture.NewSyntheticSource(capture.SyntheticOptions{
			Profile: capture.TrafficProfile(runProfile),
			Seed:    runSeed,
			Rate:    runRate,
		})
		if err != nil {
			return err
		}
	}
	defer source.Close()

	p, err := pipeline.New(cfg, pipeline.Options{Source: source})
	if err != nil {
		return err
	}

	fmt.Printf("Pipeline running (bus=%s, sensor=%s). Ctrl-C to stop.\n",
		cfg.Bus.Transport, cfg.SensorID)
	err = p.Run(ctx)
	if err != nil && ctx.Err() != nil {
		// Normal shutdown via signal.
		return nil
	}
	return err
}
