package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/sentinel-defense/internal/capture"
	"github.com/Ashfaaq98/sentinel-defense/internal/pipeline"
)

var replayPace bool

// replayCmd runs the pipeline over one JSONL capture and exits at EOF.
var replayCmd = &cobra.Command{
	Use:   "replay <capture.jsonl>",
	Short: "Replay a JSONL packet capture through the pipeline",
	Long: `Replay feeds a JSONL capture file (one packet object per line) through
the full pipeline. After the capture is exhausted the pipeline stays up to
flush residual flows and finish in-flight investigations; stop it with
Ctrl-C.

Examples:
  # As fast as possible
  sentinel replay traffic.jsonl

  # Preserve original packet timing
  sentinel replay traffic.jsonl --pace`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().BoolVar(&replayPace, "pace", false, "Replay with original inter-arrival timing")
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	source, err := capture.NewReplaySource(args[0], replayPace)
	if err != nil {
		return err
	}
	defer source.Close()

	p, err := pipeline.New(cfg, pipeline.Options{Source: source})
	if err != nil {
		return err
	}

	fmt.Printf("Replaying %s...\n", args[0])
	err = p.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}
