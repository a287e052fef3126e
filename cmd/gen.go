package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ashfaaq98/sentinel-defense/internal/capture"
)

var (
	genProfile string
	genSeed    int64
	genCount   int
	genOutput  string
)

// genCmd writes a synthetic JSONL capture for later replay.
var genCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a synthetic JSONL packet capture",
	Long: `Gen writes synthetic traffic as a JSONL capture suitable for the replay
command. A fixed seed reproduces the exact same capture.

Examples:
  # 10k mixed packets to stdout
  sentinel gen --count 10000

  # Reproducible flood traffic to a file
  sentinel gen --profile flood --seed 42 --count 5000 -o flood.jsonl`,
	RunE: runGen,
}

func init() {
	rootCmd.AddCommand(genCmd)

	genCmd.Flags().StringVar(&genProfile, "profile", "mixed", "Traffic profile (benign, scan, flood, exfil, mixed)")
	genCmd.Flags().Int64Var(&genSeed, "seed", 0, "RNG seed (0 = time-based)")
	genCmd.Flags().IntVar(&genCount, "count", 10000, "Number of packets to generate")
	genCmd.Flags().StringVarP(&genOutput, "output", "o", "-", "Output file (- for stdout)")
}

func runGen(cmd *cobra.Command, args []string) error {
	source, err := capture.NewSyntheticSource(capture.SyntheticOptions{
		Profile: capture.TrafficProfile(genProfile),
		Seed:    genSeed,
		Limit:   genCount,
	})
	if err != nil {
		return err
	}
	defer source.Close()

	var out io.Writer = os.Stdout
	if genOutput != "-" && genOutput != "" {
		f, err := os.Create(genOutput)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", genOutput, err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	written := 0
	for {
		pkt, err := source.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := enc.Encode(pkt); err != nil {
			return fmt.Errorf("failed to write packet: %w", err)
		}
		written++
	}

	if genOutput != "-" && genOutput != "" {
		fmt.Printf("Wrote %d packets to %s\n", written, genOutput)
	}
	return nil
}
