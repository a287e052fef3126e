package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ashfaaq98/sentinel-defense/internal/config"
)

var (
	cfgFile      string
	dbPath       string
	busTransport string
	brokerURL    string
	logLevel     string
	offlineMode  bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Autonomous network-defense pipeline",
	Long: `Sentinel is an autonomous network-defense pipeline: it ingests packets,
scores flows for maliciousness, enriches high-interest flows with external
threat intelligence, decides on a containment action and executes it against
a controlled data plane.

Features:
- Flow aggregation with micro-batched scoring
- Concurrent threat-intel fan-out with caching and rate limits
- Severity x risk decision matrix with safety gates
- Reversible actions with a full audit trail
- Pluggable event bus (in-process, Redis Streams or NATS)`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sentinel.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "./data/sentinel.db", "SQLite database path")
	rootCmd.PersistentFlags().StringVar(&busTransport, "bus", "memory", "Bus transport (memory, redis, nats)")
	rootCmd.PersistentFlags().StringVar(&brokerURL, "broker", "redis://localhost:6379", "Broker connection URL")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&offlineMode, "offline", true, "Use deterministic mocked threat-intel findings")

	// Bind flags to viper
	viper.BindPFlag("database.path", rootCmd.PersistentFlags().Lookup("db"))
	viper.BindPFlag("bus.transport", rootCmd.PersistentFlags().Lookup("bus"))
	viper.BindPFlag("bus.broker_url", rootCmd.PersistentFlags().Lookup("broker"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("investigation.offline_mode", rootCmd.PersistentFlags().Lookup("offline"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".sentinel" (without extension).
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sentinel")
	}

	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	config.SetDefaults()
}

// loadConfig resolves the validated runtime configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("fatal configuration error: %w", err)
	}
	return cfg, nil
}
