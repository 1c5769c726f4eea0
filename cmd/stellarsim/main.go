package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/seantiz/stellarsim/internal/config"
)

var (
	// Version information set at build time.
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	cfgFile  string
	logLevel string
	log      *logrus.Logger
)

func main() {
	log = config.NewLogger(os.Stdout, "info")

	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Fatal("Failed to execute command")
	}
}

var rootCmd = &cobra.Command{
	Use:   "stellarsim",
	Short: "Asynchronous stellarator simulation service",
	Long: `Stellarsim accepts plasma-confinement simulation jobs and parameter
sweeps, executes them asynchronously and serves their synthetic results,
exports and cross-run correlations over HTTP.`,
	SilenceUsage: true,
}

// loadConfig reads the configuration and applies the --log-level override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("log-level") {
		if _, err := logrus.ParseLevel(logLevel); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
		}
		cfg.LogLevel = logLevel
	}

	log.SetLevel(config.ParseLogLevel(cfg.LogLevel))

	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"log level ("+strings.Join(logLevels(), ", ")+")")
}

func logLevels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}

	return levels
}
