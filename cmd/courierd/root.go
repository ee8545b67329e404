package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/raskyld/courier"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string

	// Shared state set during PersistentPreRun
	cfg        *courier.Config
	logHandler slog.Handler
)

var rootCmd = &cobra.Command{
	Use:   "courierd",
	Short: "Courier peer-to-peer messaging node",
	Long: `courierd runs a Courier node, exchanging messages with its peers over
UDP, and optionally QUIC and a gossip cluster.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}

		opts := &slog.HandlerOptions{Level: level}
		switch logFormat {
		case "text":
			logHandler = slog.NewTextHandler(os.Stderr, opts)
		case "json":
			logHandler = slog.NewJSONHandler(os.Stderr, opts)
		default:
			return fmt.Errorf("unknown log format %q", logFormat)
		}

		if cfgFile == "" {
			cfg = &courier.Config{}
			return nil
		}
		var err error
		cfg, err = courier.LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

// nodeOptions merges the file configuration with the logging flags.
func nodeOptions() ([]courier.Option, error) {
	opts, err := cfg.Options()
	if err != nil {
		return nil, err
	}
	return append(opts, courier.WithLog(logHandler)), nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML configuration file of the node")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "minimum level of logs: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "format of logs: text, json")
}
