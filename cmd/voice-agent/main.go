// Command voice-agent runs the realtime voice agent.
//
// Usage:
//
//	voice-agent serve    - HTTP signaling for browser WebRTC calls
//	voice-agent livekit  - join a LiveKit room as a participant
//
// Configuration comes from the environment and an optional .env file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/config"
	"github.com/chadiek/voice-agent/internal/logging"
)

var (
	flagLogLevel string
	flagDevLog   bool
)

var rootCmd = &cobra.Command{
	Use:           "voice-agent",
	Short:         "Realtime voice agent that talks and hands tasks to the frontend",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().BoolVar(&flagDevLog, "dev", false, "human readable console logs")
	rootCmd.AddCommand(serveCmd, livekitCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the process logger.
func setup() (config.Config, *zap.Logger, error) {
	cfg := config.Load()
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	if flagDevLog {
		cfg.LogDevelopment = true
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return cfg, nil, err
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return cfg, logger, nil
}
