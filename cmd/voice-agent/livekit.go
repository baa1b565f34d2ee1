package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chadiek/voice-agent/internal/livekit"
)

var flagRoom string

var livekitCmd = &cobra.Command{
	Use:   "livekit",
	Short: "Join a LiveKit room and talk to its participants",
	RunE:  runLiveKit,
}

func init() {
	livekitCmd.Flags().StringVar(&flagRoom, "room", "", "room name; overrides LIVEKIT_ROOM")
}

func runLiveKit(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	if flagRoom != "" {
		cfg.LiveKitRoom = flagRoom
	}
	if !cfg.LiveKitConfigured() {
		return errors.New("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required")
	}

	app, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	w := livekit.NewWorker(livekit.Config{
		URL:       cfg.LiveKitURL,
		APIKey:    cfg.LiveKitKey,
		APISecret: cfg.LiveKitSecret,
		Room:      cfg.LiveKitRoom,
		Identity:  cfg.AgentIdentity,
		Recipient: cfg.TaskRecipient,
	}, app.factory, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}
