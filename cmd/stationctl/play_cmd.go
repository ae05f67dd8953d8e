package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/playola-fm/spin-engine/internal/config"
	"github.com/playola-fm/spin-engine/internal/engine"
	"github.com/playola-fm/spin-engine/internal/scheduleclient"
	"github.com/playola-fm/spin-engine/internal/statemachine"
)

var (
	playAtDate string
	playToken  string
)

func init() {
	playCmd.Flags().StringVar(&playAtDate, "at-date", "", "play as if it were this RFC3339 instant (historical offset)")
	playCmd.Flags().StringVar(&playToken, "token", "", "auth token (env: SPIN_API_TOKEN)")
}

var playCmd = &cobra.Command{
	Use:   "play <station-id>",
	Short: "Play a station's continuous schedule until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stationID := args[0]

		if playToken == "" {
			playToken = os.Getenv("SPIN_API_TOKEN")
		}
		if playToken == "" {
			return fmt.Errorf("authentication required: set --token or SPIN_API_TOKEN")
		}

		var atDate *time.Time
		if playAtDate != "" {
			t, err := time.Parse(time.RFC3339, playAtDate)
			if err != nil {
				return fmt.Errorf("parse --at-date: %w", err)
			}
			atDate = &t
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		e, err := engine.New(cfg)
		if err != nil {
			return fmt.Errorf("build engine: %w", err)
		}
		defer func() { _ = e.Close() }()

		e.Configure(scheduleclient.StaticAuthProvider{Token: playToken}, "")
		e.OnStateChange(func(state statemachine.State) {
			switch state.Kind {
			case statemachine.Loading:
				fmt.Printf("stationctl: loading (%.0f%%)\n", state.LoadingFraction*100)
			case statemachine.Playing:
				fmt.Printf("stationctl: now playing %s — %s\n", state.Spin.AudioBlock.Artist, state.Spin.AudioBlock.Title)
			default:
				fmt.Println("stationctl: idle")
			}
		})

		pidPath, err := writePIDFile()
		if err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer removePIDFile()
		fmt.Printf("stationctl: pid file at %s\n", pidPath)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := e.Play(ctx, stationID, atDate); err != nil {
			return fmt.Errorf("play %s: %w", stationID, err)
		}
		fmt.Printf("stationctl: playing station %s (device %s)\n", stationID, e.DeviceID())

		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				fmt.Println("stationctl: stopping")
				e.Stop()
				return nil
			case <-ticker.C:
				printStatus(e)
			}
		}
	},
}
