package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/playola-fm/spin-engine/internal/config"
	"github.com/playola-fm/spin-engine/internal/engine"
	"github.com/playola-fm/spin-engine/internal/statemachine"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show this install's device id and cache diagnostics",
	Long:  "Loads config and reports the persisted device id plus file cache diagnostics. Does not attach to a running play session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		e, err := engine.New(cfg)
		if err != nil {
			return fmt.Errorf("build engine: %w", err)
		}
		defer func() { _ = e.Close() }()

		fmt.Printf("device id:     %s\n", e.DeviceID())
		printStatus(e)

		if pid, err := readPID(); err == nil {
			fmt.Printf("running pid:   %d (stop with `stationctl stop`)\n", pid)
		} else {
			fmt.Println("running pid:   none")
		}
		return nil
	},
}

func printStatus(e *engine.Engine) {
	state := e.State()
	stats := e.Stats()

	fmt.Printf("state:         %s\n", state.Kind)
	if state.Kind == statemachine.Playing {
		fmt.Printf("now playing:   %s — %s\n", state.Spin.AudioBlock.Artist, state.Spin.AudioBlock.Title)
	}
	fmt.Printf("station:       %s\n", orNone(e.StationID()))
	fmt.Printf("cache:         %d / %d bytes\n", stats.CacheBytes, stats.CacheMaxBytes)
	fmt.Printf("active voices: %d\n", stats.ActiveVoices)
	fmt.Printf("schedule reqs: %d (errors %d)\n", stats.ScheduleRequests, stats.ScheduleErrors)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
