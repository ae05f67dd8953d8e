// Command stationctl drives one spin-engine Engine from the command line:
// play a station, stop it, or inspect its current state. It is a thin
// harness, not a daemon; play and status load config, build an Engine, and
// tear it down on exit, while stop only signals a running play process.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (default: platform config dir)")
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
}

var rootCmd = &cobra.Command{
	Use:   "stationctl",
	Short: "Control a spin-engine playback session",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
