package main

import (
	"fmt"
	"syscall"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Signal a running `stationctl play` session to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := readPID()
		if err != nil {
			return err
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			removePIDFile()
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		fmt.Printf("stationctl: sent stop signal to pid %d\n", pid)
		return nil
	},
}
