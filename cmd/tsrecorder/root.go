// SPDX-License-Identifier: MPL-2.0

package main

import (
	"github.com/spf13/cobra"
)

var rootVerboseFlag bool

var rootCmd = &cobra.Command{
	Use:   "tsrecorder",
	Short: "HF time-standard RTP ingest and per-minute IQ archive recorder",
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&rootVerboseFlag, "verbose", "v", false, "debug-level logging")
	rootCmd.AddCommand(runCmd)
}
