// SPDX-License-Identifier: MPL-2.0

package main

import (
	"fmt"
	"os"
)

func main() {
	Execute()
}

// Execute runs the root command and exits non-zero on failure, matching
// the facebook-time ptpcheck cmd/root.go Execute() pattern.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
