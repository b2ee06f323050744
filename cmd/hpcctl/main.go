// Package main is the entry point for hpcctl.
// hpcctl populates and inspects the task store, and is what batch scripts call to report
// their status from compute nodes.
package main

import (
	"os"

	"hpcflow/cmd/hpcctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
