// Package main provides the tiercache CLI for inspecting and exercising a
// two-tier cache backed by a shared directory.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
