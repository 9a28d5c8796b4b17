// Package main is the entry point for the logpulse CLI.
package main

import (
	"os"

	"github.com/good-yellow-bee/logpulse/cmd/logctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
