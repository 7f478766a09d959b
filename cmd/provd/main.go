// Package main provides the entry point for the provd CLI.
package main

import (
	"os"

	"github.com/wifientist/rtools2-sub001/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
