// Package main provides the CLI for the borrowck ownership and borrow validation engine.
package main

import (
	"os"

	"github.com/leapstack-labs/borrowck/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
