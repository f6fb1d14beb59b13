// Package main is the entrypoint for the lanroom CLI.
package main

import (
	"fmt"
	"os"

	"lanroom.dev/go/lanroom/internal/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
