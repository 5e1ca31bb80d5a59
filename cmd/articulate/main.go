// Package main is the entry point of the articulate CLI.
//
// Usage:
//
//	articulate [flags] <command> [args]
//
// Commands:
//
//	worker      - Serve controllers: transcribe commands and generate scripts
//	controller  - Connect to a worker, answer context requests, run scripts
//	config      - Print the effective configuration
//	version     - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/ManveerAnand/articulate3D/cmd/articulate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
