// Package main provides the CLI entry point for the orquesta
// conversational orchestrator.
//
// # Basic Usage
//
// Run one decision turn against a snapshot file:
//
//	orquesta decide --config orquesta.yaml --snapshot turn.json
//
// Validate a tool manifest:
//
//	orquesta manifest validate manifests/services.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "orquesta",
		Short:         "Multi-tenant conversational agent orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildDecideCmd(), buildManifestCmd(), buildVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
