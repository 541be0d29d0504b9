// commands.go contains the cobra command definitions and their flag
// configurations. Each builder creates one command and wires it to
// its handler.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nictes1/orquesta/internal/manifest"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func buildDecideCmd() *cobra.Command {
	var (
		configPath   string
		snapshotPath string
	)

	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Run one decision turn against a conversation snapshot",
		Long: `Run one decision turn: extract intent and slots, plan tool
calls, gate them through policy, execute them, and print the resulting
DecideResponse as JSON.

The snapshot is a JSON document with conversation_id, workspace_id,
utterance, and optionally slots, history, and called_tools. Use "-"
to read it from stdin.`,
		Example: `  # Decide from a file
  orquesta decide --config orquesta.yaml --snapshot turn.json

  # Decide from stdin
  echo '{"conversation_id":"c1","workspace_id":"ws-1","utterance":"hola"}' | \
    orquesta decide --config orquesta.yaml --snapshot -`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDecide(cmd.Context(), configPath, snapshotPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "orquesta.yaml",
		"Path to YAML configuration file")
	cmd.Flags().StringVarP(&snapshotPath, "snapshot", "s", "-",
		"Path to snapshot JSON file, or - for stdin")
	return cmd
}

func buildManifestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Work with tool manifests",
	}
	cmd.AddCommand(buildManifestValidateCmd())
	return cmd
}

func buildManifestValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate tool manifest files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				m, err := manifest.Load(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s %s, %d tools)\n",
					path, m.Vertical, m.Version, len(m.Tools))
			}
			return nil
		},
	}
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the orquesta version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "orquesta", version)
		},
	}
}
