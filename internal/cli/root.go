// Package cli implements the watchtower command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tripwire/watchtower/internal/config"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "watchtower.yaml"

// app carries the global flags shared by every subcommand.
type app struct {
	configPath string
	jsonOutput bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "watchtower",
		Short: "Watchtower - rule-driven file integrity monitor",
		Long: `Watchtower watches a directory tree, matches every filesystem change
against user-defined rules, and raises an alert when a rule fires.
Every observation and every match is kept in an append-only audit trail.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", DefaultConfigPath, "path to the YAML configuration file")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		a.newRunCmd(),
		a.newRulesCmd(),
		a.newTailCmd(),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.LoadConfig(a.configPath)
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
