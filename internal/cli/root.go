// Package cli implements abusectl, the offline companion to the server.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/mbd888/abuseguard/internal/rules"
)

// NewRootCmd creates the root abusectl command.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "abusectl",
		Short: "Evaluate submissions and inspect rule tables offline",
		Long: `abusectl runs the same risk pipeline as the server against local input.
Use it to replay a captured submission, check how a User-Agent scores, or
review the effective rule tables before deploying a RULES_FILE.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newEvaluateCmd(),
		newClassifyUACmd(),
		newRulesCmd(),
	)

	return root
}

// loadTables returns the compiled built-in tables, or path merged over them.
func loadTables(path string) (*rules.Compiled, error) {
	t := rules.Default()
	if path != "" {
		var err error
		if t, err = rules.Load(path); err != nil {
			return nil, err
		}
	}
	return t.Compile()
}
