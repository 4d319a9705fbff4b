package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/abuseguard/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect rule tables",
	}
	cmd.AddCommand(newRulesDumpCmd(), newRulesValidateCmd())
	return cmd
}

func newRulesDumpCmd() *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the effective rule tables as YAML",
		Long: `Prints the built-in tables, or the result of merging --rules over them.
The output is itself a valid RULES_FILE.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			compiled, err := loadTables(rulesFile)
			if err != nil {
				return err
			}
			data, err := rules.Marshal(compiled.Source())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rules file merged over the built-in tables")
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check that a rules file parses and compiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadTables(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
			return nil
		},
	}
}
