package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mbd888/abuseguard/internal/useragent"
)

func newClassifyUACmd() *cobra.Command {
	var (
		rulesFile  string
		outputJSON bool
	)

	cmd := &cobra.Command{
		Use:     "classify-ua <user-agent>",
		Short:   "Score a User-Agent string",
		Example: `  abusectl classify-ua "python-requests/2.31"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tables, err := loadTables(rulesFile)
			if err != nil {
				return err
			}
			ua := strings.Join(args, " ")
			c := useragent.NewClassifier(tables).Classify(ua)

			out := cmd.OutOrStdout()
			if outputJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(c)
			}
			fmt.Fprintf(out, "suspicious=%v score=%d (threshold >%d)\n", c.Suspicious, c.Score, useragent.SuspiciousAbove)
			if len(c.Flags) > 0 {
				fmt.Fprintf(out, "flags: %s\n", strings.Join(c.Flags, ", "))
			}
			if c.Pattern != "" {
				fmt.Fprintf(out, "matched pattern: %q\n", c.Pattern)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "YAML rules file merged over the built-in tables")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output the classification as JSON")
	return cmd
}
