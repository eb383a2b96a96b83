package cli

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "history CURRICULUM_ID",
		Short: "Print the stored chat history of a curriculum",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := g.resolve(cmd)
			if err != nil {
				return err
			}
			msgs, err := e.client.FetchHistory(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			if len(msgs) == 0 {
				fmt.Fprintln(out, "No messages yet.")
				return nil
			}
			for _, m := range msgs {
				stamp := ""
				if m.CreatedAt != nil {
					stamp = "[" + humanize.Time(*m.CreatedAt) + "] "
				}
				fmt.Fprintf(out, "%s%s: %s\n", stamp, m.Role, m.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON")
	return cmd
}
