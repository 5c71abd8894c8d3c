package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var diffCmd = &cobra.Command{
	Use:   "diff [target]",
	Short: "Compare the current head against a branch or commit",
	Long: `Show collection-level differences between the current head and a
target branch or commit hash. With no target, compares against the
head's first parent.

Examples:
  pq diff
  pq diff feature-x --stat
  pq diff 4f2a91be --json
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 1 {
			target = args[0]
		}
		database, ctx, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close(ctx) }()

		entries, from, to, err := database.Diff(ctx, target)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		stat, _ := cmd.Flags().GetBool("stat")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"from":    from.Hash,
				"to":      to.Hash,
				"entries": entries,
			})
		}
		if len(entries) == 0 {
			fmt.Println("No differences")
			return nil
		}
		if stat {
			fmt.Printf("%d collections changed\n", len(entries))
			return nil
		}
		if events, _ := cmd.Flags().GetBool("events"); events {
			fmt.Printf("events: %d -> %d (+%d)\n",
				from.State.EventLogPosition.Offset,
				to.State.EventLogPosition.Offset,
				to.State.EventLogPosition.Offset-from.State.EventLogPosition.Offset)
		}
		for _, e := range entries {
			marker := " "
			switch e.Kind {
			case "added":
				marker = ui.PassStyle.Render("+")
			case "removed":
				marker = ui.WarnStyle.Render("-")
			case "modified":
				marker = ui.HeaderStyle.Render("~")
			}
			line := fmt.Sprintf("%s %s", marker, e.Namespace)
			if e.SchemaChanged {
				line += ui.MutedStyle.Render(" (schema)")
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	diffCmd.Flags().Bool("stat", false, "summary only")
	diffCmd.Flags().Bool("events", false, "include event log positions")
	rootCmd.AddCommand(diffCmd)
}
