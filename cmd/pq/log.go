package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var logCmd = &cobra.Command{
	Use:   "log [branch]",
	Short: "Show commit history",
	Long: `Walk the commit chain of a branch, newest first.

Examples:
  pq log
  pq log main --oneline
  pq log -n 5
`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branchName := ""
		if len(args) == 1 {
			branchName = args[0]
		}
		limit, _ := cmd.Flags().GetInt("n")
		oneline, _ := cmd.Flags().GetBool("oneline")

		database, ctx, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close(ctx) }()

		commits, err := database.Log(ctx, branchName, limit)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(commits)
		}
		for _, c := range commits {
			if oneline {
				fmt.Printf("%s %s\n", ui.HeaderStyle.Render(c.Hash[:12]), c.Message)
				continue
			}
			fmt.Printf("commit %s\n", ui.HeaderStyle.Render(c.Hash))
			if c.Author != "" {
				fmt.Printf("Author: %s\n", c.Author)
			}
			fmt.Printf("Date:   %s\n\n    %s\n\n", c.TS.Format("Mon Jan 2 15:04:05 2006 -0700"), c.Message)
		}
		return nil
	},
}

func init() {
	logCmd.Flags().IntP("n", "n", 0, "limit the number of commits")
	logCmd.Flags().Bool("oneline", false, "one line per commit")
	rootCmd.AddCommand(logCmd)
}
