package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Reclaim orphaned segment and index files",
	Long: `Delete files no manifest references, skipping anything newer than
the retention window. Use --dry-run to preview.

Examples:
  pq vacuum --dry-run
  pq vacuum
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		database, ctx, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close(ctx) }()

		report, err := database.Vacuum(ctx, dryRun)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		fmt.Println(ui.RenderKV([][2]string{
			{"files scanned", fmt.Sprintf("%d", report.FilesScanned)},
			{"orphans found", fmt.Sprintf("%d", report.OrphansFound)},
			{"files deleted", fmt.Sprintf("%d", report.FilesDeleted)},
			{"bytes recovered", humanize.Bytes(uint64(report.BytesRecovered))},
			{"dry run", fmt.Sprintf("%v", report.DryRun)},
		}))
		for _, e := range report.Errors {
			fmt.Fprintln(os.Stderr, ui.WarnStyle.Render("vacuum: "+e))
		}
		return nil
	},
}

func init() {
	vacuumCmd.Flags().Bool("dry-run", false, "report without deleting")
	rootCmd.AddCommand(vacuumCmd)
}
