package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/ui"
)

var queryCmd = &cobra.Command{
	Use:   "query <namespace> [filter-json]",
	Short: "Query a namespace with an optional JSON filter",
	Long: `Evaluate a filter over a namespace and print the matching documents.

The filter is a JSON document using the query operators:
  $eq $ne $gt $gte $lt $lte $in $nin $exists $regex $and $or $not $text

Examples:
  pq query posts
  pq query posts '{"status":"published"}' --limit 10
  pq query posts '{"$text":"database systems"}' --format ndjson
`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ns := args[0]
		var filter map[string]any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &filter); err != nil {
				return fmt.Errorf("invalid filter JSON: %w", err)
			}
		}
		limit, _ := cmd.Flags().GetInt("limit")
		format, _ := cmd.Flags().GetString("format")
		pretty, _ := cmd.Flags().GetBool("pretty")
		quiet, _ := cmd.Flags().GetBool("quiet")

		database, ctx, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close(ctx) }()

		res, err := database.Find(ctx, ns, filter, parquedb.FindOptions{Limit: limit})
		if err != nil {
			return err
		}

		switch format {
		case "ndjson":
			enc := json.NewEncoder(os.Stdout)
			for _, e := range res.Items {
				if err := enc.Encode(e); err != nil {
					return err
				}
			}
		case "json", "":
			enc := json.NewEncoder(os.Stdout)
			if pretty {
				enc.SetIndent("", "  ")
			}
			if err := enc.Encode(res.Items); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown format %q", format)
		}
		if !quiet {
			fmt.Fprintln(os.Stderr, ui.MutedStyle.Render(fmt.Sprintf(
				"%d of %d rows (scanned %d, early-termination=%v)",
				res.Stats.RowsReturned, res.Total, res.Stats.RowsScanned, res.Stats.UsedEarlyTermination)))
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().Int("limit", 0, "maximum rows to return")
	queryCmd.Flags().String("format", "json", "output format: json|ndjson")
	queryCmd.Flags().Bool("pretty", false, "indent JSON output")
	rootCmd.AddCommand(queryCmd)
}
