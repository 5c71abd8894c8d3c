package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/db"
)

var exportCmd = &cobra.Command{
	Use:   "export <namespace> <path>",
	Short: "Export a namespace to a file",
	Long: `Write every live document of a namespace to a local file.

Examples:
  pq export posts posts.json
  pq export posts posts.ndjson --format ndjson
  pq export posts posts.csv --format csv
  pq export posts posts.parquet --format parquet
`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		formatName, _ := cmd.Flags().GetString("format")
		format, err := db.ParseExportFormat(formatName)
		if err != nil {
			return err
		}
		database, ctx, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close(ctx) }()

		count, err := database.Export(ctx, args[0], args[1], format)
		if err != nil {
			return err
		}
		if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
			fmt.Printf("Exported %d documents to %s\n", count, args[1])
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("format", "json", "output format: json|csv|ndjson|parquet")
	rootCmd.AddCommand(exportCmd)
}
