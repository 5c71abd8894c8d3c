package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, ctx, err := openDB(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = database.Close(ctx) }()

		stats, err := database.Stats(ctx)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}

		rows := make([][]string, 0, len(stats.Namespaces))
		for _, ns := range stats.Namespaces {
			rows = append(rows, []string{
				ns.Namespace,
				fmt.Sprintf("%d", ns.EventCount),
				fmt.Sprintf("%d", ns.RowCount),
				fmt.Sprintf("%d", ns.SegmentCount),
				humanize.Bytes(uint64(ns.SegmentBytes)),
			})
		}
		fmt.Println(ui.RenderTable([]string{"NAMESPACE", "EVENTS", "ROWS", "SEGMENTS", "SIZE"}, rows))

		health := "ok"
		if !stats.Breaker.Healthy {
			health = ui.WarnStyle.Render(fmt.Sprintf("degraded %v", stats.Breaker.Open))
		}
		fmt.Println(ui.RenderKV([][2]string{
			{"cache entries", fmt.Sprintf("%d", stats.CacheLen)},
			{"cache hit rate", fmt.Sprintf("%.1f%%", stats.Cache.HitRate()*100)},
			{"storage health", health},
			{"live windows", fmt.Sprintf("%d", len(stats.Windows))},
			{"quarantined windows", fmt.Sprintf("%d", len(stats.Quarantined))},
		}))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
