// Command pq is the ParqueDB CLI: a thin wrapper over the embedded
// engine for initializing a database, querying namespaces, exporting
// data and inspecting commits.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/parquedb/parquedb"
	"github.com/parquedb/parquedb/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "pq",
	Short:         "ParqueDB - embedded event-sourced document database",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	rootCmd.PersistentFlags().Bool("json", false, "JSON output")
	rootCmd.PersistentFlags().Bool("quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().String("db", "", "data directory (default: nearest .parquedb)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dataDir resolves the database directory: --db flag, PQ_DATA_DIR, then
// the nearest .parquedb directory walking up from CWD.
func dataDir(cmd *cobra.Command) (string, error) {
	if flag, _ := cmd.Flags().GetString("db"); flag != "" {
		return flag, nil
	}
	if dir := config.GetString("data-dir"); dir != "" {
		return dir, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, ".parquedb")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no .parquedb directory found (run pq init)")
}

// openDB opens the database with settings from config.
func openDB(cmd *cobra.Command) (*parquedb.DB, context.Context, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	dir, err := dataDir(cmd)
	if err != nil {
		return nil, nil, err
	}
	quiet, _ := cmd.Flags().GetBool("quiet")
	database, err := parquedb.Open(ctx, dir, parquedb.Options{
		MaxBufferedEvents:     config.GetInt("max-buffered-events"),
		AutoSnapshotThreshold: config.GetInt("auto-snapshot-threshold"),
		MaxCachedEntities:     config.GetInt("max-cached-entities"),
		CacheTTL:              config.GetDuration("cache-ttl"),
		DefaultConcurrency:    config.GetInt("default-concurrency"),
		MaxInbound:            config.GetInt("max-inbound"),
		TextFallbackScan:      config.GetBool("text-fallback-scan"),
		RawEventsPrefix:       config.GetString("raw-events-prefix"),
		Compression:           config.GetString("compression"),
		Actor:                 config.GetString("actor"),
		Quiet:                 quiet || config.GetBool("quiet"),
	})
	if err != nil {
		return nil, nil, err
	}
	return database, ctx, nil
}
