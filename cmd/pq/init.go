package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a ParqueDB database in the current directory",
	Long: `Create a .parquedb directory with a default config and an empty
schema. Safe to run in an existing repository; an already-initialized
directory is left untouched.

Examples:
  pq init
  pq init --db /var/lib/myapp/.parquedb
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("db")
		if dir == "" {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			dir = filepath.Join(cwd, ".parquedb")
		}
		if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err == nil {
			fmt.Printf("Already initialized: %s\n", dir)
			return nil
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		defaultConfig := `# ParqueDB configuration
# compression: lz4
# cache-ttl: 5m
# auto-snapshot-threshold: 100
`
		if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(defaultConfig), 0o644); err != nil {
			return err
		}
		defaultSchema := `# Namespace schema: declared fields, indexes and relations.
# namespaces:
#   posts:
#     fields:
#       title: {type: string, index: hash}
#       body: {type: text, index: fts}
#     relations:
#       author: {target: authors, inverse: posts, singular: true}
#   authors:
#     relations:
#       posts: {target: posts, inverse: author, reverse: true}
namespaces: {}
`
		objectsDir := filepath.Join(dir, "objects")
		if err := os.MkdirAll(objectsDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(objectsDir, "schema.yaml"), []byte(defaultSchema), 0o644); err != nil {
			return err
		}
		fmt.Printf("Initialized ParqueDB in %s\n", dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
