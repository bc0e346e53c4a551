package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	schemaPath string
	dbPath     string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "blueprint",
		Short: "Blueprint - declarative data provisioning engine",
		Long: `Blueprint applies declarative YAML design documents to a relational
object store.

Features:
  - Action tags (!get, !create, !update, !create_or_update) per entry
  - Cross-references (!ref) between objects in one document
  - Deferred relation assignment so documents read naturally
  - Prefix allocation (!next_prefix, !child_prefix) and connections (!connect)
  - Field-level change tracking per deployment, with safe reversal
  - Dry runs that roll back everything, including extension side effects`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&schemaPath, "schema", "s", "schema.yaml", "schema file path")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "blueprint.db", "SQLite database path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newApplyCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newDecommissionCommand())
	rootCmd.AddCommand(newDeploymentsCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}
