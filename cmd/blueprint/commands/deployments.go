package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/opennsot/blueprint/pkg/journal"
)

func newDeploymentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployments",
		Short: "List deployments and their change history",
		Example: `  blueprint deployments --db state.db`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			_, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			tx, err := store.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback()

			deps, err := journal.ListDeployments(ctx, tx)
			if err != nil {
				return err
			}
			if len(deps) == 0 {
				fmt.Println("no deployments")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tVERSION\tCHANGE SETS\tLAST IMPLEMENTED")
			for _, d := range deps {
				sets, err := d.ChangeSets(ctx, tx)
				if err != nil {
					return err
				}
				active := 0
				for _, cs := range sets {
					if cs.Active {
						active++
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d (%d active)\t%s\n",
					d.Name, d.Status, d.Version, len(sets), active, d.LastImplemented)
			}
			return w.Flush()
		},
	}

	return cmd
}
