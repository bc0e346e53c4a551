package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opennsot/blueprint/pkg/journal"
)

func newDecommissionCommand() *cobra.Command {
	var deleteAfter bool

	cmd := &cobra.Command{
		Use:   "decommission <deployment>",
		Short: "Revert everything a deployment created or changed",
		Long: `Decommission reverts every active change set of the deployment, newest
first: objects the deployment created are deleted, fields it changed are
restored, and list memberships it added are removed. Objects other active
deployments also depend on block the operation.`,
		Example: `  blueprint decommission campus-east
  blueprint decommission campus-east --delete`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

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

			dep, err := journal.GetDeployment(ctx, tx, name)
			if err != nil {
				return err
			}
			if err := dep.Decommission(ctx, tx); err != nil {
				return err
			}
			if deleteAfter {
				if err := dep.Delete(ctx, tx); err != nil {
					return err
				}
			}
			if err := tx.Commit(); err != nil {
				return err
			}

			log.Info().Str("deployment", name).Bool("deleted", deleteAfter).Msg("Deployment decommissioned")
			return nil
		},
	}

	cmd.Flags().BoolVar(&deleteAfter, "delete", false, "delete the deployment record after decommissioning")

	return cmd
}
