package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opennsot/blueprint/pkg/contrib"
	"github.com/opennsot/blueprint/pkg/design"
	"github.com/opennsot/blueprint/pkg/journal"
	"github.com/opennsot/blueprint/pkg/storage"
	"github.com/opennsot/blueprint/pkg/telemetry"
)

func newApplyCommand(buildVersion string) *cobra.Command {
	var (
		designPath string
		deployment string
		version    string
		configRoot string
		commit     bool
		trace      bool
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply a design document to the object store",
		Long: `Apply walks the design document, creates or updates every object it
describes, and records field-level changes under a named deployment.

Without --commit the run is a dry run: the document is fully evaluated
against the live database, then every write is rolled back.

Re-running a committed deployment reverts objects that the previous run
created but the current document no longer mentions.`,
		Example: `  # Dry run against the default database
  blueprint apply --design campus.yaml

  # Commit under a named deployment
  blueprint apply --design campus.yaml --deployment campus-east --commit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			traceCfg := telemetry.DefaultConfig().Tracing
			if trace {
				traceCfg.Enabled = true
				traceCfg.Exporter = "stdout"
			}
			tracer, err := telemetry.NewTracer(traceCfg, "blueprint", buildVersion)
			if err != nil {
				return err
			}
			defer tracer.Shutdown(context.Background())
			ctx, span := tracer.Start(ctx, "apply")
			defer span.End()

			if deployment == "" {
				base := filepath.Base(designPath)
				deployment = strings.TrimSuffix(base, filepath.Ext(base))
			}

			log.Info().
				Str("design", designPath).
				Str("deployment", deployment).
				Bool("commit", commit).
				Msg("Applying design")

			_, store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			doc, err := loadDesign(designPath)
			if err != nil {
				return err
			}

			var dep *journal.Deployment
			var current, previous *journal.ChangeSet
			if commit {
				dep, current, previous, err = openChangeSet(ctx, store, deployment, version)
				if err != nil {
					return err
				}
			}

			opts := []design.Option{design.WithExtensions(contrib.Extensions(configRoot)...)}
			if current != nil {
				opts = append(opts, design.WithChangeSet(current))
			}
			builder, err := design.NewBuilder(store.Registry(), store, opts...)
			if err != nil {
				return err
			}

			if err := builder.ImplementDesign(ctx, doc, commit); err != nil {
				if current != nil {
					// The run's records rolled back with it; retire the
					// change set row so it does not count as active history.
					retireChangeSet(ctx, store, current)
				}
				return err
			}

			if commit && previous != nil {
				if err := reduce(ctx, store, current, previous); err != nil {
					return err
				}
			}

			summary := builder.Journal().Summary()
			if commit {
				log.Info().Str("deployment", dep.Name).Msg("Design committed")
			} else {
				log.Info().Msg("Dry run complete, all changes rolled back")
			}
			fmt.Println(summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&designPath, "design", "d", "", "design document path")
	cmd.Flags().StringVar(&deployment, "deployment", "", "deployment name (default: design file name)")
	cmd.Flags().StringVar(&version, "design-version", "", "design version stamped on the deployment")
	cmd.Flags().StringVar(&configRoot, "config-root", "rendered", "working tree for !config_context output")
	cmd.Flags().BoolVar(&commit, "commit", false, "commit the run instead of rolling it back")
	cmd.Flags().BoolVar(&trace, "trace", false, "emit a span for the run on stdout")
	cmd.MarkFlagRequired("design")

	return cmd
}

// openChangeSet stamps the deployment and opens a fresh change set in its own
// transaction, so the bookkeeping row survives even if the run aborts.
func openChangeSet(ctx context.Context, store *storage.Store, name, version string) (*journal.Deployment, *journal.ChangeSet, *journal.ChangeSet, error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	defer tx.Rollback()

	dep, err := journal.GetOrCreateDeployment(ctx, tx, name, version)
	if err != nil {
		return nil, nil, nil, err
	}
	previous, err := dep.LatestActiveChangeSet(ctx, tx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, nil, nil, err
		}
		previous = nil
	}
	current, err := dep.NewChangeSet(ctx, tx)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, nil, err
	}
	return dep, current, previous, nil
}

// reduce reverts objects the previous run touched that the current document
// no longer mentions.
func reduce(ctx context.Context, store *storage.Store, current, previous *journal.ChangeSet) error {
	tx, err := store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	removed, err := current.Diff(ctx, tx, previous)
	if err != nil {
		return err
	}
	if len(removed) > 0 {
		ids := make([]uuid.UUID, 0, len(removed))
		for _, rec := range removed {
			log.Info().
				Str("type", rec.ObjectType).
				Str("id", rec.ObjectID.String()).
				Msg("Reverting object dropped from design")
			ids = append(ids, rec.ObjectID)
		}
		if err := previous.Revert(ctx, tx, ids...); err != nil {
			return fmt.Errorf("failed to revert dropped objects: %w", err)
		}
	}
	return tx.Commit()
}

// retireChangeSet marks a change set inactive after a failed run. Best
// effort, the original failure is what the user needs to see.
func retireChangeSet(ctx context.Context, store *storage.Store, cs *journal.ChangeSet) {
	tx, err := store.Begin(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to retire change set")
		return
	}
	defer tx.Rollback()
	if err := cs.Revert(ctx, tx); err != nil {
		log.Warn().Err(err).Msg("Failed to retire change set")
		return
	}
	if err := tx.Commit(); err != nil {
		log.Warn().Err(err).Msg("Failed to retire change set")
	}
}
