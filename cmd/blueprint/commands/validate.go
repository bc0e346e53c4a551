package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opennsot/blueprint/pkg/contrib"
	"github.com/opennsot/blueprint/pkg/design"
)

func newValidateCommand() *cobra.Command {
	var (
		designPath string
		configRoot string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a design document without committing",
		Long: `Validate fully evaluates the design against the live database, runs
field validation on every object, then rolls everything back. It catches
malformed documents, failed lookups, ambiguous queries, and schema
violations before apply --commit ever runs.`,
		Example: `  blueprint validate --design campus.yaml --schema schema.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := runValidation(ctx, designPath, configRoot); err != nil {
				reportDesignError(err)
				return fmt.Errorf("design %s is invalid", designPath)
			}
			log.Info().Str("design", designPath).Msg("Design is valid")
			return nil
		},
	}

	cmd.Flags().StringVarP(&designPath, "design", "d", "", "design document path")
	cmd.Flags().StringVar(&configRoot, "config-root", "rendered", "working tree for !config_context output")
	cmd.MarkFlagRequired("design")

	return cmd
}

// runValidation evaluates the design in a transaction that is always rolled
// back.
func runValidation(ctx context.Context, designPath, configRoot string) error {
	_, store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	doc, err := loadDesign(designPath)
	if err != nil {
		return err
	}

	builder, err := design.NewBuilder(store.Registry(), store,
		design.WithExtensions(contrib.Extensions(configRoot)...))
	if err != nil {
		return err
	}
	return builder.ImplementDesign(ctx, doc, false)
}

// reportDesignError logs the failure under its category so documents can be
// fixed without reading a stack of wrapped errors.
func reportDesignError(err error) {
	var impl *design.ImplementationError
	var notFound *design.NotFoundError
	var multiple *design.MultipleMatchesError
	var invalid *design.ValidationError

	switch {
	case errors.As(err, &invalid):
		log.Error().Str("reason", "validation").Msg(invalid.Error())
	case errors.As(err, &notFound):
		log.Error().Str("reason", "lookup failed").Msg(notFound.Error())
	case errors.As(err, &multiple):
		log.Error().Str("reason", "ambiguous query").Msg(multiple.Error())
	case errors.As(err, &impl):
		log.Error().Str("reason", "malformed design").Msg(impl.Error())
	default:
		log.Error().Err(err).Msg("Design evaluation failed")
	}
}
