package commands

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/opennsot/blueprint/pkg/contrib"
	"github.com/opennsot/blueprint/pkg/design"
	"github.com/opennsot/blueprint/pkg/telemetry"
)

func newWatchCommand() *cobra.Command {
	var (
		designPath    string
		configRoot    string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-validate a design whenever it changes on disk",
		Long: `Watch monitors the design document and re-runs validation on every
save, so editing feedback is immediate. Runs never commit. Evaluation
metrics are exposed over HTTP when --metrics-listen is set.`,
		Example: `  blueprint watch --design campus.yaml
  blueprint watch --design campus.yaml --metrics-listen :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			metrics := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
			if metricsListen != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.Handler())
				go func() {
					log.Info().Str("addr", metricsListen).Msg("Serving metrics")
					if err := http.ListenAndServe(metricsListen, mux); err != nil {
						log.Error().Err(err).Msg("Metrics server stopped")
					}
				}()
			}

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return err
			}
			defer watcher.Close()

			// Watch the directory, not the file: editors replace files on
			// save and the inode-level watch would go stale.
			dir := filepath.Dir(designPath)
			if err := watcher.Add(dir); err != nil {
				return err
			}

			validateOnce(ctx, designPath, configRoot, metrics)

			target, err := filepath.Abs(designPath)
			if err != nil {
				return err
			}

			var timer *time.Timer
			pending := make(chan struct{}, 1)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-pending:
					validateOnce(ctx, designPath, configRoot, metrics)
				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					abs, err := filepath.Abs(event.Name)
					if err != nil || abs != target {
						continue
					}
					if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
						continue
					}
					// Debounce bursts of write events from a single save.
					if timer != nil {
						timer.Stop()
					}
					timer = time.AfterFunc(250*time.Millisecond, func() {
						select {
						case pending <- struct{}{}:
						default:
						}
					})
				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Warn().Err(err).Msg("Watch error")
				}
			}
		},
	}

	cmd.Flags().StringVarP(&designPath, "design", "d", "", "design document path")
	cmd.Flags().StringVar(&configRoot, "config-root", "rendered", "working tree for !config_context output")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "address to serve Prometheus metrics on")
	cmd.MarkFlagRequired("design")

	return cmd
}

func validateOnce(ctx context.Context, designPath, configRoot string, metrics *telemetry.Metrics) {
	_, store, err := openStore(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open store")
		return
	}
	defer store.Close()

	doc, err := loadDesign(designPath)
	if err != nil {
		log.Error().Err(err).Msg("Failed to parse design")
		return
	}

	builder, err := design.NewBuilder(store.Registry(), store,
		design.WithExtensions(contrib.Extensions(configRoot)...),
		design.WithMetrics(metrics))
	if err != nil {
		log.Error().Err(err).Msg("Failed to build engine")
		return
	}

	if err := builder.ImplementDesign(ctx, doc, false); err != nil {
		reportDesignError(err)
		return
	}
	log.Info().Str("design", designPath).Msg("Design is valid")
}
