package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/apperrors"
	"github.com/ekaya-inc/tap-loganalytics/pkg/schema"
	"github.com/ekaya-inc/tap-loganalytics/pkg/services"
	"github.com/ekaya-inc/tap-loganalytics/pkg/state"
)

func newDiscoverCommand(opts *options) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Sample every query and print the inferred catalog",
		Long: `Discover runs each configured query over the most recent sample window
(discovery.sample_window, default 1h) and prints a catalog with the
inferred column types. Bookmarks are neither read nor written.

Pass the catalog to "run --catalog" to freeze the schemas.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			found, discoverErr := a.engine.Discover(cmd.Context(), a.streams)
			if err := services.WriteCatalog(cmd.OutOrStdout(), services.NewCatalog(found), format); err != nil {
				return err
			}
			return errors.Join(discoverErr, a.configErr())
		},
	}
	cmd.Flags().StringVar(&format, "format", services.FormatJSON, "catalog format: json or yaml")
	return cmd
}

// runFlags are shared by run and schedule.
type runFlags struct {
	catalogPath string
	statePath   string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.catalogPath, "catalog", "", "catalog from discover; selects streams and freezes their schemas")
	cmd.Flags().StringVar(&f.statePath, "state", "", "Singer state file merged into the state backend bookmarks; the later bookmark wins")
}

func newRunCommand(opts *options) *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Extract every stream from its bookmark up to now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			a.serveMetrics(cmd.Context())
			return a.run(cmd.Context(), flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func newScheduleCommand(opts *options) *cobra.Command {
	flags := &runFlags{}
	var spec string

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run extractions on a cron schedule until interrupted",
		Long: `Schedule runs an extraction on every tick of a cron expression
(--schedule, or the schedule config key). A tick that fires while the
previous run is still in progress is skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.Close()

			if spec == "" {
				spec = a.cfg.Schedule
			}
			s, err := services.NewScheduler(spec, func(ctx context.Context) error {
				return a.run(ctx, flags)
			}, a.logger)
			if err != nil {
				return err
			}

			a.serveMetrics(cmd.Context())
			return s.Run(cmd.Context())
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&spec, "schedule", "", "cron expression, e.g. \"*/15 * * * *\" or \"@every 15m\"")
	return cmd
}

// run performs one extraction. Stream failures and misconfigured streams
// leave other streams' progress intact and are returned joined.
func (a *app) run(ctx context.Context, flags *runFlags) error {
	streams := a.streams
	var schemas map[string]schema.StreamSchema
	if flags.catalogPath != "" {
		catalog, err := services.ReadCatalog(flags.catalogPath)
		if err != nil {
			return err
		}
		if schemas, err = catalog.Schemas(); err != nil {
			return err
		}
		streams = catalog.Select(streams)
	}

	initial, err := a.initialState(ctx, flags.statePath)
	if err != nil {
		return err
	}

	report, err := a.engine.Run(ctx, streams, initial, schemas)
	if err != nil {
		return err
	}

	for _, s := range report.Streams {
		if s.SuggestedSchema == nil {
			continue
		}
		a.logger.Warn("Stream schema should be rediscovered",
			zap.String("stream", s.Stream),
			zap.Int("warnings", s.Warnings))
	}
	var errs []error
	if failed := report.Failed(); len(failed) > 0 {
		errs = append(errs, fmt.Errorf("%d of %d streams did not complete: %w", len(failed), len(report.Streams), report.Err()))
	}
	if err := a.configErr(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// initialState merges bookmarks from the state backend with an optional
// Singer state file; the later bookmark wins per stream.
func (a *app) initialState(ctx context.Context, path string) (state.State, error) {
	st, err := a.store.Load(ctx)
	if err != nil {
		return state.State{}, err
	}
	if path == "" {
		return st, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return state.State{}, fmt.Errorf("failed to read state file: %w", err)
	}
	override, err := state.Parse(data)
	if err != nil {
		return state.State{}, err
	}
	for stream := range override.Bookmarks {
		t, err := override.Get(stream)
		if errors.Is(err, apperrors.ErrNotFound) {
			continue
		}
		if err != nil {
			return state.State{}, err
		}
		st.Advance(stream, t)
	}
	return st, nil
}
