// Package cli provides the command-line interface for tap-loganalytics.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ekaya-inc/tap-loganalytics/pkg/adapters/loganalytics"
	"github.com/ekaya-inc/tap-loganalytics/pkg/config"
	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
)

// Version is set at build time via ldflags.
var Version = "dev"

// newQueryClient builds the transport to the remote engine. Tests replace it.
var newQueryClient = func(cfg *config.Config, logger *zap.Logger) (query.Client, error) {
	return loganalytics.New(loganalytics.Options{
		WorkspaceID: cfg.WorkspaceID,
		Cloud:       cfg.Cloud,
		Endpoint:    cfg.Endpoint,
	}, logger)
}

// options are the flags shared by every command.
type options struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "tap-loganalytics",
		Short: "Extract Azure Log Analytics query results as Singer streams",
		Long: `tap-loganalytics runs configured KQL queries against a Log Analytics
workspace in time windows, infers a schema for each query's result set and
writes SCHEMA, RECORD and STATE messages to stdout.

Logs go to stderr. Bookmarks persist in the configured state backend
(file, sqlite or postgres) so each run resumes where the last one stopped.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the YAML config file (empty reads environment only)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newDiscoverCommand(opts),
		newRunCommand(opts),
		newScheduleCommand(opts),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command tree under ctx.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tap-loganalytics %s\n", Version)
		},
	}
}
