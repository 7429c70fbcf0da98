// Package cli implements the harbor command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/jrjohn/harbor-go/internal/config"
	"github.com/jrjohn/harbor-go/internal/di"
	"github.com/jrjohn/harbor-go/pkg/odm"
)

const stopTimeout = 15 * time.Second

// runner holds the flags and graph options shared by every command.
type runner struct {
	configPath string
	verbose    bool
	extra      []fx.Option
}

// NewRootCmd builds the command tree. opts are appended to the application
// graph of commands that connect, which tests use to supply a store dialer.
func NewRootCmd(opts ...fx.Option) *cobra.Command {
	r := &runner{extra: opts}

	root := &cobra.Command{
		Use:   "harbor",
		Short: "Schema-driven MongoDB models",
		Long: `Harbor maps declarative schemas onto MongoDB collections. The CLI runs
the admin server and checks a deployment against the schema files in
odm.schema_dir.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&r.configPath, "config", "c", "", "config file (default: ./config.yaml, ./config/config.yaml or /etc/harbor/config.yaml)")
	root.PersistentFlags().BoolVarP(&r.verbose, "verbose", "v", false, "log at the configured level instead of warn")

	root.AddCommand(
		newServeCmd(r),
		newPingCmd(r),
		newCollectionsCmd(r),
		newModelsCmd(r),
		newIndexesCmd(r),
		newValidateCmd(r),
		newTokenCmd(r),
	)
	return root
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func (r *runner) loadConfig() (*config.Config, error) {
	if r.configPath != "" {
		return config.LoadFile(r.configPath)
	}
	return config.Load()
}

// withConnection starts the application graph without the admin server,
// runs fn against the live connection and stops the graph.
func (r *runner) withConnection(ctx context.Context, mutate func(*config.Config), fn func(ctx context.Context, conn *odm.Connection, logger *zap.Logger) error) error {
	cfg, err := r.loadConfig()
	if err != nil {
		return err
	}
	cfg.Metrics.ListenAddr = ""
	cfg.ODM.WatchSchemas = false
	cfg.ODM.SyncSchedule = ""
	if !r.verbose {
		cfg.Log.Level = "warn"
	}
	if mutate != nil {
		mutate(cfg)
	}

	var (
		conn   *odm.Connection
		logger *zap.Logger
	)
	opts := append([]fx.Option{fx.Populate(&conn, &logger)}, r.extra...)
	if !r.verbose {
		opts = append(opts, fx.NopLogger)
	}
	app := di.New(cfg, opts...)

	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
		defer cancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx, conn, logger)
}

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.FgCyan)
)

func printf(w io.Writer, c *color.Color, format string, args ...any) {
	if c == nil {
		fmt.Fprintf(w, format, args...)
		return
	}
	c.Fprintf(w, format, args...)
}
