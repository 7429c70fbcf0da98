package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/jrjohn/harbor-go/internal/di"
)

func newServeCmd(r *runner) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect, register schemas and serve the admin endpoints until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			opts := append([]fx.Option{fx.Invoke(di.PrintBanner)}, r.extra...)
			app := di.New(cfg, opts...)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}
