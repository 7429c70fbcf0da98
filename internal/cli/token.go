package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrjohn/harbor-go/internal/admin"
)

func newTokenCmd(r *runner) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the admin API",
		Long:  "Issue an HS256 token signed with admin.jwt_secret. No database connection is made.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			auth := admin.NewAuthenticator(cfg.Admin.JWTSecret, cfg.Admin.JWTIssuer)
			if auth == nil {
				return errors.New("admin.jwt_secret is not set")
			}
			if ttl <= 0 {
				return fmt.Errorf("ttl must be positive, got %s", ttl)
			}
			token, err := auth.Issue(subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
