package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
)

func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		user  string
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with BIBLIO_JWT_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(user) == "" {
				return errors.New("--user is required")
			}
			signer, err := auth.NewSigner(root.cfg.JWTSecret)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = root.cfg.TokenTTL
			}
			token, exp, err := signer.Issue(user, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "subject of the token")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{auth.RoleMember}, "comma separated roles")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (defaults to BIBLIO_TOKEN_TTL)")
	return cmd
}
