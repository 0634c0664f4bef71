package cmd

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/amurg-ai/conduit/hub/internal/auth"
	"github.com/amurg-ai/conduit/hub/internal/config"
)

func newTokenCmd() *cobra.Command {
	var (
		userID      string
		permissions []string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token [config-file]",
		Short: "Issue a client token signed with the configured JWT secret (development)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(cmd, args, "conduit.yaml"))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if cfg.Auth.Provider != "jwt" {
				return fmt.Errorf("token issuing needs the jwt provider, config uses %q", cfg.Auth.Provider)
			}
			p, err := auth.NewJWTProvider(auth.JWTOptions{
				Secret:           cfg.Auth.JWTSecret,
				Issuer:           cfg.Auth.Issuer,
				Audience:         cfg.Auth.Audience,
				PermissionsClaim: cfg.Auth.PermissionsClaim,
			})
			if err != nil {
				return err
			}
			tok, err := p.Issue(userID, permissions, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id for the sub claim")
	cmd.Flags().StringSliceVarP(&permissions, "permissions", "p", nil, "permissions to embed, e.g. tools:echo")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the bcrypt hash of a service token for auth.service_tokens",
		Long:  "Hashes the token given as argument, or read from stdin when omitted.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) > 0 {
				token = args[0]
			} else {
				sc := bufio.NewScanner(cmd.InOrStdin())
				if sc.Scan() {
					token = strings.TrimSpace(sc.Text())
				}
			}
			hash, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
