package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-tokprompt/backend/config"
	"github.com/aura-tokprompt/backend/internal/auth"
	"github.com/aura-tokprompt/backend/internal/models"
)

func newTokenCmd(op *operator) *cobra.Command {
	var (
		email string
		user  string
		name  string
		role  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a principal JWT",
		Long:  `Mint a principal token for --email (looked up in the users table) or for an explicit --user/--company/--role.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			jwtSvc := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.SessionHours)

			var p models.Principal
			if email != "" {
				logger := newLogger(verbose(cmd))
				defer logger.Sync()
				pool, err := openPool(cmd.Context(), cfg, logger)
				if err != nil {
					return err
				}
				defer pool.Close()
				u, err := auth.NewRepository(pool).GetByEmail(cmd.Context(), email)
				if err != nil {
					return fmt.Errorf("lookup %s: %w", email, err)
				}
				if u == nil {
					return fmt.Errorf("no user with email %s", email)
				}
				p = u.Principal()
			} else {
				if user == "" {
					return fmt.Errorf("--user or --email is required")
				}
				r := models.PrincipalRole(role)
				if !r.Valid() {
					return fmt.Errorf("invalid role %q", role)
				}
				p = models.Principal{UserID: user, CompanyID: op.companyID, Name: name, Role: r}
			}

			token, err := jwtSvc.Generate(p, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "existing user's email")
	cmd.Flags().StringVar(&user, "user", "", "principal id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(models.PrincipalMember), "super_admin | admin | member | guest")
	return cmd
}
