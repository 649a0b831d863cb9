package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aura-tokprompt/backend/config"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/permissions"
)

func newGrantCmd(op *operator) *cobra.Command {
	var ceiling string
	cmd := &cobra.Command{
		Use:   "grant <stream-id> <principal-id>",
		Short: "Give a principal code-issuing authority on a stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCompany(op); err != nil {
				return err
			}
			role, err := models.ParseRole(ceiling)
			if err != nil {
				return err
			}
			return withRegistry(cmd, func(r *permissions.Registry) (*models.PermissionEntry, error) {
				return r.GrantCodeAuthority(cmd.Context(), op.principal(), op.companyID, args[0], args[1], role)
			})
		},
	}
	cmd.Flags().StringVar(&ceiling, "ceiling", string(models.RoleViewer), "highest role the principal may hand out (viewer | controller)")
	return cmd
}

func newRevokeCmd(op *operator) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <stream-id> <principal-id>",
		Short: "Remove a principal's authority on a stream",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCompany(op); err != nil {
				return err
			}
			return withRegistry(cmd, func(r *permissions.Registry) (*models.PermissionEntry, error) {
				return r.Revoke(cmd.Context(), op.principal(), op.companyID, args[0], args[1])
			})
		},
	}
}

func withRegistry(cmd *cobra.Command, fn func(r *permissions.Registry) (*models.PermissionEntry, error)) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := newLogger(verbose(cmd))
	defer logger.Sync()
	pool, err := openPool(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	entry, err := fn(permissions.NewRegistry(permissions.NewRepository(pool), logger))
	if err != nil {
		return err
	}
	return printJSON(cmd, entry)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
