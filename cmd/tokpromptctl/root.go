package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-tokprompt/backend/config"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/pkg/database"
)

// operator is the principal the CLI acts as for registry and code commands.
type operator struct {
	userID    string
	companyID string
}

func (o operator) principal() models.Principal {
	return models.Principal{UserID: o.userID, CompanyID: o.companyID, Name: o.userID, Role: models.PrincipalSuperAdmin}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tokpromptctl",
		Short:         "Operator tooling for the teleprompter session engine",
		Long:          `Commands: migrate, token, grant, revoke, code.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var op operator
	root.PersistentFlags().StringVar(&op.userID, "as", "tokpromptctl", "operator principal id recorded as granter/issuer")
	root.PersistentFlags().StringVar(&op.companyID, "company", "", "tenant (company id)")
	root.PersistentFlags().BoolP("verbose", "v", false, "log at info level")

	root.AddCommand(newMigrateCmd())
	root.AddCommand(newTokenCmd(&op))
	root.AddCommand(newGrantCmd(&op))
	root.AddCommand(newRevokeCmd(&op))
	root.AddCommand(newCodeCmd(&op))
	return root
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("verbose")
	return v
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func openPool(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), 2, 1, logger)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	return pool, nil
}

func requireCompany(op *operator) error {
	if op.companyID == "" {
		return fmt.Errorf("--company is required")
	}
	return nil
}
