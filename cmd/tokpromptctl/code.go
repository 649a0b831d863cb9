package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aura-tokprompt/backend/config"
	"github.com/aura-tokprompt/backend/internal/access"
	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/permissions"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/redis"
)

func newCodeCmd(op *operator) *cobra.Command {
	var (
		role      string
		sessionID string
		maxUses   int
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "code <stream-id>",
		Short: "Issue an access code for a stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireCompany(op); err != nil {
				return err
			}
			r, err := models.ParseRole(role)
			if err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			ctx := cmd.Context()
			logger := newLogger(verbose(cmd))
			defer logger.Sync()

			pool, err := openPool(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			redisOpts, err := redis.Options(cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			if err != nil {
				return err
			}
			rdb, err := redis.NewClient(ctx, redisOpts, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()

			manager := sessions.NewManager(docstore.NewRedisStore(rdb.Client, logger), clock.Real(), logger, cfg.Session.Retention)
			registry := permissions.NewRegistry(permissions.NewRepository(pool), logger)
			svc := access.NewService(access.NewRepository(pool), registry, manager, access.Config{
				CodeLength: cfg.Session.CodeLength,
				DefaultTTL: cfg.Session.CodeTTL,
			}, logger)

			g, err := svc.IssueCode(ctx, op.principal(), access.IssueRequest{
				StreamID:  args[0],
				Role:      r,
				SessionID: sessionID,
				MaxUses:   maxUses,
				TTL:       ttl,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, g)
		},
	}
	cmd.Flags().StringVar(&role, "role", string(models.RoleViewer), "role the code grants (viewer | controller)")
	cmd.Flags().StringVar(&sessionID, "session", "", "pin the code to an existing session")
	cmd.Flags().IntVar(&maxUses, "max-uses", 0, "redemptions allowed (0 = unlimited)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "lifetime, e.g. 48h (0 = configured default)")
	return cmd
}
