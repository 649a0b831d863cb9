// Package main runs the teleprompter session HTTP server with WebSocket and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-tokprompt/backend/config"
	"github.com/aura-tokprompt/backend/internal/access"
	"github.com/aura-tokprompt/backend/internal/auth"
	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/messagebus"
	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/navigation"
	"github.com/aura-tokprompt/backend/internal/permissions"
	"github.com/aura-tokprompt/backend/internal/realtime"
	"github.com/aura-tokprompt/backend/internal/scriptsync"
	"github.com/aura-tokprompt/backend/internal/sessionlog"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/database"
	"github.com/aura-tokprompt/backend/pkg/queue"
	"github.com/aura-tokprompt/backend/pkg/redis"
	"github.com/aura-tokprompt/backend/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, cfg.Database.MinConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	redisOpts, err := redis.Options(cfg.Redis.URL, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("redis config", zap.Error(err))
	}
	rdb, err := redis.NewClient(ctx, redisOpts, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	clk := clock.Real()
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.SessionHours)
	store := docstore.NewRedisStore(rdb.Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Sessions and the message bus share the document store.
	sessionManager := sessions.NewManager(store, clk, logger, cfg.Session.Retention)
	bus := messagebus.NewBus(store, sessionManager, clk, logger, cfg.Session.MessageQueue)

	// Activity log
	activityRepo := sessionlog.NewRepository(pool)
	tracker := sessionlog.NewTracker(activityRepo, clk, logger)
	sessionManager.SetCreatedHandler(tracker.SessionCreated)
	sessionManager.SetEndedHandler(func(ctx context.Context, s *models.Session) {
		p := queue.CleanupPayload{SessionID: s.ID, StreamID: s.StreamID, CompanyID: s.CompanyID}
		if s.EndedAt != nil {
			p.EndedAt = *s.EndedAt
		}
		if _, err := jobQueue.EnqueueSessionCleanup(ctx, p); err != nil {
			logger.Error("enqueue session cleanup", zap.String("session_id", s.ID), zap.Error(err))
		}
	})

	// Realtime hub; permission changes reach every instance through Redis.
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, pubsub, pubsub)
	hub.SetPresenceHandler(func(c *realtime.Client, joined bool) {
		s := &models.Session{ID: c.SessionID, StreamID: c.StreamID, CompanyID: c.CompanyID}
		if joined {
			tracker.Joined(context.Background(), s, c.Participant)
			return
		}
		tracker.Left(context.Background(), s, c.Participant)
	})

	// Permission registry
	permissionRepo := permissions.NewRepository(pool)
	registry := permissions.NewRegistry(permissionRepo, logger)
	registry.SetChangeHandler(func(_ context.Context, entry *models.PermissionEntry) {
		if entry == nil {
			return
		}
		hub.NotifyPermissionChange(realtime.PermissionChange{
			CompanyID: entry.CompanyID, StreamID: entry.StreamID, Active: entry.Active(),
		})
	})

	// Access codes
	accessRepo := access.NewRepository(pool)
	accessService := access.NewService(accessRepo, registry, sessionManager, access.Config{
		CodeLength: cfg.Session.CodeLength,
		DefaultTTL: cfg.Session.CodeTTL,
	}, logger)
	accessService.SetGrantedHandler(func(ctx context.Context, res access.Result) {
		s := &models.Session{ID: res.SessionID, StreamID: res.StreamID, CompanyID: res.CompanyID}
		tracker.InviteAccepted(ctx, s, "", res.Role)
	})

	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)
	sessionHandler := sessions.NewHandler(sessionManager, logger)
	messageHandler := messagebus.NewHandler(bus, sessionManager, cfg.Session.MessageDuration, logger)
	accessHandler := access.NewHandler(accessService, jwtService, logger)
	permissionHandler := permissions.NewHandler(registry, logger)
	navigationHandler := navigation.NewHandler()
	activityHandler := sessionlog.NewHandler(activityRepo, sessionManager, logger)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	if err := hub.Start(hubCtx); err != nil {
		logger.Fatal("hub subscribe", zap.Error(err))
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSOrigins()))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Guests may redeem codes and resolve their view without signing in.
	router.POST("/access", middleware.OptionalJWT(jwtService), accessHandler.Request)
	router.GET("/api/navigation", middleware.OptionalJWT(jwtService), navigationHandler.Resolve)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		api.POST("/sessions", sessionHandler.CreateOrResume)
		api.GET("/sessions/:id", sessionHandler.Get)
		api.POST("/sessions/:id/end", sessionHandler.End)
		api.GET("/sessions/:id/activity", activityHandler.Activity)
		api.GET("/sessions/:id/messages", messageHandler.List)
		api.POST("/sessions/:id/messages", messageHandler.Publish)
		api.DELETE("/sessions/:id/messages/:messageId", messageHandler.Dismiss)

		api.GET("/auth/me", authHandler.Me)

		tenant := api.Group("", middleware.RequireTenant())
		tenant.POST("/streams/:streamId/codes", accessHandler.Issue)
		tenant.GET("/streams/:streamId/codes", accessHandler.List)
		tenant.DELETE("/codes/:code", accessHandler.Revoke)

		superAdmin := middleware.RequireRole(models.PrincipalSuperAdmin)
		api.GET("/users", middleware.RequireRole(models.PrincipalAdmin, models.PrincipalSuperAdmin), authHandler.ListUsers)
		api.PATCH("/users/:id/role", superAdmin, authHandler.SetRole)
		api.GET("/permissions", superAdmin, permissionHandler.List)
		api.PUT("/permissions/:streamId/principals/:principalId", superAdmin, permissionHandler.Grant)
		api.DELETE("/permissions/:streamId/principals/:principalId", superAdmin, permissionHandler.Revoke)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(realtime.Options{
		Hub:      hub,
		Sessions: sessionManager,
		Bus:      bus,
		JWT:      jwtService,
		Clock:    clk,
		Logger:   logger,
		Sync: scriptsync.Config{
			StatusClear:      cfg.Session.StatusClear,
			MaxReconnects:    cfg.Session.MaxReconnects,
			ReconnectBackoff: cfg.Session.ReconnectBackoff,
			ErrorDuration:    cfg.Session.MessageDuration,
		},
		SeenCapacity:    cfg.Session.SeenCapacity,
		MessageDuration: cfg.Session.MessageDuration,
		Origins:         cfg.Server.CORSOrigins(),
	}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	hubCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
