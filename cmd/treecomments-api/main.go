package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/capabilities"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/config"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/database"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/flags"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/render"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/server"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/submission"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/tokens"
	"github.com/MarcoPoloResearchLab/treecomments/backend/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "treecomments-api",
		Short: "Threaded comments backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for the thread cache")
	cmd.PersistentFlags().String("secret-key", "", "Form and token secret key (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "redis.url", "redis-url")
	bindFlag(cmd, "comments.secret_key", "secret-key")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.Log.Level, appConfig.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.Database.Driver, appConfig.Database.DSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := comments.NewStore(comments.StoreConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: comments.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	resolver, err := newCapabilityResolver(appConfig.Capabilities)
	if err != nil {
		return err
	}

	codec, err := tokens.NewCodec(tokens.CodecConfig{
		SecretKey: []byte(appConfig.Comments.SecretKey),
		Salt:      []byte(appConfig.Comments.Salt),
		MaxAge:    appConfig.Comments.TokenMaxAge,
		Clock:     time.Now,
	})
	if err != nil {
		return err
	}

	renderers, err := render.NewRegistry(appConfig.Comments.Markups)
	if err != nil {
		return err
	}
	markups := make([]comments.MarkupKind, 0, len(appConfig.Comments.Markups))
	for _, raw := range appConfig.Comments.Markups {
		kind, err := comments.ParseMarkupKind(raw)
		if err != nil {
			return err
		}
		markups = append(markups, kind)
	}

	mailer := newMailer(appConfig.Mail, logger)
	confirmations, err := notify.NewConfirmationMailer(mailer, appConfig.Comments.BaseURL)
	if err != nil {
		return err
	}
	followers, err := notify.NewFollowerNotifier(mailer, store, logger)
	if err != nil {
		return err
	}
	moderators, err := notify.NewModeratorNotifier(mailer, appConfig.Mail.Moderators)
	if err != nil {
		return err
	}

	cacheBackend, closeCache := newCacheBackend(ctx, appConfig.RedisURL, logger)
	defer closeCache()
	threadCache, err := cache.NewThreadCache(cacheBackend, appConfig.CacheTTL, logger)
	if err != nil {
		return err
	}

	flagService, err := flags.NewService(flags.ServiceConfig{
		Database:        db,
		Comments:        store,
		Capabilities:    resolver,
		Clock:           time.Now,
		Logger:          logger,
		ReportThreshold: appConfig.Comments.ReportThreshold,
		Observers:       []flags.ReportThresholdObserver{moderators},
	})
	if err != nil {
		return err
	}

	pipeline, err := submission.NewPipeline(submission.PipelineConfig{
		Store:             store,
		Capabilities:      resolver,
		Targets:           submission.NewRegistryResolver(targetTemplates(appConfig.Targets)),
		Codec:             codec,
		Sender:            confirmations,
		Observers:         []submission.PostPublishObserver{threadCache, followers},
		SecretKey:         []byte(appConfig.Comments.SecretKey),
		ConfirmEmail:      appConfig.Comments.ConfirmEmail,
		RequireModeration: appConfig.Comments.RequireModeration,
		MaxBodyLength:     appConfig.Comments.MaxLength,
		FormMaxAge:        appConfig.Comments.FormMaxAge,
		DuplicateWindow:   appConfig.Comments.DuplicateWindow,
		HookTimeout:       appConfig.Comments.HookTimeout,
		EditCooldown:      appConfig.Comments.EditCooldown,
		AllowedMarkups:    markups,
		SiteID:            appConfig.Comments.SiteID,
		Clock:             time.Now,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		Pipeline:       pipeline,
		Store:          store,
		Flags:          flagService,
		Capabilities:   resolver,
		Renderer:       renderers,
		Cache:          threadCache,
		TrustedRoles:   appConfig.Auth.TrustedRoles,
		ModeratorRoles: appConfig.Auth.ModeratorRoles,
		AllowedOrigins: appConfig.AllowedOrigins,
		SiteID:         appConfig.Comments.SiteID,
		Logger:         logger,
	}
	if appConfig.Auth.Enabled() {
		if err := attachSessions(&deps, appConfig.Auth, db); err != nil {
			return err
		}
	} else {
		logger.Info("session validation disabled; all commenters are anonymous")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		if err := pipeline.Drain(shutdownCtx); err != nil {
			logger.Warn("post-publish observers did not finish", zap.Error(err))
		}
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func newCapabilityResolver(cfg config.CapabilitiesConfig) (*capabilities.Resolver, error) {
	overrides := make(map[string]capabilities.Options, len(cfg.Overrides))
	for _, override := range cfg.Overrides {
		overrides[override.ContentType] = capabilityOptions(override)
	}
	return capabilities.NewResolver(capabilityOptions(cfg.Default), overrides)
}

func capabilityOptions(record config.CapabilityConfig) capabilities.Options {
	return capabilities.Options{
		AllowFlagging:  record.AllowFlagging,
		AllowFeedback:  record.AllowFeedback,
		ShowFeedback:   record.ShowFeedback,
		MaxThreadDepth: record.MaxThreadDepth,
		FlattenAtMax:   record.FlattenAtMax,
	}
}

func targetTemplates(targets []config.TargetConfig) map[string]submission.TargetTemplate {
	templates := make(map[string]submission.TargetTemplate, len(targets))
	for _, target := range targets {
		templates[target.ContentType] = submission.TargetTemplate{Title: target.Title, URL: target.URL}
	}
	return templates
}

// newMailer prefers SMTP and falls back to logging messages when no relay is configured.
func newMailer(cfg config.MailConfig, logger *zap.Logger) notify.Mailer {
	mailer, err := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		FromName: cfg.FromName,
	})
	if err != nil {
		logger.Warn("smtp relay not configured; outgoing mail will only be logged", zap.Error(err))
		return notify.NewLogMailer(logger)
	}
	return mailer
}

func newCacheBackend(ctx context.Context, redisURL string, logger *zap.Logger) (cache.Backend, func()) {
	if redisURL == "" {
		return cache.NewMemoryBackend(time.Now), func() {}
	}
	backend, err := cache.NewRedisBackend(ctx, redisURL)
	if err != nil {
		logger.Warn("redis unavailable; using in-process thread cache", zap.Error(err))
		return cache.NewMemoryBackend(time.Now), func() {}
	}
	return backend, func() {
		if err := backend.Close(); err != nil {
			logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func attachSessions(deps *server.Dependencies, cfg config.AuthConfig, db *gorm.DB) error {
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        cfg.Issuer,
		CookieName:    cfg.CookieName,
	})
	if err != nil {
		return err
	}
	commenters, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}
	deps.Sessions = sessions
	deps.Commenters = commenters
	return nil
}
