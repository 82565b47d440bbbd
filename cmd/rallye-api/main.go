package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rallye-app/rallye/backend/internal/auth"
	"github.com/rallye-app/rallye/backend/internal/catalog"
	"github.com/rallye-app/rallye/backend/internal/cleanup"
	"github.com/rallye-app/rallye/backend/internal/config"
	"github.com/rallye-app/rallye/backend/internal/database"
	"github.com/rallye-app/rallye/backend/internal/discussion"
	"github.com/rallye-app/rallye/backend/internal/ephemeral"
	"github.com/rallye-app/rallye/backend/internal/ids"
	"github.com/rallye-app/rallye/backend/internal/logging"
	"github.com/rallye-app/rallye/backend/internal/notify"
	"github.com/rallye-app/rallye/backend/internal/realtime"
	"github.com/rallye-app/rallye/backend/internal/server"
	"github.com/rallye-app/rallye/backend/internal/users"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const expirySweepInterval = time.Hour

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "rallye-api",
		Short: "Rallye chat backend service",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("chat-database-path", defaults.GetString("database.chat_path"), "Durable chat SQLite database path")
	cmd.PersistentFlags().String("live-database-path", defaults.GetString("database.live_path"), "Ephemeral live SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for the realtime bridge (empty disables it)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Bearer token TTL in minutes")
	cmd.PersistentFlags().Int("cleanup-interval-minutes", defaults.GetInt("cleanup.interval_minutes"), "Cleanup scheduler interval in minutes")
	cmd.PersistentFlags().Int("message-ttl-hours", defaults.GetInt("chat.message_ttl_hours"), "Live message TTL in hours")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("assertion-issuer", defaults.GetString("auth.assertion_issuer"), "Expected issuer of platform identity assertions")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.chat_path", "chat-database-path")
	bindFlag(cmd, "database.live_path", "live-database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "cleanup.interval_minutes", "cleanup-interval-minutes")
	bindFlag(cmd, "chat.message_ttl_hours", "message-ttl-hours")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.assertion_issuer", "assertion-issuer")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	chatDB, err := database.OpenChatStore(appConfig.ChatDatabasePath, logger)
	if err != nil {
		return err
	}
	chatSQL, err := chatDB.DB()
	if err != nil {
		return err
	}
	defer chatSQL.Close()

	liveDB, err := database.OpenLiveStore(appConfig.LiveDatabasePath, logger)
	if err != nil {
		return err
	}
	liveSQL, err := liveDB.DB()
	if err != nil {
		return err
	}
	defer liveSQL.Close()

	provider := ids.NewUUIDProvider()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "rallye-auth",
		Audience:      "rallye-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	verifier, err := auth.NewAssertionVerifier(auth.AssertionVerifierConfig{
		SigningSecret: []byte(appConfig.AssertionSecret),
		Issuer:        appConfig.AssertionIssuer,
	})
	if err != nil {
		return err
	}

	memberships, err := catalog.NewRepository(chatDB)
	if err != nil {
		return err
	}

	directory, err := users.NewDirectory(users.DirectoryConfig{Database: chatDB})
	if err != nil {
		return err
	}

	liveStore, err := ephemeral.NewStore(ephemeral.StoreConfig{
		Database:   liveDB,
		Clock:      time.Now,
		IDProvider: provider,
		Logger:     logger,
		MessageTTL: appConfig.MessageTTL,
		EditWindow: appConfig.EditWindow,
	})
	if err != nil {
		return err
	}

	fanout, err := notify.NewFanout(notify.FanoutConfig{
		Database:      chatDB,
		Clock:         time.Now,
		IDProvider:    provider,
		Memberships:   memberships,
		RecentAuthors: liveStore,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	liveStore.SetNotifier(fanout.Live())

	discussions, err := discussion.NewService(discussion.ServiceConfig{
		Database:    chatDB,
		Clock:       time.Now,
		IDProvider:  provider,
		Memberships: memberships,
		Directory:   directory,
		Notifier:    fanout.Durable(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	scheduler, err := cleanup.NewScheduler(cleanup.SchedulerConfig{
		Catalog:  memberships,
		Live:     liveStore,
		Clock:    time.Now,
		Interval: appConfig.CleanupInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if appConfig.RedisAddress != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		defer redisClient.Close()
	}

	hub, err := realtime.NewHub(realtime.HubConfig{
		Redis:    redisClient,
		Appender: liveStore,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Verifier:      verifier,
		TokenManager:  tokenManager,
		Discussions:   discussions,
		Live:          liveStore,
		Directory:     directory,
		Memberships:   memberships,
		Cleanup:       scheduler,
		Notifications: fanout,
		Hub:           hub,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(signalCtx)
	go scheduler.Run(signalCtx)
	go liveStore.RunExpirySweep(signalCtx, expirySweepInterval)

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
