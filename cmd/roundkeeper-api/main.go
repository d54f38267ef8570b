package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/curatehq/roundkeeper/internal/catalog"
	"github.com/curatehq/roundkeeper/internal/config"
	"github.com/curatehq/roundkeeper/internal/credentials"
	"github.com/curatehq/roundkeeper/internal/database"
	"github.com/curatehq/roundkeeper/internal/forum"
	"github.com/curatehq/roundkeeper/internal/logging"
	"github.com/curatehq/roundkeeper/internal/notify"
	"github.com/curatehq/roundkeeper/internal/orchestrator"
	"github.com/curatehq/roundkeeper/internal/rounds"
	"github.com/curatehq/roundkeeper/internal/server"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "roundkeeper-api",
		Short: "Round lifecycle and external synchronization service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("content-api-base-url", defaults.GetString("content_api.base_url"), "Content API base URL")
	cmd.PersistentFlags().String("forum-api-base-url", defaults.GetString("forum_api.base_url"), "Forum API base URL")
	cmd.PersistentFlags().String("oauth-token-url", defaults.GetString("oauth.token_url"), "OAuth token endpoint URL")
	cmd.PersistentFlags().Int64("news-actor-id", defaults.GetInt64("news_actor.id"), "Fallback posting actor id")
	cmd.PersistentFlags().Int("poll-length-days", defaults.GetInt("poll.length_days"), "External poll length in days")
	cmd.PersistentFlags().String("redis-url", defaults.GetString("redis.url"), "Redis URL for webhook notifications (optional)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "content_api.base_url", "content-api-base-url")
	bindFlag(cmd, "forum_api.base_url", "forum-api-base-url")
	bindFlag(cmd, "oauth.token_url", "oauth-token-url")
	bindFlag(cmd, "news_actor.id", "news-actor-id")
	bindFlag(cmd, "poll.length_days", "poll-length-days")
	bindFlag(cmd, "redis.url", "redis-url")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, "roundkeeper-api")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	credentialStore, err := credentials.NewStore(credentials.StoreConfig{
		Database:     db,
		TokenURL:     appConfig.OAuthTokenURL,
		ClientID:     appConfig.OAuthClientID,
		ClientSecret: appConfig.OAuthClientSecret,
		RefreshSkew:  appConfig.RefreshSkew,
		Clock:        time.Now,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	actorLocks := credentials.NewActorLock()

	// Background sync fetches run as the application actor; its refresh cycle
	// serializes through the same lock as workflow posts.
	appTokens := func(ctx context.Context) (string, error) {
		var token string
		err := actorLocks.With(ctx, credentials.AppActorID, func() error {
			issued, err := credentialStore.Token(ctx, credentials.AppActorID)
			if err != nil {
				return err
			}
			token = issued
			return nil
		})
		return token, err
	}

	contentClient, err := catalog.NewAPIClient(catalog.APIClientConfig{
		BaseURL: appConfig.ContentAPIBaseURL,
		Tokens:  appTokens,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	roundsService, err := rounds.NewService(rounds.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	contentCache, err := catalog.NewCache(catalog.CacheConfig{
		Database:   db,
		Client:     contentClient,
		Completion: roundsService,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	forumClient, err := forum.NewClient(forum.ClientConfig{
		BaseURL: appConfig.ForumAPIBaseURL,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	var redisClient *redis.Client
	if appConfig.RedisURL != "" {
		redisOptions, err := redis.ParseURL(appConfig.RedisURL)
		if err != nil {
			return err
		}
		redisClient = redis.NewClient(redisOptions)
		defer redisClient.Close()
	}
	notifier := notify.NewNotifier(redisClient, appConfig.NotifyQueueKey, logger)

	workflows, err := orchestrator.New(orchestrator.Config{
		Rounds:         roundsService,
		Catalog:        contentCache,
		Forum:          forumClient,
		Credentials:    credentialStore,
		Locks:          actorLocks,
		Notifier:       notifier,
		NewsActorID:    appConfig.NewsActorID,
		PollLengthDays: appConfig.PollLengthDays,
		Clock:          time.Now,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := server.NewSessionValidator(server.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:      sessionValidator,
		RoundsService: roundsService,
		Workflows:     workflows,
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
