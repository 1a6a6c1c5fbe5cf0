package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spisok-app/spisok/internal/auth"
	"github.com/spisok-app/spisok/internal/config"
	"github.com/spisok-app/spisok/internal/database"
	"github.com/spisok-app/spisok/internal/lists"
	"github.com/spisok-app/spisok/internal/logging"
	"github.com/spisok-app/spisok/internal/realtime"
	"github.com/spisok-app/spisok/internal/server"
	"github.com/spisok-app/spisok/internal/suggest"
	"github.com/spisok-app/spisok/internal/users"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "spisok-api",
		Short: "Spisok shopping list backend service",
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
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("session.issuer"), "Expected issuer of identity provider session tokens")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().String("ai-model", defaults.GetString("ai.model"), "Generative model used for shopping suggestions")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("token-signing-secret", "", "Backend token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.issuer", "session-issuer")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "ai.model", "ai-model")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "token.signing_secret", "token-signing-secret")
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

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookie,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.BackendSecret),
		Issuer:        "spisok-auth",
		Audience:      "spisok-api",
		TokenTTL:      time.Duration(appConfig.TokenTTLMinutes) * time.Minute,
	})

	identities, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	feed := realtime.NewFeed()
	defer feed.Close()

	listsService, err := lists.NewService(lists.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: lists.NewUUIDProvider(),
		Publisher:  feed,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	var generator suggest.TextGenerator
	if appConfig.AISuggestAPIKey != "" {
		generator, err = suggest.NewGeminiGenerator(ctx, appConfig.AISuggestAPIKey, appConfig.AISuggestModel)
		if err != nil {
			return err
		}
		defer generator.Close() //nolint:errcheck
	} else {
		logger.Info("no AI API key configured, suggestions run in demo mode")
	}
	suggestions := suggest.NewService(suggest.ServiceConfig{
		Generator: generator,
		Logger:    logger,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionVerifier: sessionValidator,
		TokenManager:    tokenManager,
		Identities:      identities,
		ListsService:    listsService,
		Feed:            feed,
		Suggestions:     suggestions,
		Logger:          logger,
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
