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

	"github.com/pangeafate/ObsidianComments-sub004/internal/auth"
	"github.com/pangeafate/ObsidianComments-sub004/internal/config"
	"github.com/pangeafate/ObsidianComments-sub004/internal/database"
	"github.com/pangeafate/ObsidianComments-sub004/internal/documents"
	"github.com/pangeafate/ObsidianComments-sub004/internal/logging"
	"github.com/pangeafate/ObsidianComments-sub004/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collab-server",
		Short: "Real-time document collaboration server",
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
	cmd.PersistentFlags().String("shared-token", "", "Shared collaboration token (overrides env)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("debounce-ms", defaults.GetInt("persistence.debounce_ms"), "Quiet window before a persistence write, in milliseconds")
	cmd.PersistentFlags().Int("max-wait-ms", defaults.GetInt("persistence.max_wait_ms"), "Upper bound on write delay under continuous editing, in milliseconds")
	cmd.PersistentFlags().Int("version-interval", defaults.GetInt("persistence.version_interval"), "Archive a version snapshot every N persisted saves")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.shared_token", "shared-token")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "persistence.debounce_ms", "debounce-ms")
	bindFlag(cmd, "persistence.max_wait_ms", "max-wait-ms")
	bindFlag(cmd, "persistence.version_interval", "version-interval")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.ServiceName)
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

	store, err := documents.NewStore(documents.StoreConfig{
		Database:        db,
		Clock:           time.Now,
		IDProvider:      documents.NewUUIDProvider(),
		Logger:          logger,
		VersionInterval: appConfig.VersionInterval,
	})
	if err != nil {
		return err
	}

	hub, err := server.NewHub(server.HubConfig{
		Store:    store,
		Logger:   logger,
		Debounce: appConfig.Debounce,
		MaxWait:  appConfig.MaxWait,
	})
	if err != nil {
		return err
	}
	defer hub.Close()

	verifier := auth.NewVerifier(auth.VerifierConfig{
		SharedToken:   appConfig.SharedToken,
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "collab-auth",
		Audience:      "collab-server",
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:         hub,
		Verifier:    verifier,
		Logger:      logger,
		ServiceName: appConfig.ServiceName,
		Clock:       time.Now,
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
