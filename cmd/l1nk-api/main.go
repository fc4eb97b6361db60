package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e-jigsaw/l1nk/internal/auth"
	"github.com/e-jigsaw/l1nk/internal/config"
	"github.com/e-jigsaw/l1nk/internal/database"
	"github.com/e-jigsaw/l1nk/internal/logging"
	"github.com/e-jigsaw/l1nk/internal/metrics"
	"github.com/e-jigsaw/l1nk/internal/pages"
	"github.com/e-jigsaw/l1nk/internal/projector"
	"github.com/e-jigsaw/l1nk/internal/server"
	"github.com/e-jigsaw/l1nk/internal/session"
	"github.com/e-jigsaw/l1nk/internal/snapshots"
	"github.com/e-jigsaw/l1nk/internal/users"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	metricsNamespace = "l1nk"
	shutdownTimeout  = 30 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "l1nk-api",
		Short: "l1nk collaborative page backend",
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
	cmd.PersistentFlags().String("snapshot-dsn", defaults.GetString("snapshots.dsn"), "Snapshot store DSN (empty uses the SQLite database)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().Duration("persist-delay", defaults.GetDuration("session.persist_delay"), "Debounce before a document snapshot is written")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "snapshots.dsn", "snapshot-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "session.persist_delay", "persist-delay")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

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

// watchLogLevel applies log.level changes from the config file without a
// restart. Other settings are read once at startup.
func watchLogLevel(level zap.AtomicLevel, logger *zap.Logger) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(event fsnotify.Event) {
		next := logging.ParseLevel(viper.GetString("log.level"))
		if next == level.Level() {
			return
		}
		level.SetLevel(next)
		logger.Info("log level changed", zap.String("file", event.Name), zap.Stringer("level", next))
	})
	viper.WatchConfig()
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, level, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	watchLogLevel(level, logger)

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
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	pageService, err := pages.NewService(pages.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: pages.NewUUIDv7,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	snapshotStore, err := snapshots.BuildStoreFromDSN(appConfig.SnapshotDSN, db)
	if err != nil {
		return err
	}
	defer snapshotStore.Close() //nolint:errcheck

	metadataProjector, err := projector.New(projector.Config{
		Store:          pageService,
		TitleMaxLength: appConfig.Projector.TitleMaxLength,
		ReservedSlugs:  appConfig.Projector.ReservedSlugs,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	collector := metrics.NewCollector(metricsNamespace)

	hub, err := session.NewHub(session.HubConfig{
		Snapshots:    snapshotStore,
		Pages:        pageService,
		Projector:    metadataProjector,
		Metrics:      collector,
		Logger:       logger,
		PersistDelay: appConfig.Session.PersistDelay,
		IdleTimeout:  appConfig.Session.IdleTimeout,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Pages:            pageService,
		Hub:              hub,
		Metrics:          collector,
		Logger:           logger,
		AllowedOrigins:   appConfig.AllowedOrigins,
		OutboundBuffer:   appConfig.Session.OutboundBuffer,
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
	case err := <-errCh:
		if err != nil {
			_ = hub.Close(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Shutdown does not track hijacked websocket connections.
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("failed to flush documents on shutdown", zap.Error(err))
	}
	return httpServer.Shutdown(shutdownCtx)
}
