package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/memories/internal/bridge"
	"github.com/MarcoPoloResearchLab/memories/internal/cache"
	"github.com/MarcoPoloResearchLab/memories/internal/config"
	"github.com/MarcoPoloResearchLab/memories/internal/engine"
	"github.com/MarcoPoloResearchLab/memories/internal/logging"
	"github.com/MarcoPoloResearchLab/memories/internal/memos"
	"github.com/MarcoPoloResearchLab/memories/internal/metrics"
	"github.com/MarcoPoloResearchLab/memories/internal/retry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	binaryName       = "memories-sync"
	metricsNamespace = "memories"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   binaryName,
		Short: "Memos sync engine with a local bridge",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context())
		},
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Test the server connection and print the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), cmd)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Print the cached snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), cmd)
		},
	})

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", defaults.GetString("server.url"), "Memos server address")
	cmd.PersistentFlags().String("token", "", "Memos access token (overrides env)")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("sync.page_size"), "Memos fetched per page")
	cmd.PersistentFlags().Int("refresh-minutes", defaults.GetInt("sync.refresh_interval_minutes"), "Auto refresh interval in minutes (5, 10 or 15)")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("sync.max_retries"), "Retries for transient failures")
	cmd.PersistentFlags().String("cache-path", defaults.GetString("cache.path"), "SQLite snapshot cache path (empty disables)")
	cmd.PersistentFlags().String("bridge-address", defaults.GetString("bridge.address"), "Local bridge listen address (empty disables)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "server.token", "token")
	bindFlag(cmd, "sync.page_size", "page-size")
	bindFlag(cmd, "sync.refresh_interval_minutes", "refresh-minutes")
	bindFlag(cmd, "sync.max_retries", "max-retries")
	bindFlag(cmd, "cache.path", "cache-path")
	bindFlag(cmd, "bridge.address", "bridge-address")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	return config.ReadFile(viper.GetViper(), cfgFile)
}

func runEngine(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if err := appConfig.RequireCredentials(); err != nil {
		return err
	}

	snapshots, closeCache, err := openCache(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(metricsNamespace)
	syncEngine, err := engine.Open(signalCtx, engineConfig(appConfig, snapshots, collector, logger))
	if err != nil {
		return err
	}
	defer syncEngine.Close()

	runDone := make(chan error, 1)
	go func() {
		runDone <- syncEngine.Run(signalCtx)
	}()
	bridgeDone := make(chan error, 1)
	if appConfig.BridgeAddress != "" {
		handler, err := bridge.NewHTTPHandler(bridge.Dependencies{
			Engine:  syncEngine,
			Metrics: collector,
			Logger:  logger.Named("bridge"),
		})
		if err != nil {
			stop()
			<-runDone
			return err
		}
		go func() {
			bridgeDone <- bridge.Serve(signalCtx, appConfig.BridgeAddress, handler, logger)
		}()
	}

	var bridgeErr error
	select {
	case <-signalCtx.Done():
		logger.Info("shutting down")
	case bridgeErr = <-bridgeDone:
		logger.Error("bridge stopped", zap.Error(bridgeErr))
		stop()
	}
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return bridgeErr
}

func runCheck(ctx context.Context, cmd *cobra.Command) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if err := appConfig.RequireCredentials(); err != nil {
		return err
	}

	syncEngine, err := engine.Open(ctx, engineConfig(appConfig, nil, nil, logger))
	if err != nil {
		return fmt.Errorf("connection test failed (%s): %w", memos.Category(err), err)
	}
	defer syncEngine.Close()

	if err := syncEngine.Ping(ctx); err != nil {
		return fmt.Errorf("connection test failed (%s): %w", memos.Category(err), err)
	}
	user, err := syncEngine.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("current user lookup failed (%s): %w", memos.Category(err), err)
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(user)
}

func runExport(ctx context.Context, cmd *cobra.Command) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	if appConfig.CachePath == "" {
		return errors.New("cache.path is required for export")
	}

	snapshots, closeCache, err := openCache(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	records, err := snapshots.Load(ctx, appConfig.ServerURL)
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(records)
}

func loadRuntime() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(binaryName, appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func engineConfig(appConfig config.AppConfig, snapshots *cache.Snapshots, collector *metrics.Collector, logger *zap.Logger) engine.Config {
	policy := retry.DefaultPolicy()
	policy.MaxRetries = appConfig.MaxRetries
	return engine.Config{
		BaseURL:         appConfig.ServerURL,
		Token:           appConfig.AccessToken,
		PageSize:        appConfig.PageSize,
		RefreshInterval: appConfig.RefreshInterval,
		TombstoneTTL:    appConfig.TombstoneTTL,
		Retry:           policy,
		Snapshots:       snapshots,
		OnSearch: func(query string) {
			logger.Debug("search results changed", zap.String("query", query))
		},
		Metrics: collector,
		Logger:  logger,
	}
}

func openCache(appConfig config.AppConfig, logger *zap.Logger) (*cache.Snapshots, func(), error) {
	if appConfig.CachePath == "" {
		return nil, func() {}, nil
	}
	db, err := cache.OpenSQLite(appConfig.CachePath, logger)
	if err != nil {
		return nil, nil, err
	}
	snapshots, err := cache.New(cache.Config{Database: db, Logger: logger.Named("cache")})
	if err != nil {
		closeDatabase(db, logger)
		return nil, nil, err
	}
	return snapshots, func() { closeDatabase(db, logger) }, nil
}

func closeDatabase(db *gorm.DB, logger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		logger.Warn("cache handle unavailable", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		logger.Warn("cache close failed", zap.Error(err))
	}
}
