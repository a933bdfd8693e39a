package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tally/internal/archive"
	"github.com/MarcoPoloResearchLab/tally/internal/auth"
	"github.com/MarcoPoloResearchLab/tally/internal/config"
	"github.com/MarcoPoloResearchLab/tally/internal/counter"
	"github.com/MarcoPoloResearchLab/tally/internal/database"
	"github.com/MarcoPoloResearchLab/tally/internal/identity"
	"github.com/MarcoPoloResearchLab/tally/internal/logging"
	"github.com/MarcoPoloResearchLab/tally/internal/metrics"
	"github.com/MarcoPoloResearchLab/tally/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tally-api",
		Short: "Tally community ledger daemon",
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
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address for the report API")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("content-dir", defaults.GetString("content.dir"), "Directory for archive content blobs")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("bot-name", defaults.GetString("bot.name"), "Reserved bot identity")
	cmd.PersistentFlags().StringSlice("maintainers", defaults.GetStringSlice("bot.maintainers"), "Privileged maintainer identities")
	cmd.PersistentFlags().StringSlice("home-domains", defaults.GetStringSlice("identity.home_domains"), "Domains stripped during identity canonicalization")
	cmd.PersistentFlags().String("time-location", defaults.GetString("time.location"), "IANA location for user-facing times")
	cmd.PersistentFlags().String("signing-secret", "", "Report API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "content.dir", "content-dir")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "bot.name", "bot-name")
	bindFlag(cmd, "bot.maintainers", "maintainers")
	bindFlag(cmd, "identity.home_domains", "home-domains")
	bindFlag(cmd, "time.location", "time-location")
	bindFlag(cmd, "report.signing_secret", "signing-secret")
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	models := append(archive.Models(), counter.Models()...)
	db, err := database.OpenSQLite(appConfig.DatabasePath, logger, models...)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	contentStore, err := archive.NewContentStore(appConfig.ContentDir)
	if err != nil {
		return err
	}

	ledgerMetrics := metrics.New()

	archiveService, err := archive.NewService(archive.ServiceConfig{
		Database: db,
		Content:  contentStore,
		Clock:    time.Now,
		Logger:   logger,
		Metrics:  ledgerMetrics,
	})
	if err != nil {
		return err
	}

	canonicalizer := identity.NewCanonicalizer(appConfig.HomeDomains)
	counterService, err := counter.NewService(counter.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
		BotName:  appConfig.BotName,
		Canon:    canonicalizer,
		Location: appConfig.Location,
		Metrics:  ledgerMetrics,
	})
	if err != nil {
		return err
	}

	tokens := auth.NewOperatorTokens(auth.OperatorTokensConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		ArchiveService: archiveService,
		CounterService: counterService,
		Tokens:         tokens,
		Metrics:        ledgerMetrics,
		Logger:         logger,
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
