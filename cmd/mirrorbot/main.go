package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/channel-mirror/internal/auth"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/config"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/database"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/journal"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/logging"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mapping"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/mirror"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reactions"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/reconcile"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/server"
	"github.com/MarcoPoloResearchLab/channel-mirror/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile      string
	tokenSubject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mirrorbot",
		Short:        "Mirrors posts and reactions between two Telegram channels",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printAdminToken(cmd)
		},
	}
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "operator", "Subject recorded in the token")
	rootCmd.AddCommand(tokenCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Admin API listen address (empty disables it)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("admin.token_ttl_minutes"), "Admin token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "admin.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func printAdminToken(cmd *cobra.Command) error {
	appConfig, err := config.LoadAdmin(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		TokenTTL:      appConfig.AdminTokenTTL,
	})
	if err != nil {
		return err
	}
	token, _, err := issuer.IssueAdminToken(cmd.Context(), tokenSubject)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}

func runService(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
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

	mappings, err := mapping.NewStore(mapping.StoreConfig{Database: db, Logger: logger.Named("mapping")})
	if err != nil {
		return err
	}
	snapshots, err := reactions.NewSnapshotStore(reactions.SnapshotStoreConfig{Database: db, Logger: logger.Named("snapshots")})
	if err != nil {
		return err
	}
	observed, err := journal.NewStore(journal.StoreConfig{Database: db, Logger: logger.Named("journal")})
	if err != nil {
		return err
	}

	if err := tgbotapi.SetLogger(zap.NewStdLog(logger.Named("tgbotapi"))); err != nil {
		return err
	}
	bot, err := tgbotapi.NewBotAPI(appConfig.BotToken)
	if err != nil {
		return fmt.Errorf("connect bot: %w", err)
	}
	logger.Info("bot authorized", zap.String("username", bot.Self.UserName))

	gateway, err := telegram.NewGateway(telegram.GatewayConfig{Client: bot, Journal: observed, Logger: logger.Named("gateway")})
	if err != nil {
		return err
	}

	channels := mirror.Pair{First: appConfig.FirstChannel, Second: appConfig.SecondChannel}
	events := server.NewEventFeed()
	idProvider := mirror.NewUUIDProvider()

	aggregator, err := mirror.NewAggregator(mirror.AggregatorConfig{
		Publisher:     gateway,
		Mappings:      mappings,
		FlushDelay:    appConfig.FlushDelay,
		FallbackDelay: appConfig.FallbackDelay,
		IDProvider:    idProvider,
		Logger:        logger.Named("aggregator"),
		Observer:      events,
	})
	if err != nil {
		return err
	}
	engine, err := mirror.NewEngine(mirror.EngineConfig{
		Channels:   channels,
		Publisher:  gateway,
		Reader:     observed,
		Mappings:   mappings,
		Aggregator: aggregator,
		Logger:     logger.Named("engine"),
		Observer:   events,
	})
	if err != nil {
		return err
	}
	poller, err := telegram.NewPoller(telegram.PollerConfig{
		Client:      bot,
		Handler:     engine,
		Journal:     observed,
		Channels:    channels,
		PollTimeout: appConfig.PollTimeoutSeconds,
		Logger:      logger.Named("poller"),
	})
	if err != nil {
		return err
	}
	loop, err := reconcile.New(reconcile.Config{
		Channels:  channels,
		Reader:    observed,
		Publisher: gateway,
		Mappings:  mappings,
		Snapshots: snapshots,
		Resolver: reactions.NewResolver(reactions.ResolverConfig{
			CustomEmoji:   appConfig.CustomEmoji,
			Placeholder:   appConfig.Placeholder,
			UnknownSymbol: appConfig.UnknownSymbol,
		}),
		Interval:    appConfig.PollInterval,
		RecentLimit: appConfig.RecentLimit,
		Logger:      logger.Named("reconcile"),
		Observer:    events,
		IDProvider:  idProvider,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	var workers sync.WaitGroup
	workers.Go(func() {
		if err := poller.Run(signalCtx); err != nil {
			errCh <- fmt.Errorf("poller: %w", err)
		}
	})
	workers.Go(func() {
		if err := loop.Run(signalCtx); err != nil {
			errCh <- fmt.Errorf("reconcile: %w", err)
		}
	})

	var httpServer *http.Server
	if appConfig.AdminEnabled() {
		validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(appConfig.AdminSigningSecret)})
		if err != nil {
			stop()
			workers.Wait()
			return err
		}
		handler, err := server.NewHTTPHandler(server.Dependencies{
			Tokens:     validator,
			Channels:   channels,
			Mappings:   mappings,
			Snapshots:  snapshots,
			Groups:     aggregator,
			Reconciler: loop,
			Events:     events,
			Journal:    observed,
			Logger:     logger.Named("http"),
		})
		if err != nil {
			stop()
			workers.Wait()
			return err
		}
		httpServer = &http.Server{
			Addr:              appConfig.HTTPAddress,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return signalCtx },
		}
		go func() {
			logger.Info("admin api starting", zap.String("address", appConfig.HTTPAddress))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin api: %w", err)
			}
		}()
	}

	logger.Info("mirroring started",
		zap.Int64("first_channel", channels.First),
		zap.Int64("second_channel", channels.Second))

	var runErr error
	select {
	case <-signalCtx.Done():
	case runErr = <-errCh:
		stop()
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin api shutdown failed", zap.Error(err))
		}
	}
	workers.Wait()
	logger.Info("mirroring stopped")
	return runErr
}
