package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlorchat/parlor/internal/auth"
	"github.com/parlorchat/parlor/internal/config"
	"github.com/parlorchat/parlor/internal/database"
	"github.com/parlorchat/parlor/internal/extension"
	"github.com/parlorchat/parlor/internal/files"
	"github.com/parlorchat/parlor/internal/identity"
	"github.com/parlorchat/parlor/internal/logging"
	"github.com/parlorchat/parlor/internal/perms"
	"github.com/parlorchat/parlor/internal/reaction"
	"github.com/parlorchat/parlor/internal/reconcile"
	"github.com/parlorchat/parlor/internal/room"
	"github.com/parlorchat/parlor/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "parlor-api",
		Short: "Parlor open group server",
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
	cmd.PersistentFlags().String("server-key-seed", "", "Hex-encoded 32-byte Ed25519 server key seed (overrides env)")
	cmd.PersistentFlags().Int("signature-tolerance-hours", defaults.GetInt("auth.signature_tolerance_hours"), "Accepted signature timestamp drift in hours")
	cmd.PersistentFlags().Int("reconcile-interval-seconds", defaults.GetInt("reconcile.interval_seconds"), "Background reconciler cadence in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.server_key_seed", "server-key-seed")
	bindFlag(cmd, "auth.signature_tolerance_hours", "signature-tolerance-hours")
	bindFlag(cmd, "reconcile.interval_seconds", "reconcile-interval-seconds")
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

	seed, err := hex.DecodeString(appConfig.ServerKeySeed)
	if err != nil {
		return err
	}
	serverKey := ed25519.NewKeyFromSeed(seed)
	serverPub := serverKey.Public().(ed25519.PublicKey)
	logger.Info("server identity", zap.String("public_key", hex.EncodeToString(serverPub)))

	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Database: db,
		Logger:   logging.Named(logger, "identity"),
	})
	if err != nil {
		return err
	}

	nonces := auth.NewNonceStore(db, appConfig.NonceLifetime)
	authenticator, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Resolver:        resolver,
		Nonces:          nonces,
		ServerPublicKey: serverPub,
		Tolerance:       appConfig.SignatureTolerance,
		Logger:          logging.Named(logger, "auth"),
	})
	if err != nil {
		return err
	}

	permService, err := perms.NewService(perms.ServiceConfig{
		Database: db,
		Logger:   logging.Named(logger, "perms"),
	})
	if err != nil {
		return err
	}

	fileService, err := files.NewService(files.ServiceConfig{
		Database: db,
		Logger:   logging.Named(logger, "files"),
	})
	if err != nil {
		return err
	}

	filter := extension.NewFilterClient(nil, appConfig.FilterTimeout, logging.Named(logger, "extension"))

	reactionEngine, err := reaction.NewEngine(reaction.EngineConfig{
		Database: db,
		Logger:   logging.Named(logger, "reaction"),
	})
	if err != nil {
		return err
	}

	roomService, err := room.NewService(room.ServiceConfig{
		Database:                db,
		Perms:                   permService,
		Files:                   fileService,
		Filter:                  filter,
		Reactions:               reactionEngine,
		Logger:                  logging.Named(logger, "room"),
		FilteredVisibleToAuthor: appConfig.FilteredVisibleToSelf,
	})
	if err != nil {
		return err
	}

	reconciler, err := reconcile.NewReconciler(reconcile.Config{
		Futures:          permService,
		Nonces:           nonces,
		Rooms:            roomService,
		Files:            fileService,
		Interval:         appConfig.ReconcileInterval,
		ActivityCutoff:   appConfig.ActivityCutoff,
		HistoryRetention: appConfig.HistoryRetention,
		Logger:           logging.Named(logger, "reconcile"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: authenticator,
		Rooms:         roomService,
		Reactions:     reactionEngine,
		Perms:         permService,
		Resolver:      resolver,
		Files:         fileService,
		Extension:     filter,
		MaxBodyBytes:  appConfig.MaxBodyBytes,
		Logger:        logging.Named(logger, "server"),
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

	go reconciler.Run(signalCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	filter.NotifyServerStarted()

	select {
	case <-signalCtx.Done():
		filter.NotifyServerStopping()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
