package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/swarmsync/internal/auth"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/config"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/daemon"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/database"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/logging"
	"github.com/MarcoPoloResearchLab/swarmsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile string
	subject string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "swarmsync",
		Short: "Background sync daemon for swarm, group and community messages",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run every poller and the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a control API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return mintToken(cmd)
		},
	}
	tokenCmd.Flags().StringVar(&subject, "subject", "operator", "Token subject")

	setupFlags(rootCmd)
	rootCmd.AddCommand(runCmd, tokenCmd)

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
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Control token lifetime")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Control token signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("seed-nodes", nil, "Seed storage node URLs")
	cmd.PersistentFlags().Bool("accept-message-requests", defaults.GetBool("community.accept_message_requests"), "Poll community inboxes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "swarm.seed_nodes", "seed-nodes")
	bindFlag(cmd, "community.accept_message_requests", "accept-message-requests")
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

func newTokenIssuer() (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(viper.GetString("auth.signing_secret")),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      viper.GetDuration("auth.token_ttl"),
	})
}

func mintToken(cmd *cobra.Command) error {
	issuer, err := newTokenIssuer()
	if err != nil {
		return err
	}
	token, expiresIn, err := issuer.IssueToken(subject)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
	return nil
}

func runDaemon(ctx context.Context) error {
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

	tokenIssuer, err := newTokenIssuer()
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	syncDaemon, err := daemon.New(daemon.Config{
		App:      appConfig,
		Database: db,
		Realtime: realtime,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if viper.ConfigFileUsed() != "" {
		config.Watch(viper.GetViper(), logger, syncDaemon.ApplySubscriptions)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: tokenIssuer,
		Control:        syncDaemon,
		Inbox:          syncDaemon.Inbox(),
		Realtime:       realtime,
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

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return syncDaemon.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
