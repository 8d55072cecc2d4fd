package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/caseflowlabs/casewire/internal/config"
	"github.com/caseflowlabs/casewire/internal/logging"
	"github.com/caseflowlabs/casewire/internal/notify"
	"github.com/caseflowlabs/casewire/internal/scope"
	"github.com/caseflowlabs/casewire/internal/subscription"
	"github.com/caseflowlabs/casewire/internal/transport"
	"github.com/caseflowlabs/casewire/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "casewire-agent",
		Short: "Casewire sync agent for one case workspace",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
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
	cmd.PersistentFlags().String("hub-url", defaults.GetString("hub.url"), "Hub base URL")
	cmd.PersistentFlags().String("token", "", "Bearer token (overrides env)")
	cmd.PersistentFlags().String("state-dir", defaults.GetString("state.dir"), "Shared state directory")
	cmd.PersistentFlags().String("case-id", "", "Case to mount on startup")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "hub.url", "hub-url")
	bindFlag(cmd, "hub.token", "token")
	bindFlag(cmd, "state.dir", "state-dir")
	bindFlag(cmd, "case.id", "case-id")
	bindFlag(cmd, "log.level", "log-level")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, true)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := transport.NewClient(appConfig.HubURL, appConfig.Token, transport.ClientOptions{
		OnUnauthenticated: func() {
			logger.Warn("session rejected by hub, shutting down")
			stop()
		},
	})

	scopeStore, err := scope.NewStore(scope.StoreConfig{
		StateDir: appConfig.StateDir,
		Logger:   logger,
		Watch:    true,
	})
	if err != nil {
		return err
	}
	defer scopeStore.Close()

	ws := workspace.New(workspace.Config{
		Backend: client,
		Dialer:  subscription.PushAdapter{Dialer: transport.NewPushDialer(client)},
		Scope:   scopeStore,
		Logger:  logger,
		OnLatest: func(message transport.Message) {
			logger.Info("new message",
				zap.String("channel", message.ChannelID),
				zap.String("author_role", message.AuthorRole),
				zap.String("content", message.Content))
		},
	})
	defer ws.Close()

	aggregator := notify.NewAggregator(notify.AggregatorConfig{
		Backend:              client,
		Scope:                scopeStore,
		Logger:               logger,
		NotificationInterval: appConfig.NotificationPoll,
		ConversationInterval: appConfig.ConversationPoll,
	})
	aggregator.Start(signalCtx)
	defer aggregator.Stop()

	if appConfig.CaseID != "" {
		ws.Mount(signalCtx, appConfig.CaseID)
	} else if active := scopeStore.Active(); !active.Empty() {
		ws.Mount(signalCtx, active.CaseID)
	}

	logger.Info("agent running",
		zap.String("hub", appConfig.HubURL),
		zap.String("case_id", ws.CaseID()))

	<-signalCtx.Done()
	return nil
}
