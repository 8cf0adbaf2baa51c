package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zapdeskhq/zapdesk/internal/config"
	"github.com/zapdeskhq/zapdesk/internal/db"
	"github.com/zapdeskhq/zapdesk/internal/gateway"
	"github.com/zapdeskhq/zapdesk/internal/notify"
	"github.com/zapdeskhq/zapdesk/internal/pubsub"
	"github.com/zapdeskhq/zapdesk/internal/relay"
	"github.com/zapdeskhq/zapdesk/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dashboard server",
		Long:  "Starts the REST API, the gateway webhook endpoint and the SSE event bridge. Shuts down gracefully on SIGINT/SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zapdesk.yaml", "path to ZapDesk config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Every publish hits the in-process bridge (feeding SSE) and, when a
	// broker is configured, the topic exchange for remote dashboards.
	bridge := pubsub.NewMemoryBroker(logger)
	publisher := pubsub.Tee{bridge}
	if cfg.Broker.URL != "" {
		rmq, err := pubsub.NewPublisherWithRetry(ctx, pubsub.ConnectionOptions{
			URL:           cfg.Broker.URL,
			RetryAttempts: 5,
			Delay:         2 * time.Second,
			Logger:        logger,
		}, cfg.Broker.Exchange)
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		publisher = append(publisher, rmq)
	} else {
		logger.Warn("broker.url not set, realtime events limited to SSE")
	}
	defer publisher.Close()

	notifier, err := notify.FromConfig(
		cfg.Notify.SlackToken, cfg.Notify.SlackChannel,
		cfg.Notify.DiscordToken, cfg.Notify.DiscordChannel,
	)
	if err != nil {
		return fmt.Errorf("configure notifiers: %w", err)
	}

	gw := gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Instance)
	processor := relay.NewProcessor(gormDB, publisher, notifier, logger)

	fmt.Fprintf(cmd.OutOrStdout(), "ZapDesk listening on :%d (instance %s)\n", cfg.Server.Port, cfg.Gateway.Instance)

	return server.Start(ctx, server.Opts{
		DB:         gormDB,
		Gateway:    gw,
		Publisher:  publisher,
		Bridge:     bridge,
		Processor:  processor,
		Port:       cfg.Server.Port,
		AuthToken:  cfg.Server.AuthToken,
		WebhookURL: cfg.Gateway.WebhookURL,
		Log:        logger,
	})
}
