package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zapdeskhq/zapdesk/internal/config"
	"github.com/zapdeskhq/zapdesk/internal/gateway"
	"github.com/zapdeskhq/zapdesk/internal/relay"
)

func newWebhookCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhook",
		Short: "Manage the gateway webhook",
	}

	cmd.AddCommand(newWebhookSetCmd())
	return cmd
}

func newWebhookSetCmd() *cobra.Command {
	var (
		configPath string
		url        string
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Point the gateway's callback at this server",
		Long:  "Registers the webhook URL and the event kinds ZapDesk ingests on the gateway instance.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWebhookSet(cmd, configPath, url)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zapdesk.yaml", "path to ZapDesk config file")
	cmd.Flags().StringVar(&url, "url", "", "webhook URL (defaults to gateway.webhook_url from the config)")
	return cmd
}

func runWebhookSet(cmd *cobra.Command, configPath, url string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if url == "" {
		url = cfg.Gateway.WebhookURL
	}
	if url == "" {
		return fmt.Errorf("no webhook url: pass --url or set gateway.webhook_url")
	}

	eventList := []string{
		relay.EventMessagesUpsert,
		relay.EventMessagesUpdate,
		relay.EventContactsUpsert,
		relay.EventContactsUpdate,
		relay.EventChatsUpsert,
		relay.EventChatsUpdate,
		relay.EventChatsDelete,
		relay.EventConnectionUpdate,
	}

	gw := gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.Instance)
	if err := gw.SetWebhook(cmd.Context(), url, eventList); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Webhook set to %s (%d events)\n", url, len(eventList))
	return nil
}
