package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zapdeskhq/zapdesk/internal/config"
	"github.com/zapdeskhq/zapdesk/internal/db"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var (
		configPath    string
		adminName     string
		adminEmail    string
		adminPassword string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the chat store schema",
		Long:  "Migrates all tables and optionally seeds the initial admin account.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath, adminName, adminEmail, adminPassword)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zapdesk.yaml", "path to ZapDesk config file")
	cmd.Flags().StringVar(&adminName, "admin-name", "", "seed admin display name")
	cmd.Flags().StringVar(&adminEmail, "admin-email", "", "seed admin email (enables seeding)")
	cmd.Flags().StringVar(&adminPassword, "admin-password", "", "seed admin password")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath, adminName, adminEmail, adminPassword string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	if adminEmail != "" {
		if adminPassword == "" {
			return fmt.Errorf("--admin-password is required with --admin-email")
		}
		if adminName == "" {
			adminName = "Admin"
		}
		if err := db.SeedAdmin(gormDB, adminName, adminEmail, adminPassword); err != nil {
			return err
		}
		fmt.Fprintf(out, "Seeded admin %s\n", adminEmail)
	}
	return nil
}
