package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zapdeskhq/zapdesk/internal/config"
	"github.com/zapdeskhq/zapdesk/internal/db"
	"github.com/zapdeskhq/zapdesk/internal/store"
	"golang.org/x/term"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage dashboard agent accounts",
	}

	cmd.AddCommand(newUserCreateCmd())
	cmd.AddCommand(newUserListCmd())
	return cmd
}

func newUserCreateCmd() *cobra.Command {
	var (
		configPath string
		name       string
		email      string
		role       string
		password   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent account",
		Long:  "Creates a dashboard user. Without --password the password is read from a hidden terminal prompt.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUserCreate(cmd, configPath, name, email, role, password)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zapdesk.yaml", "path to ZapDesk config file")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "login email")
	cmd.Flags().StringVar(&role, "role", "agent", "role: admin or agent")
	cmd.Flags().StringVar(&password, "password", "", "password (omit to be prompted)")
	return cmd
}

func runUserCreate(cmd *cobra.Command, configPath, name, email, role, password string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	if password == "" {
		password, err = promptPassword(cmd)
		if err != nil {
			return err
		}
	}

	user, err := store.CreateUser(gormDB, store.CreateUserOpts{
		Name:     name,
		Email:    email,
		Password: password,
		Role:     role,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s user %s (id %d)\n", user.Role, user.Email, user.ID)
	return nil
}

// promptPassword reads the password twice without echo.
func promptPassword(cmd *cobra.Command) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal, use --password")
	}

	fmt.Fprint(cmd.OutOrStdout(), "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	fmt.Fprint(cmd.OutOrStdout(), "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout())
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if strings.TrimSpace(string(first)) == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(first), nil
}

func newUserListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			gormDB, err := db.Connect(cfg.Database)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			users, err := store.ListUsers(gormDB)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, u := range users {
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, u.Role, u.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "zapdesk.yaml", "path to ZapDesk config file")
	return cmd
}
