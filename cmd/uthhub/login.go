package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	uthhub "github.com/tienvybui05/uthhub-socket"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username> <password>",
	Short: "Sign in and store the access token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		username, password := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = uthhub.DefaultBaseURL
		}

		client := uthhub.NewClient(nil, uthhub.WithBaseURL(cfg.Default.BaseURL), uthhub.WithClientLogger(newLogger(cfg)))

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		resp, err := client.Auth.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if resp.Token == "" {
			return fmt.Errorf("login failed: no token in response")
		}

		storeToken(cfg, resp.Token)
		if resp.User.ID != 0 {
			cfg.Auth.UserID = resp.User.ID
		}
		if resp.User.Username != "" {
			cfg.Auth.Username = resp.User.Username
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed in.")
		fmt.Printf("  Username: %s\n", valueOrDefault(cfg.Auth.Username, username))
		if cfg.Auth.TokenExpires != "" {
			fmt.Printf("  Token expires: %s\n", cfg.Auth.TokenExpires)
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored access token",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
