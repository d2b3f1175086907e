package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	uthhub "github.com/tienvybui05/uthhub-socket"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store an access token in ~/.uthhub/config.toml",
	Long:  "Initialize the uthhub CLI with an existing access token, for example one copied from the web client.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := strings.TrimPrefix(strings.TrimSpace(args[0]), "Bearer ")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		storeToken(cfg, token)
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = uthhub.DefaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
		}
		return nil
	},
}

// storeToken records token and what its claims reveal. Fields the claims do
// not carry are left unchanged.
func storeToken(cfg *Config, token string) {
	cfg.Auth.Token = token
	cfg.Auth.TokenExpires = ""
	claims, err := uthhub.ParseClaims(token)
	if err != nil {
		return
	}
	if claims.Username != "" {
		cfg.Auth.Username = claims.Username
	}
	if !claims.ExpiresAt.IsZero() {
		cfg.Auth.TokenExpires = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
}
