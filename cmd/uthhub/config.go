package main

import (
	"fmt"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configReveal bool

// configKeys lists every key accepted by `config set`, in file order.
var configKeys = []struct {
	key  string
	help string
}{
	{"default.base_url", "REST and WebSocket host, e.g. https://chat.example.com"},
	{"default.log_level", "debug, info, warn or error"},
	{"auth.token", "access token; prefer 'uthhub init' or 'uthhub login'"},
	{"auth.user_id", "numeric id of the signed-in user"},
	{"auth.username", "username of the signed-in user"},
	{"auth.token_expires", "RFC 3339 expiry, filled from the token's exp claim"},
	{"realtime.max_attempts", "reconnect attempts before giving up"},
	{"realtime.heart_beat", "STOMP heart-beat interval, e.g. 10s"},
}

func configKeysHelp() string {
	var b strings.Builder
	b.WriteString("Set a configuration value using dot notation.\n\nKeys:\n")
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-24s %s\n", k.key, k.help)
	}
	b.WriteString("\nExample: uthhub config set default.base_url https://chat.example.com")
	return b.String()
}

// redactToken keeps the first and last four characters of a token.
func redactToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "…" + token[len(token)-4:]
}

func init() {
	configShowCmd.Flags().BoolVar(&configReveal, "reveal", false, "Print the access token unmasked")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage uthhub configuration",
	Long:  "View or modify the uthhub CLI configuration stored in ~/.uthhub/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with the token masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		shown := *cfg
		if !configReveal {
			shown.Auth.Token = redactToken(shown.Auth.Token)
		}
		shown.Default.BaseURL = baseURL(&shown)

		data, err := toml.Marshal(&shown)
		if err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		path, _ := configPath()
		fmt.Printf("# %s\n%s", path, data)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  configKeysHelp(),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("%w (run 'uthhub config set --help' for the key list)", err)
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = redactToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
