package main

import (
	"fmt"
	"os"
	"time"

	uthhub "github.com/tienvybui05/uthhub-socket"
	"go.uber.org/zap"
)

// newLogger builds the CLI's stderr logger. The --log-level flag wins over
// default.log_level; the fallback is warn so command output stays clean.
func newLogger(cfg *Config) *zap.Logger {
	level := logLevel
	if level == "" {
		level = cfg.Default.LogLevel
	}
	if level == "" {
		level = "warn"
	}
	log, err := uthhub.NewLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}
	return log
}

// requireAuth loads the config and exits unless a token is stored.
func requireAuth() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'uthhub login <username> <password>' first.")
		os.Exit(1)
	}
	return cfg
}

func baseURL(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return uthhub.DefaultBaseURL
}

// getClient creates a REST client authenticated with the stored token.
func getClient() (*uthhub.Client, *Config) {
	cfg := requireAuth()
	client := uthhub.NewClient(uthhub.NewSession(cfg.Auth.Token),
		uthhub.WithBaseURL(baseURL(cfg)),
		uthhub.WithClientLogger(newLogger(cfg)),
	)
	return client, cfg
}

// getEngine creates a real-time engine for the stored session.
func getEngine() (*uthhub.Engine, *Config) {
	cfg := requireAuth()
	engineCfg := uthhub.EngineConfig{
		BaseURL: baseURL(cfg),
		Tokens:  uthhub.NewSession(cfg.Auth.Token),
		Logger:  newLogger(cfg),
	}
	engineCfg.Reconnect.MaxAttempts = cfg.Realtime.MaxAttempts
	if cfg.Realtime.HeartBeat != "" {
		if d, err := time.ParseDuration(cfg.Realtime.HeartBeat); err == nil {
			engineCfg.Reconnect.HeartBeat = d
		}
	}

	engine, err := uthhub.NewEngine(engineCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create engine: %v\n", err)
		os.Exit(1)
	}
	return engine, cfg
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
