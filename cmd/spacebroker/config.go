package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/spacebroker/internal/auth"
	"github.com/haasonsaas/spacebroker/internal/config"
)

const defaultConfigPath = "spacebroker.yaml"

// resolveConfigPath prefers an explicit path, then SPACEBROKER_CONFIG, then
// the default.
func resolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("SPACEBROKER_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}

func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config OK: %s (version %d)\n", configPath, cfg.Version)
	fmt.Fprintf(out, "Listen: %s  worker path: %s\n", cfg.Server.HTTPAddr, cfg.Server.WorkerPath)
	fmt.Fprintf(out, "Usage store: %s  artifact store: %s\n", cfg.Usage.Store.Driver, cfg.Storage.Driver)

	channels := append([]config.ChannelConfig(nil), cfg.Channels...)
	sort.Slice(channels, func(i, j int) bool { return channels[i].ID < channels[j].ID })
	fmt.Fprintf(out, "Channels (%d):\n", len(channels))
	for _, ch := range channels {
		resource := ch.Resource
		if resource == "" {
			resource = "-"
		}
		fmt.Fprintf(out, "  %-16s name=%-16s kind=%-4s cooldown=%-6s resource=%s\n",
			ch.ID, ch.Name, ch.Kind, cfg.CooldownFor(ch), resource)
	}
	if len(cfg.Auth.APIKeys) == 0 && cfg.Auth.JWTSecret == "" {
		fmt.Fprintln(out, "Auth: disabled (all requests are anonymous)")
	} else {
		fmt.Fprintf(out, "Auth: %d API key(s), jwt=%t\n", len(cfg.Auth.APIKeys), cfg.Auth.JWTSecret != "")
	}
	return nil
}

func runToken(cmd *cobra.Command, configPath, userID, tier string, admin bool, expiry time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}
	if expiry > 0 {
		cfg.Auth.TokenExpiry = expiry
	}
	svc := newAuthService(cfg)
	token, err := svc.IssueToken(auth.Identity{UserID: userID, Tier: tier, Admin: admin})
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func newAuthService(cfg *config.Config) *auth.Service {
	keys := make([]auth.APIKeyConfig, 0, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Tier: k.Tier, Admin: k.Admin})
	}
	return auth.NewService(auth.Config{
		JWTSecret:   cfg.Auth.JWTSecret,
		TokenExpiry: cfg.Auth.TokenExpiry,
		APIKeys:     keys,
	})
}
