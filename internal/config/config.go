// Package config loads taskboard settings from an optional YAML file and
// the environment.
//
// Precedence, highest first:
//  1. Environment variables (PORT, GOOGLE_CLOUD_PROJECT, ...), after .env
//  2. The YAML file named by CONFIG_FILE, keyed by the lower-cased names
//  3. Defaults
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/ytakahashi/taskboard/internal/models"
)

const maxConfigFileSize = 1024 * 1024

type Config struct {
	Port               string `koanf:"port"`
	GoogleCloudProject string `koanf:"google_cloud_project"`

	GuestStoreDir       string `koanf:"guest_store_dir"`
	GuestStoreNamespace string `koanf:"guest_store_namespace"`
	GuestStoreMaxBytes  int    `koanf:"guest_store_max_bytes"`

	// Comma-separated lists. Empty accepts anything.
	BoardCategories string `koanf:"board_categories"`
	BoardPriorities string `koanf:"board_priorities"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	LineChannelToken  string `koanf:"line_channel_token"`
	LineChannelSecret string `koanf:"line_channel_secret"`
	LineNotifyTo      string `koanf:"line_notify_to"`

	GoogleOAuthClientID     string `koanf:"google_oauth_client_id"`
	GoogleOAuthClientSecret string `koanf:"google_oauth_client_secret"`
	GoogleOAuthRedirectURL  string `koanf:"google_oauth_redirect_url"`
}

func Defaults() *Config {
	return &Config{
		Port:                "8080",
		GuestStoreDir:       ".taskboard",
		GuestStoreNamespace: "guestTasks",
		GuestStoreMaxBytes:  5 * 1024 * 1024,
		BoardCategories:     "work,personal,shopping,health,other",
		BoardPriorities:     "low,medium,high",
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load reads .env if present, then the YAML file at configPath (if not
// empty), then the environment.
func Load(configPath string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_FILE")
	}

	k := koanf.New(".")
	if configPath != "" {
		info, err := os.Stat(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
		}
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Keys are flat, so the variable name lower-cased is the key.
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.GoogleCloudProject == "" {
		return fmt.Errorf("GOOGLE_CLOUD_PROJECT is required")
	}
	if c.Port == "" {
		return fmt.Errorf("PORT must not be empty")
	}
	if c.LineNotifyTo != "" && c.LineChannelToken == "" {
		return fmt.Errorf("LINE_NOTIFY_TO requires LINE_CHANNEL_TOKEN")
	}
	return nil
}

// Vocabulary returns the allowed categories and priorities.
func (c *Config) Vocabulary() models.Vocabulary {
	return models.Vocabulary{
		Categories: splitList(c.BoardCategories),
		Priorities: splitList(c.BoardPriorities),
	}
}

// LineEnabled reports whether the LINE webhook can be served.
func (c *Config) LineEnabled() bool {
	return c.LineChannelToken != "" && c.LineChannelSecret != ""
}

// OAuthEnabled reports whether Google sign-in is configured.
func (c *Config) OAuthEnabled() bool {
	return c.GoogleOAuthClientID != "" && c.GoogleOAuthClientSecret != "" && c.GoogleOAuthRedirectURL != ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
