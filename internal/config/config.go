// Package config handles Lantern configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./lantern.yaml, ~/.config/lantern/lantern.yaml, /etc/lantern/lantern.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"lantern.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "lantern", "lantern.yaml"))
	}

	paths = append(paths, "/etc/lantern/lantern.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Lantern configuration.
type Config struct {
	Bot       BotConfig       `yaml:"bot"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Assistant AssistantConfig `yaml:"assistant"`
	Search    SearchConfig    `yaml:"search"`
	Storage   StorageConfig   `yaml:"storage"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// BotConfig defines the bot's user-facing identity and behavior.
type BotConfig struct {
	// Name is the display name used in /start and /help replies.
	Name string `yaml:"name"`
	// RateLimit is the per-sender messages-per-minute cap. 0 = unlimited.
	RateLimit int `yaml:"rate_limit"`
	// StopTimeoutSec bounds the graceful shutdown sequence (default 5).
	StopTimeoutSec int `yaml:"stop_timeout_sec"`
}

// GatewayConfig defines the chat-platform gateway connection.
type GatewayConfig struct {
	// URL is the gateway endpoint (http/https, upgraded to ws/wss).
	URL string `yaml:"url"`
	// Token authenticates the bot with the gateway.
	Token string `yaml:"token"`
	// HTMLReplies renders markdown answers to HTML before sending,
	// for platforms that support rich text.
	HTMLReplies bool `yaml:"html_replies"`
}

// AssistantConfig defines the managed assistant service connection.
type AssistantConfig struct {
	BaseURL  string `yaml:"base_url"`
	FolderID string `yaml:"folder_id"`
	APIKey   string `yaml:"api_key"`
	// IndexFile is the JSON file holding the search index ID written
	// by `lantern index`. Read once at startup.
	IndexFile string `yaml:"index_file"`
	// Model is the generation model backing the assistant.
	Model string `yaml:"model"`
	// Instruction is the assistant's system instruction.
	Instruction string `yaml:"instruction"`
	// ThreadTTLDays is the inactivity TTL for per-chat threads (default 7).
	ThreadTTLDays int `yaml:"thread_ttl_days"`
	// AssistantTTLDays is the inactivity TTL for the assistant resource
	// itself (default 30).
	AssistantTTLDays int `yaml:"assistant_ttl_days"`
}

// SearchConfig defines the generative search API connection.
type SearchConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// Site, Host and URLScope restrict search to a site, host or page.
	// At most one is typically set; all may be empty.
	Site     string `yaml:"site"`
	Host     string `yaml:"host"`
	URLScope string `yaml:"url_scope"`
}

// StorageConfig defines the object storage bucket holding knowledge
// base documents. Used only by the `lantern index` command.
type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// MQTTConfig defines the optional presence publisher.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"`
}

// Configured reports whether a gateway connection is defined.
func (g GatewayConfig) Configured() bool {
	return g.URL != ""
}

// Configured reports whether MQTT presence publishing is enabled.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// StopTimeout returns the shutdown deadline as a duration.
func (b BotConfig) StopTimeout() time.Duration {
	if b.StopTimeoutSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.StopTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Bot: BotConfig{
			Name:           "Lantern",
			RateLimit:      20,
			StopTimeoutSec: 5,
		},
		Assistant: AssistantConfig{
			Model:            "yandexgpt",
			IndexFile:        "index_id.json",
			ThreadTTLDays:    7,
			AssistantTTLDays: 30,
		},
		DataDir: "data",
	}
}

// Validate checks that the configuration is usable for `lantern serve`.
func (c *Config) Validate() error {
	if !c.Gateway.Configured() {
		return fmt.Errorf("gateway.url is required")
	}
	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("assistant.base_url is required")
	}
	if c.Assistant.FolderID == "" {
		return fmt.Errorf("assistant.folder_id is required")
	}
	if c.Assistant.APIKey == "" {
		return fmt.Errorf("assistant.api_key is required")
	}
	if c.Search.URL == "" {
		return fmt.Errorf("search.url is required")
	}
	return nil
}
