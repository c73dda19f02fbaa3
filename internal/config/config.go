// Package config handles configuration loading, validation, and persistence
// for the netplay session core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/netplay/internal/util"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "netplay.json"

	// Compiled-in lobby endpoint, used when no override is persisted.
	DefaultLobbyURL = "http://lobby.energizer-project.net:8080"
	DefaultLobbyKey = "netplay-public-lobby-key-v1"

	DefaultGamePort      = 7000
	DefaultDiscoveryPort = 47800
	DefaultAPIPort       = 5080
	DefaultRegion        = "us"

	// Wire limits of the lobby schema and the LAN peer record.
	MaxClientIDLen    = 63
	MaxDisplayNameLen = 31
	MaxRegionLen      = 7
	MaxRoomCodeLen    = 15

	EnvLobbyURL = "NETPLAY_LOBBY_URL"
	EnvLobbyKey = "NETPLAY_LOBBY_KEY"
	EnvRegion   = "NETPLAY_REGION"
)

// Config is the root configuration structure.
type Config struct {
	mu       sync.RWMutex
	path     string
	firstRun bool
	env      envOverrides // overlaid on read, never saved

	Netplay         NetplayData     `json:"netplay"`
	ApplicationData ApplicationData `json:"application"`
}

// NetplayData holds the settings read once at session init.
type NetplayData struct {
	// Lobby
	LobbyURL string `json:"lobby_url"`
	LobbyKey string `json:"lobby_key"`

	// Identity
	ClientID    string `json:"client_id"`
	DisplayName string `json:"display_name"`
	Region      string `json:"region"`

	// Behaviour
	AutoConnect bool `json:"auto_connect"`
	AutoSearch  bool `json:"auto_search"`

	// Network
	GamePort            int    `json:"game_port"`
	DiscoveryPort       int    `json:"discovery_port"`
	AnnounceIntervalMS  int    `json:"announce_interval_ms"`
	PeerTimeoutMS       int    `json:"peer_timeout_ms"`
	LobbyPollIntervalMS int    `json:"lobby_poll_interval_ms"`
	InputDelay          int    `json:"input_delay"`
	STUNServer          string `json:"stun_server"`
}

// envOverrides holds the values taken from the environment at load.
type envOverrides struct {
	lobbyURL string
	lobbyKey string
	region   string
}

// Lobby returns the lobby URL and key, falling back to the compiled-in
// endpoint for each value that is empty.
func (n NetplayData) Lobby() (baseURL, key string) {
	baseURL, key = strings.TrimSpace(n.LobbyURL), strings.TrimSpace(n.LobbyKey)
	if baseURL == "" {
		baseURL = DefaultLobbyURL
	}
	if key == "" {
		key = DefaultLobbyKey
	}
	return baseURL, key
}

// AnnounceInterval returns the discovery announce cadence.
func (n NetplayData) AnnounceInterval() time.Duration {
	return time.Duration(n.AnnounceIntervalMS) * time.Millisecond
}

// PeerTimeout returns the discovery inactivity window.
func (n NetplayData) PeerTimeout() time.Duration {
	return time.Duration(n.PeerTimeoutMS) * time.Millisecond
}

// LobbyPollInterval returns the matchmaking poll cadence.
func (n NetplayData) LobbyPollInterval() time.Duration {
	return time.Duration(n.LobbyPollIntervalMS) * time.Millisecond
}

// ApplicationData contains process-level configuration.
type ApplicationData struct {
	Logging LoggingConfig `json:"logging"`
	MQTT    MQTTConfig    `json:"mqtt"`
	API     APIConfig     `json:"api"`
	History HistoryConfig `json:"history"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled         bool   `json:"enabled"`
	BrokerURL       string `json:"broker_url"`
	Port            int    `json:"port"`
	UseTLS          bool   `json:"use_tls"`
	ClientID        string `json:"client_id"`
	TopicPrefix     string `json:"topic_prefix"`
	StatsIntervalMS int    `json:"stats_interval_ms"`
}

// APIConfig holds the local status API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Address        string   `json:"address"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// HistoryConfig holds the session history store settings.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Keep    int    `json:"keep"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Netplay: NetplayData{
			Region:              DefaultRegion,
			GamePort:            DefaultGamePort,
			DiscoveryPort:       DefaultDiscoveryPort,
			AnnounceIntervalMS:  500,
			PeerTimeoutMS:       5000,
			LobbyPollIntervalMS: 3000,
			InputDelay:          2,
			STUNServer:          "stun.l.google.com:19302",
		},
		ApplicationData: ApplicationData{
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
			MQTT: MQTTConfig{
				Enabled:         false,
				BrokerURL:       "localhost",
				Port:            1883,
				TopicPrefix:     "netplay",
				StatsIntervalMS: 5000,
			},
			API: APIConfig{
				Enabled:      true,
				Address:      "127.0.0.1",
				Port:         DefaultAPIPort,
				RateLimitRPS: 20,
			},
			History: HistoryConfig{
				Enabled: true,
				Path:    filepath.Join(DefaultConfigDir, "history.db"),
				Keep:    200,
			},
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating it with
// defaults on first run. A missing client id is generated and persisted.
// Lobby URL and key stay empty in the file unless the user sets them; the
// compiled-in endpoint is resolved on read by NetplayData.Lobby.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	cfg := DefaultConfig()
	cfg.path = configPath

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		log.Info().Str("path", configPath).Msg("config file not found, creating default")
		cfg.firstRun = true
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Info().Str("path", configPath).Msg("configuration loaded")
	}

	cfg.applyFallbacks()

	// Re-save to persist generated identity and any new default fields.
	if err := cfg.Save(); err != nil {
		if cfg.firstRun {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		log.Warn().Err(err).Msg("failed to re-save config with updated defaults")
	}

	cfg.ApplyEnv()
	return cfg, nil
}

// applyFallbacks fills values that must never be empty at runtime.
func (c *Config) applyFallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Netplay.LobbyURL = strings.TrimSpace(c.Netplay.LobbyURL)
	c.Netplay.LobbyKey = strings.TrimSpace(c.Netplay.LobbyKey)
	if c.Netplay.ClientID == "" {
		c.Netplay.ClientID = uuid.NewString()
		log.Info().Str("client_id", c.Netplay.ClientID).Msg("generated client id")
	}
	if c.Netplay.DisplayName == "" {
		c.Netplay.DisplayName = util.DefaultDisplayName(MaxDisplayNameLen)
	}
}

// ApplyEnv overlays environment overrides. A .env file in the working
// directory is read first; variables already set in the process win.
// Overrides are visible through GetNetplay and are not persisted.
func (c *Config) ApplyEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debug().Err(err).Msg("ignoring unreadable .env file")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.env = envOverrides{
		lobbyURL: strings.TrimSpace(os.Getenv(EnvLobbyURL)),
		lobbyKey: strings.TrimSpace(os.Getenv(EnvLobbyKey)),
		region:   strings.TrimSpace(os.Getenv(EnvRegion)),
	}
	if c.env.lobbyURL != "" {
		log.Info().Str("lobby_url", c.env.lobbyURL).Msg("lobby URL overridden from environment")
	}
	if c.env.lobbyKey != "" {
		log.Info().Msg("lobby key overridden from environment")
	}
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no path")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetNetplay returns a copy of the netplay configuration with environment
// overrides applied.
func (c *Config) GetNetplay() NetplayData {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := c.Netplay
	if c.env.lobbyURL != "" {
		n.LobbyURL = c.env.lobbyURL
	}
	if c.env.lobbyKey != "" {
		n.LobbyKey = c.env.lobbyKey
	}
	if c.env.region != "" {
		n.Region = c.env.region
	}
	return n
}

// SetNetplay updates the netplay configuration. A field still holding its
// environment override keeps the persisted value underneath, so data read
// through GetNetplay can be written back without saving the override.
func (c *Config) SetNetplay(data NetplayData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.env.lobbyURL != "" && data.LobbyURL == c.env.lobbyURL {
		data.LobbyURL = c.Netplay.LobbyURL
	}
	if c.env.lobbyKey != "" && data.LobbyKey == c.env.lobbyKey {
		data.LobbyKey = c.Netplay.LobbyKey
	}
	if c.env.region != "" && data.Region == c.env.region {
		data.Region = c.Netplay.Region
	}
	c.Netplay = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun reports whether the config file did not exist at Load.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.firstRun
}
