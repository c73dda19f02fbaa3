package config

import (
	"fmt"
	"strings"

	"github.com/energizer-project/netplay/internal/httpwire"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs validation of the configuration. Lobby problems are
// warnings only: the internet path is then disabled and LAN play continues.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	np := cfg.GetNetplay()
	validateNetplay(&np, result)
	app := cfg.GetApplicationData()
	validateApplicationData(&app, result)

	return result
}

func validateNetplay(data *NetplayData, result *ValidationResult) {
	validateLength(data.ClientID, MaxClientIDLen, "netplay.client_id", result)
	validateLength(data.DisplayName, MaxDisplayNameLen, "netplay.display_name", result)
	validateLength(data.Region, MaxRegionLen, "netplay.region", result)

	if strings.TrimSpace(data.ClientID) == "" {
		result.AddError("netplay.client_id", "client id is required")
	}
	if strings.TrimSpace(data.DisplayName) == "" {
		result.AddError("netplay.display_name", "display name is required")
	}

	lobbyURL, lobbyKey := data.Lobby()
	if _, _, err := httpwire.ParseBaseURL(lobbyURL); err != nil {
		result.AddWarning("netplay.lobby_url", fmt.Sprintf("internet lobby disabled: %v", err))
	}
	if lobbyKey == "" {
		result.AddWarning("netplay.lobby_key", "internet lobby disabled: no signing key")
	}

	validatePort(data.GamePort, "netplay.game_port", result)
	validatePort(data.DiscoveryPort, "netplay.discovery_port", result)
	if data.GamePort == data.DiscoveryPort {
		result.AddError("netplay.ports", "game_port and discovery_port must differ")
	}

	if data.AnnounceIntervalMS < 0 {
		result.AddError("netplay.announce_interval_ms", "must not be negative")
	}
	if data.PeerTimeoutMS <= 0 {
		result.AddError("netplay.peer_timeout_ms", "must be positive")
	} else if data.AnnounceIntervalMS > 0 && data.PeerTimeoutMS < 2*data.AnnounceIntervalMS {
		result.AddWarning("netplay.peer_timeout_ms",
			"peer timeout shorter than two announce intervals will evict live peers")
	}
	if data.LobbyPollIntervalMS < 1000 {
		result.AddWarning("netplay.lobby_poll_interval_ms",
			"lobby poll interval below 1s may cause excessive requests")
	}
	if data.InputDelay < 0 || data.InputDelay > 15 {
		result.AddError("netplay.input_delay", "input delay must be between 0 and 15 frames")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application.mqtt.port", "invalid MQTT port")
		}
	}

	if data.API.Enabled {
		validatePort(data.API.Port, "application.api.port", result)
		if data.API.Address != "127.0.0.1" && data.API.Address != "localhost" {
			result.AddWarning("application.api.address",
				"status API is reachable from other hosts")
		}
	}

	if data.History.Enabled && strings.TrimSpace(data.History.Path) == "" {
		result.AddError("application.history.path", "history path is required when enabled")
	}
}

func validateLength(value string, max int, field string, result *ValidationResult) {
	if len(value) > max {
		result.AddError(field, fmt.Sprintf("must be at most %d bytes (got %d)", max, len(value)))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
