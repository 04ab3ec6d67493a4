package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the top-level opsdesk configuration.
type Config struct {
	Daemon     DaemonConfig    `json:"daemon"`
	Oracle     OracleConfig    `json:"oracle"`
	Tracker    TrackerConfig   `json:"tracker"`
	Intake     IntakeConfig    `json:"intake"`
	Cache      CacheConfig     `json:"cache"`
	CRM        *CRMConfig      `json:"crm,omitempty"`
	Slack      *SlackConfig    `json:"slack,omitempty"`
	Connectors ConnectorConfig `json:"connectors"`
	API        APIConfig       `json:"api"`
}

// DaemonConfig holds daemon-level settings.
type DaemonConfig struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level,omitempty"` // debug, info (default), warn, error
}

// OracleConfig holds the classification LLM settings.
type OracleConfig struct {
	Type           string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey         string `json:"api_key"`
	BaseURL        string `json:"base_url,omitempty"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"` // default 60
}

// Timeout returns the oracle call timeout.
func (o OracleConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// TrackerConfig holds project tracker API settings.
type TrackerConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	// Label scopes which projects are cached and listed.
	Label string `json:"label,omitempty"`
}

// IntakeConfig holds ticket creation settings.
type IntakeConfig struct {
	// TeamID is the tracker team new tickets are filed under.
	TeamID string `json:"team_id"`
	// StateID is the workflow state new tickets start in. Empty lets
	// the tracker pick its default.
	StateID string `json:"state_id,omitempty"`
	// SessionReuseMinutes is how long after its last update a session
	// is considered resumable. Default 30.
	SessionReuseMinutes int `json:"session_reuse_minutes,omitempty"`
}

// SessionReuseWindow returns the session resumption window.
func (i IntakeConfig) SessionReuseWindow() time.Duration {
	if i.SessionReuseMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(i.SessionReuseMinutes) * time.Minute
}

// CacheConfig holds tracker cache settings.
type CacheConfig struct {
	TTLMinutes int `json:"ttl_minutes,omitempty"` // default 5
	// RefreshSchedule is a cron expression for the background warmer.
	// Empty disables scheduled refreshes.
	RefreshSchedule string `json:"refresh_schedule,omitempty"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	if c.TTLMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TTLMinutes) * time.Minute
}

// CRMConfig holds CRM lookup settings.
type CRMConfig struct {
	Token   string `json:"token"`
	BaseURL string `json:"base_url,omitempty"`
}

// SlackConfig holds ticket announcement settings.
type SlackConfig struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
}

// ConnectorConfig holds settings for external chat connectors.
type ConnectorConfig struct {
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Token     string  `json:"token"`
	AllowFrom []int64 `json:"allow_from,omitempty"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables with the
// OPSDESK_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Daemon: DaemonConfig{
			DataDir:  getenv("OPSDESK_DATA_DIR", "/data"),
			LogLevel: os.Getenv("OPSDESK_LOG_LEVEL"),
		},
		Tracker: TrackerConfig{
			APIKey:  os.Getenv("OPSDESK_TRACKER_API_KEY"),
			BaseURL: os.Getenv("OPSDESK_TRACKER_BASE_URL"),
			Label:   os.Getenv("OPSDESK_TRACKER_LABEL"),
		},
		Intake: IntakeConfig{
			TeamID:              os.Getenv("OPSDESK_TRACKER_TEAM_ID"),
			StateID:             os.Getenv("OPSDESK_TRACKER_STATE_ID"),
			SessionReuseMinutes: getenvInt("OPSDESK_SESSION_REUSE_MINUTES", 0),
		},
		Cache: CacheConfig{
			TTLMinutes:      getenvInt("OPSDESK_CACHE_TTL_MINUTES", 0),
			RefreshSchedule: os.Getenv("OPSDESK_CACHE_REFRESH_SCHEDULE"),
		},
		API: APIConfig{
			Host: getenv("OPSDESK_API_HOST", "0.0.0.0"),
			Port: getenvInt("OPSDESK_API_PORT", 8080),
			Key:  os.Getenv("OPSDESK_API_KEY"),
		},
	}

	if apiKey := os.Getenv("OPSDESK_ANTHROPIC_API_KEY"); apiKey != "" {
		cfg.Oracle = OracleConfig{
			Type:   "anthropic",
			APIKey: apiKey,
			Model:  getenv("OPSDESK_MODEL", "claude-sonnet-4-20250514"),
		}
	} else if apiKey := os.Getenv("OPSDESK_OPENAI_API_KEY"); apiKey != "" {
		cfg.Oracle = OracleConfig{
			Type:    "openai",
			APIKey:  apiKey,
			BaseURL: os.Getenv("OPSDESK_OPENAI_BASE_URL"),
			Model:   getenv("OPSDESK_MODEL", "gpt-4o"),
		}
	}

	if token := os.Getenv("OPSDESK_HUBSPOT_TOKEN"); token != "" {
		cfg.CRM = &CRMConfig{Token: token}
	}
	if token := os.Getenv("OPSDESK_SLACK_TOKEN"); token != "" {
		cfg.Slack = &SlackConfig{
			Token:   token,
			Channel: os.Getenv("OPSDESK_SLACK_CHANNEL"),
		}
	}
	if token := os.Getenv("OPSDESK_TELEGRAM_TOKEN"); token != "" {
		cfg.Connectors.Telegram = &TelegramConfig{Token: token}
		if ids := os.Getenv("OPSDESK_TELEGRAM_ALLOW_FROM"); ids != "" {
			parsed, err := parseInt64List(ids)
			if err != nil {
				return nil, fmt.Errorf("config: OPSDESK_TELEGRAM_ALLOW_FROM: %w", err)
			}
			cfg.Connectors.Telegram.AllowFrom = parsed
		}
	}

	return cfg, nil
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Daemon.DataDir == "" {
		errs = append(errs, "daemon.data_dir is required")
	}

	if c.Oracle.APIKey == "" {
		errs = append(errs, "oracle.api_key is required")
	}
	if c.Oracle.Model == "" {
		errs = append(errs, "oracle.model is required")
	}
	switch c.Oracle.Type {
	case "", "anthropic", "openai":
	default:
		errs = append(errs, fmt.Sprintf("oracle.type %q is not supported", c.Oracle.Type))
	}

	if c.Tracker.APIKey == "" {
		errs = append(errs, "tracker.api_key is required")
	}
	if c.Intake.TeamID == "" {
		errs = append(errs, "intake.team_id is required")
	}

	if c.CRM != nil && c.CRM.Token == "" {
		errs = append(errs, "crm.token is required")
	}
	if c.Slack != nil {
		if c.Slack.Token == "" {
			errs = append(errs, "slack.token is required")
		}
		if c.Slack.Channel == "" {
			errs = append(errs, "slack.channel is required")
		}
	}
	if c.Connectors.Telegram != nil && c.Connectors.Telegram.Token == "" {
		errs = append(errs, "connectors.telegram.token is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func parseInt64List(s string) ([]int64, error) {
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", p)
		}
		result = append(result, n)
	}
	return result, nil
}
