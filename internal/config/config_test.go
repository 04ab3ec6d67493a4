package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "daemon": {
    "data_dir": "/tmp/opsdesk-test",
    "log_level": "debug"
  },
  "oracle": {
    "type": "anthropic",
    "api_key": "sk-test-key",
    "model": "claude-sonnet-4-20250514",
    "timeout_seconds": 30
  },
  "tracker": {
    "api_key": "lin_test",
    "label": "customer"
  },
  "intake": {
    "team_id": "team-1",
    "state_id": "state-1",
    "session_reuse_minutes": 45
  },
  "cache": {
    "ttl_minutes": 10,
    "refresh_schedule": "@every 5m"
  },
  "crm": {
    "token": "hs-token"
  },
  "slack": {
    "token": "xoxb-test",
    "channel": "C123"
  },
  "connectors": {
    "telegram": {
      "token": "123456:ABC",
      "allow_from": [100, 200]
    }
  },
  "api": {
    "host": "0.0.0.0",
    "port": 8080,
    "api_key": "ops-key"
  }
}`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	os.WriteFile(path, []byte(validJSON), 0o644)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Daemon.DataDir != "/tmp/opsdesk-test" {
		t.Errorf("daemon.data_dir = %q", cfg.Daemon.DataDir)
	}
	if cfg.Oracle.Type != "anthropic" || cfg.Oracle.Model != "claude-sonnet-4-20250514" {
		t.Errorf("oracle = %+v", cfg.Oracle)
	}
	if cfg.Oracle.Timeout() != 30*time.Second {
		t.Errorf("oracle timeout = %v", cfg.Oracle.Timeout())
	}
	if cfg.Intake.SessionReuseWindow() != 45*time.Minute {
		t.Errorf("session reuse = %v", cfg.Intake.SessionReuseWindow())
	}
	if cfg.Cache.TTL() != 10*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Cache.TTL())
	}
	if cfg.Connectors.Telegram == nil || len(cfg.Connectors.Telegram.AllowFrom) != 2 {
		t.Errorf("telegram = %+v", cfg.Connectors.Telegram)
	}
	if cfg.API.Key != "ops-key" {
		t.Errorf("api.api_key = %q", cfg.API.Key)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Slack: &SlackConfig{},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{
		"daemon.data_dir is required",
		"oracle.api_key is required",
		"oracle.model is required",
		"tracker.api_key is required",
		"intake.team_id is required",
		"slack.token is required",
		"slack.channel is required",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidate_UnknownOracleType(t *testing.T) {
	cfg := &Config{
		Daemon:  DaemonConfig{DataDir: "/data"},
		Oracle:  OracleConfig{Type: "bard", APIKey: "k", Model: "m"},
		Tracker: TrackerConfig{APIKey: "k"},
		Intake:  IntakeConfig{TeamID: "t"},
	}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), `oracle.type "bard"`) {
		t.Errorf("err = %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("OPSDESK_DATA_DIR", "/tmp/opsdesk-env")
	t.Setenv("OPSDESK_ANTHROPIC_API_KEY", "sk-env")
	t.Setenv("OPSDESK_TRACKER_API_KEY", "lin-env")
	t.Setenv("OPSDESK_TRACKER_TEAM_ID", "team-env")
	t.Setenv("OPSDESK_API_PORT", "9090")
	t.Setenv("OPSDESK_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("OPSDESK_TELEGRAM_ALLOW_FROM", "1, 2, 3")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Daemon.DataDir != "/tmp/opsdesk-env" {
		t.Errorf("data_dir = %q", cfg.Daemon.DataDir)
	}
	if cfg.Oracle.Type != "anthropic" || cfg.Oracle.APIKey != "sk-env" {
		t.Errorf("oracle = %+v", cfg.Oracle)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("port = %d", cfg.API.Port)
	}
	if cfg.Connectors.Telegram == nil {
		t.Fatal("telegram connector is nil")
	}
	if got := cfg.Connectors.Telegram.AllowFrom; len(got) != 3 || got[2] != 3 {
		t.Errorf("allow_from = %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFromEnv_BadAllowList(t *testing.T) {
	t.Setenv("OPSDESK_TELEGRAM_TOKEN", "tg-token")
	t.Setenv("OPSDESK_TELEGRAM_ALLOW_FROM", "1,abc")

	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected parse error")
	}
}
