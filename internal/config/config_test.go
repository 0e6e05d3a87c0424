package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"FLEET_POSTGRES_DSN", "FLEET_HEARTBEAT_INTERVAL", "FLEET_OFFLINE_THRESHOLD",
		"FLEET_LISTEN_ADDR", "FLEET_LOG_JSON",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.HeartbeatInterval() != 30*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 30s", cfg.HeartbeatInterval())
	}
	if cfg.OfflineThreshold() != 90*time.Second {
		t.Errorf("OfflineThreshold = %s, want 90s", cfg.OfflineThreshold())
	}
	if cfg.ListenAddr != ":8443" {
		t.Errorf("ListenAddr = %q, want :8443", cfg.ListenAddr)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if len(cfg.DangerousPatterns()) == 0 {
		t.Error("expected default dangerous patterns, got none")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FLEET_HEARTBEAT_INTERVAL", "1m")
	t.Setenv("FLEET_OFFLINE_THRESHOLD", "5m")
	t.Setenv("FLEET_LOG_JSON", "false")

	cfg := Load()
	if cfg.HeartbeatInterval() != time.Minute {
		t.Errorf("HeartbeatInterval = %s, want 1m", cfg.HeartbeatInterval())
	}
	if cfg.OfflineThreshold() != 5*time.Minute {
		t.Errorf("OfflineThreshold = %s, want 5m", cfg.OfflineThreshold())
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero heartbeat interval", func(c *Config) { c.SetHeartbeatInterval(0) }, true},
		{"zero offline threshold", func(c *Config) { c.SetOfflineThreshold(0) }, true},
		{"invalid dangerous pattern", func(c *Config) { c.SetDangerousPatterns([]string{"("}) }, true},
		{"mismatched tls", func(c *Config) { c.TLSCert = "cert.pem" }, true},
		{"webauthn rpid without origins", func(c *Config) { c.WebAuthnRPID = "example.com" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "FLEET_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("FLEET_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvInt(t *testing.T) {
	const key = "FLEET_TEST_ENV_INT"

	t.Setenv(key, "42")
	if got := envInt(key, 0); got != 42 {
		t.Errorf("got %d, want 42", got)
	}

	t.Setenv(key, "notanumber")
	if got := envInt(key, 99); got != 99 {
		t.Errorf("got %d, want 99 (default on parse failure)", got)
	}
}

func TestEnvBool(t *testing.T) {
	const key = "FLEET_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "FLEET_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestValues(t *testing.T) {
	cfg := NewTestConfig()
	vals := cfg.Values()
	if vals["FLEET_HEARTBEAT_INTERVAL"] != "30s" {
		t.Errorf("Values()[FLEET_HEARTBEAT_INTERVAL] = %q, want 30s", vals["FLEET_HEARTBEAT_INTERVAL"])
	}
}
