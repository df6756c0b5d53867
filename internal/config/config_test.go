package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppConfigFillMissingDefaults(t *testing.T) {
	cfg := AppConfig{}
	cfg.FillMissingDefaults()

	if cfg.Gateway.ClientID != DefaultClientID {
		t.Fatalf("expected default client id %q, got %q", DefaultClientID, cfg.Gateway.ClientID)
	}
	if cfg.Gateway.RequestTimeoutMS != DefaultRequestTimeoutMS {
		t.Fatalf("expected default request timeout, got %d", cfg.Gateway.RequestTimeoutMS)
	}
	if cfg.Reconnect.BaseDelayMS != DefaultBaseDelayMS || cfg.Reconnect.MaxDelayMS != DefaultMaxDelayMS {
		t.Fatalf("unexpected reconnect delays %+v", cfg.Reconnect)
	}
	if cfg.Reconnect.Multiplier != DefaultMultiplier {
		t.Fatalf("expected default multiplier, got %v", cfg.Reconnect.Multiplier)
	}
	if cfg.Queue.RetryBudget != DefaultRetryBudget {
		t.Fatalf("expected default retry budget, got %d", cfg.Queue.RetryBudget)
	}
	if cfg.Rooms.LabelPrefix != DefaultLabelPrefix {
		t.Fatalf("expected default label prefix, got %q", cfg.Rooms.LabelPrefix)
	}
	if cfg.Logging.Level != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.Logging.Level)
	}
}

func TestFillMissingDefaultsKeepsZeroMaxAttempts(t *testing.T) {
	cfg := Default()
	cfg.Reconnect.MaxAttempts = 0
	cfg.FillMissingDefaults()
	if cfg.Reconnect.MaxAttempts != 0 {
		t.Fatalf("zero attempts disables reconnect and must be kept, got %d", cfg.Reconnect.MaxAttempts)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.RequestTimeout().Seconds() != 30 {
		t.Fatalf("expected 30s request timeout, got %s", cfg.Gateway.RequestTimeout())
	}
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{
  "gateway": {
    "endpoint": " wss://gw.example/ws ",
    "token": "secret",
    "request_timeout_ms": 0
  },
  "reconnect": {
    "max_attempts": 2
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Gateway.Endpoint != "wss://gw.example/ws" || cfg.Gateway.Token != "secret" {
		t.Fatalf("unexpected gateway config %+v", cfg.Gateway)
	}
	if cfg.Gateway.RequestTimeoutMS != DefaultRequestTimeoutMS {
		t.Fatalf("expected request timeout repaired, got %d", cfg.Gateway.RequestTimeoutMS)
	}
	if cfg.Reconnect.MaxAttempts != 2 || cfg.Reconnect.BaseDelayMS != DefaultBaseDelayMS {
		t.Fatalf("unexpected reconnect config %+v", cfg.Reconnect)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{"), 0o600); err != nil {
		t.Fatalf("write config fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		wantErr  bool
	}{
		{name: "ws", endpoint: "ws://127.0.0.1:18789", wantErr: false},
		{name: "wss", endpoint: "wss://gw.example/ws", wantErr: false},
		{name: "empty", endpoint: "", wantErr: true},
		{name: "http", endpoint: "http://gw.example", wantErr: true},
		{name: "no host", endpoint: "ws://", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Gateway.Endpoint = tc.endpoint
			err := cfg.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")
	cfg := Default()
	cfg.Gateway.Endpoint = "ws://localhost:18789"
	cfg.Gateway.AgentID = "main"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected temp file to be renamed away")
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Gateway.Endpoint != cfg.Gateway.Endpoint || loaded.Gateway.AgentID != "main" {
		t.Fatalf("unexpected loaded config %+v", loaded.Gateway)
	}
}

func TestSaveRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := Save(path, Default()); err == nil {
		t.Fatalf("expected validation error for empty endpoint")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("invalid config must not be written")
	}
}
