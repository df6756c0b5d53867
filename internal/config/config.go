package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultRequestTimeoutMS   = 30000
	DefaultHandshakeTimeoutMS = 10000
	DefaultReadIdleTimeoutMS  = 60000
	DefaultBaseDelayMS        = 1000
	DefaultMaxDelayMS         = 30000
	DefaultMultiplier         = 2.0
	DefaultMaxAttempts        = 5
	DefaultRetryBudget        = 5
	DefaultLabelPrefix        = "room-"
	DefaultClientID           = "clawlink"
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// GatewayConfig describes how to reach and authenticate with the gateway.
type GatewayConfig struct {
	Endpoint           string   `json:"endpoint"`
	Token              string   `json:"token"`
	AgentID            string   `json:"agent_id"`
	ClientID           string   `json:"client_id"`
	Scopes             []string `json:"scopes"`
	RequestTimeoutMS   int      `json:"request_timeout_ms"`
	HandshakeTimeoutMS int      `json:"handshake_timeout_ms"`
	ReadIdleTimeoutMS  int      `json:"read_idle_timeout_ms"`
}

// ReconnectConfig is the automatic reconnect backoff.
type ReconnectConfig struct {
	BaseDelayMS int     `json:"base_delay_ms"`
	MaxDelayMS  int     `json:"max_delay_ms"`
	Multiplier  float64 `json:"multiplier"`
	MaxAttempts int     `json:"max_attempts"`
}

// QueueConfig controls the outbox.
type QueueConfig struct {
	RetryBudget int `json:"retry_budget"`
}

// RoomsConfig controls label derivation.
type RoomsConfig struct {
	LabelPrefix string `json:"label_prefix"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Reconnect ReconnectConfig `json:"reconnect"`
	Queue     QueueConfig     `json:"queue"`
	Rooms     RoomsConfig     `json:"rooms"`
	Logging   LoggingConfig   `json:"logging"`
}

func Default() AppConfig {
	return AppConfig{
		Gateway: GatewayConfig{
			ClientID:           DefaultClientID,
			Scopes:             []string{"operator.read", "operator.write"},
			RequestTimeoutMS:   DefaultRequestTimeoutMS,
			HandshakeTimeoutMS: DefaultHandshakeTimeoutMS,
			ReadIdleTimeoutMS:  DefaultReadIdleTimeoutMS,
		},
		Reconnect: ReconnectConfig{
			BaseDelayMS: DefaultBaseDelayMS,
			MaxDelayMS:  DefaultMaxDelayMS,
			Multiplier:  DefaultMultiplier,
			MaxAttempts: DefaultMaxAttempts,
		},
		Queue: QueueConfig{
			RetryBudget: DefaultRetryBudget,
		},
		Rooms: RoomsConfig{
			LabelPrefix: DefaultLabelPrefix,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by app runtime and points to user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	def := Default()
	c.Gateway.Endpoint = strings.TrimSpace(c.Gateway.Endpoint)
	if c.Gateway.ClientID == "" {
		c.Gateway.ClientID = def.Gateway.ClientID
	}
	if len(c.Gateway.Scopes) == 0 {
		c.Gateway.Scopes = def.Gateway.Scopes
	}
	if c.Gateway.RequestTimeoutMS <= 0 {
		c.Gateway.RequestTimeoutMS = DefaultRequestTimeoutMS
	}
	if c.Gateway.HandshakeTimeoutMS <= 0 {
		c.Gateway.HandshakeTimeoutMS = DefaultHandshakeTimeoutMS
	}
	if c.Gateway.ReadIdleTimeoutMS <= 0 {
		c.Gateway.ReadIdleTimeoutMS = DefaultReadIdleTimeoutMS
	}
	if c.Reconnect.BaseDelayMS <= 0 {
		c.Reconnect.BaseDelayMS = DefaultBaseDelayMS
	}
	if c.Reconnect.MaxDelayMS < c.Reconnect.BaseDelayMS {
		c.Reconnect.MaxDelayMS = max(DefaultMaxDelayMS, c.Reconnect.BaseDelayMS)
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = DefaultMultiplier
	}
	if c.Reconnect.MaxAttempts < 0 {
		c.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if c.Queue.RetryBudget <= 0 {
		c.Queue.RetryBudget = DefaultRetryBudget
	}
	if c.Rooms.LabelPrefix == "" {
		c.Rooms.LabelPrefix = DefaultLabelPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	endpoint := strings.TrimSpace(c.Gateway.Endpoint)
	if endpoint == "" {
		return errors.New("gateway endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse gateway endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("gateway endpoint must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("gateway endpoint has no host")
	}
	if c.Reconnect.Multiplier < 1 {
		return errors.New("reconnect multiplier must be at least 1")
	}
	if c.Queue.RetryBudget <= 0 {
		return errors.New("queue retry budget must be positive")
	}

	return nil
}

func (g GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutMS) * time.Millisecond
}

func (g GatewayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(g.HandshakeTimeoutMS) * time.Millisecond
}

func (g GatewayConfig) ReadIdleTimeout() time.Duration {
	return time.Duration(g.ReadIdleTimeoutMS) * time.Millisecond
}

func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
