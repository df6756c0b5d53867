package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strings"
)

// ConnectionConfig is fixed for one connection cycle. Reconnect attempts reuse
// the copy taken by Connect.
type ConnectionConfig struct {
	Endpoint string
	Token    string
	AgentID  string
}

func (c ConnectionConfig) Validate() error {
	endpoint := strings.TrimSpace(c.Endpoint)
	if endpoint == "" {
		return errors.New("gateway endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse gateway endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("gateway endpoint must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("gateway endpoint has no host")
	}

	return nil
}

// Target is the endpoint without credentials or query, safe to show and log.
func (c ConnectionConfig) Target() string {
	u, err := url.Parse(strings.TrimSpace(c.Endpoint))
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""

	return u.String()
}

// Identity is what the client declares about itself in the handshake.
type Identity struct {
	ClientID string
	Version  string
	Platform string
	Mode     string
	Role     string
	Scopes   []string
	Caps     []string
}

func DefaultIdentity() Identity {
	return Identity{
		ClientID: "clawlink",
		Version:  "dev",
		Platform: runtime.GOOS,
		Mode:     "ui",
		Role:     "operator",
		Scopes:   []string{"operator.read", "operator.write"},
		Caps:     []string{},
	}
}

func (id Identity) withDefaults() Identity {
	def := DefaultIdentity()
	if id.ClientID == "" {
		id.ClientID = def.ClientID
	}
	if id.Version == "" {
		id.Version = def.Version
	}
	if id.Platform == "" {
		id.Platform = def.Platform
	}
	if id.Mode == "" {
		id.Mode = def.Mode
	}
	if id.Role == "" {
		id.Role = def.Role
	}
	if len(id.Scopes) == 0 {
		id.Scopes = def.Scopes
	}
	if id.Caps == nil {
		id.Caps = def.Caps
	}

	return id
}
