package protocol

import "encoding/json"

const (
	MethodConnect = "connect"
	MethodAgent   = "agent"

	MinProtocolVersion = 3
	MaxProtocolVersion = 3
)

// Handshake error codes returned by the gateway on a rejected connect.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeProtocolUnsupported = "PROTOCOL_UNSUPPORTED"
	CodeUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
)

// ClientInfo identifies this client to the gateway.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type ConnectAuth struct {
	Token string `json:"token,omitempty"`
}

// ConnectParams is the handshake request body.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Client      ClientInfo   `json:"client"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Caps        []string     `json:"caps"`
	Auth        *ConnectAuth `json:"auth,omitempty"`
}

// HelloPayload is the successful handshake response body.
type HelloPayload struct {
	Protocol int `json:"protocol"`
	Server   struct {
		Version string `json:"version"`
		ConnID  string `json:"connId"`
	} `json:"server"`
	Policy struct {
		TickIntervalMS int64 `json:"tickIntervalMs"`
	} `json:"policy"`
}

// Attachment references content uploaded out of band.
type Attachment struct {
	Ref string `json:"ref"`
}

// AgentParams is the send-message request body.
type AgentParams struct {
	Message        string       `json:"message"`
	SessionKey     string       `json:"sessionKey"`
	IdempotencyKey string       `json:"idempotencyKey"`
	AgentID        string       `json:"agentId,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// AgentAccepted is the response body of an accepted agent request.
type AgentAccepted struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// AgentEventPayload covers the payload fields of the agent event family.
// Label is the legacy name of SessionKey.
type AgentEventPayload struct {
	SessionKey string          `json:"sessionKey"`
	Label      string          `json:"label"`
	RunID      string          `json:"runId"`
	Stream     string          `json:"stream"`
	Role       string          `json:"role"`
	Text       string          `json:"text"`
	Delta      string          `json:"delta"`
	State      string          `json:"state"`
	Typing     *bool           `json:"typing"`
	Thinking   *bool           `json:"thinking"`
	Error      json.RawMessage `json:"error"`
}

// RoutingLabel returns the label the payload is addressed to, if any.
func (p AgentEventPayload) RoutingLabel() string {
	if p.SessionKey != "" {
		return p.SessionKey
	}

	return p.Label
}
