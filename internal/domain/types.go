package domain

import "time"

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusQRPending    Status = "qr_pending"
	StatusConnected    Status = "connected"
)

// SessionRequest is the shared request body for the session endpoints.
// instance_id is a legacy alias for connection_id; connection_id wins when
// both are present.
type SessionRequest struct {
	ConnectionID string `json:"connection_id"`
	InstanceID   string `json:"instance_id,omitempty"`
	WebhookURL   string `json:"webhook_url,omitempty"`
}

func (r SessionRequest) ID() string {
	if r.ConnectionID != "" {
		return r.ConnectionID
	}
	return r.InstanceID
}

type SendMessageRequest struct {
	ConnectionID string `json:"connection_id"`
	InstanceID   string `json:"instance_id,omitempty"`
	To           string `json:"to"`
	Message      string `json:"message"`
}

func (r SendMessageRequest) ID() string {
	if r.ConnectionID != "" {
		return r.ConnectionID
	}
	return r.InstanceID
}

// InboundMessage is one message received on a session, as relayed to the
// per-session webhook.
type InboundMessage struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	HasMedia  bool      `json:"hasMedia"`
}

type SendResult struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}
