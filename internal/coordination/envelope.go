// Package coordination implements the leader/follower coordination
// channel: a persistent framed JSON message channel that
// lets several ccrelay processes sharing one on-disk configuration
// agree on which provider is "current" without a shared database.
//
// A single goroutine owns the connection set and all its mutation, so
// broadcast and registration never need a lock. The follower client is
// built in the same channel-owned-state idiom.
package coordination

import (
	"encoding/json"
	"time"
)

// Message types, the closed set from
const (
	TypeConnected       = "connected"
	TypeProviderChanged = "provider_changed"
	TypeServerStopping  = "server_stopping"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeSwitchProvider  = "switch_provider"
	TypeSwitchResult    = "switch_result"
)

// Envelope is the wire frame for every message on the channel.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ConnectedPayload is sent exactly once, on accept.
type ConnectedPayload struct {
	InstanceID string `json:"instanceId"`
}

// ProviderChangedPayload is broadcast after a successful switch.
type ProviderChangedPayload struct {
	ProviderID   string `json:"providerId"`
	ProviderName string `json:"providerName"`
}

// SwitchProviderPayload requests the leader switch currentProvider.
type SwitchProviderPayload struct {
	ProviderID string `json:"providerId"`
}

// SwitchResultPayload correlates with a prior switch_provider.
type SwitchResultPayload struct {
	Success      bool   `json:"success"`
	ProviderID   string `json:"providerId,omitempty"`
	ProviderName string `json:"providerName,omitempty"`
	Error        string `json:"error,omitempty"`
}

func unmarshalEnvelope(data []byte, env *Envelope) error {
	return json.Unmarshal(data, env)
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}

func buildEnvelope(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType, Timestamp: time.Now()}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}
