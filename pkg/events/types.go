// Package events defines the boundary event types the gateway exchanges
// over the message bus, and publisher interfaces for outbound events.
package events

import "github.com/morezero/edge-gateway/pkg/capability"

// RegistrationAnnouncement is the capability declaration boundary:
// services publish their complete operation set at startup and redeploy.
type RegistrationAnnouncement struct {
	Service    string                 `json:"owningServiceId"`
	Version    string                 `json:"version"`
	Operations []capability.Operation `json:"operations"`
}

// RegistrationAck is the reply envelope for a registration announcement.
type RegistrationAck struct {
	Ok       bool   `json:"ok"`
	Revision uint64 `json:"revision,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SessionStateChangedEvent is the context-state change boundary: the
// session/permission infrastructure announces that one connection (or
// every connection of one account) gained or lost a context state.
// A nil State clears the entry for the owning service.
type SessionStateChangedEvent struct {
	ConnectionID string  `json:"connectionId,omitempty"`
	AccountID    string  `json:"accountId,omitempty"`
	Service      string  `json:"owningServiceId"`
	State        *string `json:"newStateValue"`
	Timestamp    string  `json:"timestamp,omitempty"`
}

// Lifecycle phases published for connections.
const (
	PhaseConnected    = "connected"
	PhaseDisconnected = "disconnected"
)

// ConnectionLifecycleEvent is emitted when a connection becomes active
// or is closed, so presence-interested services can react.
type ConnectionLifecycleEvent struct {
	ConnectionID string `json:"connectionId"`
	AccountID    string `json:"accountId,omitempty"`
	Role         string `json:"role"`
	Phase        string `json:"phase"`
	Timestamp    string `json:"timestamp"`
}
