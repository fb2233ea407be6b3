// Package session owns connection lifecycle, per-connection role and
// context state, and drives manifest recompilation on every transition.
package session

import "github.com/morezero/edge-gateway/pkg/manifest"

// State is a connection's lifecycle state.
type State int

// Connection lifecycle states. Transitions:
// Connecting -> Authenticating (optional) -> Active -> Draining -> Closed,
// with Active self-loops on role/context changes.
const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Transport writes binary frames back to one client. Implementations
// must be safe for concurrent use; the gateway writes responses and
// control messages from multiple goroutines.
type Transport interface {
	WriteFrame(frame []byte) error
}

// DisconnectNotice is sent as a control message before a connection is
// force-closed. Reconnection always starts over with a fresh secret and
// manifest, so no continuity token is issued.
type DisconnectNotice struct {
	Reason string `json:"reason"`
}

// controlMessage is the JSON payload of Meta control frames.
type controlMessage struct {
	Type       string            `json:"type"`
	Manifest   *manifest.Push    `json:"manifest,omitempty"`
	Disconnect *DisconnectNotice `json:"disconnect,omitempty"`
}

// Control message types.
const (
	controlTypeManifest   = "capability_manifest"
	controlTypeDisconnect = "disconnect"
)
