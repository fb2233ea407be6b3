// Package manifest compiles the connection-scoped set of visible
// operations and assigns each a secret-salted routing identifier.
package manifest

import (
	"github.com/morezero/edge-gateway/pkg/wire"
)

// Entry is one visible operation paired with its routing identifier.
type Entry struct {
	Name          string
	RoutingID     wire.RoutingID
	TargetService string
	TargetMethod  string
	Kind          string
	RequiresAuth  bool
}

// Manifest is the compiled, ordered set of operations visible to one
// connection. Rebuilt wholesale on every role or context-state change.
type Manifest struct {
	// Version is the per-connection manifest generation, assigned by the
	// session manager at install time.
	Version uint64
	// RegistryRevision is the capability registry revision the manifest
	// was compiled against.
	RegistryRevision uint64
	Role             string
	// Entries are sorted by operation name; compilation is deterministic
	// for a fixed (secret, role, states, registry revision).
	Entries []Entry
}

// Lookup returns the entry for an operation name, if visible.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// PushEntry is the client-facing form of one manifest entry.
type PushEntry struct {
	OperationName     string `json:"operationName"`
	RoutingIdentifier string `json:"routingIdentifier"`
	TargetMethodKind  string `json:"targetMethodKind"`
	RequiresAuth      bool   `json:"requiresAuth"`
}

// Push is the control message sent to the client whenever its manifest
// is (re)compiled. Targets are deliberately omitted: the client only
// ever sees opaque routing identifiers.
type Push struct {
	ManifestVersion uint64      `json:"manifestVersion"`
	Entries         []PushEntry `json:"entries"`
}

// BuildPush converts a manifest into its client push form.
func BuildPush(m *Manifest) *Push {
	p := &Push{ManifestVersion: m.Version, Entries: make([]PushEntry, 0, len(m.Entries))}
	for _, e := range m.Entries {
		p.Entries = append(p.Entries, PushEntry{
			OperationName:     e.Name,
			RoutingIdentifier: e.RoutingID.String(),
			TargetMethodKind:  e.Kind,
			RequiresAuth:      e.RequiresAuth,
		})
	}
	return p
}
