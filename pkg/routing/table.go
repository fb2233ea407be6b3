// Package routing implements the per-connection routing table: the only
// place a routing identifier resolves to a backend target.
package routing

import (
	"sync/atomic"

	"github.com/morezero/edge-gateway/pkg/manifest"
	"github.com/morezero/edge-gateway/pkg/wire"
)

// Target is the backend destination of one routing identifier.
type Target struct {
	Service string
	Method  string
	// Operation is the stable operation name, carried for logging only.
	Operation string
}

// tableState is an immutable generation of the lookup structure.
type tableState struct {
	version uint64
	byID    map[wire.RoutingID]Target
}

// Table maps routing identifiers to targets for one connection.
// Install swaps the whole structure atomically: lookups started before a
// swap keep reading the old generation, and no reader ever observes a
// half-updated table.
type Table struct {
	state atomic.Pointer[tableState]
}

// NewTable creates an empty table that resolves nothing.
func NewTable() *Table {
	t := &Table{}
	t.state.Store(&tableState{byID: map[wire.RoutingID]Target{}})
	return t
}

// Install atomically replaces the lookup structure with the manifest's
// entries. Identifiers from superseded manifests stop resolving the
// moment the swap completes.
func (t *Table) Install(m *manifest.Manifest) {
	next := &tableState{
		version: m.Version,
		byID:    make(map[wire.RoutingID]Target, len(m.Entries)),
	}
	for _, e := range m.Entries {
		next.byID[e.RoutingID] = Target{Service: e.TargetService, Method: e.TargetMethod, Operation: e.Name}
	}
	t.state.Store(next)
}

// Resolve looks up a routing identifier in the current generation.
// A false return means the identifier is unknown to the current
// manifest; expected when a client replays a superseded identifier.
func (t *Table) Resolve(id wire.RoutingID) (Target, bool) {
	s := t.state.Load()
	target, ok := s.byID[id]
	return target, ok
}

// Version is the manifest version of the installed generation.
func (t *Table) Version() uint64 {
	return t.state.Load().version
}

// Size is the number of resolvable identifiers in the current generation.
func (t *Table) Size() int {
	return len(t.state.Load().byID)
}
