// Package permission derives and serves the read-mostly index mapping
// (owning service, state key, role) to permitted operations.
package permission

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/morezero/edge-gateway/pkg/capability"
)

const logPrefix = "permission:matrix"

// DefaultStateKey is the bucket for rules with no contextual requirement.
const DefaultStateKey = "default"

// candidate pairs an operation with the specific rule that placed it in
// a bucket; the rule is re-checked in full at lookup time so multi-state
// rules only pass when every required state holds.
type candidate struct {
	op   capability.Operation
	rule capability.PermissionRule
}

// Matrix is an immutable derived index built from one registry snapshot.
type Matrix struct {
	revision uint64
	// byService: owning service -> state key -> role -> candidates
	byService map[string]map[string]map[string][]candidate
}

// Revision is the registry revision this matrix was built from.
func (m *Matrix) Revision() uint64 {
	if m == nil {
		return 0
	}
	return m.revision
}

// Services returns the owning services present in the matrix.
func (m *Matrix) Services() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.byService))
	for svc := range m.byService {
		out = append(out, svc)
	}
	return out
}

// StateKeyFor derives the bucket key for one rule of an operation owned
// by owningService: "default" when the rule has no required states, the
// bare state value when its single entry is for the owning service
// itself, and "{service}:{value}" when it references another service.
// Multi-state rules are indexed under each derived key.
func StateKeyFor(owningService string, rule capability.PermissionRule) []string {
	if len(rule.RequiredStates) == 0 {
		return []string{DefaultStateKey}
	}
	keys := make([]string, 0, len(rule.RequiredStates))
	for svc, value := range rule.RequiredStates {
		if svc == owningService && len(rule.RequiredStates) == 1 {
			keys = append(keys, value)
		} else {
			keys = append(keys, svc+":"+value)
		}
	}
	return keys
}

// Build performs a full rebuild from a registry snapshot. There is no
// incremental patching: a fresh matrix can never mix stale and fresh
// rules for the same service.
func Build(snap *capability.Snapshot) *Matrix {
	m := &Matrix{
		revision:  snap.Revision(),
		byService: make(map[string]map[string]map[string][]candidate),
	}
	for _, svc := range snap.Services() {
		buckets := make(map[string]map[string][]candidate)
		for _, op := range snap.OperationsFor(svc) {
			for _, rule := range op.Rules {
				for _, key := range StateKeyFor(svc, rule) {
					byRole, ok := buckets[key]
					if !ok {
						byRole = make(map[string][]candidate)
						buckets[key] = byRole
					}
					byRole[rule.Role] = append(byRole[rule.Role], candidate{op: op, rule: rule})
				}
			}
		}
		m.byService[svc] = buckets
	}
	return m
}

// ruleSatisfied reports whether every required state of the rule is
// currently held by the connection. An unset service id satisfies only
// rules that do not mention it.
func ruleSatisfied(rule capability.PermissionRule, contextStates map[string]string) bool {
	for svc, want := range rule.RequiredStates {
		if contextStates[svc] != want {
			return false
		}
	}
	return true
}

// Lookup returns the set of operations owned by owningService that are
// permitted for the given role and context states: the default bucket
// unioned with the bucket of every (service, value) pair present in
// contextStates, filtered so every candidate's rule fully holds.
// The result is keyed by operation name to de-duplicate multi-rule hits.
func (m *Matrix) Lookup(owningService, role string, contextStates map[string]string) map[string]capability.Operation {
	if m == nil {
		return nil
	}
	buckets, ok := m.byService[owningService]
	if !ok {
		return nil
	}

	keys := make([]string, 0, 1+2*len(contextStates))
	keys = append(keys, DefaultStateKey)
	for svc, value := range contextStates {
		if svc == owningService {
			keys = append(keys, value)
		}
		keys = append(keys, svc+":"+value)
	}

	out := make(map[string]capability.Operation)
	for _, key := range keys {
		byRole, ok := buckets[key]
		if !ok {
			continue
		}
		for _, cand := range byRole[role] {
			if _, seen := out[cand.op.Name]; seen {
				continue
			}
			if cand.rule.Role == role && ruleSatisfied(cand.rule, contextStates) {
				out[cand.op.Name] = cand.op
			}
		}
	}
	return out
}

// Store publishes the current matrix behind an atomic pointer. Readers
// always use whatever matrix is currently published, possibly one
// rebuild behind, which is safe per the snapshot discipline of the
// capability registry.
type Store struct {
	matrix atomic.Pointer[Matrix]
}

// NewStore creates a Store with no published matrix. Lookups against an
// empty store return nothing; compile callers treat that as a
// recompile failure, not an empty permission set.
func NewStore() *Store {
	return &Store{}
}

// Rebuild derives a fresh matrix from snap and publishes it.
func (s *Store) Rebuild(snap *capability.Snapshot) {
	m := Build(snap)
	s.matrix.Store(m)
	slog.Debug(fmt.Sprintf("%s - rebuilt matrix at revision %d (%d services)", logPrefix, m.revision, len(m.byService)))
}

// Current returns the published matrix, or nil when none has been built.
func (s *Store) Current() *Matrix {
	return s.matrix.Load()
}
