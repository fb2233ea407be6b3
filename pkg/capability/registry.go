package capability

import (
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "capability:registry"

const maxOperationsPerService = 500

// serviceEntry is one service's accepted registration within a snapshot.
type serviceEntry struct {
	version    *masterminds.Version
	operations []Operation
}

// Snapshot is an immutable view of all accepted registrations. Readers
// obtain one via Registry.Snapshot and may keep using it for the duration
// of an operation; it never mutates.
type Snapshot struct {
	revision uint64
	services map[string]*serviceEntry
}

// Revision is a counter incremented on every accepted registration.
func (s *Snapshot) Revision() uint64 {
	if s == nil {
		return 0
	}
	return s.revision
}

// Services returns the sorted owning-service ids present in the snapshot.
func (s *Snapshot) Services() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.services))
	for id := range s.services {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OperationsFor returns the operations registered by one service.
// The returned slice must not be mutated.
func (s *Snapshot) OperationsFor(service string) []Operation {
	if s == nil {
		return nil
	}
	entry, ok := s.services[service]
	if !ok {
		return nil
	}
	return entry.operations
}

// VersionFor returns the accepted registration version for one service,
// or "" when the service has never registered.
func (s *Snapshot) VersionFor(service string) string {
	if s == nil {
		return ""
	}
	entry, ok := s.services[service]
	if !ok {
		return ""
	}
	return entry.version.String()
}

// OperationCount returns the total operation count across all services.
func (s *Snapshot) OperationCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, entry := range s.services {
		n += len(entry.operations)
	}
	return n
}

// Registry holds all known operations behind an atomically swapped
// snapshot. Writers build a fresh snapshot and install it with a CAS
// retry loop, so registrations from different services never block each
// other and readers never observe a partial set.
type Registry struct {
	snap atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&Snapshot{services: map[string]*serviceEntry{}})
	return r
}

// Snapshot returns the currently published snapshot.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// validateRegistration checks service id, version syntax, operation names
// and rule shapes before any state is touched.
func validateRegistration(reg *Registration) (*masterminds.Version, *RegistryError) {
	if !ValidateServiceID(reg.Service) {
		return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("owning service id %q invalid: must be lowercase alphanumeric with hyphens", reg.Service)}
	}
	ver, err := masterminds.NewVersion(reg.Version)
	if err != nil {
		return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("version %q is not a valid semver: %v", reg.Version, err)}
	}
	if len(reg.Operations) == 0 {
		return nil, &RegistryError{Code: CodeInvalidArgument, Message: "at least one operation is required"}
	}
	if len(reg.Operations) > maxOperationsPerService {
		return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("operation count exceeds maximum %d", maxOperationsPerService)}
	}
	seen := make(map[string]bool, len(reg.Operations))
	for _, op := range reg.Operations {
		if !ValidateOperationName(op.Name) {
			return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("operation name %q invalid: expected slash-separated lowercase segments", op.Name)}
		}
		if seen[op.Name] {
			return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("operation %q declared twice", op.Name)}
		}
		seen[op.Name] = true
		if op.TargetService == "" || op.TargetMethod == "" {
			return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("operation %q missing target service or method", op.Name)}
		}
		if len(op.Rules) == 0 {
			return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("operation %q has no permission rules", op.Name)}
		}
		for _, rule := range op.Rules {
			if rule.Role == "" {
				return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("operation %q has a rule without a role", op.Name)}
			}
			for svc := range rule.RequiredStates {
				if !ValidateServiceID(svc) {
					return nil, &RegistryError{Code: CodeInvalidArgument, Message: fmt.Sprintf("operation %q rule references invalid service id %q", op.Name, svc)}
				}
			}
		}
	}
	return ver, nil
}

// Register atomically replaces all operations owned by reg.Service.
// Identical version re-registration is idempotent; a lower version than
// currently held is rejected with STALE_REGISTRATION and the previous
// set is retained.
func (r *Registry) Register(reg *Registration) error {
	ver, verr := validateRegistration(reg)
	if verr != nil {
		return verr
	}

	entry := &serviceEntry{version: ver, operations: normalizeOperations(reg.Operations)}
	for {
		old := r.snap.Load()
		if existing, ok := old.services[reg.Service]; ok {
			if ver.LessThan(existing.version) {
				slog.Warn(fmt.Sprintf("%s - stale registration for %s: held %s, offered %s", logPrefix, reg.Service, existing.version, ver))
				return &RegistryError{Code: CodeStaleRegistration, Message: fmt.Sprintf("service %q already registered at %s, refusing %s", reg.Service, existing.version, ver)}
			}
			if ver.Equal(existing.version) {
				slog.Debug(fmt.Sprintf("%s - idempotent re-registration for %s at %s", logPrefix, reg.Service, ver))
				return nil
			}
		}

		next := &Snapshot{
			revision: old.revision + 1,
			services: make(map[string]*serviceEntry, len(old.services)+1),
		}
		for id, e := range old.services {
			next.services[id] = e
		}
		next.services[reg.Service] = entry

		if r.snap.CompareAndSwap(old, next) {
			slog.Info(fmt.Sprintf("%s - registered %s at %s with %d operations (revision %d)", logPrefix, reg.Service, ver, len(entry.operations), next.revision))
			return nil
		}
		// Lost the race to a registration for another service; rebuild
		// against the fresh snapshot.
	}
}

// normalizeOperations sorts by name and deep-copies so callers cannot
// mutate an installed snapshot.
func normalizeOperations(ops []Operation) []Operation {
	out := make([]Operation, len(ops))
	copy(out, ops)
	for i := range out {
		if out[i].Kind == "" {
			out[i].Kind = KindRequest
		}
		rules := make([]PermissionRule, len(out[i].Rules))
		copy(rules, out[i].Rules)
		for j := range rules {
			if len(rules[j].RequiredStates) > 0 {
				states := make(map[string]string, len(rules[j].RequiredStates))
				for k, v := range rules[j].RequiredStates {
					states[k] = v
				}
				rules[j].RequiredStates = states
			}
		}
		out[i].Rules = rules
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
