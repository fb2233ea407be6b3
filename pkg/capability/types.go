// Package capability implements the process-wide registry of operations
// declared by backend services.
package capability

import "regexp"

// Well-known roles.
const (
	RoleAnonymous = "anonymous"
	RoleUser      = "user"
)

// Operation kinds advertised to clients in the manifest push.
const (
	KindRequest = "request"
	KindEvent   = "event"
)

// PermissionRule gates one operation. An operation is visible to a
// connection when at least one rule matches the connection's role and
// every entry of RequiredStates is satisfied by the connection's context.
type PermissionRule struct {
	Role string `json:"role"`
	// RequiredStates maps an owning service id to the state value the
	// connection must currently hold. Empty means no contextual requirement.
	RequiredStates map[string]string `json:"requiredStates,omitempty"`
}

// Operation is a single remotely invocable method. Immutable once
// registered; re-registration replaces the owning service's whole set.
type Operation struct {
	Name          string           `json:"name"`
	TargetService string           `json:"targetServiceId"`
	TargetMethod  string           `json:"targetMethod"`
	Kind          string           `json:"kind,omitempty"`
	Rules         []PermissionRule `json:"rules"`
}

// RequiresAuth reports whether no rule admits the anonymous role.
func (o *Operation) RequiresAuth() bool {
	for _, r := range o.Rules {
		if r.Role == RoleAnonymous {
			return false
		}
	}
	return true
}

// Registration is one service's complete operation declaration.
type Registration struct {
	Service    string      `json:"owningServiceId"`
	Version    string      `json:"version"`
	Operations []Operation `json:"operations"`
}

var (
	serviceIDRegex     = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	operationNameRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*(/[a-z][a-z0-9_-]*)+$`)
)

// ValidateServiceID reports whether id is a valid owning-service identifier
// (lowercase alphanumeric with hyphens, e.g. "game-session").
func ValidateServiceID(id string) bool {
	return serviceIDRegex.MatchString(id)
}

// ValidateOperationName reports whether name is a valid stable operation
// name (slash-separated lowercase segments, e.g. "account/get").
func ValidateOperationName(name string) bool {
	return operationNameRegex.MatchString(name)
}

// RegistryError is a structured error from the capability registry.
type RegistryError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RegistryError) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes returned by the registry.
const (
	CodeInvalidArgument   = "INVALID_ARGUMENT"
	CodeStaleRegistration = "STALE_REGISTRATION"
)
