package manifest

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/morezero/edge-gateway/pkg/capability"
	"github.com/morezero/edge-gateway/pkg/permission"
)

const logPrefix = "manifest:compiler"

// CompileError is a structured error from manifest compilation.
type CompileError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *CompileError) Error() string {
	return e.Code + ": " + e.Message
}

// CodeRecompileFailed marks a compilation that could not run at all.
// Callers must keep serving their last good manifest, never an empty one.
const CodeRecompileFailed = "RECOMPILE_FAILED"

// Compiler computes manifests from the published permission matrix.
type Compiler struct {
	store *permission.Store
}

// NewCompiler creates a Compiler reading from the given matrix store.
func NewCompiler(store *permission.Store) *Compiler {
	return &Compiler{store: store}
}

// Compile computes the visible operation set for (role, contextStates)
// and assigns each operation a routing identifier salted with secret.
// Pure: two calls with identical inputs against the same matrix revision
// produce byte-identical manifests. Version is left zero; the session
// manager stamps it at install time.
func (c *Compiler) Compile(secret []byte, role string, contextStates map[string]string) (*Manifest, error) {
	matrix := c.store.Current()
	if matrix == nil {
		// No matrix has ever been published. This is an infrastructure
		// failure, distinct from "no capabilities permitted".
		return nil, &CompileError{Code: CodeRecompileFailed, Message: "permission matrix unavailable"}
	}

	visible := make(map[string]capability.Operation)
	for _, svc := range matrix.Services() {
		for name, op := range matrix.Lookup(svc, role, contextStates) {
			visible[name] = op
		}
	}

	names := make([]string, 0, len(visible))
	for name := range visible {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manifest{
		RegistryRevision: matrix.Revision(),
		Role:             role,
		Entries:          make([]Entry, 0, len(names)),
	}
	for _, name := range names {
		op := visible[name]
		id, err := DeriveRoutingID(secret, op.Name)
		if err != nil {
			return nil, &CompileError{Code: CodeRecompileFailed, Message: fmt.Sprintf("derive routing id for %s: %v", op.Name, err)}
		}
		m.Entries = append(m.Entries, Entry{
			Name:          op.Name,
			RoutingID:     id,
			TargetService: op.TargetService,
			TargetMethod:  op.TargetMethod,
			Kind:          op.Kind,
			RequiresAuth:  op.RequiresAuth(),
		})
	}

	slog.Debug(fmt.Sprintf("%s - compiled %d entries for role=%s at revision %d", logPrefix, len(m.Entries), role, m.RegistryRevision))
	return m, nil
}
