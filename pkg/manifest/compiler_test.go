package manifest

import (
	"bytes"
	"crypto/rand"
	"errors"
	"reflect"
	"testing"

	"github.com/morezero/edge-gateway/pkg/capability"
	"github.com/morezero/edge-gateway/pkg/permission"
)

const compilerTestPrefix = "manifest:compiler_test"

func newSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, SecretSize)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("%s - rand.Read failed: %v", compilerTestPrefix, err)
	}
	return secret
}

func testStore(t *testing.T, regs ...*capability.Registration) *permission.Store {
	t.Helper()
	r := capability.NewRegistry()
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			t.Fatalf("%s - Register(%s) failed: %v", compilerTestPrefix, reg.Service, err)
		}
	}
	store := permission.NewStore()
	store.Rebuild(r.Snapshot())
	return store
}

func accountRegistration() *capability.Registration {
	return &capability.Registration{
		Service: "account", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "account/get", TargetService: "account", TargetMethod: "get",
				Rules: []capability.PermissionRule{{Role: "user"}}},
			{Name: "account/login", TargetService: "account", TargetMethod: "login",
				Rules: []capability.PermissionRule{{Role: "anonymous"}, {Role: "user"}}},
		},
	}
}

func TestDeriveRoutingID_Deterministic(t *testing.T) {
	secret := newSecret(t)
	a, err := DeriveRoutingID(secret, "account/get")
	if err != nil {
		t.Fatalf("%s - DeriveRoutingID failed: %v", compilerTestPrefix, err)
	}
	b, err := DeriveRoutingID(secret, "account/get")
	if err != nil {
		t.Fatalf("%s - DeriveRoutingID failed: %v", compilerTestPrefix, err)
	}
	if a != b {
		t.Errorf("%s - same secret and name produced different ids: %s vs %s", compilerTestPrefix, a, b)
	}
	c, err := DeriveRoutingID(secret, "account/update")
	if err != nil {
		t.Fatalf("%s - DeriveRoutingID failed: %v", compilerTestPrefix, err)
	}
	if a == c {
		t.Errorf("%s - distinct names produced identical ids", compilerTestPrefix)
	}
}

func TestDeriveRoutingID_SaltUniquenessAcrossSecrets(t *testing.T) {
	// Property: for a fixed operation name, distinct secrets produce
	// distinct routing identifiers with overwhelming probability.
	const trials = 2000
	seen := make(map[[16]byte]bool, trials)
	for i := 0; i < trials; i++ {
		id, err := DeriveRoutingID(newSecret(t), "session/action")
		if err != nil {
			t.Fatalf("%s - DeriveRoutingID failed: %v", compilerTestPrefix, err)
		}
		if seen[id] {
			t.Fatalf("%s - routing id collision across secrets after %d trials", compilerTestPrefix, i)
		}
		seen[id] = true
	}
}

func TestDeriveRoutingID_RejectsBadSecret(t *testing.T) {
	if _, err := DeriveRoutingID(make([]byte, 8), "account/get"); err == nil {
		t.Errorf("%s - short secret accepted", compilerTestPrefix)
	}
	if _, err := DeriveRoutingID(nil, "account/get"); err == nil {
		t.Errorf("%s - nil secret accepted", compilerTestPrefix)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	store := testStore(t, accountRegistration())
	c := NewCompiler(store)
	secret := newSecret(t)

	m1, err := c.Compile(secret, "user", nil)
	if err != nil {
		t.Fatalf("%s - Compile failed: %v", compilerTestPrefix, err)
	}
	m2, err := c.Compile(secret, "user", nil)
	if err != nil {
		t.Fatalf("%s - Compile failed: %v", compilerTestPrefix, err)
	}
	if !reflect.DeepEqual(m1, m2) {
		t.Errorf("%s - identical compiles differ:\n%+v\n%+v", compilerTestPrefix, m1, m2)
	}
}

func TestCompile_VisibleSetByRole(t *testing.T) {
	store := testStore(t, accountRegistration())
	c := NewCompiler(store)
	secret := newSecret(t)

	anon, err := c.Compile(secret, "anonymous", nil)
	if err != nil {
		t.Fatalf("%s - Compile(anonymous) failed: %v", compilerTestPrefix, err)
	}
	if len(anon.Entries) != 1 || anon.Entries[0].Name != "account/login" {
		t.Errorf("%s - anonymous manifest = %+v", compilerTestPrefix, anon.Entries)
	}
	if anon.Entries[0].RequiresAuth {
		t.Errorf("%s - account/login should not require auth", compilerTestPrefix)
	}

	user, err := c.Compile(secret, "user", nil)
	if err != nil {
		t.Fatalf("%s - Compile(user) failed: %v", compilerTestPrefix, err)
	}
	if len(user.Entries) != 2 {
		t.Fatalf("%s - user manifest = %+v", compilerTestPrefix, user.Entries)
	}
	// Entries sorted by name.
	if user.Entries[0].Name != "account/get" || user.Entries[1].Name != "account/login" {
		t.Errorf("%s - entries not sorted: %+v", compilerTestPrefix, user.Entries)
	}
	if !user.Entries[0].RequiresAuth {
		t.Errorf("%s - account/get should require auth", compilerTestPrefix)
	}
}

func TestCompile_ContextualGain(t *testing.T) {
	store := testStore(t, &capability.Registration{
		Service: "game-session", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "session/action", TargetService: "game-session", TargetMethod: "action",
				Rules: []capability.PermissionRule{{Role: "user", RequiredStates: map[string]string{"game-session": "in_game"}}}},
		},
	})
	c := NewCompiler(store)
	secret := newSecret(t)

	before, err := c.Compile(secret, "user", nil)
	if err != nil {
		t.Fatalf("%s - Compile failed: %v", compilerTestPrefix, err)
	}
	if _, ok := before.Lookup("session/action"); ok {
		t.Errorf("%s - session/action visible before state set", compilerTestPrefix)
	}

	after, err := c.Compile(secret, "user", map[string]string{"game-session": "in_game"})
	if err != nil {
		t.Fatalf("%s - Compile failed: %v", compilerTestPrefix, err)
	}
	if _, ok := after.Lookup("session/action"); !ok {
		t.Errorf("%s - session/action missing after state set", compilerTestPrefix)
	}
}

func TestCompile_DistinctSecretsDistinctIDs(t *testing.T) {
	store := testStore(t, accountRegistration())
	c := NewCompiler(store)

	m1, err := c.Compile(newSecret(t), "user", nil)
	if err != nil {
		t.Fatalf("%s - Compile failed: %v", compilerTestPrefix, err)
	}
	m2, err := c.Compile(newSecret(t), "user", nil)
	if err != nil {
		t.Fatalf("%s - Compile failed: %v", compilerTestPrefix, err)
	}
	for i := range m1.Entries {
		if bytes.Equal(m1.Entries[i].RoutingID[:], m2.Entries[i].RoutingID[:]) {
			t.Errorf("%s - %s mapped to the same id on two connections", compilerTestPrefix, m1.Entries[i].Name)
		}
	}
}

func TestCompile_NoMatrixIsRecompileFailure(t *testing.T) {
	c := NewCompiler(permission.NewStore())
	_, err := c.Compile(make([]byte, SecretSize), "user", nil)
	if err == nil {
		t.Fatalf("%s - expected RECOMPILE_FAILED with no published matrix", compilerTestPrefix)
	}
	var cerr *CompileError
	if !errors.As(err, &cerr) || cerr.Code != CodeRecompileFailed {
		t.Errorf("%s - error = %v, want code %s", compilerTestPrefix, err, CodeRecompileFailed)
	}
}

func TestBuildPush(t *testing.T) {
	store := testStore(t, accountRegistration())
	c := NewCompiler(store)
	m, err := c.Compile(newSecret(t), "user", nil)
	if err != nil {
		t.Fatalf("%s - Compile failed: %v", compilerTestPrefix, err)
	}
	m.Version = 3

	push := BuildPush(m)
	if push.ManifestVersion != 3 {
		t.Errorf("%s - ManifestVersion = %d, want 3", compilerTestPrefix, push.ManifestVersion)
	}
	if len(push.Entries) != len(m.Entries) {
		t.Fatalf("%s - push entries = %d, want %d", compilerTestPrefix, len(push.Entries), len(m.Entries))
	}
	for i, e := range push.Entries {
		if e.RoutingIdentifier != m.Entries[i].RoutingID.String() {
			t.Errorf("%s - entry %d id = %q, want %q", compilerTestPrefix, i, e.RoutingIdentifier, m.Entries[i].RoutingID.String())
		}
		if len(e.RoutingIdentifier) != 32 {
			t.Errorf("%s - entry %d id is not 16 hex bytes: %q", compilerTestPrefix, i, e.RoutingIdentifier)
		}
	}
}
