package permission

import (
	"reflect"
	"sort"
	"testing"

	"github.com/morezero/edge-gateway/pkg/capability"
)

const matrixTestPrefix = "permission:matrix_test"

func buildSnapshot(t *testing.T, regs ...*capability.Registration) *capability.Snapshot {
	t.Helper()
	r := capability.NewRegistry()
	for _, reg := range regs {
		if err := r.Register(reg); err != nil {
			t.Fatalf("%s - Register(%s) failed: %v", matrixTestPrefix, reg.Service, err)
		}
	}
	return r.Snapshot()
}

func opNames(ops map[string]capability.Operation) []string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func TestStateKeyFor(t *testing.T) {
	tests := []struct {
		name    string
		owning  string
		rule    capability.PermissionRule
		want    []string
	}{
		{
			"empty states",
			"account",
			capability.PermissionRule{Role: "user"},
			[]string{DefaultStateKey},
		},
		{
			"own service state",
			"game-session",
			capability.PermissionRule{Role: "user", RequiredStates: map[string]string{"game-session": "in_game"}},
			[]string{"in_game"},
		},
		{
			"foreign service state",
			"account",
			capability.PermissionRule{Role: "user", RequiredStates: map[string]string{"game-session": "in_game"}},
			[]string{"game-session:in_game"},
		},
		{
			"multi state always qualified",
			"game-session",
			capability.PermissionRule{Role: "user", RequiredStates: map[string]string{"game-session": "in_game", "party": "member"}},
			[]string{"game-session:in_game", "party:member"},
		},
	}
	for _, tt := range tests {
		got := StateKeyFor(tt.owning, tt.rule)
		sort.Strings(got)
		sort.Strings(tt.want)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s - %s: StateKeyFor = %v, want %v", matrixTestPrefix, tt.name, got, tt.want)
		}
	}
}

func TestLookup_DefaultBucket(t *testing.T) {
	snap := buildSnapshot(t, &capability.Registration{
		Service: "account", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "account/get", TargetService: "account", TargetMethod: "get",
				Rules: []capability.PermissionRule{{Role: "user"}}},
		},
	})
	m := Build(snap)

	got := m.Lookup("account", "user", nil)
	if want := []string{"account/get"}; !reflect.DeepEqual(opNames(got), want) {
		t.Errorf("%s - Lookup = %v, want %v", matrixTestPrefix, opNames(got), want)
	}
	if got := m.Lookup("account", "admin", nil); len(got) != 0 {
		t.Errorf("%s - Lookup(admin) = %v, want empty", matrixTestPrefix, opNames(got))
	}
	if got := m.Lookup("missing", "user", nil); got != nil {
		t.Errorf("%s - Lookup(unknown service) = %v, want nil", matrixTestPrefix, got)
	}
}

func TestLookup_ContextualState(t *testing.T) {
	snap := buildSnapshot(t, &capability.Registration{
		Service: "game-session", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "session/action", TargetService: "game-session", TargetMethod: "action",
				Rules: []capability.PermissionRule{{Role: "user", RequiredStates: map[string]string{"game-session": "in_game"}}}},
		},
	})
	m := Build(snap)

	if got := m.Lookup("game-session", "user", nil); len(got) != 0 {
		t.Errorf("%s - op visible without state: %v", matrixTestPrefix, opNames(got))
	}
	got := m.Lookup("game-session", "user", map[string]string{"game-session": "in_game"})
	if want := []string{"session/action"}; !reflect.DeepEqual(opNames(got), want) {
		t.Errorf("%s - Lookup with state = %v, want %v", matrixTestPrefix, opNames(got), want)
	}
	if got := m.Lookup("game-session", "user", map[string]string{"game-session": "in_lobby"}); len(got) != 0 {
		t.Errorf("%s - wrong state value admitted op: %v", matrixTestPrefix, opNames(got))
	}
}

func TestLookup_CrossServiceState(t *testing.T) {
	snap := buildSnapshot(t, &capability.Registration{
		Service: "chat", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "chat/say", TargetService: "chat", TargetMethod: "say",
				Rules: []capability.PermissionRule{{Role: "user", RequiredStates: map[string]string{"game-session": "in_game"}}}},
		},
	})
	m := Build(snap)

	got := m.Lookup("chat", "user", map[string]string{"game-session": "in_game"})
	if want := []string{"chat/say"}; !reflect.DeepEqual(opNames(got), want) {
		t.Errorf("%s - cross-service lookup = %v, want %v", matrixTestPrefix, opNames(got), want)
	}
}

func TestLookup_MultiStateRuleRequiresAll(t *testing.T) {
	snap := buildSnapshot(t, &capability.Registration{
		Service: "game-session", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "session/trade", TargetService: "game-session", TargetMethod: "trade",
				Rules: []capability.PermissionRule{{Role: "user", RequiredStates: map[string]string{
					"game-session": "in_game",
					"party":        "member",
				}}}},
		},
	})
	m := Build(snap)

	// One of two states held: the rule must not pass.
	got := m.Lookup("game-session", "user", map[string]string{"game-session": "in_game"})
	if len(got) != 0 {
		t.Errorf("%s - partial state satisfied multi-state rule: %v", matrixTestPrefix, opNames(got))
	}
	got = m.Lookup("game-session", "user", map[string]string{"game-session": "in_game", "party": "member"})
	if want := []string{"session/trade"}; !reflect.DeepEqual(opNames(got), want) {
		t.Errorf("%s - full state lookup = %v, want %v", matrixTestPrefix, opNames(got), want)
	}
}

func TestLookup_Monotonicity(t *testing.T) {
	base := capability.Operation{
		Name: "account/get", TargetService: "account", TargetMethod: "get",
		Rules: []capability.PermissionRule{{Role: "user"}},
	}
	snap := buildSnapshot(t, &capability.Registration{
		Service: "account", Version: "1.0.0",
		Operations: []capability.Operation{base},
	})
	before := Build(snap).Lookup("account", "user", nil)

	// Adding an unrelated rule (and operation) never removes a previously
	// visible operation for the same (role, states).
	extended := base
	extended.Rules = append(extended.Rules, capability.PermissionRule{Role: "admin"})
	snap2 := buildSnapshot(t, &capability.Registration{
		Service: "account", Version: "2.0.0",
		Operations: []capability.Operation{
			extended,
			{Name: "account/audit", TargetService: "account", TargetMethod: "audit",
				Rules: []capability.PermissionRule{{Role: "admin"}}},
		},
	})
	after := Build(snap2).Lookup("account", "user", nil)

	for name := range before {
		if _, ok := after[name]; !ok {
			t.Errorf("%s - operation %q lost after adding unrelated rule", matrixTestPrefix, name)
		}
	}
}

func TestLookup_DeduplicatesMultiRuleHits(t *testing.T) {
	snap := buildSnapshot(t, &capability.Registration{
		Service: "account", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "account/get", TargetService: "account", TargetMethod: "get",
				Rules: []capability.PermissionRule{
					{Role: "user"},
					{Role: "user", RequiredStates: map[string]string{"account": "verified"}},
				}},
		},
	})
	m := Build(snap)
	got := m.Lookup("account", "user", map[string]string{"account": "verified"})
	if len(got) != 1 {
		t.Errorf("%s - expected single de-duplicated op, got %v", matrixTestPrefix, opNames(got))
	}
}

func TestStore_RebuildAndCurrent(t *testing.T) {
	s := NewStore()
	if s.Current() != nil {
		t.Fatalf("%s - fresh store should have no published matrix", matrixTestPrefix)
	}
	snap := buildSnapshot(t, &capability.Registration{
		Service: "account", Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "account/get", TargetService: "account", TargetMethod: "get",
				Rules: []capability.PermissionRule{{Role: "user"}}},
		},
	})
	s.Rebuild(snap)
	m := s.Current()
	if m == nil || m.Revision() != snap.Revision() {
		t.Errorf("%s - Current revision = %v, want %d", matrixTestPrefix, m.Revision(), snap.Revision())
	}
}
