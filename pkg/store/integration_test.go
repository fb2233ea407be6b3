//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/morezero/edge-gateway/pkg/capability"
)

const integrationTestPrefix = "store:integration_test"

// Integration tests use DATABASE_URL (e.g. .../gateway_test on platform Postgres).

func testRepo(t *testing.T) (*Repository, context.Context) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skipf("%s - DATABASE_URL not set, skipping", integrationTestPrefix)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := NewPool(ctx, url)
	if err != nil {
		t.Fatalf("%s - NewPool failed: %v", integrationTestPrefix, err)
	}
	t.Cleanup(pool.Close)

	repo := NewRepository(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("%s - EnsureSchema failed: %v", integrationTestPrefix, err)
	}
	return repo, ctx
}

func TestIntegration_SaveAndLoadRegistration(t *testing.T) {
	repo, ctx := testRepo(t)

	reg := &capability.Registration{
		Service: "it-account",
		Version: "1.2.3",
		Operations: []capability.Operation{
			{Name: "account/get", TargetService: "it-account", TargetMethod: "get",
				Rules: []capability.PermissionRule{{Role: "user"}}},
			{Name: "account/update", TargetService: "it-account", TargetMethod: "update",
				Rules: []capability.PermissionRule{{Role: "user", RequiredStates: map[string]string{"it-account": "verified"}}}},
		},
	}
	if err := repo.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("%s - SaveRegistration failed: %v", integrationTestPrefix, err)
	}
	t.Cleanup(func() { repo.DeleteRegistration(ctx, "it-account") })

	regs, err := repo.LoadRegistrations(ctx)
	if err != nil {
		t.Fatalf("%s - LoadRegistrations failed: %v", integrationTestPrefix, err)
	}
	var loaded *capability.Registration
	for _, r := range regs {
		if r.Service == "it-account" {
			loaded = r
		}
	}
	if loaded == nil {
		t.Fatalf("%s - saved registration not returned", integrationTestPrefix)
	}
	if loaded.Version != "1.2.3" || len(loaded.Operations) != 2 {
		t.Errorf("%s - loaded = %s with %d operations", integrationTestPrefix, loaded.Version, len(loaded.Operations))
	}
	if loaded.Operations[1].Rules[0].RequiredStates["it-account"] != "verified" {
		t.Errorf("%s - rule states lost in round trip: %+v", integrationTestPrefix, loaded.Operations[1].Rules)
	}
}

func TestIntegration_SaveReplacesOperationSet(t *testing.T) {
	repo, ctx := testRepo(t)

	base := &capability.Registration{
		Service: "it-replace",
		Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "replace/a", TargetService: "it-replace", TargetMethod: "a",
				Rules: []capability.PermissionRule{{Role: "user"}}},
			{Name: "replace/b", TargetService: "it-replace", TargetMethod: "b",
				Rules: []capability.PermissionRule{{Role: "user"}}},
		},
	}
	if err := repo.SaveRegistration(ctx, base); err != nil {
		t.Fatalf("%s - SaveRegistration failed: %v", integrationTestPrefix, err)
	}
	t.Cleanup(func() { repo.DeleteRegistration(ctx, "it-replace") })

	next := &capability.Registration{
		Service: "it-replace",
		Version: "2.0.0",
		Operations: []capability.Operation{
			{Name: "replace/c", TargetService: "it-replace", TargetMethod: "c",
				Rules: []capability.PermissionRule{{Role: "user"}}},
		},
	}
	if err := repo.SaveRegistration(ctx, next); err != nil {
		t.Fatalf("%s - second SaveRegistration failed: %v", integrationTestPrefix, err)
	}

	regs, err := repo.LoadRegistrations(ctx)
	if err != nil {
		t.Fatalf("%s - LoadRegistrations failed: %v", integrationTestPrefix, err)
	}
	for _, r := range regs {
		if r.Service != "it-replace" {
			continue
		}
		if r.Version != "2.0.0" || len(r.Operations) != 1 || r.Operations[0].Name != "replace/c" {
			t.Errorf("%s - operation set not replaced: %+v", integrationTestPrefix, r)
		}
	}
}

func TestIntegration_DeleteRegistration(t *testing.T) {
	repo, ctx := testRepo(t)

	reg := &capability.Registration{
		Service: "it-delete",
		Version: "1.0.0",
		Operations: []capability.Operation{
			{Name: "delete/x", TargetService: "it-delete", TargetMethod: "x",
				Rules: []capability.PermissionRule{{Role: "user"}}},
		},
	}
	if err := repo.SaveRegistration(ctx, reg); err != nil {
		t.Fatalf("%s - SaveRegistration failed: %v", integrationTestPrefix, err)
	}
	if err := repo.DeleteRegistration(ctx, "it-delete"); err != nil {
		t.Fatalf("%s - DeleteRegistration failed: %v", integrationTestPrefix, err)
	}
	if err := repo.DeleteRegistration(ctx, "it-delete"); err == nil {
		t.Errorf("%s - second delete did not report missing row", integrationTestPrefix)
	}
}
