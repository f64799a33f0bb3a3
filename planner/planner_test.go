package planner

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"dverity/rostersync/config"
	"dverity/rostersync/directory"
	"dverity/rostersync/memstore"
	"dverity/rostersync/roster"
	"dverity/rostersync/snapshot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildSnapshot(t *testing.T, store *memstore.Store) *snapshot.Snapshot {
	t.Helper()
	snap := snapshot.New()
	if err := snap.Build(context.Background(), store, testLogger()); err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	return snap
}

func desired(id, name, email string, tag roster.SubscriptionTag) roster.DesiredIdentity {
	return roster.DesiredIdentity{EmployeeID: id, Name: name, Email: email, Tag: tag}
}

func TestPlanRejectsUnbuiltSnapshot(t *testing.T) {
	cfg := config.Defaults()
	if _, err := Plan(nil, snapshot.New(), cfg); err != ErrSnapshotNotBuilt {
		t.Fatalf("expected ErrSnapshotNotBuilt, got %v", err)
	}
	if _, err := Plan(nil, nil, cfg); err != ErrSnapshotNotBuilt {
		t.Fatalf("expected ErrSnapshotNotBuilt for nil snapshot, got %v", err)
	}
}

func TestPlanCreatesMissingUsers(t *testing.T) {
	cfg := config.Defaults()
	store := memstore.New()
	store.AddGroup(cfg.KiroGroup)
	store.AddGroup(cfg.QdevGroup)
	snap := buildSnapshot(t, store)

	d := desired("E1001", "Kowalski", "kowalski@example.com", roster.TagKiro)
	plan, err := Plan([]roster.DesiredIdentity{d}, snap, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	if len(plan.ToCreate) != 1 || plan.ToCreate[0].EmployeeID != "E1001" {
		t.Fatalf("expected one create for E1001, got %+v", plan.ToCreate)
	}
	if len(plan.ToUpdate) != 0 || len(plan.ToDelete) != 0 || plan.Unchanged != 0 {
		t.Fatalf("unexpected plan: %+v", plan)
	}
	if plan.TotalOperations() != 1 || plan.Empty() {
		t.Fatalf("plan counters wrong: total=%d empty=%v", plan.TotalOperations(), plan.Empty())
	}
}

func TestPlanCountsUnchangedUsers(t *testing.T) {
	cfg := config.Defaults()
	store := memstore.New()
	store.AddGroup(cfg.KiroGroup)
	store.AddGroup(cfg.QdevGroup)

	d := desired("E1001", "Kowalski", "kowalski@example.com", roster.TagKiro)
	store.SeedUser(directory.Identity{
		Username:    d.Username(cfg),
		Email:       d.Email,
		GivenName:   d.GivenName(cfg),
		FamilyName:  d.FamilyName(cfg),
		DisplayName: d.DisplayName(cfg),
	}, cfg.KiroGroup)
	snap := buildSnapshot(t, store)

	plan, err := Plan([]roster.DesiredIdentity{d}, snap, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !plan.Empty() || plan.Unchanged != 1 {
		t.Fatalf("expected empty plan with one unchanged, got %+v", plan)
	}
}

func TestPlanDeletesOnlyManagedUsers(t *testing.T) {
	cfg := config.Defaults()
	store := memstore.New()
	store.AddGroup(cfg.KiroGroup)
	store.AddGroup(cfg.QdevGroup)

	store.SeedUser(directory.Identity{Username: "E2002" + cfg.ManagedSuffix, Email: "gone@example.com"})
	store.SeedUser(directory.Identity{Username: "svc-backup", Email: "backup@example.com"})
	snap := buildSnapshot(t, store)

	plan, err := Plan(nil, snap, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.ToDelete) != 1 {
		t.Fatalf("expected exactly one delete, got %d", len(plan.ToDelete))
	}
	if got := plan.ToDelete[0].Username; got != "E2002"+cfg.ManagedSuffix {
		t.Fatalf("wrong delete target: %s", got)
	}
}

func TestPlanPartitionsAreDisjoint(t *testing.T) {
	cfg := config.Defaults()
	store := memstore.New()
	store.AddGroup(cfg.KiroGroup)
	store.AddGroup(cfg.QdevGroup)

	keep := desired("E1001", "Kowalski", "kowalski@example.com", roster.TagKiro)
	store.SeedUser(directory.Identity{
		Username:    keep.Username(cfg),
		Email:       keep.Email,
		DisplayName: keep.DisplayName(cfg),
	}, cfg.KiroGroup)
	drift := desired("E1002", "Nowak", "nowak@example.com", roster.TagAll)
	store.SeedUser(directory.Identity{
		Username:    drift.Username(cfg),
		Email:       "stale@example.com",
		DisplayName: drift.DisplayName(cfg),
	}, cfg.KiroGroup)
	store.SeedUser(directory.Identity{Username: "E9999" + cfg.ManagedSuffix})
	fresh := desired("E1003", "Wojcik", "wojcik@example.com", roster.TagQdev)

	snap := buildSnapshot(t, store)
	plan, err := Plan([]roster.DesiredIdentity{keep, drift, fresh}, snap, cfg)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}

	seen := make(map[string]string)
	record := func(username, list string) {
		if prev, ok := seen[username]; ok {
			t.Fatalf("username %s in both %s and %s", username, prev, list)
		}
		seen[username] = list
	}
	for _, d := range plan.ToCreate {
		record(d.Username(cfg), "create")
	}
	for _, d := range plan.ToUpdate {
		record(d.Username(cfg), "update")
	}
	for _, u := range plan.ToDelete {
		record(u.Username, "delete")
	}

	if len(plan.ToCreate) != 1 || len(plan.ToUpdate) != 1 || len(plan.ToDelete) != 1 || plan.Unchanged != 1 {
		t.Fatalf("unexpected plan shape: creates=%d updates=%d deletes=%d unchanged=%d",
			len(plan.ToCreate), len(plan.ToUpdate), len(plan.ToDelete), plan.Unchanged)
	}
}

func TestNeedsUpdate(t *testing.T) {
	cfg := config.Defaults()
	d := desired("E1001", "Kowalski", "kowalski@example.com", roster.TagKiro)
	canonical := directory.Identity{
		Username:    d.Username(cfg),
		Email:       d.Email,
		DisplayName: d.DisplayName(cfg),
		Groups:      []string{cfg.KiroGroup},
	}

	tests := []struct {
		name   string
		mutate func(*directory.Identity)
		want   bool
	}{
		{"canonical", func(u *directory.Identity) {}, false},
		{"stale email", func(u *directory.Identity) { u.Email = "old@example.com" }, true},
		{"stale display name", func(u *directory.Identity) { u.DisplayName = "Kowalski Kowalski" }, true},
		{"missing group", func(u *directory.Identity) { u.Groups = nil }, true},
		{"extra managed group", func(u *directory.Identity) { u.Groups = []string{cfg.KiroGroup, cfg.QdevGroup} }, true},
		{"extra unmanaged group", func(u *directory.Identity) { u.Groups = []string{cfg.KiroGroup, "All-Staff"} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := canonical
			u.Groups = append([]string(nil), canonical.Groups...)
			tt.mutate(&u)
			if got := NeedsUpdate(d, u, cfg); got != tt.want {
				t.Fatalf("NeedsUpdate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNeedsUpdateLegacyFormatIgnoresDisplayName(t *testing.T) {
	cfg := config.Defaults()
	cfg.UseNewFormat = false
	d := desired("E1001", "Kowalski", "kowalski@example.com", roster.TagKiro)
	u := directory.Identity{
		Username:    d.Username(cfg),
		Email:       d.Email,
		DisplayName: "whatever legacy value",
		Groups:      []string{cfg.KiroGroup},
	}
	if NeedsUpdate(d, u, cfg) {
		t.Fatal("legacy format must not compare display names")
	}
}
