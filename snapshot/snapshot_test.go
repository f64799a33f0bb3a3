package snapshot

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"dverity/rostersync/directory"
	"dverity/rostersync/memstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildCallBudget(t *testing.T) {
	store := memstore.New()
	store.AddGroup("Group_A")
	store.AddGroup("Group_B")
	store.AddGroup("Group_C")
	store.SeedUser(directory.Identity{Username: "u1@example.com"}, "Group_A")
	store.SeedUser(directory.Identity{Username: "u2@example.com"}, "Group_A", "Group_B")

	snap := New()
	if err := snap.Build(context.Background(), store, testLogger()); err != nil {
		t.Fatalf("build: %v", err)
	}

	// One users listing, one groups listing, one membership listing per
	// group. Never a per-user walk.
	if got := store.Calls("ListUsers"); got != 1 {
		t.Errorf("ListUsers called %d times, want 1", got)
	}
	if got := store.Calls("ListGroups"); got != 1 {
		t.Errorf("ListGroups called %d times, want 1", got)
	}
	if got := store.Calls("ListGroupMemberships"); got != 3 {
		t.Errorf("ListGroupMemberships called %d times, want 3", got)
	}
	if got := store.Calls("ListUserMemberships"); got != 0 {
		t.Errorf("ListUserMemberships called %d times, want 0", got)
	}
}

func TestBuildInvertsMemberships(t *testing.T) {
	store := memstore.New()
	store.AddGroup("Group_A")
	store.AddGroup("Group_B")
	u := store.SeedUser(directory.Identity{Username: "u1@example.com"}, "Group_A", "Group_B")
	store.SeedUser(directory.Identity{Username: "u2@example.com"})

	snap := New()
	if err := snap.Build(context.Background(), store, testLogger()); err != nil {
		t.Fatalf("build: %v", err)
	}

	groups := snap.GroupsOf(u.ID)
	if len(groups) != 2 {
		t.Fatalf("expected 2 groups for u1, got %v", groups)
	}
	ident, ok := snap.Get("u1@example.com")
	if !ok {
		t.Fatal("u1 missing from snapshot")
	}
	if len(ident.Groups) != 2 {
		t.Fatalf("identity groups not populated: %v", ident.Groups)
	}

	other, ok := snap.Get("u2@example.com")
	if !ok || len(other.Groups) != 0 {
		t.Fatalf("u2 should be present with no groups, got ok=%v groups=%v", ok, other.Groups)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	store := memstore.New()
	store.AddGroup("Group_A")
	store.SeedUser(directory.Identity{Username: "u1@example.com"}, "Group_A")

	snap := New()
	if err := snap.Build(context.Background(), store, testLogger()); err != nil {
		t.Fatalf("first build: %v", err)
	}
	first := snap.TakenAt()

	if err := snap.Build(context.Background(), store, testLogger()); err != nil {
		t.Fatalf("second build: %v", err)
	}
	if got := store.Calls("ListUsers"); got != 1 {
		t.Errorf("rebuild hit the remote: ListUsers called %d times", got)
	}
	if snap.TakenAt() != first {
		t.Error("rebuild changed the capture timestamp")
	}
}

func TestBuildAbortsOnListingFailure(t *testing.T) {
	store := memstore.New()
	store.AddGroup("Group_A")
	store.FailNext("ListUsers", directory.CodeAccessDenied)

	snap := New()
	if err := snap.Build(context.Background(), store, testLogger()); err == nil {
		t.Fatal("expected build to fail when user listing fails")
	}
	if snap.Built() {
		t.Fatal("failed build must not mark the snapshot built")
	}
}

func TestBuildToleratesMembershipFailure(t *testing.T) {
	store := memstore.New()
	store.AddGroup("Group_A")
	u := store.SeedUser(directory.Identity{Username: "u1@example.com"}, "Group_A")
	store.FailNext("ListGroupMemberships", directory.CodeAccessDenied)

	snap := New()
	if err := snap.Build(context.Background(), store, testLogger()); err != nil {
		t.Fatalf("build should tolerate a membership listing failure: %v", err)
	}
	if got := snap.GroupsOf(u.ID); len(got) != 0 {
		t.Fatalf("unreadable group should look empty, got %v", got)
	}
}
