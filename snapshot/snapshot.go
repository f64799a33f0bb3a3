// Package snapshot builds one consistent, read-only capture of the remote
// directory per reconciliation run. Every diff decision in a run reads
// from exactly one snapshot, so the concurrent executor never mixes state
// from two points in time.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dverity/rostersync/directory"
)

// membershipFanIn bounds the concurrent per-group membership listings
// during build. The remote throttles aggressively, so this stays low.
const membershipFanIn = 4

// Snapshot is a point-in-time view of all users, groups and memberships.
// After Build returns, the snapshot is immutable and safe for any number
// of concurrent readers without locking.
type Snapshot struct {
	mu    sync.Mutex
	built bool

	users           []directory.Identity
	usersByUsername map[string]directory.Identity
	groupIDToName   map[string]string
	groupNameToID   map[string]string
	userIDToGroups  map[string][]string

	takenAt time.Time
}

func New() *Snapshot {
	return &Snapshot{
		usersByUsername: make(map[string]directory.Identity),
		groupIDToName:   make(map[string]string),
		groupNameToID:   make(map[string]string),
		userIDToGroups:  make(map[string][]string),
	}
}

// Build captures the remote state with one list-users call, one list-groups
// call, and one list-memberships call per group, inverting the group→member
// result into a user→groups index. That is O(2+G) remote calls instead of
// the O(1+U+U*G) a per-user walk would cost.
//
// A second Build on an already-built snapshot is a no-op with a warning.
// Any listing failure aborts the build: without a trustworthy snapshot no
// diff downstream can be trusted.
func (s *Snapshot) Build(ctx context.Context, gw directory.Gateway, logger *slog.Logger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.built {
		logger.Warn("snapshot already built, skipping rebuild")
		return nil
	}

	logger.Info("building directory snapshot")

	users, err := gw.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}

	groups, err := gw.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	for _, g := range groups {
		s.groupIDToName[g.ID] = g.Name
		s.groupNameToID[g.Name] = g.ID
	}

	// Per-group membership listing is best effort: a group we cannot read
	// yields a warning and an empty member set, matching how a fresh group
	// with no members would look.
	var memberMu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(membershipFanIn)
	for _, g := range groups {
		g := g
		eg.Go(func() error {
			memberships, err := gw.ListGroupMemberships(egCtx, g.ID)
			if err != nil {
				logger.Warn("listing group members failed", "group", g.Name, "err", err)
				return nil
			}
			memberMu.Lock()
			for _, m := range memberships {
				s.userIDToGroups[m.UserID] = append(s.userIDToGroups[m.UserID], g.Name)
			}
			memberMu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}

	for _, u := range users {
		u.Groups = append([]string(nil), s.userIDToGroups[u.ID]...)
		s.users = append(s.users, u)
		s.usersByUsername[u.Username] = u
	}

	s.takenAt = time.Now()
	s.built = true
	logger.Info("directory snapshot ready",
		"users", len(s.users),
		"groups", len(groups),
		"taken_at", s.takenAt)
	return nil
}

// Built reports whether Build has completed.
func (s *Snapshot) Built() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.built
}

// TakenAt is the capture timestamp.
func (s *Snapshot) TakenAt() time.Time { return s.takenAt }

// Get looks up a user by username.
func (s *Snapshot) Get(username string) (directory.Identity, bool) {
	u, ok := s.usersByUsername[username]
	return u, ok
}

// Users returns a copy of all captured identities.
func (s *Snapshot) Users() []directory.Identity {
	return append([]directory.Identity(nil), s.users...)
}

// GroupsOf returns a copy of the group names a user belongs to.
func (s *Snapshot) GroupsOf(userID string) []string {
	return append([]string(nil), s.userIDToGroups[userID]...)
}

// GroupName resolves a group id to its display name.
func (s *Snapshot) GroupName(groupID string) (string, bool) {
	name, ok := s.groupIDToName[groupID]
	return name, ok
}

// GroupID resolves a group display name to its id.
func (s *Snapshot) GroupID(name string) (string, bool) {
	id, ok := s.groupNameToID[name]
	return id, ok
}

// UserCount is the number of captured identities.
func (s *Snapshot) UserCount() int { return len(s.users) }
