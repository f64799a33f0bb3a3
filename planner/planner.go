// Package planner computes the minimal sync plan between a desired roster
// and one directory snapshot. Planning is pure: no remote calls after the
// snapshot is built.
package planner

import (
	"errors"
	"strings"

	"dverity/rostersync/config"
	"dverity/rostersync/directory"
	"dverity/rostersync/roster"
	"dverity/rostersync/snapshot"
)

// ErrSnapshotNotBuilt rejects planning against an unbuilt snapshot.
var ErrSnapshotNotBuilt = errors.New("snapshot not built")

// SyncPlan is the computed diff. The three lists are pairwise disjoint by
// username; identities that need nothing are only counted.
type SyncPlan struct {
	ToCreate []roster.DesiredIdentity
	ToUpdate []roster.DesiredIdentity
	// ToDelete holds snapshot identities under the managed suffix that the
	// roster no longer mentions. Identities outside the managed namespace
	// are never planned for deletion.
	ToDelete  []directory.Identity
	Unchanged int
}

// TotalOperations counts the mutations the plan will issue.
func (p *SyncPlan) TotalOperations() int {
	return len(p.ToCreate) + len(p.ToUpdate) + len(p.ToDelete)
}

// Empty reports whether the plan converged to zero operations.
func (p *SyncPlan) Empty() bool { return p.TotalOperations() == 0 }

// Plan diffs the desired roster against the snapshot. Creates and updates
// keep the input order of desired; deletes follow snapshot iteration order.
func Plan(desired []roster.DesiredIdentity, snap *snapshot.Snapshot, cfg config.Config) (*SyncPlan, error) {
	if snap == nil || !snap.Built() {
		return nil, ErrSnapshotNotBuilt
	}

	plan := &SyncPlan{}
	desiredByUsername := make(map[string]roster.DesiredIdentity, len(desired))

	for _, d := range desired {
		username := d.Username(cfg)
		desiredByUsername[username] = d

		current, ok := snap.Get(username)
		if !ok {
			plan.ToCreate = append(plan.ToCreate, d)
			continue
		}
		if NeedsUpdate(d, current, cfg) {
			plan.ToUpdate = append(plan.ToUpdate, d)
		} else {
			plan.Unchanged++
		}
	}

	for _, current := range snap.Users() {
		if !strings.HasSuffix(current.Username, cfg.ManagedSuffix) {
			continue
		}
		if _, ok := desiredByUsername[current.Username]; !ok {
			plan.ToDelete = append(plan.ToDelete, current)
		}
	}

	return plan, nil
}

// NeedsUpdate reports whether a desired identity materially differs from
// its snapshot counterpart: username, email, display name (canonical form
// when the new format is enabled), or target group set. Computable purely
// from snapshot data, O(1) per identity.
func NeedsUpdate(d roster.DesiredIdentity, current directory.Identity, cfg config.Config) bool {
	// Plan resolves current by this exact username, so the guard only fires
	// for direct callers pairing a record with the wrong identity.
	if current.Username != d.Username(cfg) {
		return true
	}
	if current.Email != d.Email {
		return true
	}
	if cfg.UseNewFormat && current.DisplayName != d.DisplayName(cfg) {
		return true
	}
	// Only the managed groups count; membership elsewhere is out of scope
	// and must not force perpetual updates.
	return !sameGroupSet(d.TargetGroups(cfg), managedOnly(current.Groups, cfg))
}

func managedOnly(groups []string, cfg config.Config) []string {
	var out []string
	for _, g := range groups {
		if g == cfg.KiroGroup || g == cfg.QdevGroup {
			out = append(out, g)
		}
	}
	return out
}

func sameGroupSet(want, have []string) bool {
	wantSet := make(map[string]struct{}, len(want))
	for _, g := range want {
		wantSet[g] = struct{}{}
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, g := range have {
		haveSet[g] = struct{}{}
	}
	if len(wantSet) != len(haveSet) {
		return false
	}
	for g := range wantSet {
		if _, ok := haveSet[g]; !ok {
			return false
		}
	}
	return true
}
