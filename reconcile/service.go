// Package reconcile turns a sync plan into directory mutations: user
// creates, combined attribute updates, membership changes and deletes,
// applied through the concurrent executor.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dverity/rostersync/config"
	"dverity/rostersync/directory"
	"dverity/rostersync/executor"
	"dverity/rostersync/metrics"
	"dverity/rostersync/ops"
	"dverity/rostersync/planner"
	"dverity/rostersync/roster"
	"dverity/rostersync/snapshot"
)

// Service owns one reconciliation run: a gateway, the run's snapshot, and
// the sinks for metrics and failure records.
type Service struct {
	gw      directory.Gateway
	cfg     config.Config
	snap    *snapshot.Snapshot
	logger  *slog.Logger
	metrics *metrics.Collector

	failedMu sync.Mutex
	failed   []ops.FailedRecord
}

func NewService(gw directory.Gateway, cfg config.Config, snap *snapshot.Snapshot, logger *slog.Logger, collector *metrics.Collector) *Service {
	return &Service{
		gw:      gw,
		cfg:     cfg,
		snap:    snap,
		logger:  logger,
		metrics: collector,
	}
}

// FailedRecords returns a copy of the failure records accumulated so far.
func (s *Service) FailedRecords() []ops.FailedRecord {
	s.failedMu.Lock()
	defer s.failedMu.Unlock()
	return append([]ops.FailedRecord(nil), s.failed...)
}

func (s *Service) recordFailure(kind ops.Kind, target string, err error) {
	rec := ops.FailedRecord{
		Target:       target,
		Kind:         kind,
		ErrorMessage: err.Error(),
		ErrorCode:    directory.CodeOf(err),
		Timestamp:    time.Now(),
		SuggestedFix: ops.SuggestFix(err.Error()),
	}
	s.failedMu.Lock()
	s.failed = append(s.failed, rec)
	s.failedMu.Unlock()
}

// CreateUser creates one directory user with canonical attributes and adds
// it to its target groups. The existence pre-check keeps the operation
// idempotent when a previous run half-completed.
func (s *Service) CreateUser(ctx context.Context, d roster.DesiredIdentity) (ops.OperationResult, error) {
	username := d.Username(s.cfg)

	existing, err := s.gw.GetUserByUsername(ctx, username)
	if err != nil {
		s.recordFailure(ops.KindCreate, username, err)
		return failedResult(ops.KindCreate, username, fmt.Sprintf("existence check failed: %v", err)), err
	}
	if existing != nil {
		s.logger.Warn("user already exists, skipping create", "username", username)
		return failedResult(ops.KindCreate, username, "user already exists"), nil
	}

	identity := directory.Identity{
		Username:    username,
		GivenName:   d.GivenName(s.cfg),
		FamilyName:  d.FamilyName(s.cfg),
		DisplayName: d.DisplayName(s.cfg),
	}
	emails := []directory.Email{{Value: d.Email, Type: "work", Primary: true}}

	userID, err := s.gw.CreateUser(ctx, identity, emails)
	if err != nil {
		s.recordFailure(ops.KindCreate, username, err)
		return failedResult(ops.KindCreate, username, fmt.Sprintf("create failed: %v", err)), err
	}

	// Membership adds after a successful create are best effort per group;
	// a halfway failure is healed by the next run.
	var groupErrs []string
	for _, groupName := range d.TargetGroups(s.cfg) {
		if err := s.addToGroup(ctx, userID, username, groupName); err != nil {
			groupErrs = append(groupErrs, fmt.Sprintf("%s: %v", groupName, err))
		}
	}

	msg := fmt.Sprintf("user created: %s (id %s)", username, userID)
	details := map[string]any{"user_id": userID}
	if len(groupErrs) > 0 {
		details["group_errors"] = groupErrs
		msg += fmt.Sprintf(" with %d membership failures", len(groupErrs))
	}
	s.logger.Info("created user", "username", username, "user_id", userID, "groups", d.TargetGroups(s.cfg))
	return ops.OperationResult{
		Kind:      ops.KindCreate,
		Target:    username,
		Success:   true,
		Message:   msg,
		Details:   details,
		Timestamp: time.Now(),
	}, nil
}

// UpdateUser converges one existing user: a single combined attribute
// update call when fields drifted, then membership reconciliation limited
// to the managed groups.
func (s *Service) UpdateUser(ctx context.Context, d roster.DesiredIdentity) (ops.OperationResult, error) {
	username := d.Username(s.cfg)

	current, err := s.gw.GetUserByUsername(ctx, username)
	if err != nil {
		s.recordFailure(ops.KindUpdate, username, err)
		return failedResult(ops.KindUpdate, username, fmt.Sprintf("lookup failed: %v", err)), err
	}
	if current == nil {
		return failedResult(ops.KindUpdate, username, "user does not exist"), nil
	}

	changes, changed := attributeDiff(*current, d, s.cfg)
	if len(changes) > 0 {
		if err := s.gw.UpdateUser(ctx, current.ID, changes); err != nil {
			s.recordFailure(ops.KindUpdate, username, err)
			return failedResult(ops.KindUpdate, username, fmt.Sprintf("update failed: %v", err)), err
		}
	}

	groupChanges, err := s.reconcileGroups(ctx, current.ID, username, d)
	if err != nil {
		s.recordFailure(ops.KindUpdate, username, err)
		return failedResult(ops.KindUpdate, username, fmt.Sprintf("membership reconciliation failed: %v", err)), err
	}

	changed = append(changed, groupChanges...)
	if len(changed) == 0 {
		return ops.OperationResult{
			Kind:      ops.KindUpdate,
			Target:    username,
			Success:   true,
			Message:   "no changes needed",
			Timestamp: time.Now(),
		}, nil
	}

	s.logger.Info("updated user", "username", username, "changes", changed)
	return ops.OperationResult{
		Kind:      ops.KindUpdate,
		Target:    username,
		Success:   true,
		Message:   fmt.Sprintf("user updated: %s", username),
		Details:   map[string]any{"updates": changed},
		Timestamp: time.Now(),
	}, nil
}

// DeleteUser strips a user's memberships and removes it. Only called for
// identities under the managed suffix; the planner enforces that.
func (s *Service) DeleteUser(ctx context.Context, ident directory.Identity) (ops.OperationResult, error) {
	memberships, err := s.gw.ListUserMemberships(ctx, ident.ID)
	if err != nil {
		s.logger.Warn("listing memberships before delete failed", "username", ident.Username, "err", err)
	}
	for _, m := range memberships {
		if err := s.gw.DeleteMembership(ctx, m.ID); err != nil {
			s.logger.Warn("membership removal failed", "username", ident.Username, "membership", m.ID, "err", err)
		}
	}

	if err := s.gw.DeleteUser(ctx, ident.ID); err != nil {
		s.recordFailure(ops.KindDelete, ident.Username, err)
		return failedResult(ops.KindDelete, ident.Username, fmt.Sprintf("delete failed: %v", err)), err
	}

	s.logger.Info("deleted user", "username", ident.Username, "user_id", ident.ID)
	return ops.OperationResult{
		Kind:      ops.KindDelete,
		Target:    ident.Username,
		Success:   true,
		Message:   fmt.Sprintf("user deleted: %s (id %s)", ident.Username, ident.ID),
		Details:   map[string]any{"user_id": ident.ID},
		Timestamp: time.Now(),
	}, nil
}

// addToGroup resolves a group name through the snapshot and creates the
// membership.
func (s *Service) addToGroup(ctx context.Context, userID, username, groupName string) error {
	groupID, ok := s.snap.GroupID(groupName)
	if !ok {
		s.metrics.RecordCacheMiss()
		return fmt.Errorf("group %q not present in directory", groupName)
	}
	s.metrics.RecordCacheHit()
	if _, err := s.gw.CreateMembership(ctx, groupID, userID); err != nil {
		s.recordFailure(ops.KindAddToGroup, username, err)
		return err
	}
	return nil
}

// reconcileGroups converges a user's memberships in the managed groups
// only; memberships in unmanaged groups are never touched.
func (s *Service) reconcileGroups(ctx context.Context, userID, username string, d roster.DesiredIdentity) ([]string, error) {
	managed := map[string]bool{s.cfg.KiroGroup: true, s.cfg.QdevGroup: true}

	memberships, err := s.gw.ListUserMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}

	currentManaged := make(map[string]directory.Membership)
	for _, m := range memberships {
		name, ok := s.snap.GroupName(m.GroupID)
		if ok && managed[name] {
			currentManaged[name] = m
		}
	}

	var changed []string
	for _, groupName := range d.TargetGroups(s.cfg) {
		if _, ok := currentManaged[groupName]; ok {
			continue
		}
		if err := s.addToGroup(ctx, userID, username, groupName); err != nil {
			return changed, err
		}
		changed = append(changed, "added to "+groupName)
	}

	for name, m := range currentManaged {
		if d.InGroup(s.cfg, name) {
			continue
		}
		if err := s.gw.DeleteMembership(ctx, m.ID); err != nil {
			s.recordFailure(ops.KindRemoveFromGroup, username, err)
			return changed, err
		}
		changed = append(changed, "removed from "+name)
	}

	return changed, nil
}

// attributeDiff computes the combined update call for one user, one entry
// per drifted field. Emails are multi-valued and always replaced as a full
// array.
func attributeDiff(current directory.Identity, d roster.DesiredIdentity, cfg config.Config) ([]directory.AttributeChange, []string) {
	var changes []directory.AttributeChange
	var described []string

	if want := d.DisplayName(cfg); current.DisplayName != want {
		changes = append(changes, directory.AttributeChange{Path: "displayName", Value: want})
		described = append(described, fmt.Sprintf("displayName: %s -> %s", current.DisplayName, want))
	}
	if want := d.GivenName(cfg); current.GivenName != want {
		changes = append(changes, directory.AttributeChange{Path: "name.givenName", Value: want})
		described = append(described, fmt.Sprintf("givenName: %s -> %s", current.GivenName, want))
	}
	if want := d.FamilyName(cfg); current.FamilyName != want {
		changes = append(changes, directory.AttributeChange{Path: "name.familyName", Value: want})
		described = append(described, fmt.Sprintf("familyName: %s -> %s", current.FamilyName, want))
	}
	if current.Email != d.Email {
		changes = append(changes, directory.AttributeChange{
			Path:  "emails",
			Value: []directory.Email{{Value: d.Email, Type: "work", Primary: true}},
		})
		described = append(described, fmt.Sprintf("email: %s -> %s", current.Email, d.Email))
	}

	return changes, described
}

func failedResult(kind ops.Kind, target, msg string) ops.OperationResult {
	return ops.OperationResult{
		Kind:      kind,
		Target:    target,
		Success:   false,
		Message:   msg,
		Timestamp: time.Now(),
	}
}

// PlanResults carries the per-partition batch outcomes of one executed
// sync plan.
type PlanResults struct {
	Creates ops.BatchResult
	Updates ops.BatchResult
	Deletes ops.BatchResult
}

// TotalSuccessful sums successes across partitions.
func (r PlanResults) TotalSuccessful() int {
	return r.Creates.Successful + r.Updates.Successful + r.Deletes.Successful
}

// TotalFailed sums failures across partitions.
func (r PlanResults) TotalFailed() int {
	return r.Creates.Failed + r.Updates.Failed + r.Deletes.Failed
}

// ExecutePlan applies each plan partition concurrently through the pool,
// recording phase timings and per-kind outcomes into metrics.
func (s *Service) ExecutePlan(ctx context.Context, plan *planner.SyncPlan, pool *executor.Pool) PlanResults {
	var results PlanResults

	if len(plan.ToCreate) > 0 {
		s.metrics.StartPhase("create users")
		results.Creates = executor.Apply(ctx, pool, plan.ToCreate,
			func(d roster.DesiredIdentity) string { return d.Username(s.cfg) },
			func(ctx context.Context, d roster.DesiredIdentity) (ops.OperationResult, error) {
				res, err := s.CreateUser(ctx, d)
				s.metrics.RecordOperation("create", res.Success)
				return res, err
			})
		s.metrics.EndPhase("create users")
	}

	if len(plan.ToUpdate) > 0 {
		s.metrics.StartPhase("update users")
		results.Updates = executor.Apply(ctx, pool, plan.ToUpdate,
			func(d roster.DesiredIdentity) string { return d.Username(s.cfg) },
			func(ctx context.Context, d roster.DesiredIdentity) (ops.OperationResult, error) {
				res, err := s.UpdateUser(ctx, d)
				s.metrics.RecordOperation("update", res.Success)
				return res, err
			})
		s.metrics.EndPhase("update users")
	}

	if len(plan.ToDelete) > 0 {
		s.metrics.StartPhase("delete users")
		results.Deletes = executor.Apply(ctx, pool, plan.ToDelete,
			func(ident directory.Identity) string { return ident.Username },
			func(ctx context.Context, ident directory.Identity) (ops.OperationResult, error) {
				res, err := s.DeleteUser(ctx, ident)
				s.metrics.RecordOperation("delete", res.Success)
				return res, err
			})
		s.metrics.EndPhase("delete users")
	}

	s.logger.Info("sync plan executed",
		"successful", results.TotalSuccessful(),
		"failed", results.TotalFailed())
	return results
}
