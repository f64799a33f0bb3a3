// Package upgrade migrates existing directory identities from the legacy
// attribute layout to the canonical one: plan, apply (with dry-run), then
// verify each migrated identity against the directory.
package upgrade

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"dverity/rostersync/config"
	"dverity/rostersync/directory"
	"dverity/rostersync/ops"
	"dverity/rostersync/roster"
)

// perFieldCost is the rough wall time of one field-level operation,
// used only for the plan's duration estimate.
const perFieldCost = 2 * time.Second

var employeeIDPattern = regexp.MustCompile(`^([A-Za-z0-9]+)@`)

// Pair binds a directory identity to the roster record that defines its
// canonical form.
type Pair struct {
	Current directory.Identity
	Desired roster.DesiredIdentity
}

// Plan is the attribute-format analog of a sync plan.
type Plan struct {
	Pairs             []Pair
	TotalOperations   int
	EstimatedDuration time.Duration
}

// Preview renders a short human-readable summary of the plan.
func (p *Plan) Preview(cfg config.Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "upgrade plan:\n")
	fmt.Fprintf(&b, "  identities to upgrade: %d\n", len(p.Pairs))
	fmt.Fprintf(&b, "  field operations: %d\n", p.TotalOperations)
	fmt.Fprintf(&b, "  estimated duration: %s\n", p.EstimatedDuration)

	if len(p.Pairs) > 0 {
		fmt.Fprintf(&b, "identities:\n")
		for i, pair := range p.Pairs {
			if i == 5 {
				fmt.Fprintf(&b, "  ... and %d more\n", len(p.Pairs)-5)
				break
			}
			fmt.Fprintf(&b, "  %d. %s -> %s\n", i+1, pair.Current.Username, pair.Desired.Username(cfg))
		}
	}
	return b.String()
}

// Result is the outcome of one Apply.
type Result struct {
	TotalUsers int
	Successful int
	Failed     int
	Operations []ops.OperationResult
	Plan       *Plan
}

// SuccessRate is successful/total, 0 for an empty result.
func (r *Result) SuccessRate() float64 {
	if r.TotalUsers == 0 {
		return 0
	}
	return float64(r.Successful) / float64(r.TotalUsers)
}

// VerificationStats accumulates the post-apply verification pass.
type VerificationStats struct {
	TotalVerified int
	Passed        int
	Failed        int
	Errors        []string
}

// Engine computes and applies attribute migrations over the gateway.
type Engine struct {
	gw     directory.Gateway
	cfg    config.Config
	logger *slog.Logger
}

func NewEngine(gw directory.Gateway, cfg config.Config, logger *slog.Logger) *Engine {
	return &Engine{gw: gw, cfg: cfg, logger: logger}
}

// ExtractEmployeeID pulls the employee id out of a directory username:
// either the canonical "id@suffix" shape, or a bare legacy username with
// no "@" at all. Anything else yields "".
func ExtractEmployeeID(username string) string {
	if m := employeeIDPattern.FindStringSubmatch(username); m != nil {
		return m[1]
	}
	if username != "" && !strings.Contains(username, "@") {
		return username
	}
	return ""
}

// NeedsUpgrade reports whether an identity's attributes differ from the
// canonical form derived from its roster record.
func NeedsUpgrade(current directory.Identity, d roster.DesiredIdentity, cfg config.Config) bool {
	if current.Username != d.Username(cfg) {
		return true
	}
	if current.DisplayName != d.EmployeeID+"_"+d.Name {
		return true
	}
	if current.GivenName != d.EmployeeID {
		return true
	}
	if current.FamilyName != d.Name {
		return true
	}
	return current.Email != d.Email
}

// GeneratePlan pairs directory identities with roster records by employee
// id and keeps the pairs that need migration. Pure: no remote calls.
func (e *Engine) GeneratePlan(identities []directory.Identity, desired []roster.DesiredIdentity) *Plan {
	byEmployeeID := make(map[string]roster.DesiredIdentity, len(desired))
	for _, d := range desired {
		byEmployeeID[d.EmployeeID] = d
	}

	plan := &Plan{}
	for _, ident := range identities {
		id := ExtractEmployeeID(ident.Username)
		if id == "" {
			continue
		}
		d, ok := byEmployeeID[id]
		if !ok || !NeedsUpgrade(ident, d, e.cfg) {
			continue
		}
		plan.Pairs = append(plan.Pairs, Pair{Current: ident, Desired: d})
		plan.TotalOperations += len(fieldDiff(ident, d))
	}
	plan.EstimatedDuration = time.Duration(plan.TotalOperations) * perFieldCost

	e.logger.Info("upgrade plan generated",
		"identities", len(plan.Pairs),
		"field_operations", plan.TotalOperations)
	return plan
}

// fieldDiff lists the attribute changes migrating one identity needs. The
// email entry replaces the full multi-valued array; the remote store does
// not take incremental patches on multi-valued attributes.
func fieldDiff(current directory.Identity, d roster.DesiredIdentity) []directory.AttributeChange {
	var changes []directory.AttributeChange
	if current.GivenName != d.EmployeeID {
		changes = append(changes, directory.AttributeChange{Path: "name.givenName", Value: d.EmployeeID})
	}
	if current.FamilyName != d.Name {
		changes = append(changes, directory.AttributeChange{Path: "name.familyName", Value: d.Name})
	}
	if want := d.EmployeeID + "_" + d.Name; current.DisplayName != want {
		changes = append(changes, directory.AttributeChange{Path: "displayName", Value: want})
	}
	if current.Email != d.Email {
		changes = append(changes, directory.AttributeChange{
			Path:  "emails",
			Value: []directory.Email{{Value: d.Email, Type: "work", Primary: true}},
		})
	}
	return changes
}

// Apply executes the plan. With dryRun the plan is returned unapplied so
// callers can preview before committing. Each migrated identity gets one
// combined update call and one OperationResult.
func (e *Engine) Apply(ctx context.Context, plan *Plan, dryRun bool) *Result {
	if dryRun {
		e.logger.Info("dry run, skipping upgrade application", "identities", len(plan.Pairs))
		return &Result{TotalUsers: len(plan.Pairs), Plan: plan}
	}

	result := &Result{TotalUsers: len(plan.Pairs), Plan: plan}
	for _, pair := range plan.Pairs {
		res := e.applyOne(ctx, pair)
		result.Operations = append(result.Operations, res)
		if res.Success {
			result.Successful++
		} else {
			result.Failed++
			e.logger.Error("upgrade failed", "username", pair.Current.Username, "message", res.Message)
		}
	}

	e.logger.Info("upgrade applied", "successful", result.Successful, "failed", result.Failed)
	return result
}

func (e *Engine) applyOne(ctx context.Context, pair Pair) ops.OperationResult {
	changes := fieldDiff(pair.Current, pair.Desired)
	target := map[string]string{
		"username":     pair.Desired.Username(e.cfg),
		"given_name":   pair.Desired.EmployeeID,
		"family_name":  pair.Desired.Name,
		"display_name": pair.Desired.EmployeeID + "_" + pair.Desired.Name,
		"email":        pair.Desired.Email,
	}

	if len(changes) == 0 {
		return ops.OperationResult{
			Kind:      ops.KindUpdate,
			Target:    pair.Current.Username,
			Success:   true,
			Message:   "no changes needed",
			Timestamp: time.Now(),
		}
	}

	if err := e.gw.UpdateUser(ctx, pair.Current.ID, changes); err != nil {
		return ops.OperationResult{
			Kind:      ops.KindUpdate,
			Target:    pair.Current.Username,
			Success:   false,
			Message:   fmt.Sprintf("attribute upgrade failed: %v", err),
			Details:   map[string]any{"error_code": directory.CodeOf(err)},
			Timestamp: time.Now(),
		}
	}

	return ops.OperationResult{
		Kind:    ops.KindUpdate,
		Target:  pair.Current.Username,
		Success: true,
		Message: fmt.Sprintf("upgraded %d attributes", len(changes)),
		Details: map[string]any{
			"operations_count": len(changes),
			"new_attributes":   target,
		},
		Timestamp: time.Now(),
	}
}

// Verify re-fetches every successfully upgraded identity and compares its
// display name, given name, family name and primary email against the
// recorded targets. The lookup uses the operation's target username, not
// the canonical one: the migration rewrites attributes, never the username,
// so a legacy identity still answers to its old name. Best effort: a lookup
// failure is recorded and the pass continues.
func (e *Engine) Verify(ctx context.Context, operations []ops.OperationResult) *VerificationStats {
	stats := &VerificationStats{}

	for _, op := range operations {
		if !op.Success {
			continue
		}
		want, ok := op.Details["new_attributes"].(map[string]string)
		if !ok {
			continue
		}

		ident, err := e.gw.GetUserByUsername(ctx, op.Target)
		if err != nil {
			stats.Failed++
			stats.Errors = append(stats.Errors, fmt.Sprintf("lookup failed for %s: %v", op.Target, err))
			continue
		}
		if ident == nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("user not found: %s", op.Target))
			continue
		}

		stats.TotalVerified++
		mismatches := verifyIdentity(*ident, want)
		if len(mismatches) == 0 {
			stats.Passed++
			continue
		}
		stats.Failed++
		stats.Errors = append(stats.Errors,
			fmt.Sprintf("verification failed for %s: %s", ident.Username, strings.Join(mismatches, "; ")))
	}

	e.logger.Info("upgrade verification complete",
		"verified", stats.TotalVerified,
		"passed", stats.Passed,
		"failed", stats.Failed)
	return stats
}

func verifyIdentity(ident directory.Identity, want map[string]string) []string {
	var mismatches []string
	if ident.DisplayName != want["display_name"] {
		mismatches = append(mismatches, fmt.Sprintf("displayName=%q want %q", ident.DisplayName, want["display_name"]))
	}
	if ident.GivenName != want["given_name"] {
		mismatches = append(mismatches, fmt.Sprintf("givenName=%q want %q", ident.GivenName, want["given_name"]))
	}
	if ident.FamilyName != want["family_name"] {
		mismatches = append(mismatches, fmt.Sprintf("familyName=%q want %q", ident.FamilyName, want["family_name"]))
	}
	if ident.Email != want["email"] {
		mismatches = append(mismatches, fmt.Sprintf("email=%q want %q", ident.Email, want["email"]))
	}
	return mismatches
}
