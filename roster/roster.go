package roster

import (
	"strings"

	"dverity/rostersync/config"
)

// SubscriptionTag is the roster's target-group shorthand for an identity.
type SubscriptionTag string

const (
	TagKiro SubscriptionTag = "KIRO"
	TagQdev SubscriptionTag = "QDEV"
	TagAll  SubscriptionTag = "ALL"
	TagNone SubscriptionTag = "NONE"
)

// ParseTag maps a raw roster value onto a SubscriptionTag. Unknown values
// collapse to TagNone so a bad row cannot grant subscriptions.
func ParseTag(raw string) SubscriptionTag {
	switch SubscriptionTag(strings.ToUpper(strings.TrimSpace(raw))) {
	case TagKiro:
		return TagKiro
	case TagQdev:
		return TagQdev
	case TagAll:
		return TagAll
	default:
		return TagNone
	}
}

// DesiredIdentity is one validated roster record. It is immutable once
// parsed; the ingestion collaborator guarantees well-formed fields and
// uniqueness by EmployeeID.
type DesiredIdentity struct {
	EmployeeID string
	Name       string
	Email      string
	Tag        SubscriptionTag
}

// Username derives the canonical directory username from the configured
// template.
func (d DesiredIdentity) Username(cfg config.Config) string {
	return strings.ReplaceAll(cfg.UsernameTemplate, "{employee_id}", d.EmployeeID)
}

// DisplayName derives the canonical display name. The new format is
// "{employee_id}_{name}"; the legacy format doubled the name.
func (d DesiredIdentity) DisplayName(cfg config.Config) string {
	if cfg.UseNewFormat {
		return d.EmployeeID + "_" + d.Name
	}
	return d.Name + " " + d.Name
}

// GivenName derives the canonical given name for the configured format.
func (d DesiredIdentity) GivenName(cfg config.Config) string {
	if cfg.UseNewFormat {
		return d.EmployeeID
	}
	return d.Name
}

// FamilyName derives the canonical family name for the configured format.
func (d DesiredIdentity) FamilyName(cfg config.Config) string {
	return d.Name
}

// TargetGroups returns the group names this identity should be a member of,
// derived from its subscription tag.
func (d DesiredIdentity) TargetGroups(cfg config.Config) []string {
	switch d.Tag {
	case TagKiro:
		return []string{cfg.KiroGroup}
	case TagQdev:
		return []string{cfg.QdevGroup}
	case TagAll:
		return []string{cfg.KiroGroup, cfg.QdevGroup}
	default:
		return nil
	}
}

// InGroup reports whether the identity's subscription places it in the
// named group.
func (d DesiredIdentity) InGroup(cfg config.Config, groupName string) bool {
	for _, g := range d.TargetGroups(cfg) {
		if g == groupName {
			return true
		}
	}
	return false
}
