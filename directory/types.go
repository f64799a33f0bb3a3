// Package directory defines the data model and gateway contract for the
// remote identity store being reconciled, plus the classified error
// taxonomy every other component consumes as plain data.
package directory

// Identity is the remote state of one directory user. Instances are
// materialized fresh into every snapshot and never mutated in place; an
// update produces a new version observed on the next snapshot build.
type Identity struct {
	ID          string
	Username    string
	Email       string
	GivenName   string
	FamilyName  string
	DisplayName string
	Groups      []string
}

// Group is a directory group.
type Group struct {
	ID   string
	Name string
}

// Membership links a user to a group.
type Membership struct {
	ID      string
	GroupID string
	UserID  string
}

// Email is one entry of the multi-valued email attribute. The remote store
// only accepts full-array replacement for multi-valued attributes, so
// updates always carry the complete slice.
type Email struct {
	Value   string
	Type    string
	Primary bool
}

// AttributeChange is one field-level operation inside a combined user
// update call. Path addresses the attribute ("displayName",
// "name.givenName", "name.familyName", "emails"); Value is a string for
// single-valued paths and []Email for the emails path.
type AttributeChange struct {
	Path  string
	Value any
}

// PrimaryEmail picks the primary address out of a multi-valued email set,
// falling back to empty when none is marked primary.
func PrimaryEmail(emails []Email) string {
	for _, e := range emails {
		if e.Primary {
			return e.Value
		}
	}
	return ""
}
