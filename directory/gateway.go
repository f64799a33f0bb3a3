package directory

import "context"

// Gateway is the thin client abstraction over the remote identity store.
// Every call is synchronous; failures come back as *CallError so callers
// can branch on the classified kind. A nil Identity with a nil error from
// GetUserByUsername means the user does not exist.
type Gateway interface {
	ListUsers(ctx context.Context) ([]Identity, error)
	ListGroups(ctx context.Context) ([]Group, error)
	ListGroupMemberships(ctx context.Context, groupID string) ([]Membership, error)
	ListUserMemberships(ctx context.Context, userID string) ([]Membership, error)

	GetUserByUsername(ctx context.Context, username string) (*Identity, error)
	CreateUser(ctx context.Context, identity Identity, emails []Email) (string, error)
	UpdateUser(ctx context.Context, userID string, changes []AttributeChange) error
	DeleteUser(ctx context.Context, userID string) error

	CreateMembership(ctx context.Context, groupID, userID string) (string, error)
	DeleteMembership(ctx context.Context, membershipID string) error
}
