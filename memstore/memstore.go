// Package memstore is an in-memory directory.Gateway. It backs the test
// suites and round-trip convergence checks that need a mutable directory
// without a remote endpoint.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"dverity/rostersync/directory"
)

// Store implements directory.Gateway over process-local maps. Safe for
// concurrent use. Failure injection lets tests exercise the retry and
// degradation paths.
type Store struct {
	mu sync.Mutex

	users       map[string]directory.Identity // by user id
	usernames   map[string]string             // username -> user id
	groups      map[string]directory.Group    // by group id
	memberships map[string]directory.Membership

	nextUser       int
	nextGroup      int
	nextMembership int

	// failures queues classified error codes per operation name; each
	// matching call consumes one entry.
	failures map[string][]string
	calls    map[string]int
}

func New() *Store {
	return &Store{
		users:       make(map[string]directory.Identity),
		usernames:   make(map[string]string),
		groups:      make(map[string]directory.Group),
		memberships: make(map[string]directory.Membership),
		failures:    make(map[string][]string),
		calls:       make(map[string]int),
	}
}

// FailNext queues a classified failure for the next call to op.
func (s *Store) FailNext(op, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], code)
}

// Calls reports how many times op has been invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *Store) enter(op string) error {
	s.calls[op]++
	if queue := s.failures[op]; len(queue) > 0 {
		code := queue[0]
		s.failures[op] = queue[1:]
		return directory.NewCallError(op, code, fmt.Errorf("injected failure"))
	}
	return nil
}

// AddGroup seeds a group and returns it.
func (s *Store) AddGroup(name string) directory.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextGroup++
	g := directory.Group{ID: fmt.Sprintf("g-%d", s.nextGroup), Name: name}
	s.groups[g.ID] = g
	return g
}

// SeedUser inserts an identity directly and joins it to the named groups.
// Groups must already exist.
func (s *Store) SeedUser(ident directory.Identity, groupNames ...string) directory.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ident.ID == "" {
		s.nextUser++
		ident.ID = fmt.Sprintf("u-%d", s.nextUser)
	}
	ident.Groups = nil
	s.users[ident.ID] = ident
	s.usernames[ident.Username] = ident.ID
	for _, name := range groupNames {
		for _, g := range s.groups {
			if g.Name == name {
				s.addMembershipLocked(g.ID, ident.ID)
			}
		}
	}
	return ident
}

func (s *Store) addMembershipLocked(groupID, userID string) directory.Membership {
	s.nextMembership++
	m := directory.Membership{
		ID:      fmt.Sprintf("m-%d", s.nextMembership),
		GroupID: groupID,
		UserID:  userID,
	}
	s.memberships[m.ID] = m
	return m
}

func (s *Store) ListUsers(ctx context.Context) ([]directory.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListUsers"); err != nil {
		return nil, err
	}
	out := make([]directory.Identity, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]directory.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListGroups"); err != nil {
		return nil, err
	}
	out := make([]directory.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *Store) ListGroupMemberships(ctx context.Context, groupID string) ([]directory.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListGroupMemberships"); err != nil {
		return nil, err
	}
	var out []directory.Membership
	for _, m := range s.memberships {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) ListUserMemberships(ctx context.Context, userID string) ([]directory.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListUserMemberships"); err != nil {
		return nil, err
	}
	var out []directory.Membership
	for _, m := range s.memberships {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*directory.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetUserByUsername"); err != nil {
		return nil, err
	}
	id, ok := s.usernames[username]
	if !ok {
		return nil, nil
	}
	u := s.users[id]
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, identity directory.Identity, emails []directory.Email) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateUser"); err != nil {
		return "", err
	}
	if _, exists := s.usernames[identity.Username]; exists {
		return "", directory.NewCallError("CreateUser", directory.CodeConflict,
			fmt.Errorf("username %s already exists", identity.Username))
	}
	s.nextUser++
	identity.ID = fmt.Sprintf("u-%d", s.nextUser)
	identity.Email = directory.PrimaryEmail(emails)
	identity.Groups = nil
	s.users[identity.ID] = identity
	s.usernames[identity.Username] = identity.ID
	return identity.ID, nil
}

func (s *Store) UpdateUser(ctx context.Context, userID string, changes []directory.AttributeChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("UpdateUser"); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return directory.NewCallError("UpdateUser", directory.CodeNotFound,
			fmt.Errorf("user %s not found", userID))
	}
	for _, ch := range changes {
		switch ch.Path {
		case "displayName":
			u.DisplayName, _ = ch.Value.(string)
		case "name.givenName":
			u.GivenName, _ = ch.Value.(string)
		case "name.familyName":
			u.FamilyName, _ = ch.Value.(string)
		case "emails":
			if emails, ok := ch.Value.([]directory.Email); ok {
				u.Email = directory.PrimaryEmail(emails)
			}
		default:
			return directory.NewCallError("UpdateUser", directory.CodeValidation,
				fmt.Errorf("unsupported attribute path %q", ch.Path))
		}
	}
	s.users[userID] = u
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteUser"); err != nil {
		return err
	}
	u, ok := s.users[userID]
	if !ok {
		return directory.NewCallError("DeleteUser", directory.CodeNotFound,
			fmt.Errorf("user %s not found", userID))
	}
	delete(s.usernames, u.Username)
	delete(s.users, userID)
	for id, m := range s.memberships {
		if m.UserID == userID {
			delete(s.memberships, id)
		}
	}
	return nil
}

func (s *Store) CreateMembership(ctx context.Context, groupID, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateMembership"); err != nil {
		return "", err
	}
	if _, ok := s.groups[groupID]; !ok {
		return "", directory.NewCallError("CreateMembership", directory.CodeNotFound,
			fmt.Errorf("group %s not found", groupID))
	}
	if _, ok := s.users[userID]; !ok {
		return "", directory.NewCallError("CreateMembership", directory.CodeNotFound,
			fmt.Errorf("user %s not found", userID))
	}
	for _, m := range s.memberships {
		if m.GroupID == groupID && m.UserID == userID {
			return "", directory.NewCallError("CreateMembership", directory.CodeConflict,
				fmt.Errorf("membership already exists"))
		}
	}
	m := s.addMembershipLocked(groupID, userID)
	return m.ID, nil
}

func (s *Store) DeleteMembership(ctx context.Context, membershipID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("DeleteMembership"); err != nil {
		return err
	}
	if _, ok := s.memberships[membershipID]; !ok {
		return directory.NewCallError("DeleteMembership", directory.CodeNotFound,
			fmt.Errorf("membership %s not found", membershipID))
	}
	delete(s.memberships, membershipID)
	return nil
}

var _ directory.Gateway = (*Store)(nil)
