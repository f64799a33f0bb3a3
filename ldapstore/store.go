// Package ldapstore implements directory.Gateway over an LDAP server.
// User ids are entry DNs; memberships live on the group's member
// attribute. Every remote call runs under the configured retry policy and
// comes back with a classified error on failure.
package ldapstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"dverity/rostersync/config"
	"dverity/rostersync/directory"
	"dverity/rostersync/retry"
)

// membershipSep joins a group DN and a user DN into one synthetic
// membership id. The unit separator cannot occur in a DN.
const membershipSep = "\x1f"

// Store is the LDAP-backed gateway.
type Store struct {
	baseDN   string
	peopleOU string
	server   string
	pageSize uint32
	policy   retry.Policy
	logger   *slog.Logger
	conn     *ldap.Conn
}

func New(cfg config.Config, policy retry.Policy, logger *slog.Logger) *Store {
	return &Store{
		baseDN:   cfg.BaseDN,
		peopleOU: "ou=people," + cfg.BaseDN,
		server:   cfg.ServerFQDN,
		pageSize: cfg.PageSize,
		policy:   policy,
		logger:   logger,
	}
}

// Connect dials and binds to the LDAP server.
func (s *Store) Connect(username, password string) error {
	bindURL := fmt.Sprintf("ldap://%s:389", s.server)
	conn, err := ldap.DialURL(bindURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", bindURL, err)
	}
	if err := conn.Bind(username, password); err != nil {
		conn.Close()
		return fmt.Errorf("bind as %s: %w", username, err)
	}
	s.conn = conn
	s.logger.Info("connected to directory", "server", bindURL, "bind_user", username)
	return nil
}

// Close tears the connection down.
func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

// classify wraps an LDAP failure into the shared error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var code string
	switch {
	case ldap.IsErrorWithCode(err, ldap.LDAPResultBusy),
		ldap.IsErrorWithCode(err, ldap.LDAPResultUnavailable),
		ldap.IsErrorWithCode(err, ldap.LDAPResultAdminLimitExceeded):
		code = directory.CodeThrottling
	case ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject):
		code = directory.CodeNotFound
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists),
		ldap.IsErrorWithCode(err, ldap.LDAPResultAttributeOrValueExists):
		code = directory.CodeConflict
	case ldap.IsErrorWithCode(err, ldap.LDAPResultInsufficientAccessRights):
		code = directory.CodeAccessDenied
	case ldap.IsErrorWithCode(err, ldap.LDAPResultConstraintViolation),
		ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidAttributeSyntax),
		ldap.IsErrorWithCode(err, ldap.LDAPResultObjectClassViolation):
		code = directory.CodeValidation
	default:
		return &directory.CallError{Op: op, Kind: directory.KindUnknown, Err: err}
	}
	return directory.NewCallError(op, code, err)
}

func (s *Store) pagedSearch(filter string, attributes []string) ([]*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		s.baseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		0, 0, false,
		filter,
		attributes,
		nil,
	)
	res, err := s.conn.SearchWithPaging(req, s.pageSize)
	if err != nil {
		return nil, err
	}
	return res.Entries, nil
}

func entryToIdentity(entry *ldap.Entry) directory.Identity {
	return directory.Identity{
		ID:          entry.DN,
		Username:    entry.GetAttributeValue("uid"),
		Email:       entry.GetAttributeValue("mail"),
		GivenName:   entry.GetAttributeValue("givenName"),
		FamilyName:  entry.GetAttributeValue("sn"),
		DisplayName: entry.GetAttributeValue("displayName"),
	}
}

var userAttributes = []string{"uid", "mail", "givenName", "sn", "displayName"}

func (s *Store) ListUsers(ctx context.Context) ([]directory.Identity, error) {
	var out []directory.Identity
	err := s.policy.Do(ctx, "ListUsers", func(ctx context.Context) error {
		entries, err := s.pagedSearch(allUserObjects, userAttributes)
		if err != nil {
			return classify("ListUsers", err)
		}
		out = out[:0]
		for _, entry := range entries {
			out = append(out, entryToIdentity(entry))
		}
		return nil
	})
	return out, err
}

func (s *Store) ListGroups(ctx context.Context) ([]directory.Group, error) {
	var out []directory.Group
	err := s.policy.Do(ctx, "ListGroups", func(ctx context.Context) error {
		entries, err := s.pagedSearch(allGroupObjects, []string{"cn"})
		if err != nil {
			return classify("ListGroups", err)
		}
		out = out[:0]
		for _, entry := range entries {
			out = append(out, directory.Group{ID: entry.DN, Name: entry.GetAttributeValue("cn")})
		}
		return nil
	})
	return out, err
}

func (s *Store) ListGroupMemberships(ctx context.Context, groupID string) ([]directory.Membership, error) {
	var out []directory.Membership
	err := s.policy.Do(ctx, "ListGroupMemberships", func(ctx context.Context) error {
		req := ldap.NewSearchRequest(
			groupID,
			ldap.ScopeBaseObject,
			ldap.NeverDerefAliases,
			0, 0, false,
			Present("objectClass").String(),
			[]string{"member"},
			nil,
		)
		res, err := s.conn.Search(req)
		if err != nil {
			return classify("ListGroupMemberships", err)
		}
		out = out[:0]
		for _, entry := range res.Entries {
			for _, memberDN := range entry.GetAttributeValues("member") {
				out = append(out, directory.Membership{
					ID:      groupID + membershipSep + memberDN,
					GroupID: groupID,
					UserID:  memberDN,
				})
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) ListUserMemberships(ctx context.Context, userID string) ([]directory.Membership, error) {
	var out []directory.Membership
	err := s.policy.Do(ctx, "ListUserMemberships", func(ctx context.Context) error {
		filter := And(rawFilter(allGroupObjects), Eq("member", ldap.EscapeFilter(userID)))
		entries, err := s.pagedSearch(filter.String(), []string{"cn"})
		if err != nil {
			return classify("ListUserMemberships", err)
		}
		out = out[:0]
		for _, entry := range entries {
			out = append(out, directory.Membership{
				ID:      entry.DN + membershipSep + userID,
				GroupID: entry.DN,
				UserID:  userID,
			})
		}
		return nil
	})
	return out, err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*directory.Identity, error) {
	var out *directory.Identity
	err := s.policy.Do(ctx, "GetUserByUsername", func(ctx context.Context) error {
		filter := And(rawFilter(allUserObjects), Eq("uid", ldap.EscapeFilter(username)))
		req := ldap.NewSearchRequest(
			s.baseDN,
			ldap.ScopeWholeSubtree,
			ldap.NeverDerefAliases,
			1, 0, false,
			filter.String(),
			userAttributes,
			nil,
		)
		res, err := s.conn.Search(req)
		if err != nil {
			if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
				out = nil
				return nil
			}
			return classify("GetUserByUsername", err)
		}
		if len(res.Entries) == 0 {
			out = nil
			return nil
		}
		ident := entryToIdentity(res.Entries[0])
		out = &ident
		return nil
	})
	return out, err
}

func (s *Store) CreateUser(ctx context.Context, identity directory.Identity, emails []directory.Email) (string, error) {
	dn := fmt.Sprintf("uid=%s,%s", identity.Username, s.peopleOU)
	err := s.policy.Do(ctx, "CreateUser", func(ctx context.Context) error {
		req := ldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", []string{"inetOrgPerson"})
		req.Attribute("uid", []string{identity.Username})
		req.Attribute("cn", []string{identity.DisplayName})
		req.Attribute("displayName", []string{identity.DisplayName})
		req.Attribute("givenName", []string{identity.GivenName})
		req.Attribute("sn", []string{identity.FamilyName})
		if email := directory.PrimaryEmail(emails); email != "" {
			req.Attribute("mail", []string{email})
		}
		return classify("CreateUser", s.conn.Add(req))
	})
	if err != nil {
		return "", err
	}
	return dn, nil
}

func (s *Store) UpdateUser(ctx context.Context, userID string, changes []directory.AttributeChange) error {
	return s.policy.Do(ctx, "UpdateUser", func(ctx context.Context) error {
		req := ldap.NewModifyRequest(userID, nil)
		for _, ch := range changes {
			switch ch.Path {
			case "displayName":
				v, _ := ch.Value.(string)
				req.Replace("displayName", []string{v})
			case "name.givenName":
				v, _ := ch.Value.(string)
				req.Replace("givenName", []string{v})
			case "name.familyName":
				v, _ := ch.Value.(string)
				req.Replace("sn", []string{v})
			case "emails":
				emails, ok := ch.Value.([]directory.Email)
				if !ok {
					return directory.NewCallError("UpdateUser", directory.CodeValidation,
						fmt.Errorf("emails change must carry []directory.Email"))
				}
				values := make([]string, 0, len(emails))
				for _, e := range emails {
					values = append(values, e.Value)
				}
				req.Replace("mail", values)
			default:
				return directory.NewCallError("UpdateUser", directory.CodeValidation,
					fmt.Errorf("unsupported attribute path %q", ch.Path))
			}
		}
		return classify("UpdateUser", s.conn.Modify(req))
	})
}

func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	return s.policy.Do(ctx, "DeleteUser", func(ctx context.Context) error {
		return classify("DeleteUser", s.conn.Del(ldap.NewDelRequest(userID, nil)))
	})
}

func (s *Store) CreateMembership(ctx context.Context, groupID, userID string) (string, error) {
	err := s.policy.Do(ctx, "CreateMembership", func(ctx context.Context) error {
		req := ldap.NewModifyRequest(groupID, nil)
		req.Add("member", []string{userID})
		return classify("CreateMembership", s.conn.Modify(req))
	})
	if err != nil {
		return "", err
	}
	return groupID + membershipSep + userID, nil
}

func (s *Store) DeleteMembership(ctx context.Context, membershipID string) error {
	groupID, userID, ok := strings.Cut(membershipID, membershipSep)
	if !ok {
		return directory.NewCallError("DeleteMembership", directory.CodeValidation,
			fmt.Errorf("malformed membership id"))
	}
	return s.policy.Do(ctx, "DeleteMembership", func(ctx context.Context) error {
		req := ldap.NewModifyRequest(groupID, nil)
		req.Delete("member", []string{userID})
		return classify("DeleteMembership", s.conn.Modify(req))
	})
}

var _ directory.Gateway = (*Store)(nil)
