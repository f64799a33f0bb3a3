package ldapstore

import "testing"

func TestFilterComposition(t *testing.T) {
	tests := []struct {
		name string
		f    Filter
		want string
	}{
		{"eq", Eq("uid", "E1001"), "(uid=E1001)"},
		{"present", Present("member"), "(member=*)"},
		{"and", And(Eq("objectClass", "inetOrgPerson"), Eq("uid", "E1001")),
			"(&(objectClass=inetOrgPerson)(uid=E1001))"},
		{"or", Or(Eq("cn", "a"), Eq("cn", "b")), "(|(cn=a)(cn=b))"},
		{"not", Not(Eq("uid", "E1001")), "(!(uid=E1001))"},
		{"nested", And(rawFilter(allGroupObjects), Not(Present("member"))),
			"(&(objectClass=groupOfNames)(!(member=*)))"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.f.String(); got != tt.want {
				t.Fatalf("filter = %q, want %q", got, tt.want)
			}
		})
	}
}
