package roster

import (
	"strings"
	"testing"

	"dverity/rostersync/config"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		raw  string
		want SubscriptionTag
	}{
		{"KIRO", TagKiro},
		{"qdev", TagQdev},
		{" all ", TagAll},
		{"none", TagNone},
		{"", TagNone},
		{"premium", TagNone},
	}
	for _, tt := range tests {
		if got := ParseTag(tt.raw); got != tt.want {
			t.Errorf("ParseTag(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestUsernameFromTemplate(t *testing.T) {
	cfg := config.Defaults()
	d := DesiredIdentity{EmployeeID: "E1001"}
	want := "E1001" + cfg.ManagedSuffix
	if got := d.Username(cfg); got != want {
		t.Fatalf("Username = %q, want %q", got, want)
	}
}

func TestDisplayNameFormats(t *testing.T) {
	d := DesiredIdentity{EmployeeID: "E1001", Name: "Kowalski"}

	cfg := config.Defaults()
	if got := d.DisplayName(cfg); got != "E1001_Kowalski" {
		t.Errorf("new format display name = %q", got)
	}
	if got := d.GivenName(cfg); got != "E1001" {
		t.Errorf("new format given name = %q", got)
	}

	cfg.UseNewFormat = false
	if got := d.DisplayName(cfg); got != "Kowalski Kowalski" {
		t.Errorf("legacy display name = %q", got)
	}
	if got := d.GivenName(cfg); got != "Kowalski" {
		t.Errorf("legacy given name = %q", got)
	}
}

func TestTargetGroups(t *testing.T) {
	cfg := config.Defaults()
	tests := []struct {
		tag  SubscriptionTag
		want []string
	}{
		{TagKiro, []string{cfg.KiroGroup}},
		{TagQdev, []string{cfg.QdevGroup}},
		{TagAll, []string{cfg.KiroGroup, cfg.QdevGroup}},
		{TagNone, nil},
	}
	for _, tt := range tests {
		d := DesiredIdentity{EmployeeID: "E1", Tag: tt.tag}
		got := d.TargetGroups(cfg)
		if len(got) != len(tt.want) {
			t.Errorf("tag %s: groups = %v, want %v", tt.tag, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("tag %s: groups = %v, want %v", tt.tag, got, tt.want)
			}
		}
	}
}

func TestLoadCSV(t *testing.T) {
	input := `employee_id,name,email,subscription
E1001,Kowalski,kowalski@example.com,KIRO
E1002,Nowak,nowak@example.com,all
E1003,Wojcik,wojcik@example.com,unknown
`
	records, err := LoadCSV(strings.NewReader(input))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Tag != TagKiro || records[1].Tag != TagAll || records[2].Tag != TagNone {
		t.Fatalf("tags misparsed: %+v", records)
	}
	if records[1].EmployeeID != "E1002" || records[1].Email != "nowak@example.com" {
		t.Fatalf("record misparsed: %+v", records[1])
	}
}

func TestLoadCSVRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"wrong header", "id,name,email,tag\nE1,a,a@b.c,KIRO\n"},
		{"empty employee id", "employee_id,name,email,subscription\n,a,a@b.c,KIRO\n"},
		{"empty name", "employee_id,name,email,subscription\nE1,,a@b.c,KIRO\n"},
		{"malformed email", "employee_id,name,email,subscription\nE1,a,not-an-email,KIRO\n"},
		{"duplicate employee id", "employee_id,name,email,subscription\nE1,a,a@b.c,KIRO\nE1,b,b@b.c,QDEV\n"},
		{"empty file", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadCSV(strings.NewReader(tt.input)); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
