package roster

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// expected CSV header, in order.
var csvHeader = []string{"employee_id", "name", "email", "subscription"}

// LoadCSV parses a roster from CSV. The first row must be the header.
// Rows with a missing employee id, name or a malformed email are rejected,
// as is any duplicated employee id; one bad row fails the whole load so a
// truncated or corrupted roster never half-applies.
func LoadCSV(r io.Reader) ([]DesiredIdentity, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read roster header: %w", err)
	}
	if len(header) != len(csvHeader) {
		return nil, fmt.Errorf("roster header has %d columns, want %d", len(header), len(csvHeader))
	}
	for i, want := range csvHeader {
		if strings.TrimSpace(strings.ToLower(header[i])) != want {
			return nil, fmt.Errorf("roster column %d is %q, want %q", i+1, header[i], want)
		}
	}

	var out []DesiredIdentity
	seen := make(map[string]int)
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("roster row %d: %w", row, err)
		}

		d := DesiredIdentity{
			EmployeeID: strings.TrimSpace(record[0]),
			Name:       strings.TrimSpace(record[1]),
			Email:      strings.TrimSpace(record[2]),
			Tag:        ParseTag(record[3]),
		}
		if d.EmployeeID == "" {
			return nil, fmt.Errorf("roster row %d: empty employee id", row)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("roster row %d: empty name", row)
		}
		if !strings.Contains(d.Email, "@") {
			return nil, fmt.Errorf("roster row %d: malformed email %q", row, d.Email)
		}
		if prev, ok := seen[d.EmployeeID]; ok {
			return nil, fmt.Errorf("roster row %d: duplicate employee id %s (first seen row %d)", row, d.EmployeeID, prev)
		}
		seen[d.EmployeeID] = row
		out = append(out, d)
	}

	return out, nil
}

// LoadCSVFile reads a roster from disk.
func LoadCSVFile(path string) ([]DesiredIdentity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return LoadCSV(f)
}
