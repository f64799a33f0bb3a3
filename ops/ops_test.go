package ops

import (
	"strings"
	"testing"
)

func TestSuccessRate(t *testing.T) {
	tests := []struct {
		name  string
		batch BatchResult
		want  float64
	}{
		{"empty", BatchResult{}, 0},
		{"all ok", BatchResult{Total: 4, Successful: 4}, 1},
		{"half", BatchResult{Total: 4, Successful: 2, Failed: 2}, 0.5},
	}
	for _, tt := range tests {
		if got := tt.batch.SuccessRate(); got != tt.want {
			t.Errorf("%s: rate = %f, want %f", tt.name, got, tt.want)
		}
	}
}

func TestSuggestFix(t *testing.T) {
	tests := []struct {
		message string
		keyword string
	}{
		{"ThrottlingException: slow down", "rate limit"},
		{"request was rate limited", "rate limit"},
		{"ValidationException: bad email", "roster field"},
		{"ConflictException: duplicate", "conflict"},
		{"access denied for principal", "permissions"},
		{"ResourceNotFoundException: not found", "missing"},
		{"something entirely else", "run log"},
	}
	for _, tt := range tests {
		fix := SuggestFix(tt.message)
		if !strings.Contains(fix, tt.keyword) {
			t.Errorf("SuggestFix(%q) = %q, expected to mention %q", tt.message, fix, tt.keyword)
		}
	}
}
