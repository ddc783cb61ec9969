package core

import (
	"regexp"
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
	}{
		{
			name:   "short prefix",
			prefix: "req",
		},
		{
			name:   "uppercase prefix gets lowercased",
			prefix: "REQ",
		},
		{
			name:   "prefix with spaces gets trimmed",
			prefix: "  req  ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewID(tt.prefix)

			expectedPrefix := strings.ToLower(strings.TrimSpace(tt.prefix)) + "_"
			if !strings.HasPrefix(got, expectedPrefix) {
				t.Errorf("NewID() = %v, want prefix %v", got, expectedPrefix)
			}

			ulidPart := strings.TrimPrefix(got, expectedPrefix)
			ulidPattern := regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)
			if !ulidPattern.MatchString(ulidPart) {
				t.Errorf("NewID() ULID part %v does not match expected pattern", ulidPart)
			}
		})
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := NewID("req")
		if _, dup := seen[id]; dup {
			t.Fatalf("NewID() produced duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewIDPanic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("NewID() with empty prefix should panic")
		}
	}()
	NewID("  ")
}
