package email

import "testing"

func TestIsValidEmail(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected bool
	}{
		{"valid email", "john.doe@company.com", true},
		{"valid email with plus", "user+tag@example.org", true},
		{"valid email with apostrophe", "o'brien@example.org", true},
		{"valid email with hyphens", "first-last@example-company.com", true},
		{"empty email", "", false},
		{"invalid email - no @", "invalid-email", false},
		{"invalid email - no domain", "user@", false},
		{"invalid email - no username", "@domain.com", false},
		{"invalid email - multiple @", "user@@domain.com", false},
		{"email with leading space", " user@domain.com", false},
		{"email with trailing space", "user@domain.com ", false},
		{"too long email", string(make([]byte, 325)) + "@domain.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsValidEmail(tt.email)
			if result != tt.expected {
				t.Errorf("IsValidEmail(%q) = %t, expected %t", tt.email, result, tt.expected)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{"already normal", "alice@example.com", "alice@example.com"},
		{"mixed case", "Alice@Example.COM", "alice@example.com"},
		{"surrounding space", "  bob@example.com\t", "bob@example.com"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.email); got != tt.expected {
				t.Errorf("Normalize(%q) = %q, expected %q", tt.email, got, tt.expected)
			}
		})
	}
}

func TestSet(t *testing.T) {
	s := NewSet("CEO@example.com", "", "  ")
	s.Add("cfo@example.com")

	if len(s) != 2 {
		t.Errorf("Expected 2 entries, got %d", len(s))
	}
	if !s.Contains("ceo@EXAMPLE.com") {
		t.Error("Expected case-insensitive match")
	}
	if s.Contains("alice@example.com") {
		t.Error("Unexpected match for alice")
	}
	if !Equal("A@b.co", "a@B.CO") {
		t.Error("Expected Equal to ignore case")
	}
}
