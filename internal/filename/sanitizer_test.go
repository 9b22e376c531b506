package filename

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain name", "report.pdf", "report.pdf"},
		{"sheet folder name", "111 - Q1 <Plan>", "111 - Q1 _Plan_"},
		{"email", "alice@example.com", "alice@example.com"},
		{"all illegal characters", `a<b>c:d"e/f\g|h?i*j`, "a_b_c_d_e_f_g_h_i_j"},
		{"null byte", "a\x00b", "a_b"},
		{"control characters", "line1\nline2\ttab", "line1_line2_tab"},
		{"diacritics folded", "Café Résumé", "Cafe Resume"},
		{"emoji replaced", "Plan 🎉", "Plan _"},
		{"non breaking space", "Q1\u00a0Plan", "Q1_Plan"},
		{"zero width joiner", "a\u200db", "a_b"},
		{"byte order mark", "\ufeffname", "_name"},
		{"ideographic text", "資料", "__"},
		{"trailing dots and spaces", "notes. . ", "notes"},
		{"reserved device name", "CON", "_CON"},
		{"reserved name lowercase with extension", "com1.txt", "_com1.txt"},
		{"reserved prefix only", "CONSOLE.txt", "CONSOLE.txt"},
		{"LPT9", "lpt9", "_lpt9"},
		{"empty", "", "_"},
		{"only dots", "...", "_"},
		{"commas kept in paths", "a,b", "a,b"},
	}

	s := NewSanitizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := s.Sanitize(tt.input)
			if result != tt.expected {
				t.Errorf("Sanitize(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestSanitizeIsIdempotentAndLegal(t *testing.T) {
	inputs := []string{
		"", ".", "..", " ", "CON", "con.", "aux .txt", "Q1 <Plan>", "Café/Bar",
		"  ", "x\u3000y", "..hidden", "trailing. ", "NUL.tar.gz",
		strings.Repeat("é", 40), "a\\b", "PRN ", "COM10",
	}

	s := NewSanitizer()
	for _, in := range inputs {
		once := s.Sanitize(in)
		twice := s.Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: %q then %q", in, once, twice)
		}
		if once == "" {
			t.Errorf("Sanitize(%q) returned empty", in)
		}
		if strings.ContainsAny(once, illegalPathChars) {
			t.Errorf("Sanitize(%q) = %q contains an illegal character", in, once)
		}
		for _, r := range once {
			if r < 0x20 || r > 0x7e {
				t.Errorf("Sanitize(%q) = %q contains non printable rune %U", in, once, r)
			}
		}
		if strings.HasSuffix(once, ".") || strings.HasSuffix(once, " ") {
			t.Errorf("Sanitize(%q) = %q has a trailing dot or space", in, once)
		}
	}
}

func TestSanitizeField(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"delimiter", "Smith, John", "Smith_ John"},
		{"timestamp kept", "2024-01-15T10:30:00Z", "2024-01-15T10:30:00Z"},
		{"unicode kept", "Café", "Café"},
		{"newline", "a\nb", "a_b"},
		{"separator table", "a\u2003b\u3000c", "a_b_c"},
		{"delete", "a\x7fb", "a_b"},
	}

	s := NewSanitizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.SanitizeField(tt.input); got != tt.expected {
				t.Errorf("SanitizeField(%q) = %q, expected %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFallbackName(t *testing.T) {
	tests := []struct {
		name     string
		id       int64
		display  string
		expected string
	}{
		{"keeps extension", 999, "report.pdf", "999.pdf"},
		{"multi dot keeps last", 5, "archive.tar.gz", "5.gz"},
		{"no extension", 7, "README", "7"},
		{"illegal extension chars", 8, "data.c?v", "8.c_v"},
		{"empty name", 9, "", "9"},
	}

	s := NewSanitizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.FallbackName(tt.id, tt.display); got != tt.expected {
				t.Errorf("FallbackName(%d, %q) = %q, expected %q", tt.id, tt.display, got, tt.expected)
			}
		})
	}
}

func TestProbe(t *testing.T) {
	base := t.TempDir()
	existing := filepath.Join(base, "alice@example.com")
	if err := os.MkdirAll(existing, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	p := NewProber(NewSanitizer(), 0)

	tests := []struct {
		name       string
		components []string
		expected   PathStatus
	}{
		{"existing folder", []string{"alice@example.com"}, PathValid},
		{"not yet created", []string{"alice@example.com", "111 - Q1 _Plan_", "attachments"}, PathValid},
		{"illegal character", []string{"alice@example.com", "111 - Q1 <Plan>"}, PathInvalidName},
		{"reserved name", []string{"CON"}, PathInvalidName},
		{"trailing dot", []string{"name."}, PathInvalidName},
		{"parent reference", []string{".."}, PathInvalidName},
		{"component too long", []string{strings.Repeat("a", MaxComponentLength+1)}, PathTooLong},
		{"component at limit", []string{strings.Repeat("a", MaxComponentLength)}, PathValid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Probe(base, tt.components...); got != tt.expected {
				t.Errorf("Probe(%v) = %v, expected %v", tt.components, got, tt.expected)
			}
		})
	}
}

func TestProbeMaxPathLength(t *testing.T) {
	base := t.TempDir()
	p := NewProber(nil, len(base)+20)

	if got := p.Probe(base, "short"); got != PathValid {
		t.Errorf("Expected short path to be valid, got %v", got)
	}
	if got := p.Probe(base, strings.Repeat("b", 30)); got != PathTooLong {
		t.Errorf("Expected long path to be too long, got %v", got)
	}
}

func TestClassifyStatError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected PathStatus
	}{
		{"nil", nil, PathValid},
		{"not found", os.ErrNotExist, PathValid},
		{"name too long", &os.PathError{Op: "lstat", Path: "x", Err: syscall.ENAMETOOLONG}, PathTooLong},
		{"invalid argument", &os.PathError{Op: "lstat", Path: "x", Err: syscall.EINVAL}, PathInvalidName},
		{"illegal byte sequence", fmt.Errorf("wrapped: %w", syscall.EILSEQ), PathInvalidName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyStatError(tt.err); got != tt.expected {
				t.Errorf("classifyStatError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}
