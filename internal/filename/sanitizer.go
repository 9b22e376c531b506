// Package filename turns untrusted sheet, owner and attachment names into
// portable path components and probes whether a computed path is usable.
package filename

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Placeholder replaces every character that cannot appear in an exported name
const Placeholder = "_"

// Sanitizer produces names that are legal on the most restrictive supported
// filesystem (Windows rules) regardless of the host operating system
type Sanitizer interface {
	// Sanitize converts a raw remote string into a single legal path component.
	// It never fails and Sanitize(Sanitize(x)) == Sanitize(x).
	Sanitize(raw string) string

	// SanitizeField cleans a value for a manifest cell
	SanitizeField(raw string) string

	// FallbackName returns "{id}{ext}" where ext is the sanitized extension of displayName
	FallbackName(id int64, displayName string) string
}

// illegalPathChars are rejected by Windows in any path component
const illegalPathChars = `<>:"/\|?*` + "\x00"

// separatorRunes is the explicit list of Unicode space, format and separator
// code points that are replaced even where other Unicode is kept
var separatorRunes = map[rune]bool{
	'\u00a0': true, '\u1680': true, '\u180e': true, '\u2000': true,
	'\u2001': true, '\u2002': true, '\u2003': true, '\u2004': true,
	'\u2005': true, '\u2006': true, '\u2007': true, '\u2008': true,
	'\u2009': true, '\u200a': true, '\u200b': true, '\u200c': true,
	'\u200d': true, '\u200e': true, '\u200f': true, '\u2028': true,
	'\u2029': true, '\u202a': true, '\u202b': true, '\u202c': true,
	'\u202d': true, '\u202e': true, '\u202f': true, '\u205f': true,
	'\u2060': true, '\u3000': true, '\ufeff': true,
}

// reservedNames are Windows device names, matched case-insensitively on the
// part of a component before its first dot
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
}

// fieldDelimiter is the manifest column separator
const fieldDelimiter = ','

type sanitizer struct{}

// NewSanitizer creates a Sanitizer
func NewSanitizer() Sanitizer {
	return &sanitizer{}
}

func (s *sanitizer) Sanitize(raw string) string {
	folded := foldDiacritics(raw)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case r < 0x20 || r > 0x7e:
			b.WriteString(Placeholder)
		case strings.ContainsRune(illegalPathChars, r):
			b.WriteString(Placeholder)
		default:
			b.WriteRune(r)
		}
	}

	return applyReservation(b.String())
}

func (s *sanitizer) SanitizeField(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r == fieldDelimiter, r == 0x7f, separatorRunes[r]:
			b.WriteString(Placeholder)
		case unicode.IsControl(r):
			b.WriteString(Placeholder)
		case r == unicode.ReplacementChar:
			b.WriteString(Placeholder)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (s *sanitizer) FallbackName(id int64, displayName string) string {
	ext := filepath.Ext(s.Sanitize(displayName))
	return fmt.Sprintf("%d%s", id, ext)
}

// foldDiacritics maps accented Latin letters to their base letter so Café
// becomes Cafe instead of Caf_
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return result
}

// applyReservation enforces the Windows name rules that are not about single
// characters: no trailing dots or spaces, no device names, no empty names
func applyReservation(name string) string {
	name = strings.TrimRight(name, ". ")
	if name == "" {
		return Placeholder
	}

	base := name
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	if reservedNames[strings.ToUpper(strings.TrimRight(base, " "))] {
		name = Placeholder + name
	}

	return name
}
