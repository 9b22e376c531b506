package filename

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
)

// MaxComponentLength is the longest single path component, in bytes, accepted
// by the common filesystems (NTFS, ext4, APFS)
const MaxComponentLength = 255

// DefaultMaxPathLength is used when a Prober is created with a non-positive limit
const DefaultMaxPathLength = 4096

// PathStatus is the outcome of probing a candidate path
type PathStatus int

const (
	// PathValid means the path can be created or used
	PathValid PathStatus = iota
	// PathTooLong means a component or the whole path exceeds a length limit
	PathTooLong
	// PathInvalidName means a component contains characters or a name the filesystem rejects
	PathInvalidName
)

// String returns the string representation of the status
func (s PathStatus) String() string {
	switch s {
	case PathValid:
		return "valid"
	case PathTooLong:
		return "too long"
	case PathInvalidName:
		return "invalid name"
	default:
		return "unknown"
	}
}

// Prober checks candidate paths before anything is created on disk
type Prober struct {
	sanitizer     Sanitizer
	maxPathLength int
}

// NewProber creates a Prober. maxPathLength <= 0 selects DefaultMaxPathLength.
func NewProber(sanitizer Sanitizer, maxPathLength int) *Prober {
	if maxPathLength <= 0 {
		maxPathLength = DefaultMaxPathLength
	}
	if sanitizer == nil {
		sanitizer = NewSanitizer()
	}
	return &Prober{sanitizer: sanitizer, maxPathLength: maxPathLength}
}

// Probe classifies base joined with the given components. Only the components
// are checked against the naming rules; base is trusted operator input.
func (p *Prober) Probe(base string, components ...string) PathStatus {
	for _, c := range components {
		if len(c) > MaxComponentLength {
			return PathTooLong
		}
	}

	full := filepath.Join(append([]string{base}, components...)...)
	if len(full) > p.maxPathLength {
		return PathTooLong
	}

	for _, c := range components {
		if c == "" || c == "." || c == ".." || p.sanitizer.Sanitize(c) != c {
			return PathInvalidName
		}
	}

	return classifyStatError(statError(full))
}

func statError(path string) error {
	_, err := os.Lstat(path)
	return err
}

// classifyStatError maps an Lstat failure to a status. A missing path is valid:
// it simply has not been created yet.
func classifyStatError(err error) PathStatus {
	switch {
	case err == nil:
		return PathValid
	case errors.Is(err, syscall.ENAMETOOLONG):
		return PathTooLong
	case errors.Is(err, syscall.EINVAL), errors.Is(err, syscall.EILSEQ):
		return PathInvalidName
	default:
		return PathValid
	}
}
