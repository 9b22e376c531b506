package manifest

import (
	"fmt"
	"sync"
)

// Store owns the global manifest for a run and coordinates the dedup check
// with per-sheet manifests. An attachment counts as recorded when either the
// global manifest or the sheet's own manifest has it.
type Store struct {
	global *File

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewStore opens (or creates) the global manifest at globalPath
func NewStore(globalPath string) (*Store, error) {
	global, err := Open(globalPath, GlobalManifest)
	if err != nil {
		return nil, fmt.Errorf("failed to open global manifest: %w", err)
	}
	return &Store{
		global:   global,
		inFlight: make(map[int64]struct{}),
	}, nil
}

// LoadStore reads the global manifest at globalPath without creating it. The
// returned store answers HasAttachment and Reserve but cannot record.
func LoadStore(globalPath string) (*Store, error) {
	global, err := Load(globalPath, GlobalManifest)
	if err != nil {
		return nil, fmt.Errorf("failed to load global manifest: %w", err)
	}
	return &Store{
		global:   global,
		inFlight: make(map[int64]struct{}),
	}, nil
}

// GlobalPath returns the path of the global manifest
func (s *Store) GlobalPath() string {
	return s.global.Path()
}

// GlobalCount returns the number of attachments in the global manifest
func (s *Store) GlobalCount() int {
	return s.global.Len()
}

// OpenSheet opens the per-sheet manifest at path. The caller owns the handle
// and must close it when the sheet is done.
func (s *Store) OpenSheet(path string) (*File, error) {
	return Open(path, SheetManifest)
}

// HasAttachment reports whether the attachment is recorded in the global
// manifest or in sheet (which may be nil)
func (s *Store) HasAttachment(sheet *File, id int64) bool {
	if s.global.HasAttachment(id) {
		return true
	}
	return sheet != nil && sheet.HasAttachment(id)
}

// Reserve claims id for transfer. It returns false when another worker holds
// the claim or the attachment is already in the global manifest. A successful
// Reserve must be paired with Release.
func (s *Store) Reserve(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.inFlight[id]; busy {
		return false
	}
	if s.global.HasAttachment(id) {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

// Release drops a claim taken with Reserve
func (s *Store) Release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// RecordAttachment appends entry to the sheet manifest and then to the global
// manifest. Either append is skipped if that manifest already has the ID, so
// a partially recorded attachment from an earlier run is completed, not duplicated.
func (s *Store) RecordAttachment(sheet *File, entry Entry) error {
	if sheet != nil {
		if _, err := sheet.AppendEntry(entry); err != nil {
			return fmt.Errorf("failed to record attachment %d in sheet manifest: %w", entry.AttachmentID, err)
		}
	}
	if _, err := s.global.AppendEntry(entry); err != nil {
		return fmt.Errorf("failed to record attachment %d in global manifest: %w", entry.AttachmentID, err)
	}
	return nil
}

// Close closes the global manifest
func (s *Store) Close() error {
	return s.global.Close()
}
