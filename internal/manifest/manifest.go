// Package manifest records which attachments have been exported. Manifests are
// append-only CSV files; a row is written only after the file it describes is
// complete on disk, so a killed run leaves manifests consistent with the files
// actually present.
package manifest

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrClosed is returned when appending to a closed manifest
var ErrClosed = errors.New("manifest is closed")

// File is an open manifest. The membership set is built once when the file
// is opened; appends keep it current. All methods are safe for concurrent use.
type File struct {
	path string
	kind Kind

	mu     sync.Mutex
	keys   map[string]struct{}
	names  map[string]string // attachment manifests only: key to name column
	file   *os.File
	writer *csv.Writer
}

// Open opens the manifest at path, creating it with its header row (and any
// missing parent directories) if it does not exist, and loads its keys.
func Open(path string, kind Kind) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	m, size, err := load(path, kind)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	m.file = file
	m.writer = csv.NewWriter(file)

	if size == 0 {
		if err := m.writeRow(kind.Header()); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	} else if err := terminateLastLine(path, file); err != nil {
		file.Close()
		return nil, err
	}

	return m, nil
}

// Load reads the manifest at path without creating or opening it for writing.
// A missing file loads as empty. Appends to a loaded manifest fail with ErrClosed.
func Load(path string, kind Kind) (*File, error) {
	m, _, err := load(path, kind)
	return m, err
}

func load(path string, kind Kind) (*File, int64, error) {
	rows, size, err := readRows(path)
	if err != nil {
		return nil, 0, err
	}

	m := &File{
		path:  path,
		kind:  kind,
		keys:  make(map[string]struct{}, len(rows)),
		names: make(map[string]string),
	}
	for i, row := range rows {
		if i == 0 && isHeader(row, kind) {
			continue
		}
		if key := kind.keyOf(row); key != "" {
			m.keys[key] = struct{}{}
			if kind != FolderManifest && len(row) > 1 {
				m.names[key] = row[1]
			}
		}
	}
	return m, size, nil
}

// Path returns the manifest file path
func (m *File) Path() string {
	return m.path
}

// Kind returns the manifest kind
func (m *File) Kind() Kind {
	return m.kind
}

// Has reports whether a row with the given key has been recorded
func (m *File) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok
}

// HasAttachment reports whether the attachment ID has been recorded
func (m *File) HasAttachment(id int64) bool {
	return m.Has(AttachmentKey(id))
}

// Len returns the number of distinct keys recorded
func (m *File) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

// Append writes record under key unless key is already present. It returns
// false without writing when the key exists.
func (m *File) Append(key string, record []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return false, ErrClosed
	}
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	if err := m.writeRow(record); err != nil {
		return false, fmt.Errorf("failed to append to manifest %s: %w", m.path, err)
	}
	m.keys[key] = struct{}{}
	if m.kind != FolderManifest && len(record) > 1 {
		m.names[key] = record[1]
	}
	return true, nil
}

// AttachmentNames returns the recorded name of every attachment in the
// manifest, keyed by attachment ID
func (m *File) AttachmentNames() map[int64]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make(map[int64]string, len(m.names))
	for key, name := range m.names {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		names[id] = name
	}
	return names
}

// AppendEntry records an attachment entry in this manifest's column layout
func (m *File) AppendEntry(e Entry) (bool, error) {
	return m.Append(e.Key(), e.Record(m.kind))
}

// AppendFolder records a folder naming decision
func (m *File) AppendFolder(r FolderRecord) (bool, error) {
	return m.Append(r.Key(), r.Record())
}

// Close flushes and closes the underlying file. Closing twice is a no-op.
func (m *File) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	m.writer.Flush()
	flushErr := m.writer.Error()
	closeErr := m.file.Close()
	m.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// writeRow writes and syncs one row. Callers hold m.mu.
func (m *File) writeRow(record []string) error {
	if err := m.writer.Write(record); err != nil {
		return err
	}
	m.writer.Flush()
	if err := m.writer.Error(); err != nil {
		return err
	}
	return m.file.Sync()
}

// ReadGlobal returns every entry of the global manifest at path, in file order.
// Rows that cannot be parsed are reported in the returned error after all
// valid rows are collected.
func ReadGlobal(path string) ([]Entry, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}

	rows, _, err := readRows(path)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	var errs []error
	for i, row := range rows {
		if i == 0 && isHeader(row, GlobalManifest) {
			continue
		}
		if len(row) == 0 || strings.TrimSpace(row[0]) == "" {
			continue
		}
		entry, err := parseEntry(row)
		if err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i+1, err))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, errors.Join(errs...)
}

// readRows loads every row of the file. A missing file yields no rows. Files
// that are not valid UTF-8, or that fail to parse as UTF-8, are decoded as
// Windows-1252 before giving up.
func readRows(path string) ([][]string, int64, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	size := int64(len(data))
	data = bytes.TrimPrefix(data, utf8BOM)

	if utf8.Valid(data) {
		rows, err := parseCSV(data)
		if err == nil {
			return rows, size, nil
		}
	}

	decoded, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode manifest %s: %w", path, err)
	}
	rows, err := parseCSV(decoded)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return rows, size, nil
}

func parseCSV(data []byte) ([][]string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	var rows [][]string
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
}

func isHeader(row []string, kind Kind) bool {
	return len(row) > 0 && strings.EqualFold(strings.TrimSpace(row[0]), kind.Header()[0])
}

// terminateLastLine adds a newline when a previous run stopped in the middle
// of a row, so the next append starts on its own line
func terminateLastLine(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil
	}

	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	if last[0] != '\n' {
		if _, err := w.Write([]byte("\n")); err != nil {
			return fmt.Errorf("failed to repair manifest %s: %w", path, err)
		}
	}
	return nil
}
