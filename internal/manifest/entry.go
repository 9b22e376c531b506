package manifest

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind selects the column layout and the dedup key of a manifest file
type Kind int

const (
	// SheetManifest is the per owner+sheet attachments.csv
	SheetManifest Kind = iota
	// GlobalManifest is the run-wide all_attachments.csv
	GlobalManifest
	// FolderManifest is the per owner folders.csv naming audit
	FolderManifest
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case SheetManifest:
		return "sheet"
	case GlobalManifest:
		return "global"
	case FolderManifest:
		return "folder"
	default:
		return "unknown"
	}
}

var (
	sheetHeader = []string{"Attachment ID", "Attachment Name", "Created By", "Created By Email", "Created At"}

	globalHeader = append(append([]string{}, sheetHeader...), "Sheet ID", "Sheet Name", "Owner Email", "Folder Path")

	folderHeader = []string{"Sheet ID", "Sheet Name", "Primary Folder", "Alternate Folder", "Folder Used", "Recorded At"}
)

// Header returns the header row written when a manifest of this kind is created
func (k Kind) Header() []string {
	switch k {
	case GlobalManifest:
		return globalHeader
	case FolderManifest:
		return folderHeader
	default:
		return sheetHeader
	}
}

// keyOf extracts the dedup key from a row. Attachment manifests are keyed on
// the attachment ID, the folder manifest on sheet ID plus the folder used.
func (k Kind) keyOf(row []string) string {
	if len(row) == 0 {
		return ""
	}
	id := strings.TrimSpace(row[0])
	if k != FolderManifest {
		return id
	}
	if len(row) < 5 || id == "" {
		return ""
	}
	return FolderKey(id, row[4])
}

// Entry is one downloaded attachment. Sheet manifests store the first five
// columns, the global manifest stores all of them.
type Entry struct {
	AttachmentID   int64
	AttachmentName string
	CreatedBy      string
	CreatedByEmail string
	CreatedAt      string
	SheetID        int64
	SheetName      string
	OwnerEmail     string
	FolderPath     string
}

// Key returns the dedup key of the entry
func (e Entry) Key() string {
	return AttachmentKey(e.AttachmentID)
}

// Record renders the entry as a row for the given kind
func (e Entry) Record(kind Kind) []string {
	row := []string{
		AttachmentKey(e.AttachmentID),
		e.AttachmentName,
		e.CreatedBy,
		e.CreatedByEmail,
		e.CreatedAt,
	}
	if kind == GlobalManifest {
		row = append(row,
			strconv.FormatInt(e.SheetID, 10),
			e.SheetName,
			e.OwnerEmail,
			e.FolderPath,
		)
	}
	return row
}

// parseEntry builds an Entry from a global or sheet manifest row. Missing
// trailing columns are left empty.
func parseEntry(row []string) (Entry, error) {
	col := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}

	id, err := strconv.ParseInt(strings.TrimSpace(col(0)), 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid attachment id %q: %w", col(0), err)
	}

	entry := Entry{
		AttachmentID:   id,
		AttachmentName: col(1),
		CreatedBy:      col(2),
		CreatedByEmail: col(3),
		CreatedAt:      col(4),
		SheetName:      col(6),
		OwnerEmail:     col(7),
		FolderPath:     col(8),
	}

	if s := strings.TrimSpace(col(5)); s != "" {
		sheetID, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("invalid sheet id %q: %w", s, err)
		}
		entry.SheetID = sheetID
	}

	return entry, nil
}

// FolderRecord is one naming decision for a sheet folder
type FolderRecord struct {
	SheetID         int64
	SheetName       string
	PrimaryFolder   string
	AlternateFolder string
	FolderUsed      string
	RecordedAt      time.Time
}

// Key returns the dedup key of the record
func (r FolderRecord) Key() string {
	return FolderKey(strconv.FormatInt(r.SheetID, 10), r.FolderUsed)
}

// Record renders the folder record as a row
func (r FolderRecord) Record() []string {
	return []string{
		strconv.FormatInt(r.SheetID, 10),
		r.SheetName,
		r.PrimaryFolder,
		r.AlternateFolder,
		r.FolderUsed,
		r.RecordedAt.UTC().Format(time.RFC3339),
	}
}

// AttachmentKey is the dedup key for an attachment ID
func AttachmentKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// FolderKey is the dedup key for a sheet ID and the folder name used for it
func FolderKey(sheetID, folderUsed string) string {
	return sheetID + "/" + folderUsed
}
