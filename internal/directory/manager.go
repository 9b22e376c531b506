// Package directory provides the on-disk folder layout for exported attachments
package directory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/curtbushko/smartsheet-attachments/internal/filename"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
	"github.com/curtbushko/smartsheet-attachments/internal/manifest"
)

const (
	// AttachmentsDirName holds the downloaded files inside a sheet folder
	AttachmentsDirName = "attachments"
	// SheetManifestName is the per-sheet manifest inside a sheet folder
	SheetManifestName = "attachments.csv"
	// FolderManifestName is the per-owner folder naming audit
	FolderManifestName = "folders.csv"
)

// DirectoryManager defines the interface for sheet folder operations
type DirectoryManager interface {
	// EnsureSheet resolves and creates the folder for a sheet, preferring
	// "{id} - {name}" and falling back to "{id}" when that name is unusable
	EnsureSheet(ownerEmail string, sheetID int64, sheetName string) (*SheetFolder, error)

	// EnsureAlternate creates the "{id}" folder for a sheet directly. Used when
	// a transfer into the primary folder failed with a path error.
	EnsureAlternate(ownerEmail string, sheetID int64, sheetName string) (*SheetFolder, error)

	GetStats() DirectoryStats
}

// DirectoryConfig holds configuration for the directory manager
type DirectoryConfig struct {
	BaseDirectory string // Root of the export
	MaxPathLength int    // Longest full path accepted by the probe
}

// SheetFolder is a resolved owner+sheet folder
type SheetFolder struct {
	OwnerPath       string // <base>/<owner>
	Path            string // <base>/<owner>/<folder>
	AttachmentsPath string // <base>/<owner>/<folder>/attachments
	ManifestPath    string // <base>/<owner>/<folder>/attachments.csv
	RelativePath    string // <owner>/<folder>, recorded in the global manifest
	Name            string // folder name used
	PrimaryName     string
	AlternateName   string
	Alternate       bool // true when Name is the "{id}" fallback
}

// DirectoryStats provides statistics about directory operations
type DirectoryStats struct {
	DirectoriesCreated int       // Directories that did not exist before
	Fallbacks          int       // Sheets placed in their alternate folder
	BaseDirectory      string    // Base directory path
	LastCreated        time.Time // When the last directory was created
}

// directoryManagerImpl implements the DirectoryManager interface
type directoryManagerImpl struct {
	config    DirectoryConfig
	sanitizer filename.Sanitizer
	prober    *filename.Prober
	logger    logging.Logger

	mu    sync.Mutex
	stats DirectoryStats
}

// NewDirectoryManager creates a new directory manager with the given configuration
func NewDirectoryManager(config DirectoryConfig, sanitizer filename.Sanitizer, logger logging.Logger) DirectoryManager {
	if sanitizer == nil {
		sanitizer = filename.NewSanitizer()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &directoryManagerImpl{
		config:    config,
		sanitizer: sanitizer,
		prober:    filename.NewProber(sanitizer, config.MaxPathLength),
		logger:    logger,
		stats: DirectoryStats{
			BaseDirectory: config.BaseDirectory,
		},
	}
}

// PrimaryFolderName returns the preferred folder name for a sheet
func PrimaryFolderName(sanitizer filename.Sanitizer, sheetID int64, sheetName string) string {
	return sanitizer.Sanitize(fmt.Sprintf("%d - %s", sheetID, sheetName))
}

// AlternateFolderName returns the ID-only fallback folder name for a sheet
func AlternateFolderName(sheetID int64) string {
	return strconv.FormatInt(sheetID, 10)
}

func (dm *directoryManagerImpl) EnsureSheet(ownerEmail string, sheetID int64, sheetName string) (*SheetFolder, error) {
	ownerName, ownerPath, err := dm.ensureOwner(ownerEmail)
	if err != nil {
		return nil, err
	}

	primary := PrimaryFolderName(dm.sanitizer, sheetID, sheetName)
	alternate := AlternateFolderName(sheetID)

	status := dm.prober.Probe(dm.config.BaseDirectory, ownerName, primary, AttachmentsDirName)
	if status == filename.PathValid {
		folder, err := dm.create(ownerName, ownerPath, primary, primary, alternate, false)
		if err == nil {
			dm.recordFolder(folder, sheetID, sheetName)
			return folder, nil
		}
		dm.logger.Warn("Failed to create folder %q for sheet %d (%s), using %q: %v", primary, sheetID, sheetName, alternate, err)
	} else {
		dm.logger.Warn("Folder name %q for sheet %d is %s, using %q", primary, sheetID, status, alternate)
	}

	return dm.ensureAlternate(ownerName, ownerPath, sheetID, sheetName, primary, alternate)
}

func (dm *directoryManagerImpl) EnsureAlternate(ownerEmail string, sheetID int64, sheetName string) (*SheetFolder, error) {
	ownerName, ownerPath, err := dm.ensureOwner(ownerEmail)
	if err != nil {
		return nil, err
	}
	primary := PrimaryFolderName(dm.sanitizer, sheetID, sheetName)
	return dm.ensureAlternate(ownerName, ownerPath, sheetID, sheetName, primary, AlternateFolderName(sheetID))
}

func (dm *directoryManagerImpl) ensureAlternate(ownerName, ownerPath string, sheetID int64, sheetName, primary, alternate string) (*SheetFolder, error) {
	folder, err := dm.create(ownerName, ownerPath, alternate, primary, alternate, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create alternate folder for sheet %d: %w", sheetID, err)
	}

	dm.mu.Lock()
	dm.stats.Fallbacks++
	dm.mu.Unlock()

	dm.recordFolder(folder, sheetID, sheetName)
	return folder, nil
}

// ensureOwner creates <base>/<sanitized owner email>
func (dm *directoryManagerImpl) ensureOwner(ownerEmail string) (string, string, error) {
	if ownerEmail == "" {
		return "", "", fmt.Errorf("owner email cannot be empty")
	}
	if dm.config.BaseDirectory == "" {
		return "", "", fmt.Errorf("base directory cannot be empty")
	}

	ownerName := dm.sanitizer.Sanitize(ownerEmail)
	ownerPath := filepath.Join(dm.config.BaseDirectory, ownerName)
	if err := dm.mkdir(ownerPath); err != nil {
		return "", "", fmt.Errorf("failed to create owner folder %s: %w", ownerPath, err)
	}
	return ownerName, ownerPath, nil
}

func (dm *directoryManagerImpl) create(ownerName, ownerPath, name, primary, alternate string, isAlternate bool) (*SheetFolder, error) {
	folder := &SheetFolder{
		OwnerPath:       ownerPath,
		Path:            filepath.Join(ownerPath, name),
		AttachmentsPath: filepath.Join(ownerPath, name, AttachmentsDirName),
		ManifestPath:    filepath.Join(ownerPath, name, SheetManifestName),
		RelativePath:    filepath.Join(ownerName, name),
		Name:            name,
		PrimaryName:     primary,
		AlternateName:   alternate,
		Alternate:       isAlternate,
	}

	if err := dm.mkdir(folder.Path); err != nil {
		return nil, err
	}
	if err := dm.mkdir(folder.AttachmentsPath); err != nil {
		return nil, err
	}
	return folder, nil
}

// mkdir creates path if it is missing and counts it
func (dm *directoryManagerImpl) mkdir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("%s exists and is not a directory", path)
		}
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}

	dm.mu.Lock()
	dm.stats.DirectoriesCreated++
	dm.stats.LastCreated = time.Now()
	dm.mu.Unlock()
	return nil
}

// recordFolder appends the naming decision to <owner>/folders.csv. A failure
// here is logged but does not prevent the sheet from being exported.
func (dm *directoryManagerImpl) recordFolder(folder *SheetFolder, sheetID int64, sheetName string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	path := filepath.Join(folder.OwnerPath, FolderManifestName)
	m, err := manifest.Open(path, manifest.FolderManifest)
	if err != nil {
		dm.logger.Error("Failed to open folder manifest %s: %v", path, err)
		return
	}
	defer m.Close()

	record := manifest.FolderRecord{
		SheetID:         sheetID,
		SheetName:       dm.sanitizer.SanitizeField(sheetName),
		PrimaryFolder:   folder.PrimaryName,
		AlternateFolder: folder.AlternateName,
		FolderUsed:      folder.Name,
		RecordedAt:      time.Now(),
	}
	if _, err := m.AppendFolder(record); err != nil {
		dm.logger.Error("Failed to record folder for sheet %d in %s: %v", sheetID, path, err)
	}
}

// GetStats returns statistics about directory operations
func (dm *directoryManagerImpl) GetStats() DirectoryStats {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.stats
}
