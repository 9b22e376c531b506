// Package exclusions manages the owner emails whose attachments must never be deleted
package exclusions

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
	"github.com/curtbushko/smartsheet-attachments/internal/email"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
)

// ExclusionList defines the interface for excluded owner lookups
type ExclusionList interface {
	IsExcluded(ownerEmail string) bool
	Owners() []string
	GetStats() Stats
	Close() error
}

// Config holds configuration for the exclusion list
type Config struct {
	Owners    []string // Owners listed inline in the configuration
	FilePath  string   // Optional file with one email per line
	WatchFile bool     // Reload FilePath when it changes
}

// ConfigFromDeleteConfig creates Config from DeleteConfig
func ConfigFromDeleteConfig(cfg config.DeleteConfig) Config {
	return Config{
		Owners:    cfg.ExcludedOwners,
		FilePath:  cfg.ExcludedOwnersFile,
		WatchFile: cfg.WatchFile,
	}
}

// Stats provides statistics about the exclusion list
type Stats struct {
	TotalOwners  int       // Distinct excluded owners from all sources
	FileOwners   int       // Owners read from FilePath
	InvalidLines int       // Lines in FilePath that were not valid emails
	LastUpdated  time.Time // When the list was last loaded
	FilePath     string
	IsWatching   bool
}

// exclusionListImpl implements the ExclusionList interface
type exclusionListImpl struct {
	config    Config
	logger    logging.Logger
	owners    email.Set
	ordered   []string
	mutex     sync.RWMutex
	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	closeOnce sync.Once
	stats     Stats
}

// NewExclusionList loads the configured owners and, when enabled, starts
// watching the exclusion file for changes
func NewExclusionList(cfg Config, logger logging.Logger) (ExclusionList, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	m := &exclusionListImpl{
		config:    cfg,
		logger:    logger,
		stopWatch: make(chan struct{}),
		stats: Stats{
			FilePath:   cfg.FilePath,
			IsWatching: cfg.WatchFile && cfg.FilePath != "",
		},
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to load excluded owners: %w", err)
	}

	if m.stats.IsWatching {
		if err := m.setupFileWatcher(); err != nil {
			return nil, fmt.Errorf("failed to setup file watcher: %w", err)
		}
	}

	return m, nil
}

// IsExcluded reports whether ownerEmail is excluded, ignoring case
func (m *exclusionListImpl) IsExcluded(ownerEmail string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.owners.Contains(ownerEmail)
}

// Owners returns the normalized excluded owners in load order
func (m *exclusionListImpl) Owners() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	result := make([]string, len(m.ordered))
	copy(result, m.ordered)
	return result
}

func (m *exclusionListImpl) GetStats() Stats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// Close stops the file watcher if one is running
func (m *exclusionListImpl) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopWatch)
		if m.watcher != nil {
			err = m.watcher.Close()
		}
	})
	return err
}

func (m *exclusionListImpl) load() error {
	owners := email.NewSet()
	ordered := make([]string, 0, len(m.config.Owners))
	add := func(addr string) {
		if owners.Contains(addr) {
			return
		}
		owners.Add(addr)
		ordered = append(ordered, email.Normalize(addr))
	}

	for _, addr := range m.config.Owners {
		if strings.TrimSpace(addr) != "" {
			add(addr)
		}
	}

	fileOwners, invalid := 0, 0
	if m.config.FilePath != "" {
		lines, err := readLines(m.config.FilePath)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if !email.IsValidEmail(line) {
				invalid++
				m.logger.Warn("Ignoring invalid email %q in %s", line, m.config.FilePath)
				continue
			}
			fileOwners++
			add(line)
		}
	}

	m.mutex.Lock()
	m.owners = owners
	m.ordered = ordered
	m.stats.TotalOwners = len(ordered)
	m.stats.FileOwners = fileOwners
	m.stats.InvalidLines = invalid
	m.stats.LastUpdated = time.Now()
	m.mutex.Unlock()

	return nil
}

// readLines returns the non-blank, non-comment lines of path, trimmed
func readLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open exclusion file: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading exclusion file: %w", err)
	}
	return lines, nil
}

// setupFileWatcher watches the directory holding the exclusion file so that
// editors which save by rename are picked up too
func (m *exclusionListImpl) setupFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	if err := watcher.Add(filepath.Dir(m.config.FilePath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}

	m.watcher = watcher
	go m.watchFileChanges(watcher)

	return nil
}

// watchFileChanges reloads the list on writes to the exclusion file
func (m *exclusionListImpl) watchFileChanges(watcher *fsnotify.Watcher) {
	target := filepath.Clean(m.config.FilePath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// Let the writer finish
			time.Sleep(10 * time.Millisecond)

			if err := m.load(); err != nil {
				m.logger.Warn("Failed to reload excluded owners from %s: %v", m.config.FilePath, err)
				continue
			}
			m.logger.Info("Reloaded excluded owners from %s (%d owners)", m.config.FilePath, m.GetStats().TotalOwners)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("Exclusion file watcher error: %v", err)

		case <-m.stopWatch:
			return
		}
	}
}
