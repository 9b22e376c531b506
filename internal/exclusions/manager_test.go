package exclusions

import (
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
)

// TestExclusionList tests loading owners from configuration and file
func TestExclusionList(t *testing.T) {
	tests := []struct {
		name           string
		inline         []string
		fileContent    *string
		expectedOwners []string
		expectedStats  Stats
		expectedError  bool
	}{
		{
			name:           "no sources",
			expectedOwners: []string{},
		},
		{
			name:           "inline owners only",
			inline:         []string{"Alice@Example.com", " bob@example.com "},
			expectedOwners: []string{"alice@example.com", "bob@example.com"},
			expectedStats:  Stats{TotalOwners: 2},
		},
		{
			name:   "file with comments, blanks and invalid lines",
			inline: []string{"alice@example.com"},
			fileContent: strPtr(`# owners whose attachments stay on the platform
ALICE@example.com

carol@example.com
   # indented comment
not-an-email
dave@example.co.uk`),
			expectedOwners: []string{"alice@example.com", "carol@example.com", "dave@example.co.uk"},
			expectedStats:  Stats{TotalOwners: 3, FileOwners: 3, InvalidLines: 1},
		},
		{
			name:           "empty file",
			fileContent:    strPtr(""),
			expectedOwners: []string{},
		},
		{
			name:          "missing file",
			expectedError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Owners: tt.inline}

			if tt.fileContent != nil {
				cfg.FilePath = filepath.Join(t.TempDir(), "excluded_owners.txt")
				if err := os.WriteFile(cfg.FilePath, []byte(*tt.fileContent), 0644); err != nil {
					t.Fatalf("Failed to create test file: %v", err)
				}
			} else if tt.expectedError {
				cfg.FilePath = filepath.Join(t.TempDir(), "missing.txt")
			}

			list, err := NewExclusionList(cfg, logging.NewNopLogger())
			if tt.expectedError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			defer list.Close()

			if got := list.Owners(); !reflect.DeepEqual(got, tt.expectedOwners) {
				t.Errorf("Owners() = %v, expected %v", got, tt.expectedOwners)
			}

			stats := list.GetStats()
			if stats.TotalOwners != tt.expectedStats.TotalOwners ||
				stats.FileOwners != tt.expectedStats.FileOwners ||
				stats.InvalidLines != tt.expectedStats.InvalidLines {
				t.Errorf("Unexpected stats: %+v", stats)
			}

			for _, owner := range tt.expectedOwners {
				if !list.IsExcluded(owner) {
					t.Errorf("Expected %s to be excluded", owner)
				}
			}
			if list.IsExcluded("someone.else@example.com") {
				t.Error("Unexpected exclusion")
			}
		})
	}
}

func TestIsExcludedIgnoresCase(t *testing.T) {
	list, err := NewExclusionList(Config{Owners: []string{"alice@example.com"}}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer list.Close()

	for _, addr := range []string{"alice@example.com", "ALICE@EXAMPLE.COM", " Alice@Example.com "} {
		if !list.IsExcluded(addr) {
			t.Errorf("Expected %q to be excluded", addr)
		}
	}
}

func TestConfigFromDeleteConfig(t *testing.T) {
	cfg := ConfigFromDeleteConfig(config.DeleteConfig{
		ExcludedOwners:     []string{"a@example.com"},
		ExcludedOwnersFile: "/etc/excluded.txt",
		WatchFile:          true,
	})

	expected := Config{Owners: []string{"a@example.com"}, FilePath: "/etc/excluded.txt", WatchFile: true}
	if !reflect.DeepEqual(cfg, expected) {
		t.Errorf("ConfigFromDeleteConfig() = %+v, expected %+v", cfg, expected)
	}
}

func TestExclusionFileWatching(t *testing.T) {
	path := filepath.Join(t.TempDir(), "excluded_owners.txt")
	if err := os.WriteFile(path, []byte("user1@example.com\nuser2@example.com\n"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	list, err := NewExclusionList(Config{FilePath: path, WatchFile: true}, logging.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create exclusion list: %v", err)
	}
	defer list.Close()

	if !list.GetStats().IsWatching {
		t.Error("Expected watcher to be running")
	}
	if !list.IsExcluded("user1@example.com") || list.IsExcluded("user3@example.com") {
		t.Fatal("Unexpected initial exclusions")
	}

	if err := os.WriteFile(path, []byte("user2@example.com\nuser3@example.com\n"), 0644); err != nil {
		t.Fatalf("Failed to update test file: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for !list.IsExcluded("user3@example.com") && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !list.IsExcluded("user3@example.com") {
		t.Error("Expected user3@example.com to be excluded after update")
	}
	if list.IsExcluded("user1@example.com") {
		t.Error("Expected user1@example.com to be removed after update")
	}
}

func TestLoadRereadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "excluded_owners.txt")
	if err := os.WriteFile(path, []byte("user1@example.com\n"), 0644); err != nil {
		t.Fatal(err)
	}

	list, err := NewExclusionList(Config{FilePath: path}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer list.Close()

	if err := os.WriteFile(path, []byte("user9@example.com\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := list.(*exclusionListImpl).load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if !list.IsExcluded("user9@example.com") || list.IsExcluded("user1@example.com") {
		t.Errorf("Unexpected owners after reload: %v", list.Owners())
	}
}

func TestConcurrentAccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "excluded_owners.txt")
	if err := os.WriteFile(path, []byte("user1@example.com\n"), 0644); err != nil {
		t.Fatal(err)
	}

	list, err := NewExclusionList(Config{FilePath: path}, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer list.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				list.IsExcluded("user1@example.com")
				list.Owners()
			}
		}()
		go func() {
			defer wg.Done()
			if err := list.(*exclusionListImpl).load(); err != nil {
				t.Errorf("load failed: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestCloseIsIdempotent(t *testing.T) {
	list, err := NewExclusionList(Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := list.Close(); err != nil {
		t.Errorf("First Close failed: %v", err)
	}
	if err := list.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func strPtr(s string) *string {
	return &s
}
