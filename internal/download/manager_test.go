package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

func newTestManager(retries int) DownloadManager {
	return NewDownloadManager(DownloadConfig{
		ConcurrentLimit: 2,
		ChunkSize:       256,
		RetryAttempts:   retries,
		RetryDelay:      time.Millisecond,
		Timeout:         5 * time.Second,
	})
}

// TestDownload tests single downloads against different server behaviors
func TestDownload(t *testing.T) {
	content := strings.Repeat("attachment-bytes ", 100)

	tests := []struct {
		name          string
		failures      int32
		failStatus    int
		retries       int
		expectedError bool
		expectedCalls int32
		expectedRetry int
	}{
		{
			name:          "successful download",
			retries:       1,
			expectedCalls: 1,
		},
		{
			name:          "server error then success",
			failures:      1,
			failStatus:    http.StatusInternalServerError,
			retries:       1,
			expectedCalls: 2,
			expectedRetry: 1,
		},
		{
			name:          "rate limited then success",
			failures:      1,
			failStatus:    http.StatusTooManyRequests,
			retries:       2,
			expectedCalls: 2,
			expectedRetry: 1,
		},
		{
			name:          "server error exhausts retries",
			failures:      5,
			failStatus:    http.StatusBadGateway,
			retries:       1,
			expectedError: true,
			expectedCalls: 2,
		},
		{
			name:          "forbidden is retried within the budget",
			failures:      5,
			failStatus:    http.StatusForbidden,
			retries:       1,
			expectedError: true,
			expectedCalls: 2,
		},
		{
			name:          "not found then success",
			failures:      1,
			failStatus:    http.StatusNotFound,
			retries:       1,
			expectedCalls: 2,
			expectedRetry: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := atomic.AddInt32(&calls, 1)
				if r.Header.Get("Authorization") != "" {
					t.Error("Content requests must not carry credentials")
				}
				if n <= tt.failures {
					w.WriteHeader(tt.failStatus)
					return
				}
				w.Header().Set("Content-Length", fmt.Sprint(len(content)))
				w.Write([]byte(content))
			}))
			defer server.Close()

			dir := t.TempDir()
			dest := filepath.Join(dir, "report.pdf")

			result, err := newTestManager(tt.retries).Download(context.Background(), DownloadRequest{
				URL:         server.URL + "/file",
				Destination: dest,
			})

			if got := atomic.LoadInt32(&calls); got != tt.expectedCalls {
				t.Errorf("Expected %d calls, got %d", tt.expectedCalls, got)
			}

			if tt.expectedError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				var statusErr *StatusError
				if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.failStatus {
					t.Errorf("Expected StatusError %d, got %v", tt.failStatus, err)
				}
				if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
					t.Error("Destination must not exist after a failed download")
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if result.BytesDownloaded != int64(len(content)) {
				t.Errorf("Expected %d bytes, got %d", len(content), result.BytesDownloaded)
			}
			if result.RetryCount != tt.expectedRetry {
				t.Errorf("Expected retry count %d, got %d", tt.expectedRetry, result.RetryCount)
			}

			data, err := os.ReadFile(dest)
			if err != nil {
				t.Fatalf("Failed to read destination: %v", err)
			}
			if string(data) != content {
				t.Error("Downloaded content does not match")
			}

			entries, _ := os.ReadDir(dir)
			if len(entries) != 1 {
				t.Errorf("Expected only the destination file, found %d entries", len(entries))
			}
		})
	}
}

func TestDownloadTruncatedBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write([]byte("short"))
	}))
	defer server.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "report.pdf")

	_, err := newTestManager(0).Download(context.Background(), DownloadRequest{URL: server.URL, Destination: dest})
	if err == nil {
		t.Fatal("Expected error for truncated body")
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Error("Truncated download must not be renamed into place")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected temporary file to be removed, found %d entries", len(entries))
	}
}

func TestDownloadMissingDirectoryIsPathError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte("data"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "missing", "report.pdf")

	_, err := newTestManager(3).Download(context.Background(), DownloadRequest{URL: server.URL, Destination: dest})
	if !IsPathError(err) {
		t.Fatalf("Expected path error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Path errors must not be retried in place, got %d calls", got)
	}
}

func TestDownloadReplacesExistingFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("new content"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(dest, []byte("stale partial"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := newTestManager(0).Download(context.Background(), DownloadRequest{URL: server.URL, Destination: dest}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if string(data) != "new content" {
		t.Errorf("Expected replaced content, got %q", data)
	}
}

func TestDownloadContextCancelledDuringRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dm := NewDownloadManager(DownloadConfig{RetryAttempts: 5, RetryDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := dm.Download(ctx, DownloadRequest{URL: server.URL, Destination: filepath.Join(t.TempDir(), "f")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Retry wait ignored context cancellation")
	}
}

func TestIsPathError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"status error", &StatusError{StatusCode: 500}, false},
		{"missing directory", &DestinationError{Path: "/x", Err: &os.PathError{Op: "open", Path: "/x", Err: syscall.ENOENT}}, true},
		{"name too long", &DestinationError{Path: "/x", Err: &os.PathError{Op: "open", Path: "/x", Err: syscall.ENAMETOOLONG}}, true},
		{"invalid name", &DestinationError{Path: "/x", Err: &os.PathError{Op: "open", Path: "/x", Err: syscall.EINVAL}}, true},
		{"disk full", &DestinationError{Path: "/x", Err: &os.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}}, false},
		{"wrapped", fmt.Errorf("attempt: %w", &DestinationError{Path: "/x", Err: syscall.ENAMETOOLONG}), true},
		{"bare errno", syscall.ENAMETOOLONG, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPathError(tt.err); got != tt.expected {
				t.Errorf("IsPathError(%v) = %v, expected %v", tt.err, got, tt.expected)
			}
		})
	}
}
