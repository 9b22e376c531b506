// Package download streams attachment content from pre-signed URLs to disk
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
)

// DownloadManager defines the interface for download operations
type DownloadManager interface {
	Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error)
}

// DownloadConfig holds configuration for the download manager
type DownloadConfig struct {
	ConcurrentLimit int           // Maximum number of concurrent downloads
	ChunkSize       int           // Size of the copy buffer in bytes
	RetryAttempts   int           // Extra attempts after the first failure
	RetryDelay      time.Duration // Delay between retry attempts
	UserAgent       string        // User agent string for HTTP requests
	Timeout         time.Duration // HTTP request timeout
}

// DownloadConfigFromExportConfig creates DownloadConfig from ExportConfig
func DownloadConfigFromExportConfig(cfg config.ExportConfig) DownloadConfig {
	return DownloadConfig{
		ConcurrentLimit: cfg.Concurrency,
		RetryAttempts:   cfg.RetryAttempts,
		RetryDelay:      cfg.RetryDelay(),
		Timeout:         cfg.TimeoutDuration(),
	}
}

// DownloadRequest represents a single download request
type DownloadRequest struct {
	URL         string // Pre-signed source URL
	Destination string // Final local file path; its directory must exist
}

// DownloadResult represents the result of a completed download
type DownloadResult struct {
	Path            string
	BytesDownloaded int64
	Duration        time.Duration
	RetryCount      int
}

// StatusError is returned for a non-2xx response from the content URL
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error: %s", e.Status)
}

// DestinationError wraps a failure to create, write or rename the local file
type DestinationError struct {
	Path string
	Err  error
}

func (e *DestinationError) Error() string {
	return fmt.Sprintf("destination %s: %v", e.Path, e.Err)
}

func (e *DestinationError) Unwrap() error {
	return e.Err
}

// IncompleteError is returned when fewer bytes arrived than Content-Length announced
type IncompleteError struct {
	Expected int64
	Received int64
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("incomplete download: received %d of %d bytes", e.Received, e.Expected)
}

// IsPathError reports whether err means the destination path itself is
// unusable: a missing directory, a name that is too long or a name the
// filesystem rejects. Such failures are not retried in place.
func IsPathError(err error) bool {
	var destErr *DestinationError
	if !errors.As(err, &destErr) {
		return false
	}
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENAMETOOLONG) ||
		errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.EILSEQ) ||
		errors.Is(err, syscall.ENOTDIR)
}

// downloadManagerImpl implements the DownloadManager interface
type downloadManagerImpl struct {
	config     DownloadConfig
	httpClient *http.Client
	semaphore  chan struct{}
}

// NewDownloadManager creates a new download manager with the given configuration
func NewDownloadManager(config DownloadConfig) DownloadManager {
	if config.ConcurrentLimit <= 0 {
		config.ConcurrentLimit = 1
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 64 * 1024
	}
	if config.RetryAttempts < 0 {
		config.RetryAttempts = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 500 * time.Millisecond
	}
	if config.UserAgent == "" {
		config.UserAgent = "smartsheet-attachments/1.0"
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}

	// Content URLs are pre-signed, so this client carries no credentials
	httpClient := &http.Client{
		Timeout: config.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}

	return &downloadManagerImpl{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.ConcurrentLimit),
	}
}

// Download fetches req.URL into req.Destination. The content is written to a
// temporary file in the destination directory and renamed into place only
// after it has been synced and its length verified.
func (dm *downloadManagerImpl) Download(ctx context.Context, req DownloadRequest) (*DownloadResult, error) {
	startTime := time.Now()

	select {
	case dm.semaphore <- struct{}{}:
		defer func() { <-dm.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= dm.config.RetryAttempts; attempt++ {
		written, err := dm.performDownload(ctx, req)
		if err == nil {
			return &DownloadResult{
				Path:            req.Destination,
				BytesDownloaded: written,
				Duration:        time.Since(startTime),
				RetryCount:      attempt,
			}, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) || attempt >= dm.config.RetryAttempts {
			break
		}

		select {
		case <-time.After(dm.config.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, lastErr
}

// performDownload performs a single download attempt
func (dm *downloadManagerImpl) performDownload(ctx context.Context, req DownloadRequest) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("User-Agent", dm.config.UserAgent)

	resp, err := dm.httpClient.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	dir := filepath.Dir(req.Destination)
	file, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return 0, &DestinationError{Path: req.Destination, Err: err}
	}
	tempPath := file.Name()
	committed := false
	defer func() {
		if !committed {
			file.Close()
			os.Remove(tempPath)
		}
	}()

	written, err := io.CopyBuffer(file, resp.Body, make([]byte, dm.config.ChunkSize))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return 0, &DestinationError{Path: req.Destination, Err: err}
		}
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return 0, &IncompleteError{Expected: resp.ContentLength, Received: written}
	}

	if err := file.Sync(); err != nil {
		return 0, &DestinationError{Path: req.Destination, Err: err}
	}
	if err := file.Close(); err != nil {
		return 0, &DestinationError{Path: req.Destination, Err: err}
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return 0, &DestinationError{Path: req.Destination, Err: err}
	}
	if err := os.Rename(tempPath, req.Destination); err != nil {
		os.Remove(tempPath)
		committed = true
		return 0, &DestinationError{Path: req.Destination, Err: err}
	}
	committed = true

	return written, nil
}

// retryable reports whether another attempt could succeed. Every non-2xx
// response gets the full retry budget.
func retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return true
	}

	var destErr *DestinationError
	if errors.As(err, &destErr) {
		return !IsPathError(err)
	}

	return true
}
