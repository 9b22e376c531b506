// Package progress provides run progress reporting and the end-of-run summary for smartsheet-attachments
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/curtbushko/smartsheet-attachments/internal/logging"
)

// ProgressReporter defines the interface for progress reporting operations.
// Implementations are safe for concurrent use.
type ProgressReporter interface {
	// Start initializes the progress reporting session
	Start(ctx context.Context)

	// SetTotals records how many users and owned sheets the walk found
	SetTotals(users, sheets int)

	// AddDownloaded counts one attachment written to disk and recorded
	AddDownloaded(item string, bytes int64)

	// AddDeleted counts one attachment removed from the platform
	AddDeleted(item string)

	// CompleteSheet marks one sheet as processed
	CompleteSheet(item string)

	// AddSkipped adds a skipped item to the progress tracking
	AddSkipped(reason SkipReason, item string, details map[string]interface{})

	// AddError adds an error to the progress tracking
	AddError(kind ErrorKind, item string, err error, details map[string]interface{})

	// Finish completes the progress reporting session and shows summary
	Finish() *Summary

	// GetSummary returns current progress summary
	GetSummary() *Summary
}

// SkipReason represents why an item was skipped
type SkipReason int

const (
	SkipReasonAlreadyRecorded SkipReason = iota
	SkipReasonNotFile
	SkipReasonNoAttachments
	SkipReasonImpersonationDenied
	SkipReasonExcludedOwner
	SkipReasonDryRun
	SkipReasonAlreadyDeleted
	SkipReasonInProgress
)

func (r SkipReason) String() string {
	switch r {
	case SkipReasonAlreadyRecorded:
		return "already_recorded"
	case SkipReasonNotFile:
		return "not_file"
	case SkipReasonNoAttachments:
		return "no_attachments"
	case SkipReasonImpersonationDenied:
		return "impersonation_denied"
	case SkipReasonExcludedOwner:
		return "excluded_owner"
	case SkipReasonDryRun:
		return "dry_run"
	case SkipReasonAlreadyDeleted:
		return "already_deleted"
	case SkipReasonInProgress:
		return "in_progress"
	default:
		return "unknown"
	}
}

// ErrorKind is the unit a failure was isolated to
type ErrorKind int

const (
	ErrorKindAttachment ErrorKind = iota
	ErrorKindSheet
	ErrorKindUser
	ErrorKindDelete
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindAttachment:
		return "attachment"
	case ErrorKindSheet:
		return "sheet"
	case ErrorKindUser:
		return "user"
	case ErrorKindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// SkippedItem represents an item that was skipped
type SkippedItem struct {
	Item      string                 `json:"item"`
	Reason    SkipReason             `json:"reason"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// ErrorItem represents an item that encountered an error
type ErrorItem struct {
	Kind      ErrorKind              `json:"kind"`
	Item      string                 `json:"item"`
	Error     error                  `json:"-"`
	ErrorMsg  string                 `json:"error"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Summary represents the final progress summary
type Summary struct {
	TotalUsers           int           `json:"total_users"`
	TotalSheets          int           `json:"total_sheets"`
	ProcessedSheets      int           `json:"processed_sheets"`
	Downloaded           int           `json:"downloaded"`
	Deleted              int           `json:"deleted"`
	TotalBytesDownloaded int64         `json:"total_bytes_downloaded"`
	SkippedItems         []SkippedItem `json:"skipped_items"`
	ErrorItems           []ErrorItem   `json:"error_items"`
	TotalDuration        time.Duration `json:"-"`
	StartTime            time.Time     `json:"start_time"`
	EndTime              time.Time     `json:"end_time"`
}

// GetSkippedByReason returns skipped items grouped by reason
func (s *Summary) GetSkippedByReason() map[SkipReason][]SkippedItem {
	result := make(map[SkipReason][]SkippedItem)
	for _, item := range s.SkippedItems {
		result[item.Reason] = append(result[item.Reason], item)
	}
	return result
}

// GetErrorsByKind returns error items grouped by the unit that failed
func (s *Summary) GetErrorsByKind() map[ErrorKind][]ErrorItem {
	result := make(map[ErrorKind][]ErrorItem)
	for _, item := range s.ErrorItems {
		result[item.Kind] = append(result[item.Kind], item)
	}
	return result
}

// Failed returns the number of failures isolated to kind
func (s *Summary) Failed(kind ErrorKind) int {
	return len(s.GetErrorsByKind()[kind])
}

// Skipped returns the number of items skipped for reason
func (s *Summary) Skipped(reason SkipReason) int {
	return len(s.GetSkippedByReason()[reason])
}

// ProgressConfig holds configuration for progress reporting
type ProgressConfig struct {
	ShowProgressBar bool          // Whether to render the live status line
	UpdateInterval  time.Duration // How often to redraw the status line
	Writer          io.Writer     // Where to write progress output (default: os.Stdout)
	LogFiles        []string      // Log files listed at the end of the summary
}

// ShouldShowProgress reports whether a live status line makes sense on w:
// it must be a terminal and the user must not have disabled it.
func ShouldShowProgress(w io.Writer, noProgress bool) bool {
	if noProgress {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// progressReporterImpl implements the ProgressReporter interface
type progressReporterImpl struct {
	config      ProgressConfig
	logger      logging.Logger
	users       int
	sheets      int
	processed   int
	downloaded  int
	deleted     int
	bytes       int64
	skipped     []SkippedItem
	errors      []ErrorItem
	startTime   time.Time
	mutex       sync.Mutex
	writer      io.Writer
	ctx         context.Context
	cancel      context.CancelFunc
	displayDone chan struct{}
}

// NewProgressReporter creates a new progress reporter with the given configuration
func NewProgressReporter(config ProgressConfig, logger logging.Logger) ProgressReporter {
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = 500 * time.Millisecond
	}
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &progressReporterImpl{
		config:  config,
		logger:  logger,
		skipped: []SkippedItem{},
		errors:  []ErrorItem{},
		writer:  config.Writer,
		ctx:     context.Background(),
	}
}

// Start initializes the progress reporting session
func (pr *progressReporterImpl) Start(ctx context.Context) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.startTime = time.Now()
	pr.ctx, pr.cancel = context.WithCancel(ctx)

	if pr.config.ShowProgressBar {
		pr.displayDone = make(chan struct{})
		go pr.displayLoop(pr.ctx, pr.displayDone)
	}
}

func (pr *progressReporterImpl) SetTotals(users, sheets int) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.users = users
	pr.sheets = sheets
	pr.logger.InfoWithContext(pr.ctx, "Walk complete: %d users, %d owned sheets", users, sheets)
}

func (pr *progressReporterImpl) AddDownloaded(item string, bytes int64) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.downloaded++
	pr.bytes += bytes
}

func (pr *progressReporterImpl) AddDeleted(item string) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.deleted++
}

func (pr *progressReporterImpl) CompleteSheet(item string) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.processed++
}

// AddSkipped adds a skipped item to the progress tracking
func (pr *progressReporterImpl) AddSkipped(reason SkipReason, item string, details map[string]interface{}) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	pr.skipped = append(pr.skipped, SkippedItem{
		Item:      item,
		Reason:    reason,
		Details:   details,
		Timestamp: time.Now(),
	})

	pr.logger.LogAction(pr.ctx, "skipped", withFields(details, map[string]interface{}{
		"item":   item,
		"reason": reason.String(),
	}))
}

// AddError adds an error to the progress tracking
func (pr *progressReporterImpl) AddError(kind ErrorKind, item string, err error, details map[string]interface{}) {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	pr.errors = append(pr.errors, ErrorItem{
		Kind:      kind,
		Item:      item,
		Error:     err,
		ErrorMsg:  msg,
		Details:   details,
		Timestamp: time.Now(),
	})

	pr.logger.LogAction(pr.ctx, kind.String()+"_failed", withFields(details, map[string]interface{}{
		"item":  item,
		"error": msg,
	}))
}

// Finish completes the progress reporting session and shows summary
func (pr *progressReporterImpl) Finish() *Summary {
	pr.mutex.Lock()
	cancel, done := pr.cancel, pr.displayDone
	pr.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	summary := pr.GetSummary()
	pr.displaySummary(summary)

	pr.logger.InfoWithContext(pr.ctx, "Run completed: %d sheets processed, %d downloaded, %d deleted, %d skipped, %d errors in %s",
		summary.ProcessedSheets, summary.Downloaded, summary.Deleted, len(summary.SkippedItems), len(summary.ErrorItems), formatDuration(summary.TotalDuration))

	return summary
}

// GetSummary returns current progress summary
func (pr *progressReporterImpl) GetSummary() *Summary {
	pr.mutex.Lock()
	defer pr.mutex.Unlock()

	return pr.summaryLocked()
}

func (pr *progressReporterImpl) summaryLocked() *Summary {
	endTime := time.Now()
	skipped := make([]SkippedItem, len(pr.skipped))
	copy(skipped, pr.skipped)
	errs := make([]ErrorItem, len(pr.errors))
	copy(errs, pr.errors)

	var duration time.Duration
	if !pr.startTime.IsZero() {
		duration = endTime.Sub(pr.startTime)
	}

	return &Summary{
		TotalUsers:           pr.users,
		TotalSheets:          pr.sheets,
		ProcessedSheets:      pr.processed,
		Downloaded:           pr.downloaded,
		Deleted:              pr.deleted,
		TotalBytesDownloaded: pr.bytes,
		SkippedItems:         skipped,
		ErrorItems:           errs,
		TotalDuration:        duration,
		StartTime:            pr.startTime,
		EndTime:              endTime,
	}
}

// displayLoop runs in background to update the status line
func (pr *progressReporterImpl) displayLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(pr.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprint(pr.writer, "\r\033[K")
			return
		case <-ticker.C:
			pr.displayProgress()
		}
	}
}

// displayProgress redraws the one-line status
func (pr *progressReporterImpl) displayProgress() {
	pr.mutex.Lock()
	line := statusLine(pr.summaryLocked())
	pr.mutex.Unlock()

	fmt.Fprint(pr.writer, "\r\033[K"+line)
}

// statusLine renders e.g. [████░░░░] 50% | 2/4 sheets | 7 downloaded, 1 skipped, 0 failed
func statusLine(s *Summary) string {
	var percent float64
	if s.TotalSheets > 0 {
		percent = float64(s.ProcessedSheets) / float64(s.TotalSheets) * 100
	}
	return fmt.Sprintf("[%s] %.0f%% | %d/%d sheets | %d downloaded, %d skipped, %d failed",
		createProgressBar(percent, 30), percent, s.ProcessedSheets, s.TotalSheets,
		s.Downloaded, len(s.SkippedItems), len(s.ErrorItems))
}

// displaySummary shows the final summary
func (pr *progressReporterImpl) displaySummary(summary *Summary) {
	w := pr.writer
	fmt.Fprintf(w, "\nSummary:\n")
	fmt.Fprintf(w, "- Users: %d\n", summary.TotalUsers)
	fmt.Fprintf(w, "- Owned sheets: %d (%d processed)\n", summary.TotalSheets, summary.ProcessedSheets)
	fmt.Fprintf(w, "- Downloaded: %d\n", summary.Downloaded)
	if summary.Deleted > 0 {
		fmt.Fprintf(w, "- Deleted from platform: %d\n", summary.Deleted)
	}

	skippedByReason := summary.GetSkippedByReason()
	for _, reason := range []SkipReason{
		SkipReasonAlreadyRecorded,
		SkipReasonNotFile,
		SkipReasonNoAttachments,
		SkipReasonImpersonationDenied,
		SkipReasonExcludedOwner,
		SkipReasonDryRun,
		SkipReasonAlreadyDeleted,
		SkipReasonInProgress,
	} {
		if n := len(skippedByReason[reason]); n > 0 {
			fmt.Fprintf(w, "- Skipped (%s): %d\n", strings.ReplaceAll(reason.String(), "_", " "), n)
		}
	}

	errorsByKind := summary.GetErrorsByKind()
	for _, kind := range []ErrorKind{ErrorKindUser, ErrorKindSheet, ErrorKindAttachment, ErrorKindDelete} {
		if n := len(errorsByKind[kind]); n > 0 {
			fmt.Fprintf(w, "- Failed %ss: %d\n", kind.String(), n)
		}
	}

	if summary.TotalBytesDownloaded > 0 {
		fmt.Fprintf(w, "- Total size: %s\n", formatBytes(summary.TotalBytesDownloaded))
	}
	fmt.Fprintf(w, "- Time elapsed: %s\n", formatDuration(summary.TotalDuration))

	if len(pr.config.LogFiles) > 0 {
		fmt.Fprintf(w, "\nAll operations logged to: %s\n", strings.Join(pr.config.LogFiles, ", "))
	}
}

func withFields(details, fields map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(details)+len(fields))
	for k, v := range details {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// createProgressBar creates a visual progress bar string
func createProgressBar(percent float64, width int) string {
	filled := int(percent / 100 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// formatBytes formats byte count as human readable string
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp])
}

// formatDuration formats duration as human readable string
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) - minutes*60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) - hours*60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
