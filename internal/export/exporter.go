// Package export orchestrates a full attachment export run and the
// manifest-driven delete replay
package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/curtbushko/smartsheet-attachments/internal/discovery"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
	"github.com/curtbushko/smartsheet-attachments/internal/manifest"
	"github.com/curtbushko/smartsheet-attachments/internal/progress"
	"github.com/curtbushko/smartsheet-attachments/internal/smartsheet"
	"github.com/curtbushko/smartsheet-attachments/internal/transfer"
)

// GlobalManifestName is the file name of the global manifest in the output directory
const GlobalManifestName = "all_attachments.csv"

// Walker enumerates the owned sheets of the organization
type Walker interface {
	Walk(ctx context.Context) (*discovery.Result, error)
}

// SheetProcessor exports the attachments of one sheet
type SheetProcessor interface {
	ProcessSheet(ctx context.Context, sheet discovery.SheetDescriptor, opts transfer.Options) (*transfer.SheetResult, error)
}

// Deleter removes an attachment from the platform
type Deleter interface {
	DeleteAttachment(ctx context.Context, assumeUser string, sheetID, attachmentID int64) error
}

// RunOptions controls a download run
type RunOptions struct {
	DeleteAfterDownload bool
	DryRun              bool
}

// Config holds exporter configuration
type Config struct {
	Concurrency        int    // Sheets processed in parallel (default 1)
	GlobalManifestPath string // Read by DeleteRecorded
}

// DeleteSummary represents the outcome of a delete replay
type DeleteSummary struct {
	Total          int
	Deleted        int
	AlreadyDeleted int
	Failed         int
	Excluded       int
	Planned        int // dry run only
	Duration       time.Duration
}

// Exporter runs the walk and hands every owned sheet to the transfer engine
type Exporter struct {
	walker     Walker
	sheets     SheetProcessor
	deleter    Deleter
	exclusions transfer.Excluder
	reporter   progress.ProgressReporter
	config     Config
	logger     logging.Logger
}

// NewExporter creates a new exporter. A nil exclusions excludes nobody.
func NewExporter(
	walker Walker,
	sheets SheetProcessor,
	deleter Deleter,
	exclusions transfer.Excluder,
	reporter progress.ProgressReporter,
	config Config,
	logger logging.Logger,
) *Exporter {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Exporter{
		walker:     walker,
		sheets:     sheets,
		deleter:    deleter,
		exclusions: exclusions,
		reporter:   reporter,
		config:     config,
		logger:     logger,
	}
}

// Run walks the organization and exports every owned sheet. Failures of
// single users, sheets or attachments are counted in the summary; an error is
// returned only when the run could not start or was cancelled.
func (e *Exporter) Run(ctx context.Context, opts RunOptions) (*progress.Summary, error) {
	e.reporter.Start(ctx)

	e.logger.InfoWithContext(ctx, "Starting attachment export (delete after download: %t, dry run: %t, workers: %d)",
		opts.DeleteAfterDownload, opts.DryRun, e.config.Concurrency)

	walk, err := e.walker.Walk(ctx)
	if err != nil {
		e.logger.ErrorWithContext(ctx, "Walk failed: %v", err)
		return e.reporter.Finish(), err
	}

	for _, addr := range walk.DeniedUsers {
		e.reporter.AddSkipped(progress.SkipReasonImpersonationDenied, addr, map[string]interface{}{"owner": addr})
	}
	for _, addr := range walk.FailedUsers {
		e.reporter.AddError(progress.ErrorKindUser, addr, fmt.Errorf("failed to list sheets for %s", addr), map[string]interface{}{"owner": addr})
	}

	e.reporter.SetTotals(len(walk.Users), len(walk.Sheets))

	transferOpts := transfer.Options{
		DeleteAfterDownload: opts.DeleteAfterDownload,
		DryRun:              opts.DryRun,
	}

	jobs := make(chan discovery.SheetDescriptor)
	var wg sync.WaitGroup
	for i := 0; i < e.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sheet := range jobs {
				e.processSheetSafely(ctx, sheet, transferOpts)
			}
		}()
	}

dispatch:
	for _, sheet := range walk.Sheets {
		select {
		case jobs <- sheet:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	summary := e.reporter.Finish()
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// processSheetSafely isolates failures and panics to the sheet that caused them
func (e *Exporter) processSheetSafely(ctx context.Context, sheet discovery.SheetDescriptor, opts transfer.Options) {
	item := fmt.Sprintf("%s/%d", sheet.OwnerEmail, sheet.ID)
	details := map[string]interface{}{
		"owner":      sheet.OwnerEmail,
		"sheet_id":   sheet.ID,
		"sheet_name": sheet.Name,
	}
	defer e.reporter.CompleteSheet(item)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic while processing sheet: %v", r)
			e.logger.ErrorWithContext(ctx, "Sheet %d (%s) owned by %s aborted: %v", sheet.ID, sheet.Name, sheet.OwnerEmail, err)
			e.reporter.AddError(progress.ErrorKindSheet, item, err, details)
		}
	}()

	if ctx.Err() != nil {
		return
	}

	result, err := e.sheets.ProcessSheet(ctx, sheet, opts)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.ErrorWithContext(ctx, "Skipping sheet %d (%s) owned by %s: %v", sheet.ID, sheet.Name, sheet.OwnerEmail, err)
		e.reporter.AddError(progress.ErrorKindSheet, item, err, details)
		return
	}

	e.logger.InfoWithContext(ctx, "Sheet %d (%s) owned by %s: %d attachments, %d downloaded, %d skipped, %d failed, %d deleted in %s",
		sheet.ID, sheet.Name, sheet.OwnerEmail, result.Attachments, result.Downloaded, result.Skipped, result.Failed, result.Deleted,
		result.Duration.Round(time.Millisecond))
}

// DeleteRecorded deletes from the platform every attachment listed in the
// global manifest, except those of excluded owners. It does not download.
func (e *Exporter) DeleteRecorded(ctx context.Context, dryRun bool) (*DeleteSummary, error) {
	startTime := time.Now()
	summary := &DeleteSummary{}
	defer func() { summary.Duration = time.Since(startTime) }()

	entries, err := manifest.ReadGlobal(e.config.GlobalManifestPath)
	if err != nil {
		if entries == nil {
			return summary, fmt.Errorf("failed to read global manifest: %w", err)
		}
		e.logger.WarnWithContext(ctx, "Some manifest rows were ignored: %v", err)
	}
	summary.Total = len(entries)

	e.logger.InfoWithContext(ctx, "Deleting %d recorded attachments listed in %s (dry run: %t)",
		len(entries), e.config.GlobalManifestPath, dryRun)

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		fields := map[string]interface{}{
			"owner":           entry.OwnerEmail,
			"sheet_id":        entry.SheetID,
			"attachment_id":   entry.AttachmentID,
			"attachment_name": entry.AttachmentName,
		}

		if e.exclusions != nil && e.exclusions.IsExcluded(entry.OwnerEmail) {
			summary.Excluded++
			e.logger.LogAction(ctx, "delete_excluded", fields)
			continue
		}

		if dryRun {
			summary.Planned++
			e.logger.InfoWithContext(ctx, "[dry run] would delete attachment %d (%s) from sheet %d owned by %s",
				entry.AttachmentID, entry.AttachmentName, entry.SheetID, entry.OwnerEmail)
			continue
		}

		err := e.deleter.DeleteAttachment(ctx, entry.OwnerEmail, entry.SheetID, entry.AttachmentID)
		switch {
		case err == nil:
			summary.Deleted++
			e.logger.LogAction(ctx, "deleted", fields)
		case smartsheet.IsNotFound(err):
			summary.AlreadyDeleted++
			e.logger.LogAction(ctx, "already_deleted", fields)
		default:
			summary.Failed++
			fields["error"] = err.Error()
			e.logger.LogAction(ctx, "delete_failed", fields)
		}
	}

	e.logger.InfoWithContext(ctx, "Delete replay complete: %d deleted, %d already deleted, %d excluded, %d failed",
		summary.Deleted, summary.AlreadyDeleted, summary.Excluded, summary.Failed)

	return summary, nil
}
