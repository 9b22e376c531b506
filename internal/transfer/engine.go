// Package transfer downloads and records the attachments of one sheet
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/curtbushko/smartsheet-attachments/internal/directory"
	"github.com/curtbushko/smartsheet-attachments/internal/discovery"
	"github.com/curtbushko/smartsheet-attachments/internal/download"
	"github.com/curtbushko/smartsheet-attachments/internal/filename"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
	"github.com/curtbushko/smartsheet-attachments/internal/manifest"
	"github.com/curtbushko/smartsheet-attachments/internal/progress"
	"github.com/curtbushko/smartsheet-attachments/internal/smartsheet"
)

// API is the part of the platform API the engine needs
type API interface {
	ListAttachments(ctx context.Context, assumeUser string, sheetID int64) ([]smartsheet.Attachment, error)
	GetAttachment(ctx context.Context, assumeUser string, sheetID, attachmentID int64) (*smartsheet.Attachment, error)
	DeleteAttachment(ctx context.Context, assumeUser string, sheetID, attachmentID int64) error
}

// Excluder reports owners whose attachments must not be deleted
type Excluder interface {
	IsExcluded(ownerEmail string) bool
}

// Options controls what the engine does with each attachment
type Options struct {
	DeleteAfterDownload bool
	DryRun              bool
}

// Config holds engine configuration
type Config struct {
	MaxPathLength int
}

// SheetResult represents the result of processing a single sheet
type SheetResult struct {
	SheetID      int64
	SheetName    string
	OwnerEmail   string
	Folder       string // relative folder path used, empty when none was created
	Attachments  int
	Downloaded   int
	Skipped      int
	Failed       int
	Deleted      int
	DeleteFailed int
	Duration     time.Duration
}

// Engine processes sheets one at a time. It is safe to call ProcessSheet
// from several goroutines on different sheets.
type Engine struct {
	api        API
	downloads  download.DownloadManager
	dirs       directory.DirectoryManager
	store      *manifest.Store
	sanitizer  filename.Sanitizer
	prober     *filename.Prober
	exclusions Excluder
	reporter   progress.ProgressReporter
	logger     logging.Logger
}

// NewEngine creates a new transfer engine. A nil exclusions excludes nobody
// and a nil reporter discards progress.
func NewEngine(
	api API,
	downloads download.DownloadManager,
	dirs directory.DirectoryManager,
	store *manifest.Store,
	exclusions Excluder,
	reporter progress.ProgressReporter,
	config Config,
	logger logging.Logger,
) *Engine {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reporter == nil {
		reporter = progress.NewProgressReporter(progress.ProgressConfig{Writer: io.Discard}, logging.NewNopLogger())
	}
	sanitizer := filename.NewSanitizer()

	return &Engine{
		api:        api,
		downloads:  downloads,
		dirs:       dirs,
		store:      store,
		sanitizer:  sanitizer,
		prober:     filename.NewProber(sanitizer, config.MaxPathLength),
		exclusions: exclusions,
		reporter:   reporter,
		logger:     logger,
	}
}

// target is the folder attachments of the current sheet are written to,
// together with its open manifest and the file names its recorded
// attachments may occupy
type target struct {
	folder   *directory.SheetFolder
	manifest *manifest.File
	claimed  map[string]struct{}
}

// claim marks the names attachment id could have been written under
func (t *target) claim(s filename.Sanitizer, id int64, name string) {
	t.claimed[claimKey(s, name)] = struct{}{}
	t.claimed[claimKey(s, s.FallbackName(id, name))] = struct{}{}
}

// owned reports whether a recorded attachment may already occupy the file
// name of an attachment called name
func (t *target) owned(s filename.Sanitizer, name string) bool {
	_, ok := t.claimed[claimKey(s, name)]
	return ok
}

// claimKey compares names the way the manifest stores them, since the name
// column holds field-sanitized values rather than file names
func claimKey(s filename.Sanitizer, name string) string {
	return s.Sanitize(s.SanitizeField(name))
}

// sheetRun carries the state of one ProcessSheet call
type sheetRun struct {
	sheet   discovery.SheetDescriptor
	opts    Options
	result  *SheetResult
	current *target
	opened  []*manifest.File
}

// ProcessSheet lists the sheet's attachments and downloads every FILE
// attachment that is not yet recorded. Failures of single attachments are
// logged and counted; an error is returned only when the sheet as a whole
// could not be processed.
func (e *Engine) ProcessSheet(ctx context.Context, sheet discovery.SheetDescriptor, opts Options) (*SheetResult, error) {
	startTime := time.Now()
	result := &SheetResult{
		SheetID:    sheet.ID,
		SheetName:  sheet.Name,
		OwnerEmail: sheet.OwnerEmail,
	}
	defer func() { result.Duration = time.Since(startTime) }()

	attachments, err := e.api.ListAttachments(ctx, sheet.OwnerEmail, sheet.ID)
	if err != nil {
		return result, fmt.Errorf("failed to list attachments for sheet %d (%s) owned by %s: %w", sheet.ID, sheet.Name, sheet.OwnerEmail, err)
	}
	result.Attachments = len(attachments)

	if len(attachments) == 0 {
		e.logger.InfoWithContext(ctx, "Sheet %d (%s) owned by %s has no attachments", sheet.ID, sheet.Name, sheet.OwnerEmail)
		e.reporter.AddSkipped(progress.SkipReasonNoAttachments, sheetItem(sheet), nil)
		return result, nil
	}

	if opts.DryRun {
		e.planSheet(ctx, sheet, attachments, opts, result)
		return result, nil
	}

	folder, err := e.dirs.EnsureSheet(sheet.OwnerEmail, sheet.ID, sheet.Name)
	if err != nil {
		return result, fmt.Errorf("failed to prepare folder for sheet %d (%s) owned by %s: %w", sheet.ID, sheet.Name, sheet.OwnerEmail, err)
	}

	run := &sheetRun{sheet: sheet, opts: opts, result: result}
	defer run.closeManifests(e.logger)

	if err := run.use(e.store, e.sanitizer, folder); err != nil {
		return result, fmt.Errorf("failed to open manifest for sheet %d (%s): %w", sheet.ID, sheet.Name, err)
	}

	e.logger.InfoWithContext(ctx, "Processing %d attachments of sheet %d (%s) owned by %s into %s",
		len(attachments), sheet.ID, sheet.Name, sheet.OwnerEmail, folder.RelativePath)

	for _, att := range attachments {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		e.processAttachmentSafely(ctx, run, att)
	}

	result.Folder = run.current.folder.RelativePath
	return result, nil
}

// use makes folder the current target, opening its manifest
func (r *sheetRun) use(store *manifest.Store, sanitizer filename.Sanitizer, folder *directory.SheetFolder) error {
	m, err := store.OpenSheet(folder.ManifestPath)
	if err != nil {
		return err
	}
	r.opened = append(r.opened, m)
	r.current = &target{folder: folder, manifest: m, claimed: make(map[string]struct{})}
	for id, name := range m.AttachmentNames() {
		r.current.claim(sanitizer, id, name)
	}
	return nil
}

func (r *sheetRun) closeManifests(logger logging.Logger) {
	for _, m := range r.opened {
		if err := m.Close(); err != nil {
			logger.Error("Failed to close manifest %s: %v", m.Path(), err)
		}
	}
}

// processAttachmentSafely isolates a panic to the attachment that caused it
func (e *Engine) processAttachmentSafely(ctx context.Context, run *sheetRun, att smartsheet.Attachment) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(ctx, run, att, fmt.Errorf("panic while processing attachment: %v", r))
		}
	}()
	e.processAttachment(ctx, run, att)
}

func (e *Engine) processAttachment(ctx context.Context, run *sheetRun, att smartsheet.Attachment) {
	sheet := run.sheet

	if !att.IsFile() {
		e.skip(ctx, run, att, progress.SkipReasonNotFile)
		return
	}

	if e.store.HasAttachment(run.current.manifest, att.ID) {
		e.skip(ctx, run, att, progress.SkipReasonAlreadyRecorded)
		if run.opts.DeleteAfterDownload {
			e.deleteRemote(ctx, run, att)
		}
		return
	}

	// The worker holding the claim records and deletes it; nothing here may
	// delete an attachment that has no manifest row yet.
	if !e.store.Reserve(att.ID) {
		e.skip(ctx, run, att, progress.SkipReasonInProgress)
		return
	}
	defer e.store.Release(att.ID)

	detail, err := e.api.GetAttachment(ctx, sheet.OwnerEmail, sheet.ID, att.ID)
	if err != nil {
		e.fail(ctx, run, att, err)
		return
	}
	if detail.URL == "" {
		e.fail(ctx, run, att, errors.New("attachment has no download URL"))
		return
	}

	result, err := e.transfer(ctx, run, att, detail.URL)
	if err != nil {
		e.fail(ctx, run, att, err)
		return
	}

	entry := manifest.Entry{
		AttachmentID:   att.ID,
		AttachmentName: e.sanitizer.SanitizeField(att.Name),
		CreatedBy:      e.sanitizer.SanitizeField(firstNonEmpty(detail.CreatorName(), att.CreatorName())),
		CreatedByEmail: e.sanitizer.SanitizeField(firstNonEmpty(detail.CreatorEmail(), att.CreatorEmail())),
		CreatedAt:      firstNonEmpty(detail.CreatedAtString(), att.CreatedAtString()),
		SheetID:        sheet.ID,
		SheetName:      e.sanitizer.SanitizeField(sheet.Name),
		OwnerEmail:     sheet.OwnerEmail,
		FolderPath:     run.current.folder.RelativePath,
	}
	if err := e.store.RecordAttachment(run.current.manifest, entry); err != nil {
		e.fail(ctx, run, att, fmt.Errorf("downloaded to %s but not recorded: %w", result.Path, err))
		return
	}
	run.current.claim(e.sanitizer, att.ID, att.Name)

	run.result.Downloaded++
	e.reporter.AddDownloaded(attachmentItem(sheet, att), result.BytesDownloaded)
	e.logger.LogAction(ctx, "downloaded", attachmentFields(sheet, att, map[string]interface{}{
		"path":  result.Path,
		"bytes": result.BytesDownloaded,
	}))

	if run.opts.DeleteAfterDownload {
		e.deleteRemote(ctx, run, att)
	}
}

// transfer downloads into the current folder. A path-class failure moves the
// sheet to its alternate folder and retries there once.
func (e *Engine) transfer(ctx context.Context, run *sheetRun, att smartsheet.Attachment, url string) (*download.DownloadResult, error) {
	dest := e.destination(run.current, att)
	result, err := e.downloads.Download(ctx, download.DownloadRequest{URL: url, Destination: dest})
	if err == nil || !download.IsPathError(err) || run.current.folder.Alternate {
		return result, err
	}

	sheet := run.sheet
	e.logger.WarnWithContext(ctx, "Path error writing attachment %d (%s) of sheet %d to %s, retrying in alternate folder: %v",
		att.ID, att.Name, sheet.ID, dest, err)

	alt, altErr := e.dirs.EnsureAlternate(sheet.OwnerEmail, sheet.ID, sheet.Name)
	if altErr != nil {
		return nil, fmt.Errorf("%w (alternate folder unavailable: %v)", err, altErr)
	}
	if err := run.use(e.store, e.sanitizer, alt); err != nil {
		return nil, fmt.Errorf("failed to open alternate manifest: %w", err)
	}

	dest = e.destination(run.current, att)
	return e.downloads.Download(ctx, download.DownloadRequest{URL: url, Destination: dest})
}

// destination picks the file path for att inside the target folder: the
// sanitized display name, or "{id}{ext}" when that name is unusable or held by
// another recorded attachment. A file no manifest row accounts for is left
// over from an interrupted run and gets overwritten.
func (e *Engine) destination(t *target, att smartsheet.Attachment) string {
	folder := t.folder
	name := e.sanitizer.Sanitize(att.Name)
	path := filepath.Join(folder.AttachmentsPath, name)

	status := e.prober.Probe(folder.AttachmentsPath, name)
	if status == filename.PathValid && !(exists(path) && t.owned(e.sanitizer, att.Name)) {
		return path
	}

	fallback := e.sanitizer.FallbackName(att.ID, att.Name)
	reason := "name already taken"
	if status != filename.PathValid {
		reason = status.String()
	}
	e.logger.Info("Using fallback name %s for attachment %d (%s): %s", fallback, att.ID, att.Name, reason)
	return filepath.Join(folder.AttachmentsPath, fallback)
}

func (e *Engine) deleteRemote(ctx context.Context, run *sheetRun, att smartsheet.Attachment) {
	sheet := run.sheet
	item := attachmentItem(sheet, att)

	if e.exclusions != nil && e.exclusions.IsExcluded(sheet.OwnerEmail) {
		e.reporter.AddSkipped(progress.SkipReasonExcludedOwner, item, attachmentFields(sheet, att, nil))
		return
	}

	err := e.api.DeleteAttachment(ctx, sheet.OwnerEmail, sheet.ID, att.ID)
	switch {
	case err == nil:
		run.result.Deleted++
		e.reporter.AddDeleted(item)
		e.logger.LogAction(ctx, "deleted", attachmentFields(sheet, att, nil))
	case smartsheet.IsNotFound(err):
		e.reporter.AddSkipped(progress.SkipReasonAlreadyDeleted, item, attachmentFields(sheet, att, nil))
	default:
		run.result.DeleteFailed++
		e.logger.ErrorWithContext(ctx, "Failed to delete attachment %d (%s) on sheet %d (%s) owned by %s: %v",
			att.ID, att.Name, sheet.ID, sheet.Name, sheet.OwnerEmail, err)
		e.reporter.AddError(progress.ErrorKindDelete, item, err, attachmentFields(sheet, att, nil))
	}
}

// planSheet reports what a real run would do without touching disk or platform
func (e *Engine) planSheet(ctx context.Context, sheet discovery.SheetDescriptor, attachments []smartsheet.Attachment, opts Options, result *SheetResult) {
	folder := directory.PrimaryFolderName(e.sanitizer, sheet.ID, sheet.Name)

	for _, att := range attachments {
		item := attachmentItem(sheet, att)
		switch {
		case !att.IsFile():
			result.Skipped++
			e.reporter.AddSkipped(progress.SkipReasonNotFile, item, attachmentFields(sheet, att, nil))
		case e.store.HasAttachment(nil, att.ID):
			result.Skipped++
			e.reporter.AddSkipped(progress.SkipReasonAlreadyRecorded, item, attachmentFields(sheet, att, nil))
		default:
			result.Skipped++
			e.logger.InfoWithContext(ctx, "[dry run] would download attachment %d (%s) to %s/%s/%s",
				att.ID, att.Name, e.sanitizer.Sanitize(sheet.OwnerEmail), folder, e.sanitizer.Sanitize(att.Name))
			if opts.DeleteAfterDownload && (e.exclusions == nil || !e.exclusions.IsExcluded(sheet.OwnerEmail)) {
				e.logger.InfoWithContext(ctx, "[dry run] would delete attachment %d from sheet %d", att.ID, sheet.ID)
			}
			e.reporter.AddSkipped(progress.SkipReasonDryRun, item, attachmentFields(sheet, att, nil))
		}
	}
}

func (e *Engine) skip(ctx context.Context, run *sheetRun, att smartsheet.Attachment, reason progress.SkipReason) {
	run.result.Skipped++
	e.logger.DebugWithContext(ctx, "Skipping attachment %d (%s) on sheet %d: %s", att.ID, att.Name, run.sheet.ID, reason)
	e.reporter.AddSkipped(reason, attachmentItem(run.sheet, att), attachmentFields(run.sheet, att, nil))
}

func (e *Engine) fail(ctx context.Context, run *sheetRun, att smartsheet.Attachment, err error) {
	sheet := run.sheet
	run.result.Failed++
	e.logger.ErrorWithContext(ctx, "Failed to export attachment %d (%s) on sheet %d (%s) owned by %s: %v",
		att.ID, att.Name, sheet.ID, sheet.Name, sheet.OwnerEmail, err)
	e.reporter.AddError(progress.ErrorKindAttachment, attachmentItem(sheet, att), err, attachmentFields(sheet, att, nil))
}

func sheetItem(sheet discovery.SheetDescriptor) string {
	return fmt.Sprintf("%s/%d", sheet.OwnerEmail, sheet.ID)
}

func attachmentItem(sheet discovery.SheetDescriptor, att smartsheet.Attachment) string {
	return fmt.Sprintf("%s/%d/%d", sheet.OwnerEmail, sheet.ID, att.ID)
}

func attachmentFields(sheet discovery.SheetDescriptor, att smartsheet.Attachment, extra map[string]interface{}) map[string]interface{} {
	fields := map[string]interface{}{
		"owner":           sheet.OwnerEmail,
		"sheet_id":        sheet.ID,
		"sheet_name":      sheet.Name,
		"attachment_id":   att.ID,
		"attachment_name": att.Name,
	}
	for k, v := range extra {
		fields[k] = v
	}
	return fields
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
