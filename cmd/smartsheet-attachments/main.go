package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
	"github.com/curtbushko/smartsheet-attachments/internal/directory"
	"github.com/curtbushko/smartsheet-attachments/internal/discovery"
	"github.com/curtbushko/smartsheet-attachments/internal/download"
	"github.com/curtbushko/smartsheet-attachments/internal/email"
	"github.com/curtbushko/smartsheet-attachments/internal/exclusions"
	"github.com/curtbushko/smartsheet-attachments/internal/export"
	"github.com/curtbushko/smartsheet-attachments/internal/filename"
	"github.com/curtbushko/smartsheet-attachments/internal/logging"
	"github.com/curtbushko/smartsheet-attachments/internal/manifest"
	"github.com/curtbushko/smartsheet-attachments/internal/progress"
	"github.com/curtbushko/smartsheet-attachments/internal/smartsheet"
	"github.com/curtbushko/smartsheet-attachments/internal/transfer"
)

var (
	// Version information - will be set during build
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// errConfig is returned after configuration guidance has been printed
var errConfig = errors.New("configuration is incomplete")

// cliOptions holds the root command flags
type cliOptions struct {
	configFile         string
	outputDir          string
	deleteAttachments  bool
	deleteFromManifest bool
	dryRun             bool
	verbose            bool
	noProgress         bool
	users              []string
	concurrency        int
}

// buildRootCommand creates and configures the root command
func buildRootCommand() *cobra.Command {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:   "smartsheet-attachments",
		Short: "A CLI tool to export Smartsheet attachments",
		Long: `smartsheet-attachments is a CLI tool that connects to the Smartsheet API
as an organization admin and copies every file attached to every owned sheet
to local disk.

This tool helps you:
- Export attachments of all users into an owner/sheet folder tree
- Resume interrupted runs using CSV manifests
- Optionally delete attachments from Smartsheet after they are saved
- Replay deletes from the global manifest without downloading again`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfiguration(cmd, opts.configFile)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runExport(ctx, cmd, cfg, opts)
		},
	}

	rootCmd.AddCommand(createVersionCommand())
	rootCmd.AddCommand(createConfigCommand())

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "configuration file path, .yaml or .toml (default: config.yaml if present)")
	flags.StringVar(&opts.outputDir, "output-dir", "", "export directory (overrides config)")
	flags.BoolVar(&opts.deleteAttachments, "delete-attachments", false, "delete each attachment from Smartsheet after it is saved and recorded")
	flags.BoolVar(&opts.deleteFromManifest, "delete-from-manifest", false, "delete every attachment listed in the global manifest, without downloading")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "show what would be downloaded or deleted without changing anything")
	flags.BoolVar(&opts.verbose, "verbose", false, "verbose logging")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "disable the live status line")
	flags.StringArrayVar(&opts.users, "user", nil, "only export sheets owned by this email (repeatable)")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "sheets processed in parallel (overrides config)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if opts.concurrency < 0 {
			return fmt.Errorf("concurrency must be a positive number or 0, got: %d", opts.concurrency)
		}
		if opts.deleteAttachments && opts.deleteFromManifest {
			return fmt.Errorf("--delete-attachments and --delete-from-manifest cannot be used together")
		}
		if opts.deleteFromManifest && len(opts.users) > 0 {
			return fmt.Errorf("--user cannot be used with --delete-from-manifest")
		}
		for _, u := range opts.users {
			if !email.IsValidEmail(u) {
				return fmt.Errorf("invalid email format for --user: %s", u)
			}
		}
		return nil
	}

	return rootCmd
}

// createVersionCommand creates the version subcommand
func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  "Display version, commit, and build information for smartsheet-attachments",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("smartsheet-attachments version %s\n", version)
			cmd.Printf("Commit: %s\n", commit)
			cmd.Printf("Build date: %s\n", buildDate)
		},
	}
}

// createConfigCommand creates the config help subcommand
func createConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show configuration file structure and examples",
		Long:  "Display the configuration file structure, environment variables, and examples",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Print(configHelp)
		},
	}
}

const configHelp = `Configuration File Structure (config.yaml or config.toml):

SMARTSHEET API CONFIGURATION (Required):
=======================================
smartsheet:
  access_token: "your_admin_token"          # System admin API access token
  base_url: "https://api.smartsheet.com/2.0" # API base URL (default shown)
  users_page_size: 100                      # Users per page (default: 100)
  sheets_page_size: 1000                    # Sheets per page (default: 1000)
  timeout_seconds: 60                       # API request timeout (default: 60)
  max_retries: 3                            # Retries on 429/5xx (default: 3)

EXPORT CONFIGURATION:
====================
export:
  output_dir: "./smartsheet_attachments"    # Export directory
  retry_attempts: 1                         # Extra download attempts (default: 1, range: 0-5)
  retry_delay_ms: 500                       # Delay between download attempts (default: 500)
  timeout_seconds: 300                      # Download timeout (default: 300)
  concurrency: 1                            # Sheets processed in parallel (default: 1, range: 1-16)
  max_path_length: 4096                     # Longest path accepted before falling back

LOGGING CONFIGURATION:
=====================
logging:
  level: "info"                             # debug, info, warn, error (default: info)
  dir: "./logs"                             # <timestamp>_info.log and <timestamp>_errors.log
  console: true                             # Also log to the console (default: true)
  json_format: false                        # JSON log lines (default: false)

DELETE CONFIGURATION (Optional):
===============================
delete:
  excluded_owners:                          # Attachments of these owners are never deleted
    - "ceo@company.com"
  excluded_owners_file: "./excluded.txt"    # One email per line, # for comments
  watch_file: false                         # Reload the file when it changes

ENVIRONMENT VARIABLES:
=====================
  SMARTSHEET_ACCESS_TOKEN  - API access token (overrides config file)
  SMARTSHEET_BASE_URL      - API base URL
  EXPORT_OUTPUT_DIR        - Export directory
  LOG_DIR                  - Log directory

EXAMPLE USAGE:
=============
1. Export everything:
   export SMARTSHEET_ACCESS_TOKEN="your_admin_token"
   smartsheet-attachments

2. Export a few owners and delete after saving:
   smartsheet-attachments --user alice@company.com --user bob@company.com --delete-attachments

3. Replay deletes recorded by an earlier run:
   smartsheet-attachments --delete-from-manifest --dry-run
   smartsheet-attachments --delete-from-manifest

DIRECTORY STRUCTURE:
===================
smartsheet_attachments/
├── all_attachments.csv
└── owner@company.com/
    ├── folders.csv
    └── 1234567890 - Sheet Name/
        ├── attachments.csv
        └── attachments/
            └── report.pdf
`

// loadConfiguration resolves the config file and prints guidance when the
// configuration cannot be used
func loadConfiguration(cmd *cobra.Command, configFile string) (*config.Config, error) {
	configPath := configFile
	if configPath == "" {
		if _, err := os.Stat(config.DefaultConfigFile); err == nil {
			configPath = config.DefaultConfigFile
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err == nil {
		return cfg, nil
	}

	cmd.Printf("Configuration Issue Detected\n\n")
	if errors.Is(err, fs.ErrNotExist) {
		cmd.Printf("Configuration file '%s' not found.\n\n", configPath)
	} else {
		cmd.Printf("Configuration error: %v\n\n", err)
	}
	cmd.Printf("To fix this:\n")
	cmd.Printf("1. Run 'smartsheet-attachments config' to see the configuration structure\n")
	cmd.Printf("2. Provide an access token in the config file or SMARTSHEET_ACCESS_TOKEN\n")
	cmd.Printf("3. Run 'smartsheet-attachments' again\n")

	return nil, fmt.Errorf("%w: %v", errConfig, err)
}

// applyOverrides applies command-line flags on top of the loaded configuration
func applyOverrides(cfg *config.Config, opts *cliOptions) {
	if opts.outputDir != "" {
		cfg.Export.OutputDir = opts.outputDir
	}
	if opts.concurrency > 0 {
		cfg.Export.Concurrency = opts.concurrency
	}
	if opts.verbose {
		cfg.Logging.Level = "debug"
	}
}

// runExport wires the components and runs the selected mode
func runExport(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts *cliOptions) error {
	applyOverrides(cfg, opts)

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	ctx = logging.WithRunID(ctx, logging.NewRunID())

	globalPath := filepath.Join(cfg.Export.OutputDir, export.GlobalManifestName)

	client, err := smartsheet.NewClientFromConfig(cfg.Smartsheet, logger)
	if err != nil {
		return fmt.Errorf("failed to create Smartsheet client: %w", err)
	}

	excluded, err := exclusions.NewExclusionList(exclusions.ConfigFromDeleteConfig(cfg.Delete), logger)
	if err != nil {
		return err
	}
	defer excluded.Close()

	reporter := progress.NewProgressReporter(progress.ProgressConfig{
		ShowProgressBar: progress.ShouldShowProgress(cmd.OutOrStdout(), opts.noProgress || opts.dryRun),
		Writer:          cmd.OutOrStdout(),
		LogFiles:        logger.Files(),
	}, logger)

	logger.LogAction(ctx, "session_start", map[string]interface{}{
		"output_dir":           cfg.Export.OutputDir,
		"delete_attachments":   opts.deleteAttachments,
		"delete_from_manifest": opts.deleteFromManifest,
		"dry_run":              opts.dryRun,
		"users":                opts.users,
		"concurrency":          cfg.Export.Concurrency,
		"excluded_owners":      excluded.Owners(),
	})

	if opts.deleteFromManifest {
		exporter := export.NewExporter(nil, nil, client, excluded, reporter,
			export.Config{GlobalManifestPath: globalPath}, logger)
		return runDeleteReplay(ctx, cmd, exporter, opts.dryRun)
	}

	store, err := openStore(cfg.Export.OutputDir, globalPath, opts.dryRun)
	if err != nil {
		return err
	}
	defer store.Close()

	sanitizer := filename.NewSanitizer()
	dirs := directory.NewDirectoryManager(directory.DirectoryConfig{
		BaseDirectory: cfg.Export.OutputDir,
		MaxPathLength: cfg.Export.MaxPathLength,
	}, sanitizer, logger)

	walker := discovery.NewWalker(client, discovery.Config{
		UsersPageSize:  cfg.Smartsheet.UsersPageSize,
		SheetsPageSize: cfg.Smartsheet.SheetsPageSize,
		OnlyUsers:      email.NewSet(opts.users...),
	}, logger)

	engine := transfer.NewEngine(
		client,
		download.NewDownloadManager(download.DownloadConfigFromExportConfig(cfg.Export)),
		dirs,
		store,
		excluded,
		reporter,
		transfer.Config{MaxPathLength: cfg.Export.MaxPathLength},
		logger,
	)

	exporter := export.NewExporter(walker, engine, client, excluded, reporter, export.Config{
		Concurrency:        cfg.Export.Concurrency,
		GlobalManifestPath: globalPath,
	}, logger)

	if opts.dryRun {
		cmd.Printf("DRY RUN: showing what would be exported (no files will be saved or deleted)\n\n")
	}

	summary, err := exporter.Run(ctx, export.RunOptions{
		DeleteAfterDownload: opts.deleteAttachments,
		DryRun:              opts.dryRun,
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}

	stats := dirs.GetStats()
	logger.InfoWithContext(ctx, "Created %d directories, %d sheets used their ID-only folder", stats.DirectoriesCreated, stats.Fallbacks)

	if opts.verbose {
		showDetailedSummary(cmd, summary)
	}
	return nil
}

// openStore prepares the output directory and the global manifest. A dry run
// only reads what earlier runs recorded and creates nothing.
func openStore(outputDir, globalPath string, dryRun bool) (*manifest.Store, error) {
	if dryRun {
		return manifest.LoadStore(globalPath)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("output directory %s is not usable: %w", outputDir, err)
	}
	return manifest.NewStore(globalPath)
}

// runDeleteReplay deletes the attachments recorded in the global manifest
func runDeleteReplay(ctx context.Context, cmd *cobra.Command, exporter *export.Exporter, dryRun bool) error {
	summary, err := exporter.DeleteRecorded(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("delete from manifest failed: %w", err)
	}

	cmd.Printf("\nDelete Summary:\n")
	cmd.Printf("- Recorded attachments: %d\n", summary.Total)
	if dryRun {
		cmd.Printf("- Would delete: %d\n", summary.Planned)
	} else {
		cmd.Printf("- Deleted: %d\n", summary.Deleted)
		cmd.Printf("- Already deleted: %d\n", summary.AlreadyDeleted)
		cmd.Printf("- Failed: %d\n", summary.Failed)
	}
	cmd.Printf("- Excluded owners: %d\n", summary.Excluded)
	return nil
}

// showDetailedSummary lists failures and skip reasons
func showDetailedSummary(cmd *cobra.Command, summary *progress.Summary) {
	cmd.Printf("\nDetailed Summary:\n")
	cmd.Printf("================\n")

	if len(summary.ErrorItems) > 0 {
		cmd.Printf("Failures (%d):\n", len(summary.ErrorItems))
		for _, errorItem := range summary.ErrorItems {
			cmd.Printf("   - [%s] %s: %s\n", errorItem.Kind, errorItem.Item, errorItem.ErrorMsg)
		}
		cmd.Printf("\n")
	}

	skippedByReason := summary.GetSkippedByReason()
	reasons := make([]progress.SkipReason, 0, len(skippedByReason))
	for reason := range skippedByReason {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	if len(reasons) > 0 {
		cmd.Printf("Skipped items by reason:\n")
	}
	for _, reason := range reasons {
		items := skippedByReason[reason]
		cmd.Printf("   %s: %d items\n", reason.String(), len(items))
		shown := items
		if len(items) > 5 {
			shown = items[:3]
		}
		for _, item := range shown {
			cmd.Printf("     - %s\n", item.Item)
		}
		if len(shown) < len(items) {
			cmd.Printf("     ... and %d more\n", len(items)-len(shown))
		}
	}
}

// execute runs the root command and converts a panic into an error
func execute(rootCmd *cobra.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unexpected failure: %v", r)
		}
	}()
	return rootCmd.Execute()
}

func main() {
	if err := execute(buildRootCommand()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
