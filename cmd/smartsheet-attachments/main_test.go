// Package main provides tests for the smartsheet-attachments CLI application
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"

	"github.com/curtbushko/smartsheet-attachments/internal/config"
)

// executeCommand runs a fresh root command with args and returns its output
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := buildRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// isolateEnvironment runs the test in an empty directory without credentials
func isolateEnvironment(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("SMARTSHEET_ACCESS_TOKEN", "")
	t.Setenv("SMARTSHEET_BASE_URL", "")
	t.Setenv("EXPORT_OUTPUT_DIR", "")
	t.Setenv("LOG_DIR", filepath.Join(dir, "logs"))
	return dir
}

func TestRootCommand(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedOutput string
		expectError    bool
	}{
		{
			name:           "help flag shows help",
			args:           []string{"--help"},
			expectedOutput: "smartsheet-attachments is a CLI tool that connects to the Smartsheet API",
		},
		{
			name:           "no credentials shows configuration guidance",
			args:           []string{},
			expectedOutput: "Configuration Issue Detected",
			expectError:    true,
		},
		{
			name:           "missing config file is reported",
			args:           []string{"--config", "missing.yaml"},
			expectedOutput: "Configuration file 'missing.yaml' not found",
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnvironment(t)

			output, err := executeCommand(t, tt.args...)
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
			if tt.expectError && err != nil && !errors.Is(err, errConfig) {
				t.Errorf("Expected configuration error, got: %v", err)
			}
			if !strings.Contains(output, tt.expectedOutput) {
				t.Errorf("Expected output to contain %q, got %q", tt.expectedOutput, output)
			}
		})
	}
}

func TestRejectsPositionalArguments(t *testing.T) {
	isolateEnvironment(t)

	if _, err := executeCommand(t, "extra"); err == nil {
		t.Error("Expected positional arguments to be rejected")
	}
}

func TestVersionCommand(t *testing.T) {
	output, err := executeCommand(t, "version")
	if err != nil {
		t.Errorf("Expected no error but got: %v", err)
	}
	if !strings.Contains(output, "smartsheet-attachments version") {
		t.Errorf("Expected output to contain version info, got %q", output)
	}
}

func TestConfigCommand(t *testing.T) {
	output, err := executeCommand(t, "config")
	if err != nil {
		t.Errorf("Expected no error but got: %v", err)
	}

	expectedContent := []string{
		"Configuration File Structure",
		"SMARTSHEET API CONFIGURATION (Required):",
		"access_token:",
		"EXPORT CONFIGURATION:",
		"output_dir:",
		"concurrency:",
		"LOGGING CONFIGURATION:",
		"DELETE CONFIGURATION (Optional):",
		"excluded_owners:",
		"SMARTSHEET_ACCESS_TOKEN",
		"--delete-from-manifest",
		"all_attachments.csv",
	}
	for _, expected := range expectedContent {
		if !strings.Contains(output, expected) {
			t.Errorf("Expected config help to contain %q", expected)
		}
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := buildRootCommand()

	for _, flag := range []string{"config", "output-dir", "delete-attachments", "delete-from-manifest", "dry-run", "verbose", "no-progress", "user", "concurrency"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("Expected flag --%s to be defined", flag)
		}
	}
}

func TestFlagValidation(t *testing.T) {
	tests := []struct {
		name          string
		args          []string
		expectedError string
	}{
		{
			name:          "negative concurrency",
			args:          []string{"--concurrency", "-1"},
			expectedError: "concurrency must be a positive number",
		},
		{
			name:          "invalid user email",
			args:          []string{"--user", "not-an-email"},
			expectedError: "invalid email format for --user: not-an-email",
		},
		{
			name:          "both delete modes",
			args:          []string{"--delete-attachments", "--delete-from-manifest"},
			expectedError: "cannot be used together",
		},
		{
			name:          "user filter with delete replay",
			args:          []string{"--delete-from-manifest", "--user", "alice@example.com"},
			expectedError: "--user cannot be used with --delete-from-manifest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateEnvironment(t)

			_, err := executeCommand(t, tt.args...)
			if err == nil {
				t.Fatal("Expected error but got none")
			}
			if !strings.Contains(err.Error(), tt.expectedError) {
				t.Errorf("Expected error containing %q, got %v", tt.expectedError, err)
			}
		})
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	applyOverrides(cfg, &cliOptions{outputDir: "/tmp/out", concurrency: 4, verbose: true})

	if cfg.Export.OutputDir != "/tmp/out" {
		t.Errorf("Expected output dir override, got %s", cfg.Export.OutputDir)
	}
	if cfg.Export.Concurrency != 4 {
		t.Errorf("Expected concurrency 4, got %d", cfg.Export.Concurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Expected debug level, got %s", cfg.Logging.Level)
	}

	cfg = config.Default()
	applyOverrides(cfg, &cliOptions{})
	if cfg.Export.Concurrency != 1 || cfg.Export.OutputDir != "./smartsheet_attachments" {
		t.Errorf("Expected defaults to be kept, got %+v", cfg.Export)
	}
}

// fakePlatform serves the endpoints the exporter uses
type fakePlatform struct {
	server  *httptest.Server
	deletes int32
}

func newFakePlatform(t *testing.T) *fakePlatform {
	t.Helper()
	p := &fakePlatform{}
	mux := http.NewServeMux()

	writeJSON := func(w http.ResponseWriter, status int, body interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}
	assumed := func(r *http.Request) string {
		user, _ := url.QueryUnescape(r.Header.Get("Assume-User"))
		return user
	}

	mux.HandleFunc("GET /users", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pageNumber": 1,
			"totalPages": 1,
			"data": []map[string]interface{}{
				{"id": 1, "email": "alice@example.com"},
				{"id": 2, "email": "bob@example.com"},
			},
		})
	})
	mux.HandleFunc("GET /sheets", func(w http.ResponseWriter, r *http.Request) {
		switch assumed(r) {
		case "alice@example.com":
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"pageNumber": 1,
				"totalPages": 1,
				"data": []map[string]interface{}{
					{"id": 111, "name": "Q1 <Plan>", "accessLevel": "OWNER"},
					{"id": 222, "name": "Shared", "accessLevel": "VIEWER"},
				},
			})
		default:
			writeJSON(w, http.StatusForbidden, map[string]interface{}{
				"errorCode": 5349,
				"message":   "You are not authorized to assume this user",
			})
		}
	})
	mux.HandleFunc("GET /sheets/111/attachments", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pageNumber": 1,
			"totalPages": 1,
			"data": []map[string]interface{}{
				{"id": 999, "name": "report.pdf", "attachmentType": "FILE"},
				{"id": 1000, "name": "Drive doc", "attachmentType": "GOOGLE_DRIVE"},
			},
		})
	})
	mux.HandleFunc("GET /sheets/111/attachments/999", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"id":             999,
			"name":           "report.pdf",
			"attachmentType": "FILE",
			"createdBy":      map[string]string{"name": "Alice", "email": "alice@example.com"},
			"url":            p.server.URL + "/files/999",
		})
	})
	mux.HandleFunc("DELETE /sheets/111/attachments/999", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&p.deletes, 1)
		writeJSON(w, http.StatusOK, map[string]interface{}{"message": "SUCCESS", "resultCode": 0})
	})
	mux.HandleFunc("GET /files/999", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			http.Error(w, "pre-signed URLs take no token", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, "%PDF-1.4 quarterly report")
	})

	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func TestExportEndToEnd(t *testing.T) {
	dir := isolateEnvironment(t)
	platform := newFakePlatform(t)
	t.Setenv("SMARTSHEET_ACCESS_TOKEN", "test-token")
	t.Setenv("SMARTSHEET_BASE_URL", platform.server.URL)

	outDir := filepath.Join(dir, "export")

	output, err := executeCommand(t, "--output-dir", outDir, "--no-progress")
	if err != nil {
		t.Fatalf("Export failed: %v\n%s", err, output)
	}

	path := filepath.Join(outDir, "alice@example.com", "111 - Q1 _Plan_", "attachments", "report.pdf")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected exported file: %v", err)
	}
	if string(content) != "%PDF-1.4 quarterly report" {
		t.Errorf("Unexpected content %q", content)
	}

	for _, expected := range []string{"- Downloaded: 1", "- Skipped (impersonation denied): 1"} {
		if !strings.Contains(output, expected) {
			t.Errorf("Expected output to contain %q, got:\n%s", expected, output)
		}
	}

	global, err := os.ReadFile(filepath.Join(outDir, "all_attachments.csv"))
	if err != nil {
		t.Fatalf("Expected global manifest: %v", err)
	}
	if got := strings.Count(string(global), "999,report.pdf"); got != 1 {
		t.Errorf("Expected one manifest row for attachment 999, got %d:\n%s", got, global)
	}

	// A second run finds everything recorded
	output, err = executeCommand(t, "--output-dir", outDir, "--no-progress")
	if err != nil {
		t.Fatalf("Second export failed: %v", err)
	}
	if strings.Contains(output, "- Downloaded: 1") {
		t.Errorf("Expected no downloads on re-run, got:\n%s", output)
	}
	global, _ = os.ReadFile(filepath.Join(outDir, "all_attachments.csv"))
	if got := strings.Count(string(global), "999,report.pdf"); got != 1 {
		t.Errorf("Re-run must not add manifest rows, got %d", got)
	}

	// Delete replay uses the manifest only
	output, err = executeCommand(t, "--output-dir", outDir, "--delete-from-manifest")
	if err != nil {
		t.Fatalf("Delete replay failed: %v", err)
	}
	if !strings.Contains(output, "- Deleted: 1") {
		t.Errorf("Expected one deletion, got:\n%s", output)
	}
	if got := atomic.LoadInt32(&platform.deletes); got != 1 {
		t.Errorf("Expected 1 DELETE request, got %d", got)
	}
}

func TestDryRunCreatesNothing(t *testing.T) {
	dir := isolateEnvironment(t)
	platform := newFakePlatform(t)
	t.Setenv("SMARTSHEET_ACCESS_TOKEN", "test-token")
	t.Setenv("SMARTSHEET_BASE_URL", platform.server.URL)

	outDir := filepath.Join(dir, "export")

	output, err := executeCommand(t, "--output-dir", outDir, "--dry-run", "--delete-attachments")
	if err != nil {
		t.Fatalf("Dry run failed: %v\n%s", err, output)
	}
	if !strings.Contains(output, "- Skipped (dry run): 1") {
		t.Errorf("Expected the attachment to be planned, got:\n%s", output)
	}
	if _, err := os.Stat(outDir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Dry run must not create the output directory, stat returned %v", err)
	}
	if got := atomic.LoadInt32(&platform.deletes); got != 0 {
		t.Errorf("Dry run must not delete, got %d DELETE requests", got)
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	cmd := &cobra.Command{
		Use: "boom",
		Run: func(cmd *cobra.Command, args []string) {
			panic("unexpected state")
		},
	}
	cmd.SetArgs([]string{})

	err := execute(cmd)
	if err == nil || !strings.Contains(err.Error(), "unexpected state") {
		t.Errorf("Expected recovered panic as error, got %v", err)
	}
}
