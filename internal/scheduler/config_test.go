package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeCronFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "cron.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write cron file: %v", err)
	}
	return path
}

func TestLoadConfigValid(t *testing.T) {
	dir := t.TempDir()
	path := writeCronFile(t, dir, `
schedules:
  - name: nightly-digest
    cron: "0 2 * * *"
    prompt: "Summarize today's activity."
    notify: true
  - name: disabled-job
    cron: "*/5 * * * *"
    prompt: "noop"
    enabled: false
`)

	cfg, err := LoadConfig(path, []string{dir}, DefaultMaxPromptLength)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Schedules) != 2 {
		t.Fatalf("expected 2 schedules, got %d", len(cfg.Schedules))
	}
	if !cfg.Schedules[0].ShouldNotify() {
		t.Fatal("expected nightly-digest to have notify=true")
	}
	if cfg.Schedules[1].IsEnabled() {
		t.Fatal("expected disabled-job to be disabled")
	}
}

func TestLoadConfigRejectsMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := writeCronFile(t, dir, `
schedules:
  - name: ""
    cron: "0 2 * * *"
    prompt: "x"
`)
	if _, err := LoadConfig(path, []string{dir}, DefaultMaxPromptLength); err == nil {
		t.Fatal("expected error for missing name")
	}
}

func TestLoadConfigRejectsOverLongPrompt(t *testing.T) {
	dir := t.TempDir()
	path := writeCronFile(t, dir, `
schedules:
  - name: job
    cron: "* * * * *"
    prompt: "`+strings.Repeat("x", 20)+`"
`)
	if _, err := LoadConfig(path, []string{dir}, 10); err == nil {
		t.Fatal("expected rejection of over-long prompt at validation time")
	}
}

func TestLoadConfigRejectsInvalidCron(t *testing.T) {
	dir := t.TempDir()
	path := writeCronFile(t, dir, `
schedules:
  - name: job
    cron: "not a cron expression"
    prompt: "x"
`)
	if _, err := LoadConfig(path, []string{dir}, DefaultMaxPromptLength); err == nil {
		t.Fatal("expected rejection of an unparseable cron expression")
	}
}

func TestLoadConfigRejectsOutsideAllowlist(t *testing.T) {
	dir := t.TempDir()
	other := t.TempDir()
	path := writeCronFile(t, dir, `
schedules:
  - name: job
    cron: "* * * * *"
    prompt: "x"
`)
	if _, err := LoadConfig(path, []string{other}, DefaultMaxPromptLength); err == nil {
		t.Fatal("expected PATH_OUTSIDE_ALLOWLIST rejection")
	}
}

func TestLoadConfigRejectsDuplicateNames(t *testing.T) {
	dir := t.TempDir()
	path := writeCronFile(t, dir, `
schedules:
  - name: job
    cron: "* * * * *"
    prompt: "x"
  - name: job
    cron: "* * * * *"
    prompt: "y"
`)
	if _, err := LoadConfig(path, []string{dir}, DefaultMaxPromptLength); err == nil {
		t.Fatal("expected rejection of duplicate schedule names")
	}
}
