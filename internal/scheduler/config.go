package scheduler

import (
	"fmt"
	"os"
	"path/filepath"

	gocron "github.com/netresearch/go-cron"
	"gopkg.in/yaml.v3"
)

// DefaultMaxPromptLength is the default cap on a cron job's prompt length.
const DefaultMaxPromptLength = 10000

// JobConfig is one entry of cron.yaml's `schedules` array.
type JobConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Prompt  string `yaml:"prompt"`
	Enabled *bool  `yaml:"enabled,omitempty"`
	Notify  *bool  `yaml:"notify,omitempty"`
}

// IsEnabled reports whether the job should be scheduled; absent means
// enabled.
func (j JobConfig) IsEnabled() bool { return j.Enabled == nil || *j.Enabled }

// ShouldNotify reports whether job completion/failure should notify the
// primary allowed user; absent means no notification.
func (j JobConfig) ShouldNotify() bool { return j.Notify != nil && *j.Notify }

// FileConfig is the top-level shape of cron.yaml.
type FileConfig struct {
	Schedules []JobConfig `yaml:"schedules"`
}

// validate rejects missing fields, over-long prompts, unparseable cron
// expressions, and duplicate names, returning the first error encountered
// for a fail-fast reload.
func (f *FileConfig) validate(maxPromptLength int) error {
	seen := make(map[string]bool, len(f.Schedules))
	for i, j := range f.Schedules {
		if j.Name == "" {
			return fmt.Errorf("schedule[%d]: missing name", i)
		}
		if j.Cron == "" {
			return fmt.Errorf("schedule %q: missing cron expression", j.Name)
		}
		if j.Prompt == "" {
			return fmt.Errorf("schedule %q: missing prompt", j.Name)
		}
		if maxPromptLength > 0 && len(j.Prompt) > maxPromptLength {
			return fmt.Errorf("schedule %q: prompt exceeds max length %d", j.Name, maxPromptLength)
		}
		if _, err := gocron.ParseStandard(j.Cron); err != nil {
			return fmt.Errorf("schedule %q: invalid cron expression %q: %w", j.Name, j.Cron, err)
		}
		if seen[j.Name] {
			return fmt.Errorf("schedule %q: duplicate name", j.Name)
		}
		seen[j.Name] = true
	}
	return nil
}

// LoadConfig reads and validates a cron.yaml file. path must resolve
// (after following symlinks) to a location inside allowlist, the same
// treatment the Query Runtime applies to tool file paths.
func LoadConfig(path string, allowlist []string, maxPromptLength int) (*FileConfig, error) {
	if len(allowlist) > 0 {
		if err := checkAllowlisted(path, allowlist); err != nil {
			return nil, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cron config: %w", err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cron config: %w", err)
	}
	if maxPromptLength <= 0 {
		maxPromptLength = DefaultMaxPromptLength
	}
	if err := cfg.validate(maxPromptLength); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func checkAllowlisted(path string, allowlist []string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve cron config path: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// The file may not exist yet on first boot; fall back to the
		// unresolved absolute path so a not-yet-created cron.yaml under
		// an allowed directory still passes.
		resolved = abs
	}
	for _, allowed := range allowlist {
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(allowedAbs, resolved)
		if err == nil && rel != ".." && !hasParentPrefix(rel) {
			return nil
		}
	}
	return fmt.Errorf("PATH_OUTSIDE_ALLOWLIST: %s is not under any allowed directory", path)
}

func hasParentPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}
