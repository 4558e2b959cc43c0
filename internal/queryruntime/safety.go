package queryruntime

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// blockedBashPatterns rejects global recursive removals, fork bombs,
// raw-device writes, and partition table zeroing outright, regardless of
// the allow-list.
var blockedBashPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"rm -rf --no-preserve-root",
	":(){ :|:& };:",
	"mkfs.",
	"dd if=/dev/zero",
	"dd if=/dev/random",
	"> /dev/sda",
	"of=/dev/sd",
}

// SafetyValidator enforces Bash-command and file-path validation rules
// against a configured working-directory allow-list.
type SafetyValidator struct {
	// AllowedDirs is the set of real (symlink-resolved) directories under
	// which file operations and rm targets must resolve.
	AllowedDirs []string
	// TempDirs are additionally allowed for Read-only operations.
	TempDirs []string
}

// NewSafetyValidator builds a validator scoped to allowedDirs, with the
// usual temp directories permitted for reads.
func NewSafetyValidator(allowedDirs []string) *SafetyValidator {
	return &SafetyValidator{
		AllowedDirs: allowedDirs,
		TempDirs:    []string{os.TempDir(), "/tmp", "/var/tmp"},
	}
}

// ValidateToolCall dispatches to the Bash or file-path validator by tool
// name; unrecognized tools are allowed.
func (v *SafetyValidator) ValidateToolCall(name string, payload map[string]any) error {
	switch name {
	case "Bash":
		cmd, _ := payload["command"].(string)
		return v.ValidateBash(cmd)
	case "Read":
		path, _ := payload["file_path"].(string)
		return v.validatePath(path, true)
	case "Write", "Edit":
		path, _ := payload["file_path"].(string)
		return v.validatePath(path, false)
	default:
		return nil
	}
}

// ValidateBash rejects known-destructive patterns and, for any `rm`
// invocation, requires every non-flag argument to resolve inside the
// allow-list.
func (v *SafetyValidator) ValidateBash(command string) error {
	trimmed := strings.TrimSpace(command)
	lower := strings.ToLower(trimmed)
	for _, pattern := range blockedBashPatterns {
		if containsBlockedPattern(lower, strings.ToLower(pattern)) {
			return fmt.Errorf("blocked command pattern: %q", pattern)
		}
	}

	fields := strings.Fields(trimmed)
	for i, tok := range fields {
		if tok != "rm" {
			continue
		}
		for _, arg := range fields[i+1:] {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			if err := v.validatePath(arg, false); err != nil {
				return fmt.Errorf("rm target outside allow-list: %w", err)
			}
		}
	}
	return nil
}

// containsBlockedPattern reports whether command contains pattern. A
// pattern ending in "/" (the filesystem root) only matches where the root
// stands alone, so "rm -rf /" does not match "rm -rf /workspace/tmp".
func containsBlockedPattern(command, pattern string) bool {
	if !strings.HasSuffix(pattern, "/") {
		return strings.Contains(command, pattern)
	}
	for rest := command; ; {
		i := strings.Index(rest, pattern)
		if i < 0 {
			return false
		}
		rest = rest[i+len(pattern):]
		if rest == "" || strings.ContainsRune(" \t;&|", rune(rest[0])) {
			return true
		}
	}
}

// validatePath resolves path (following symlinks when possible) and rejects
// anything outside the allow-list, except reads under TempDirs.
func (v *SafetyValidator) validatePath(path string, readOnly bool) error {
	if path == "" {
		return nil
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path %q: %w", path, err)
	}
	if real, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = real
	}

	if readOnly {
		for _, dir := range v.TempDirs {
			if withinDir(resolved, dir) {
				return nil
			}
		}
	}
	for _, dir := range v.AllowedDirs {
		if withinDir(resolved, dir) {
			return nil
		}
	}
	return fmt.Errorf("path %q outside allow-list", path)
}

func withinDir(path, dir string) bool {
	if dir == "" {
		return false
	}
	clean := filepath.Clean(dir)
	if path == clean {
		return true
	}
	return strings.HasPrefix(path, clean+string(filepath.Separator))
}
