package queryruntime

import "testing"

func TestValidateBashBlocksDestructivePatterns(t *testing.T) {
	v := NewSafetyValidator([]string{"/workspace"})
	cases := []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
	}
	for _, cmd := range cases {
		if err := v.ValidateBash(cmd); err == nil {
			t.Errorf("expected %q to be blocked", cmd)
		}
	}
}

func TestValidateBashRejectsRmOutsideAllowlist(t *testing.T) {
	v := NewSafetyValidator([]string{"/workspace"})
	if err := v.ValidateBash("rm -rf /etc/passwd"); err == nil {
		t.Fatal("expected rm outside allow-list to be rejected")
	}
	if err := v.ValidateBash("rm -rf /workspace/tmp"); err != nil {
		t.Fatalf("expected rm inside allow-list to pass, got %v", err)
	}
}

func TestValidatePathAllowsTempReadsOnly(t *testing.T) {
	v := NewSafetyValidator([]string{"/workspace"})
	if err := v.validatePath("/tmp/scratch.txt", true); err != nil {
		t.Fatalf("expected temp read to pass, got %v", err)
	}
	if err := v.validatePath("/tmp/scratch.txt", false); err == nil {
		t.Fatal("expected temp write to be rejected")
	}
}

func TestValidateToolCallDispatchesByName(t *testing.T) {
	v := NewSafetyValidator([]string{"/workspace"})
	if err := v.ValidateToolCall("Write", map[string]any{"file_path": "/etc/passwd"}); err == nil {
		t.Fatal("expected Write outside allow-list to be rejected")
	}
	if err := v.ValidateToolCall("Glob", map[string]any{"file_path": "/etc/passwd"}); err != nil {
		t.Fatalf("expected unrecognized tool to pass through, got %v", err)
	}
}
