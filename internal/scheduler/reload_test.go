package scheduler

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/session"
)

// noopSessions is a SessionProvider never actually invoked by the reload
// tests below (they only exercise scheduling/unscheduling, never firing a
// job).
type noopSessions struct{}

func (noopSessions) GetSchedulerSession(jobName string) (*session.Session, error) {
	return nil, nil
}

// TestReloadSwapsJobSet: writing cron.yaml
// with job X schedules it; rewriting with X and Y yields exactly 2 active
// jobs after reload, and X's original timer is stopped (the handle Reload
// replaced is never allowed to fire again).
func TestReloadSwapsJobSet(t *testing.T) {
	s := New(Config{}, noopSessions{}, nil, logger.Default())

	cfg1 := &FileConfig{Schedules: []JobConfig{
		{Name: "x", Cron: "* * * * *", Prompt: "p"},
	}}
	if err := s.Reload(cfg1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ActiveJobCount() != 1 {
		t.Fatalf("expected 1 active job after first reload, got %d", s.ActiveJobCount())
	}

	s.mu.Lock()
	xHandle := s.jobs["x"]
	s.mu.Unlock()
	if xHandle == nil || xHandle.timer == nil {
		t.Fatal("expected job x to have an armed timer")
	}

	cfg2 := &FileConfig{Schedules: []JobConfig{
		{Name: "x", Cron: "* * * * *", Prompt: "p"},
		{Name: "y", Cron: "* * * * *", Prompt: "q"},
	}}
	if err := s.Reload(cfg2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ActiveJobCount() != 2 {
		t.Fatalf("expected 2 active jobs after second reload, got %d", s.ActiveJobCount())
	}

	s.mu.Lock()
	newX := s.jobs["x"]
	s.mu.Unlock()
	if newX == xHandle {
		t.Fatal("expected reload to replace job x's handle, not reuse it")
	}
	if xHandle.timer.Stop() {
		t.Fatal("expected the original job x timer to already be stopped by Reload")
	}

	s.Stop()
}

func TestReloadFailureLeavesNoActiveJobs(t *testing.T) {
	s := New(Config{}, noopSessions{}, nil, logger.Default())

	good := &FileConfig{Schedules: []JobConfig{{Name: "x", Cron: "* * * * *", Prompt: "p"}}}
	if err := s.Reload(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bad := &FileConfig{Schedules: []JobConfig{{Name: "y", Cron: "not a cron", Prompt: "p"}}}
	if err := s.Reload(bad); err == nil {
		t.Fatal("expected reload with an invalid cron expression to fail")
	}
	if s.ActiveJobCount() != 0 {
		t.Fatalf("expected previous jobs to remain stopped after a failed reload, got %d active", s.ActiveJobCount())
	}
	s.Stop()
}

func TestWatcherTriggersOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cron.yaml")
	if err := os.WriteFile(path, []byte("schedules: []\n"), 0o644); err != nil {
		t.Fatalf("write initial cron file: %v", err)
	}

	reloaded := make(chan struct{}, 4)
	w := NewWatcher(path, 20*time.Millisecond, 10*time.Millisecond, func(p string) error {
		reloaded <- struct{}{}
		return nil
	}, logger.Default())
	w.Start()
	defer w.Stop()

	time.Sleep(30 * time.Millisecond)
	if err := os.WriteFile(path, []byte("schedules:\n  - name: x\n    cron: \"* * * * *\"\n    prompt: p\n"), 0o644); err != nil {
		t.Fatalf("rewrite cron file: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("expected watcher to trigger reload after mtime change")
	}
}
