package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/relaygate/internal/session"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	layout := Layout{
		SessionsDir: filepath.Join(root, "sessions"),
		DataDir:     filepath.Join(root, "data"),
		WorkDir:     filepath.Join(root, "workdir"),
		TmpDir:      filepath.Join(root, "tmp"),
		ServiceName: "relaygate",
	}
	if err := layout.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return New(layout)
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	snap := session.Snapshot{SessionID: "abc", WorkingDir: "/w", TotalQueries: 4}

	if err := s.WriteSessionSnapshot("acme:telegram:1", snap); err != nil {
		t.Fatalf("WriteSessionSnapshot: %v", err)
	}
	got, ok, err := s.ReadSessionSnapshot("acme:telegram:1")
	if err != nil || !ok {
		t.Fatalf("ReadSessionSnapshot: ok=%v err=%v", ok, err)
	}
	if got.SessionID != "abc" || got.TotalQueries != 4 {
		t.Fatalf("unexpected snapshot: %+v", got)
	}

	keys, err := s.ListSessionKeys()
	if err != nil {
		t.Fatalf("ListSessionKeys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "acme:telegram:1" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	if err := s.DeleteSessionSnapshot("acme:telegram:1"); err != nil {
		t.Fatalf("DeleteSessionSnapshot: %v", err)
	}
	if _, ok, _ := s.ReadSessionSnapshot("acme:telegram:1"); ok {
		t.Fatal("expected snapshot to be gone after delete")
	}
}

func TestPendingFormsDropsExpiredEntries(t *testing.T) {
	s := newTestStore(t)
	forms := []PendingForm{
		{ID: "fresh", CreatedAt: time.Now()},
		{ID: "stale", CreatedAt: time.Now().Add(-48 * time.Hour)},
	}
	if err := s.SavePendingForms(forms); err != nil {
		t.Fatalf("SavePendingForms: %v", err)
	}

	loaded, err := s.LoadPendingForms()
	if err != nil {
		t.Fatalf("LoadPendingForms: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "fresh" {
		t.Fatalf("expected only the fresh form to survive, got %+v", loaded)
	}
}

func TestPendingSteeringTakeIsOneShot(t *testing.T) {
	s := newTestStore(t)
	if err := s.WritePendingSteering(PendingSteering{Count: 2, Content: "hi", Timestamp: time.Now()}); err != nil {
		t.Fatalf("WritePendingSteering: %v", err)
	}

	p, ok, err := s.TakePendingSteering()
	if err != nil || !ok || p.Count != 2 {
		t.Fatalf("unexpected first take: p=%+v ok=%v err=%v", p, ok, err)
	}

	_, ok, err = s.TakePendingSteering()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected second take to find nothing")
	}
}

func TestRestartAnnouncementTakeIsOneShot(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteRestartAnnouncement(RestartAnnouncement{ChatID: "c1", MessageID: "m1"}); err != nil {
		t.Fatalf("WriteRestartAnnouncement: %v", err)
	}
	a, ok, err := s.TakeRestartAnnouncement()
	if err != nil || !ok || a.ChatID != "c1" {
		t.Fatalf("unexpected take: %+v ok=%v err=%v", a, ok, err)
	}
	if _, ok, _ := s.TakeRestartAnnouncement(); ok {
		t.Fatal("expected one-shot semantics")
	}
}

func TestLastSaveIDTakeIsOneShot(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteRestartContext("20260115_093000", "# context"); err != nil {
		t.Fatalf("WriteRestartContext: %v", err)
	}

	id, ok, err := s.TakeLastSaveID()
	if err != nil || !ok || id != "20260115_093000" {
		t.Fatalf("unexpected take-last-save-id: id=%q ok=%v err=%v", id, ok, err)
	}
	if _, ok, _ := s.TakeLastSaveID(); ok {
		t.Fatal("expected .last-save-id to be deleted after the first take")
	}
}

func TestLatestRestartContextReturnsMostRecent(t *testing.T) {
	s := newTestStore(t)
	if err := s.WriteRestartContext("20260115_093000", "# first"); err != nil {
		t.Fatalf("WriteRestartContext: %v", err)
	}
	if err := s.WriteRestartContext("20260116_093000", "# second"); err != nil {
		t.Fatalf("WriteRestartContext: %v", err)
	}

	content, ok, err := s.LatestRestartContext()
	if err != nil || !ok {
		t.Fatalf("LatestRestartContext: ok=%v err=%v", ok, err)
	}
	if content != "# second" {
		t.Fatalf("expected the most recent context, got %q", content)
	}
}
