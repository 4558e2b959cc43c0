package sessionmanager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/provider"
	"github.com/kandev/relaygate/internal/queryruntime"
	"github.com/kandev/relaygate/internal/session"
)

type fakeStore struct {
	data map[string]session.Snapshot
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]session.Snapshot)}
}

func (f *fakeStore) WriteSessionSnapshot(key string, snap session.Snapshot) error {
	f.data[key] = snap
	return nil
}

func (f *fakeStore) ReadSessionSnapshot(key string) (session.Snapshot, bool, error) {
	snap, ok := f.data[key]
	return snap, ok, nil
}

func (f *fakeStore) DeleteSessionSnapshot(key string) error {
	delete(f.data, key)
	return nil
}

func (f *fakeStore) ListSessionKeys() ([]string, error) {
	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore, string) {
	t.Helper()
	log := logger.Default()
	o := provider.NewOrchestrator(log)
	o.Register(provider.NewMockProvider("mock"), provider.DefaultRetryPolicy)
	runner := queryruntime.New(o, queryruntime.NewSafetyValidator([]string{"/workspace"}), log)
	store := newFakeStore()

	workdir := t.TempDir()
	aliasRoot := t.TempDir()

	cfg := Config{
		TTL:              time.Hour,
		LRUCapacity:       2,
		CanonicalWorkdir: workdir,
		AliasRoot:        aliasRoot,
		SessionConfig: session.Config{
			ContextWindowSize:  200000,
			SteeringBufferCap:  100,
			StopWaitTimeout:    time.Second,
			WarningCooldown:    50,
			PrimaryProviderID:  "mock",
			FallbackProviderID: "",
		},
	}
	return New(cfg, runner, store, log), store, workdir
}

func TestGetSessionCreatesAndReusesSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	s1, err := m.GetSession("acme", "telegram", "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s2, err := m.GetSession("acme", "telegram", "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected GetSession to return the same Session instance on repeat calls")
	}
}

func TestGetSessionCreatesWorkdirAlias(t *testing.T) {
	m, _, workdir := newTestManager(t)

	if _, err := m.GetSession("acme", "telegram", "123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	aliasPath := filepath.Join(m.aliasDir(), "acme__telegram__123")
	target, err := os.Readlink(aliasPath)
	if err != nil {
		t.Fatalf("expected alias symlink to exist: %v", err)
	}
	if target != workdir {
		t.Fatalf("expected alias to point at %q, got %q", workdir, target)
	}
}

func TestKillSessionDeletesSnapshot(t *testing.T) {
	m, store, _ := newTestManager(t)

	sess, err := m.GetSession("acme", "telegram", "123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := store.WriteSessionSnapshot(sess.Key(), sess.Snapshot()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, _, err := m.KillSession("acme", "telegram", "123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok, _ := store.ReadSessionSnapshot("acme:telegram:123"); ok {
		t.Fatal("expected snapshot to be deleted after KillSession")
	}
}

func TestGetGlobalStatsAggregatesQueries(t *testing.T) {
	m, _, _ := newTestManager(t)

	if _, err := m.GetSession("acme", "telegram", "1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.GetSession("acme", "telegram", "2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats := m.GetGlobalStats()
	if stats.SessionCount != 2 {
		t.Fatalf("expected 2 sessions, got %d", stats.SessionCount)
	}
}

func TestCleanupEvictsOverCapacity(t *testing.T) {
	m, store, _ := newTestManager(t)

	for i := 0; i < 3; i++ {
		if _, err := m.GetSession("acme", "telegram", string(rune('a'+i))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	m.Cleanup()

	if len(m.entries) != m.cfg.LRUCapacity {
		t.Fatalf("expected cleanup to enforce LRU capacity %d, got %d entries", m.cfg.LRUCapacity, len(m.entries))
	}
	if len(store.data) != 1 {
		t.Fatalf("expected 1 evicted session to be snapshotted, got %d", len(store.data))
	}
}

func TestLoadAllSessionsRestoresFromStore(t *testing.T) {
	m, store, workdir := newTestManager(t)

	if err := store.WriteSessionSnapshot("acme:telegram:999", session.Snapshot{
		SessionID:    "restored-session",
		WorkingDir:   workdir,
		TotalQueries: 7,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := m.LoadAllSessions(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sess, err := m.GetSession("acme", "telegram", "999")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := sess.Snapshot()
	if snap.TotalQueries != 7 {
		t.Fatalf("expected restored query count 7, got %d", snap.TotalQueries)
	}
}
