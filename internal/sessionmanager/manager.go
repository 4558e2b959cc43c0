// Package sessionmanager routes inbound requests to a Session, lazily
// creates and persists Sessions, evicts by TTL and LRU, and maintains
// per-thread working directory aliases.
package sessionmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kandev/relaygate/internal/identity"
	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/queryruntime"
	"github.com/kandev/relaygate/internal/session"
	"github.com/kandev/relaygate/internal/steering"
)

// SnapshotStore is the persistence boundary the Session Manager depends on;
// internal/statestore implements it with atomic flat-file writes.
type SnapshotStore interface {
	session.SnapshotWriter
	ReadSessionSnapshot(key string) (session.Snapshot, bool, error)
	DeleteSessionSnapshot(key string) error
	ListSessionKeys() ([]string, error)
}

// Config is the enumerated set of Session Manager tunables.
type Config struct {
	TTL                time.Duration
	LRUCapacity        int
	CanonicalWorkdir   string
	AliasRoot          string
	SessionConfig      session.Config
	CleanupInterval    time.Duration
}

// Stats aggregates per-Session counters.
type Stats struct {
	SessionCount      int
	TotalQueries       int
	TotalInputTokens   int
	TotalOutputTokens  int
}

type entry struct {
	sess       *session.Session
	lastAccess time.Time
}

// Manager owns the map from session key to Session and its eviction and
// aliasing machinery.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	cfg       Config
	runner    *queryruntime.Runner
	store     SnapshotStore
	logger    *logger.Logger
	loadGroup singleflight.Group

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager. Call Start to launch its background cleanup loop.
func New(cfg Config, runner *queryruntime.Runner, store SnapshotStore, log *logger.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.LRUCapacity <= 0 {
		cfg.LRUCapacity = 100
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	return &Manager{
		entries: make(map[string]*entry),
		cfg:     cfg,
		runner:  runner,
		store:   store,
		logger:  log.With(zap.String("component", "session-manager")),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the background TTL/LRU cleanup loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Cleanup()
			}
		}
	}()
}

// Stop halts the cleanup loop.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// GetSession lazy-creates a Session for (tenant, chatID, threadID),
// attempting to load its on-disk snapshot on first access. Concurrent lazy
// loads for the same key are deduplicated via singleflight.
func (m *Manager) GetSession(tenant, chatID, threadID string) (*session.Session, error) {
	thread := identity.CoerceThread(threadID)
	id, err := identity.New(tenant, chatID, thread)
	if err != nil {
		return nil, fmt.Errorf("derive session identity: %w", err)
	}
	return m.getOrCreate(id)
}

// GetSchedulerSession returns the dedicated Session for a cron job name,
// under the reserved scheduler route.
func (m *Manager) GetSchedulerSession(jobName string) (*session.Session, error) {
	return m.getOrCreate(identity.BuildSchedulerRoute(jobName))
}

func (m *Manager) getOrCreate(id identity.Identity) (*session.Session, error) {
	key := id.Key()

	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.lastAccess = time.Now()
		m.mu.Unlock()
		return e.sess, nil
	}
	m.mu.Unlock()

	result, err, _ := m.loadGroup.Do(key, func() (any, error) {
		m.mu.Lock()
		if e, ok := m.entries[key]; ok {
			m.mu.Unlock()
			return e.sess, nil
		}
		m.mu.Unlock()

		sess := session.New(id, m.cfg.CanonicalWorkdir, m.cfg.SessionConfig, m.runner, m.store, m.logger)
		if err := m.ensureWorkdirAlias(id); err != nil {
			m.logger.Warn("workdir alias repair failed", zap.String("key", key), zap.Error(err))
		}
		if snap, ok, err := m.store.ReadSessionSnapshot(key); err == nil && ok {
			if err := sess.RestoreFromData(snap); err != nil {
				m.logger.Warn("discarding stale snapshot", zap.String("key", key), zap.Error(err))
			}
		}

		m.mu.Lock()
		m.entries[key] = &entry{sess: sess, lastAccess: time.Now()}
		m.mu.Unlock()
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*session.Session), nil
}

// KillSession kills the Session identified by (tenant, chatID, threadID)
// and deletes its snapshot, returning the extracted steering messages for
// a recovery UI.
func (m *Manager) KillSession(tenant, chatID, threadID string) (count int, messages []steering.Message, err error) {
	thread := identity.CoerceThread(threadID)
	id, err := identity.New(tenant, chatID, thread)
	if err != nil {
		return 0, nil, err
	}
	key := id.Key()

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return 0, nil, nil
	}

	count, messages = e.sess.Kill()
	if err := m.store.DeleteSessionSnapshot(key); err != nil {
		m.logger.Warn("failed to delete session snapshot", zap.String("key", key), zap.Error(err))
	}
	return count, messages, nil
}

// GetGlobalStats aggregates counters across every resident Session.
func (m *Manager) GetGlobalStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{SessionCount: len(m.entries)}
	for _, e := range m.entries {
		snap := e.sess.Snapshot()
		stats.TotalQueries += snap.TotalQueries
		stats.TotalInputTokens += snap.TotalInputTokens
		stats.TotalOutputTokens += snap.TotalOutputTokens
	}
	return stats
}

// SaveAllSessions snapshots every resident Session to disk.
func (m *Manager) SaveAllSessions() error {
	m.mu.Lock()
	snapshot := make(map[string]*session.Session, len(m.entries))
	for k, e := range m.entries {
		snapshot[k] = e.sess
	}
	m.mu.Unlock()

	var firstErr error
	for key, sess := range snapshot {
		if err := m.store.WriteSessionSnapshot(key, sess.Snapshot()); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("save session %s: %w", key, err)
		}
	}
	return firstErr
}

// LoadAllSessions enumerates persisted snapshot keys and lazy-creates a
// Session for each, restoring its counters.
func (m *Manager) LoadAllSessions() error {
	keys, err := m.store.ListSessionKeys()
	if err != nil {
		return fmt.Errorf("list session keys: %w", err)
	}
	for _, key := range keys {
		id, err := identity.ParseKey(key)
		if err != nil {
			m.logger.Warn("skipping unparseable session key", zap.String("key", key), zap.Error(err))
			continue
		}
		if _, err := m.getOrCreate(id); err != nil {
			m.logger.Warn("failed to load session", zap.String("key", key), zap.Error(err))
		}
	}
	return nil
}

// Cleanup performs a TTL and LRU eviction pass. Evicted Sessions are
// snapshotted before removal.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	now := time.Now()
	var evictKeys []string

	for key, e := range m.entries {
		if now.Sub(e.lastAccess) > m.cfg.TTL {
			evictKeys = append(evictKeys, key)
		}
	}

	if over := len(m.entries) - len(evictKeys) - m.cfg.LRUCapacity; over > 0 {
		type kv struct {
			key        string
			lastAccess time.Time
		}
		stale := make(map[string]bool, len(evictKeys))
		for _, k := range evictKeys {
			stale[k] = true
		}
		var candidates []kv
		for key, e := range m.entries {
			if !stale[key] {
				candidates = append(candidates, kv{key, e.lastAccess})
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastAccess.Before(candidates[j].lastAccess) })
		for i := 0; i < over && i < len(candidates); i++ {
			evictKeys = append(evictKeys, candidates[i].key)
		}
	}

	toEvict := make(map[string]*session.Session, len(evictKeys))
	for _, key := range evictKeys {
		if e, ok := m.entries[key]; ok {
			toEvict[key] = e.sess
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()

	for key, sess := range toEvict {
		if err := m.store.WriteSessionSnapshot(key, sess.Snapshot()); err != nil {
			m.logger.Warn("failed to snapshot evicted session", zap.String("key", key), zap.Error(err))
		}
	}
	if len(toEvict) > 0 {
		m.logger.Info("evicted sessions", zap.Int("count", len(toEvict)))
	}
}

// ensureWorkdirAlias creates (or repairs) the per-thread symlink alias at
// <AliasRoot>/<escaped key> pointing at the canonical working directory.
func (m *Manager) ensureWorkdirAlias(id identity.Identity) error {
	if m.cfg.AliasRoot == "" || m.cfg.CanonicalWorkdir == "" {
		return nil
	}
	dir := m.aliasDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create alias root: %w", err)
	}

	aliasPath := filepath.Join(dir, escapePartitionKey(id.PartitionKey()))
	target, err := os.Readlink(aliasPath)
	if err == nil && target == m.cfg.CanonicalWorkdir {
		return nil
	}
	if err == nil || !os.IsNotExist(err) {
		if rmErr := os.Remove(aliasPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("remove stale alias: %w", rmErr)
		}
	}
	return os.Symlink(m.cfg.CanonicalWorkdir, aliasPath)
}

func escapePartitionKey(key string) string {
	return strings.ReplaceAll(key, "/", "__")
}

// aliasDir is the per-service-instance alias directory: keyed on the base
// name of the canonical working directory so that multiple process
// instances sharing a host do not collide.
func (m *Manager) aliasDir() string {
	return filepath.Join(m.cfg.AliasRoot, filepath.Base(m.cfg.CanonicalWorkdir))
}
