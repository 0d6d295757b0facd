package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/studytrack/internal/merge"
	"github.com/MarcoPoloResearchLab/studytrack/internal/remote"
	"github.com/MarcoPoloResearchLab/studytrack/internal/replica"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"go.uber.org/zap"
)

// MirrorConfig describes a remote-authoritative collection.
type MirrorConfig[R study.Record[R]] struct {
	Name    string
	UserID  string
	Remote  remote.Client[R]
	Replica *replica.Store
	Logger  *zap.Logger
}

// Mirror is a read-through cache of a table the remote store owns. It never merges:
// every change event triggers a full reload.
type Mirror[R study.Record[R]] struct {
	name    string
	userID  string
	remote  remote.Client[R]
	replica *replica.Store
	logger  *zap.Logger

	reloadMu sync.Mutex
	trigger  chan struct{}
	stop     context.CancelFunc
	done     chan struct{}

	mu          sync.Mutex
	rows        map[string]R
	watchers    map[int64]func(map[string]R)
	nextWatcher int64
	unsubscribe remote.Unsubscribe
}

// NewMirror loads the last successful read from the replica.
func NewMirror[R study.Record[R]](cfg MirrorConfig[R]) (*Mirror[R], error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror[R]{
		name:     cfg.Name,
		userID:   cfg.UserID,
		remote:   cfg.Remote,
		replica:  cfg.Replica,
		logger:   logger.With(zap.String("collection", cfg.Name)),
		trigger:  make(chan struct{}, 1),
		rows:     replica.Load[R](context.Background(), cfg.Replica, cfg.UserID, cfg.Name),
		watchers: make(map[int64]func(map[string]R)),
	}, nil
}

// Name returns the table name of the mirror.
func (m *Mirror[R]) Name() string {
	return m.name
}

// Kind reports that the remote store owns the table.
func (m *Mirror[R]) Kind() merge.Kind {
	return merge.KindRemoteAuthoritative
}

// Snapshot returns a copy of the cached rows.
func (m *Mirror[R]) Snapshot() map[string]R {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRows(m.rows)
}

// List returns the cached rows ordered by key.
func (m *Mirror[R]) List() []R {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.rows))
	for key := range m.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([]R, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, m.rows[key])
	}
	return rows
}

// Get returns the cached row stored under key.
func (m *Mirror[R]) Get(key string) (R, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key]
	return row, ok
}

// Watch registers fn to receive the rows after every reload.
func (m *Mirror[R]) Watch(fn func(map[string]R)) func() {
	m.mu.Lock()
	m.nextWatcher++
	id := m.nextWatcher
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// IsSaving is always false: mirror writes are synchronous.
func (m *Mirror[R]) IsSaving() bool {
	return false
}

// Reload replaces the cache with the remote rows. On failure the cache is kept.
func (m *Mirror[R]) Reload(ctx context.Context) error {
	if m.userID == "" {
		return nil
	}
	m.reloadMu.Lock()
	defer m.reloadMu.Unlock()

	rows, err := m.remote.FetchAll(ctx, m.userID)
	if err != nil {
		m.logger.Warn("mirror reload failed", zap.Error(err))
		return err
	}
	fresh := make(map[string]R, len(rows))
	for _, row := range rows {
		if key := row.RowKey(); key != "" {
			fresh[key] = row
		}
	}

	m.mu.Lock()
	m.rows = fresh
	if m.replica != nil {
		_ = replica.Save(context.Background(), m.replica, m.userID, m.name, fresh)
	}
	watchers := make([]func(map[string]R), 0, len(m.watchers))
	ids := make([]int64, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		watchers = append(watchers, m.watchers[id])
	}
	snapshot := cloneRows(fresh)
	m.mu.Unlock()

	notify(watchers, snapshot)
	return nil
}

// Save writes row to the remote store and reloads. The server assigns ids to new rows.
func (m *Mirror[R]) Save(ctx context.Context, row R) error {
	if m.userID == "" {
		return ErrNoUser
	}
	if err := m.remote.Upsert(ctx, m.userID, []R{row.OwnedBy(m.userID)}); err != nil {
		m.logger.Warn("mirror save failed", zap.Error(err))
		return err
	}
	return m.Reload(ctx)
}

// Remove deletes key from the remote store and reloads.
func (m *Mirror[R]) Remove(ctx context.Context, key string) error {
	if m.userID == "" {
		return ErrNoUser
	}
	if err := m.remote.Delete(ctx, m.userID, key); err != nil {
		m.logger.Warn("mirror delete failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return m.Reload(ctx)
}

// Subscribe reloads the mirror after every change event. Bursts of events coalesce into
// a single reload.
func (m *Mirror[R]) Subscribe(ctx context.Context) error {
	if m.userID == "" {
		return nil
	}
	request := func(R) {
		select {
		case m.trigger <- struct{}{}:
		default:
		}
	}
	unsubscribe, err := m.remote.Subscribe(ctx, m.userID, remote.Handlers[R]{
		OnInsert: request,
		OnUpdate: request,
		OnDelete: request,
	})
	if err != nil {
		m.logger.Warn("subscribe failed", zap.Error(err))
		return err
	}

	workerCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.mu.Lock()
	previous, previousStop := m.unsubscribe, m.stop
	m.unsubscribe, m.stop, m.done = unsubscribe, stop, done
	m.mu.Unlock()
	if previous != nil {
		previous()
	}
	if previousStop != nil {
		previousStop()
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-m.trigger:
				reloadCtx, cancel := context.WithTimeout(workerCtx, defaultCommitTimeout)
				_ = m.Reload(reloadCtx)
				cancel()
			}
		}
	}()
	return nil
}

// Close stops the subscription and the reload worker.
func (m *Mirror[R]) Close(context.Context) error {
	m.mu.Lock()
	unsubscribe, stop, done := m.unsubscribe, m.stop, m.done
	m.unsubscribe, m.stop, m.done = nil, nil, nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if stop != nil {
		stop()
	}
	if done != nil {
		<-done
	}
	return nil
}

func (m *Mirror[R]) reset() {
	m.mu.Lock()
	m.rows = make(map[string]R)
	m.mu.Unlock()
}

func (m *Mirror[R]) reconcile(ctx context.Context) error {
	return m.Reload(ctx)
}

// ForceFlush is a no-op: mirror writes are never deferred.
func (m *Mirror[R]) ForceFlush(context.Context) error {
	return nil
}
