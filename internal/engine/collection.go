package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/merge"
	"github.com/MarcoPoloResearchLab/studytrack/internal/remote"
	"github.com/MarcoPoloResearchLab/studytrack/internal/replica"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

const (
	defaultCommitWindow  = 500 * time.Millisecond
	defaultCommitTimeout = 30 * time.Second
)

var (
	// ErrNoUser indicates that the session has no authenticated user.
	ErrNoUser = errors.New("engine: no authenticated user")
	// ErrKeyMismatch indicates that a mutation produced a row under a different key.
	ErrKeyMismatch = errors.New("engine: mutated row key mismatch")
	// ErrUnknownCollection indicates that no collection is registered under a name.
	ErrUnknownCollection = errors.New("engine: unknown collection")

	errMissingRemote = errors.New("engine: remote client is required")
	errMissingPolicy = errors.New("engine: merge policy is required")
)

// ReconcileReport lists the keys touched by one reconciliation pass.
type ReconcileReport struct {
	Pulled  []string
	Pushed  []string
	Dropped []string
}

// CollectionConfig describes one merged collection.
type CollectionConfig[R study.Record[R]] struct {
	Name    string
	UserID  string
	Policy  *merge.Policy[R]
	Remote  remote.Client[R]
	Replica *replica.Store
	Window  time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Collection is the local replica of one synced table. It reconciles with the remote
// store, applies change events that are newer than the local state, and pushes local
// mutations through a debounced, diffed commit.
type Collection[R study.Record[R]] struct {
	name    string
	userID  string
	policy  *merge.Policy[R]
	remote  remote.Client[R]
	replica *replica.Store
	clock   func() time.Time
	logger  *zap.Logger

	debouncer *Debouncer
	commitMu  sync.Mutex
	pushes    sync.WaitGroup

	mu          sync.Mutex
	local       map[string]R
	reference   map[string]R
	inFlight    int
	watchers    map[int64]func(map[string]R)
	nextWatcher int64
	unsubscribe remote.Unsubscribe

	// reconciling counts passes between fetch and merge; deletes seen meanwhile are
	// kept out of the stale fetch result.
	reconciling   int
	deletedDuring map[string]struct{}
	// pendingDeletes holds local deletes the remote store has not confirmed yet.
	pendingDeletes map[string]struct{}
}

// NewCollection loads the persisted snapshot and returns a collection ready to reconcile.
func NewCollection[R study.Record[R]](cfg CollectionConfig[R]) (*Collection[R], error) {
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.Policy == nil {
		return nil, errMissingPolicy
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultCommitWindow
	}
	c := &Collection[R]{
		name:      cfg.Name,
		userID:    cfg.UserID,
		policy:    cfg.Policy,
		remote:    cfg.Remote,
		replica:   cfg.Replica,
		clock:     clock,
		logger:    logger.With(zap.String("collection", cfg.Name)),
		local:     replica.Load[R](context.Background(), cfg.Replica, cfg.UserID, cfg.Name),
		reference: make(map[string]R),
		watchers:  make(map[int64]func(map[string]R)),

		deletedDuring:  make(map[string]struct{}),
		pendingDeletes: make(map[string]struct{}),
	}
	c.debouncer = NewDebouncer(window, c.commitInBackground)
	return c, nil
}

// Name returns the table name of the collection.
func (c *Collection[R]) Name() string {
	return c.name
}

// Kind returns the merge strategy of the collection.
func (c *Collection[R]) Kind() merge.Kind {
	return c.policy.Kind()
}

// Snapshot returns a copy of the merged local state.
func (c *Collection[R]) Snapshot() map[string]R {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneRows(c.local)
}

// Get returns the local row stored under key.
func (c *Collection[R]) Get(key string) (R, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.local[key]
	return row, ok
}

// Watch registers fn to receive a snapshot after every local change. The returned func
// removes the watcher.
func (c *Collection[R]) Watch(fn func(map[string]R)) func() {
	c.mu.Lock()
	c.nextWatcher++
	id := c.nextWatcher
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// IsSaving reports whether a commit is scheduled or in flight.
func (c *Collection[R]) IsSaving() bool {
	c.mu.Lock()
	inFlight := c.inFlight > 0
	c.mu.Unlock()
	return inFlight || c.debouncer.Pending()
}

// Mutate applies update to the row under key, stamps it with the current time, persists
// the collection and schedules a commit. update receives the zero row when key is absent.
func (c *Collection[R]) Mutate(key string, update func(current R, exists bool) R) (R, error) {
	var zero R
	if c.userID == "" {
		return zero, ErrNoUser
	}
	c.mu.Lock()
	current, exists := c.local[key]
	next := update(current, exists).OwnedBy(c.userID).Touched(c.clock())
	if next.RowKey() != key {
		c.mu.Unlock()
		return zero, fmt.Errorf("%w: %q != %q", ErrKeyMismatch, next.RowKey(), key)
	}
	c.local[key] = next
	delete(c.pendingDeletes, key)
	c.persistLocked()
	snapshot, watchers := c.notificationLocked()
	c.mu.Unlock()

	notify(watchers, snapshot)
	c.debouncer.Schedule()
	return next, nil
}

// Delete removes key locally and remotely. The remote failure is returned; the local
// removal stands either way and the remote delete is retried by the next commit.
func (c *Collection[R]) Delete(ctx context.Context, key string) error {
	if c.userID == "" {
		return ErrNoUser
	}
	c.mu.Lock()
	_, existed := c.local[key]
	delete(c.local, key)
	c.pendingDeletes[key] = struct{}{}
	if existed {
		c.persistLocked()
	}
	snapshot, watchers := c.notificationLocked()
	c.mu.Unlock()
	if existed {
		notify(watchers, snapshot)
	}

	if err := c.deleteRemote(ctx, key); err != nil {
		c.debouncer.Schedule()
		return err
	}
	return nil
}

// deleteRemote sends a pending delete and forgets it on success. Keys written again
// since the delete are skipped.
func (c *Collection[R]) deleteRemote(ctx context.Context, key string) error {
	c.mu.Lock()
	if _, pending := c.pendingDeletes[key]; !pending {
		c.mu.Unlock()
		return nil
	}
	c.inFlight++
	c.mu.Unlock()

	err := c.remote.Delete(ctx, c.userID, key)

	c.mu.Lock()
	c.inFlight--
	if err == nil {
		if _, pending := c.pendingDeletes[key]; pending {
			delete(c.pendingDeletes, key)
			delete(c.reference, key)
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("remote delete failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// ForceFlush commits the pending diff immediately and returns once the upsert resolves.
func (c *Collection[R]) ForceFlush(ctx context.Context) error {
	if c.userID == "" {
		return nil
	}
	c.debouncer.Cancel()
	return c.commit(ctx)
}

// Reconcile aligns the local snapshot with the remote store. Remote rows that are newer
// replace local ones, locally newer or local-only dated rows are pushed in the
// background, and undated local rows the remote has never seen are dropped.
func (c *Collection[R]) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if c.userID == "" {
		return report, nil
	}
	c.mu.Lock()
	c.reconciling++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconciling--
		if c.reconciling == 0 {
			c.deletedDuring = make(map[string]struct{})
		}
		c.mu.Unlock()
	}()

	rows, err := c.remote.FetchAll(ctx, c.userID)
	if err != nil {
		c.logger.Warn("reconcile fetch failed", zap.Error(err))
		return report, err
	}
	remoteRows := make(map[string]R, len(rows))
	for _, row := range rows {
		key := row.RowKey()
		if key == "" {
			continue
		}
		remoteRows[key] = row
	}

	c.mu.Lock()
	// Rows deleted after the fetch, remotely or locally, must not come back from it.
	for key := range c.deletedDuring {
		delete(remoteRows, key)
	}
	for key := range c.pendingDeletes {
		delete(remoteRows, key)
	}
	merged := make(map[string]R, len(c.local)+len(remoteRows))
	var push []R
	for key, localRow := range c.local {
		remoteRow, ok := remoteRows[key]
		if !ok {
			if _, dated := localRow.ModifiedAt(); dated {
				merged[key] = localRow
				push = append(push, localRow)
				report.Pushed = append(report.Pushed, key)
			} else {
				report.Dropped = append(report.Dropped, key)
			}
			continue
		}
		switch {
		case c.policy.IsNewer(remoteRow, &localRow):
			merged[key] = remoteRow
			report.Pulled = append(report.Pulled, key)
		case c.policy.IsNewer(localRow, &remoteRow):
			merged[key] = localRow
			push = append(push, localRow)
			report.Pushed = append(report.Pushed, key)
		default:
			merged[key] = localRow
		}
	}
	for key, remoteRow := range remoteRows {
		if _, ok := c.local[key]; ok {
			continue
		}
		merged[key] = remoteRow
		report.Pulled = append(report.Pulled, key)
	}
	c.local = merged
	c.reference = remoteRows
	c.persistLocked()
	snapshot, watchers := c.notificationLocked()
	c.mu.Unlock()

	notify(watchers, snapshot)
	sort.Strings(report.Pulled)
	sort.Strings(report.Pushed)
	sort.Strings(report.Dropped)
	if len(report.Dropped) > 0 {
		c.logger.Info("dropped undated local rows", zap.Strings("keys", report.Dropped))
	}
	if len(push) > 0 {
		sort.Slice(push, func(i, j int) bool { return push[i].RowKey() < push[j].RowKey() })
		c.pushes.Add(1)
		go func() {
			defer c.pushes.Done()
			pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultCommitTimeout)
			defer cancel()
			c.push(pushCtx, push)
		}()
	}
	return report, nil
}

// Subscribe starts applying change events from the remote feed.
func (c *Collection[R]) Subscribe(ctx context.Context) error {
	if c.userID == "" {
		return nil
	}
	unsubscribe, err := c.remote.Subscribe(ctx, c.userID, remote.Handlers[R]{
		OnInsert: c.applyUpsert,
		OnUpdate: c.applyUpsert,
		OnDelete: c.applyDelete,
	})
	if err != nil {
		c.logger.Warn("subscribe failed", zap.Error(err))
		return err
	}
	c.mu.Lock()
	previous := c.unsubscribe
	c.unsubscribe = unsubscribe
	c.mu.Unlock()
	if previous != nil {
		previous()
	}
	return nil
}

// Close tears down the subscription and makes a best-effort final commit.
func (c *Collection[R]) Close(ctx context.Context) error {
	c.mu.Lock()
	unsubscribe := c.unsubscribe
	c.unsubscribe = nil
	c.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	c.debouncer.Stop()
	var err error
	if c.userID != "" {
		err = c.commit(ctx)
	}
	c.pushes.Wait()
	return err
}

// reset discards local state without touching persistence or the remote store. It
// waits for pushes already in flight so none of them lands after a remote reset.
func (c *Collection[R]) reset() {
	c.debouncer.Cancel()
	c.pushes.Wait()
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	c.local = make(map[string]R)
	c.reference = make(map[string]R)
	c.pendingDeletes = make(map[string]struct{})
	c.deletedDuring = make(map[string]struct{})
	snapshot, watchers := c.notificationLocked()
	c.mu.Unlock()
	notify(watchers, snapshot)
}

// applyUpsert applies a remote insert or update when the policy says it is newer. The
// reference always tracks the remote row so a locally newer value is pushed again.
func (c *Collection[R]) applyUpsert(incoming R) {
	key := incoming.RowKey()
	if key == "" {
		return
	}
	c.mu.Lock()
	c.reference[key] = incoming
	if _, pending := c.pendingDeletes[key]; pending {
		c.mu.Unlock()
		return
	}
	current, exists := c.local[key]
	var currentPtr *R
	if exists {
		currentPtr = &current
	}
	if !c.policy.IsNewer(incoming, currentPtr) {
		c.mu.Unlock()
		return
	}
	c.local[key] = incoming
	c.persistLocked()
	snapshot, watchers := c.notificationLocked()
	c.mu.Unlock()
	notify(watchers, snapshot)
}

// applyDelete removes key unconditionally. There is no tombstone to compare against, so
// a delete wins over any pending local write of the same key.
func (c *Collection[R]) applyDelete(deleted R) {
	key := deleted.RowKey()
	if key == "" {
		return
	}
	c.mu.Lock()
	delete(c.reference, key)
	delete(c.pendingDeletes, key)
	if c.reconciling > 0 {
		c.deletedDuring[key] = struct{}{}
	}
	if _, exists := c.local[key]; !exists {
		c.mu.Unlock()
		return
	}
	delete(c.local, key)
	c.persistLocked()
	snapshot, watchers := c.notificationLocked()
	c.mu.Unlock()
	notify(watchers, snapshot)
}

func (c *Collection[R]) commitInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultCommitTimeout)
	defer cancel()
	_ = c.commit(ctx)
}

// commit pushes every row that differs from the reference as one upsert and retries
// the local deletes the remote store has not confirmed.
func (c *Collection[R]) commit(ctx context.Context) error {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	c.mu.Lock()
	changed := c.diffLocked()
	deletes := make([]string, 0, len(c.pendingDeletes))
	for key := range c.pendingDeletes {
		deletes = append(deletes, key)
	}
	c.mu.Unlock()
	sort.Strings(deletes)

	var errs []error
	if len(changed) > 0 {
		if err := c.pushLocked(ctx, changed); err != nil {
			errs = append(errs, err)
		}
	}
	for _, key := range deletes {
		if err := c.deleteRemote(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Collection[R]) push(ctx context.Context, rows []R) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()
	_ = c.pushLocked(ctx, rows)
}

// pushLocked upserts rows and, on success, advances the reference for exactly those
// rows. commitMu must be held.
func (c *Collection[R]) pushLocked(ctx context.Context, rows []R) error {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()

	err := c.remote.Upsert(ctx, c.userID, rows)

	c.mu.Lock()
	c.inFlight--
	if err == nil {
		for _, row := range rows {
			c.reference[row.RowKey()] = row
		}
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("commit failed", zap.Int("rows", len(rows)), zap.Error(err))
		return err
	}
	c.logger.Debug("commit succeeded", zap.Int("rows", len(rows)))
	return nil
}

func (c *Collection[R]) diffLocked() []R {
	keys := make([]string, 0)
	for key, row := range c.local {
		synced, ok := c.reference[key]
		if ok && cmp.Equal(row, synced) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([]R, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, c.local[key])
	}
	return rows
}

func (c *Collection[R]) persistLocked() {
	if c.replica == nil || c.userID == "" {
		return
	}
	// Failures are logged by the replica; the in-memory snapshot stays authoritative.
	_ = replica.Save(context.Background(), c.replica, c.userID, c.name, c.local)
}

func (c *Collection[R]) notificationLocked() (map[string]R, []func(map[string]R)) {
	if len(c.watchers) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(c.watchers))
	for id := range c.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	watchers := make([]func(map[string]R), 0, len(ids))
	for _, id := range ids {
		watchers = append(watchers, c.watchers[id])
	}
	return cloneRows(c.local), watchers
}

func notify[R any](watchers []func(map[string]R), snapshot map[string]R) {
	for _, watcher := range watchers {
		watcher(snapshot)
	}
}

func cloneRows[R any](rows map[string]R) map[string]R {
	clone := make(map[string]R, len(rows))
	for key, row := range rows {
		clone[key] = row
	}
	return clone
}

func (c *Collection[R]) reconcile(ctx context.Context) error {
	_, err := c.Reconcile(ctx)
	return err
}
