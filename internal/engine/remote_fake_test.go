package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/remote"
	"github.com/MarcoPoloResearchLab/studytrack/internal/replica"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUserID = "user-1"

// fakeRemote is an in-memory remote table that records every call.
type fakeRemote[R study.Record[R]] struct {
	mu        sync.Mutex
	rows      map[string]R
	upserts   [][]R
	deletes   []string
	fetches   int
	fetchErr  error
	upsertErr error
	deleteErr error
	handlers  map[int]remote.Handlers[R]
	nextID    int
	generated int
	// afterFetch runs once, after FetchAll has read its rows and before it returns.
	afterFetch func()
	upsertGate chan struct{}
}

func newFakeRemote[R study.Record[R]](rows ...R) *fakeRemote[R] {
	f := &fakeRemote[R]{rows: make(map[string]R), handlers: make(map[int]remote.Handlers[R])}
	for _, row := range rows {
		f.rows[row.RowKey()] = row
	}
	return f
}

func (f *fakeRemote[R]) FetchAll(_ context.Context, _ string) ([]R, error) {
	rows, hook, err := f.readRows()
	if err != nil {
		return nil, err
	}
	if hook != nil {
		hook()
	}
	return rows, nil
}

func (f *fakeRemote[R]) readRows() ([]R, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, nil, f.fetchErr
	}
	keys := make([]string, 0, len(f.rows))
	for key := range f.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([]R, 0, len(keys))
	for _, key := range keys {
		rows = append(rows, f.rows[key])
	}
	hook := f.afterFetch
	f.afterFetch = nil
	return rows, hook, nil
}

func (f *fakeRemote[R]) Upsert(_ context.Context, _ string, rows []R) error {
	f.mu.Lock()
	gate := f.upsertGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	batch := append([]R(nil), rows...)
	f.upserts = append(f.upserts, batch)
	for _, row := range rows {
		key := row.RowKey()
		if key == "" {
			f.generated++
			key = fmt.Sprintf("generated-%d", f.generated)
			if assignable, ok := any(row).(interface{ WithID(string) R }); ok {
				row = assignable.WithID(key)
			}
		}
		f.rows[key] = row
	}
	return nil
}

func (f *fakeRemote[R]) Delete(_ context.Context, _ string, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, key)
	delete(f.rows, key)
	return nil
}

func (f *fakeRemote[R]) Subscribe(_ context.Context, _ string, handlers remote.Handlers[R]) (remote.Unsubscribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.handlers[id] = handlers
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}, nil
}

func (f *fakeRemote[R]) emitUpdate(row R) {
	for _, handlers := range f.snapshotHandlers() {
		handlers.OnUpdate(row)
	}
}

func (f *fakeRemote[R]) emitDelete(row R) {
	for _, handlers := range f.snapshotHandlers() {
		handlers.OnDelete(row)
	}
}

func (f *fakeRemote[R]) snapshotHandlers() []remote.Handlers[R] {
	f.mu.Lock()
	defer f.mu.Unlock()
	handlers := make([]remote.Handlers[R], 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

func (f *fakeRemote[R]) upsertCalls() [][]R {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]R(nil), f.upserts...)
}

func (f *fakeRemote[R]) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeRemote[R]) setUpsertErr(err error) {
	f.mu.Lock()
	f.upsertErr = err
	f.mu.Unlock()
}

func (f *fakeRemote[R]) setDeleteErr(err error) {
	f.mu.Lock()
	f.deleteErr = err
	f.mu.Unlock()
}

func (f *fakeRemote[R]) setAfterFetch(hook func()) {
	f.mu.Lock()
	f.afterFetch = hook
	f.mu.Unlock()
}

func (f *fakeRemote[R]) setUpsertGate(gate chan struct{}) {
	f.mu.Lock()
	f.upsertGate = gate
	f.mu.Unlock()
}

// drop removes a row the way another device's delete would.
func (f *fakeRemote[R]) drop(key string) {
	f.mu.Lock()
	delete(f.rows, key)
	f.mu.Unlock()
}

func (f *fakeRemote[R]) deleteCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

func (f *fakeRemote[R]) stored(key string) (R, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	return row, ok
}

type fakeResetter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *fakeResetter) Reset(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userID)
	return r.err
}

type fakeReconnects struct {
	mu    sync.Mutex
	hooks []func()
}

func (r *fakeReconnects) OnReconnect(_ string, fn func()) remote.Unsubscribe {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
	return func() {}
}

func (r *fakeReconnects) fire() {
	r.mu.Lock()
	hooks := append([]func(){}, r.hooks...)
	r.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

func newTestReplica(t *testing.T) *replica.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "replica.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := replica.NewStore(replica.Config{Database: db, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("failed to build replica: %v", err)
	}
	return store
}

func at(hour int) *time.Time {
	value := time.Date(2024, 1, 1, hour, 0, 0, 0, time.UTC)
	return &value
}

func fixedClock(value time.Time) func() time.Time {
	return func() time.Time { return value }
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
