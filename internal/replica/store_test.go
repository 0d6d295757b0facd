package replica

import (
	"bytes"
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type progressRow struct {
	TopicID string `json:"topic_id"`
	IsRead  bool   `json:"is_read"`
}

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "replica.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := NewStore(Config{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store, db
}

func TestSaveLoadRoundTripIsScopedPerUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rows := map[string]progressRow{"t1": {TopicID: "t1", IsRead: true}}
	if err := Save(ctx, store, "user-1", "topic_progress", rows); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded := Load[progressRow](ctx, store, "user-1", "topic_progress")
	if len(loaded) != 1 || !loaded["t1"].IsRead {
		t.Fatalf("unexpected loaded rows %#v", loaded)
	}

	other := Load[progressRow](ctx, store, "user-2", "topic_progress")
	if len(other) != 0 {
		t.Fatalf("expected no rows for another user, got %#v", other)
	}
}

func TestSaveOverwritesWholeCollection(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := map[string]progressRow{"t1": {TopicID: "t1"}, "t2": {TopicID: "t2"}}
	if err := Save(ctx, store, "user-1", "topic_progress", first); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}
	second := map[string]progressRow{"t3": {TopicID: "t3"}}
	if err := Save(ctx, store, "user-1", "topic_progress", second); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	loaded := Load[progressRow](ctx, store, "user-1", "topic_progress")
	if len(loaded) != 1 {
		t.Fatalf("expected overwrite, got %#v", loaded)
	}
	if _, ok := loaded["t3"]; !ok {
		t.Fatalf("expected t3 to be present")
	}
}

func TestLoadFallsBackToEmptyOnCorruptPayload(t *testing.T) {
	store, db := newTestStore(t)
	ctx := context.Background()

	corrupt := Snapshot{UserID: "user-1", Collection: "notes", Payload: []byte("not snappy"), SavedAtSeconds: 1}
	if err := db.Create(&corrupt).Error; err != nil {
		t.Fatalf("failed to insert corrupt snapshot: %v", err)
	}

	loaded := Load[progressRow](ctx, store, "user-1", "notes")
	if loaded == nil || len(loaded) != 0 {
		t.Fatalf("expected empty collection, got %#v", loaded)
	}
	if missing := Load[progressRow](ctx, store, "user-1", "never-saved"); len(missing) != 0 {
		t.Fatalf("expected empty collection for missing snapshot")
	}
}

func TestPausedStoreSkipsSaves(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	restore := store.Pause()
	if store.Mode() != ModePaused {
		t.Fatalf("expected paused mode")
	}
	if err := Save(ctx, store, "user-1", "notes", map[string]progressRow{"t1": {TopicID: "t1"}}); err != nil {
		t.Fatalf("paused save must not fail: %v", err)
	}
	restore()
	if store.Mode() != ModeActive {
		t.Fatalf("expected active mode after restore")
	}
	if loaded := Load[progressRow](ctx, store, "user-1", "notes"); len(loaded) != 0 {
		t.Fatalf("paused save must not persist, got %#v", loaded)
	}
}

func TestClearRemovesOnlyTheUser(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for _, userID := range []string{"user-1", "user-2"} {
		if err := Save(ctx, store, userID, "notes", map[string]progressRow{"t1": {TopicID: "t1"}}); err != nil {
			t.Fatalf("unexpected save error: %v", err)
		}
	}
	if err := store.Clear(ctx, "user-1"); err != nil {
		t.Fatalf("unexpected clear error: %v", err)
	}
	names, err := store.Collections(ctx, "user-1")
	if err != nil || len(names) != 0 {
		t.Fatalf("expected no collections for user-1, got %v (%v)", names, err)
	}
	names, err = store.Collections(ctx, "user-2")
	if err != nil || len(names) != 1 || names[0] != "notes" {
		t.Fatalf("unexpected collections for user-2: %v (%v)", names, err)
	}
}

func TestLoadMissingSnapshotStaysQuiet(t *testing.T) {
	var gormOutput bytes.Buffer
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "replica.db")), &gorm.Config{
		Logger: gormlogger.New(log.New(&gormOutput, "", 0), gormlogger.Config{LogLevel: gormlogger.Warn}),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	core, logs := observer.New(zapcore.DebugLevel)
	store, err := NewStore(Config{Database: db, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}

	loaded := Load[progressRow](context.Background(), store, "user-1", "topic_progress")
	if len(loaded) != 0 {
		t.Fatalf("expected empty collection, got %+v", loaded)
	}
	if gormOutput.Len() != 0 {
		t.Fatalf("expected no database log output, got %q", gormOutput.String())
	}
	if logs.Len() != 0 {
		t.Fatalf("expected no replica warnings, got %+v", logs.All())
	}
}
