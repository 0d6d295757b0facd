package replica

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/golang/snappy"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mode controls whether saves reach the persistent cache.
type Mode int

const (
	// ModeActive persists every save.
	ModeActive Mode = iota
	// ModePaused turns saves into no-ops for the duration of a bulk operation.
	ModePaused
)

const (
	opLoad       = "replica.load"
	opSave       = "replica.save"
	opClear      = "replica.clear"
	fieldUserID  = "user_id"
	fieldCollect = "collection"
	queryUser    = "user_id = ?"
	queryUserCol = "user_id = ? AND collection = ?"
)

var (
	errMissingDatabase = errors.New("replica: database handle is required")
	errMissingUserID   = errors.New("replica: user id is required")
)

// Snapshot is the persisted last-known-good state of one collection for one user.
type Snapshot struct {
	UserID         string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Collection     string `gorm:"column:collection;primaryKey;size:64;not null"`
	Payload        []byte `gorm:"column:payload;not null"`
	SavedAtSeconds int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "replica_snapshots"
}

// Config describes the dependencies of a Store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the local persistent cache, namespaced by user and collection.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger

	mu   sync.RWMutex
	mode Mode
}

// NewStore constructs a Store and ensures its table exists.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if err := cfg.Database.AutoMigrate(&Snapshot{}); err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger, mode: ModeActive}, nil
}

// Mode reports the current persistence mode.
func (s *Store) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Pause switches the store to ModePaused and returns a func restoring the previous mode.
func (s *Store) Pause() func() {
	s.mu.Lock()
	previous := s.mode
	s.mode = ModePaused
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.mode = previous
		s.mu.Unlock()
	}
}

// Load returns the persisted collection. Missing, unreadable or corrupt data yields an
// empty map; the failure is logged and never returned.
func Load[R any](ctx context.Context, store *Store, userID, collection string) map[string]R {
	rows := make(map[string]R)
	if store == nil || userID == "" {
		return rows
	}

	var snapshot Snapshot
	result := store.db.WithContext(ctx).Where(queryUserCol, userID, collection).Limit(1).Find(&snapshot)
	if result.Error != nil {
		store.logWarn(opLoad, "query_failed", result.Error, userID, collection)
		return rows
	}
	if result.RowsAffected == 0 {
		return rows
	}

	decoded, err := snappy.Decode(nil, snapshot.Payload)
	if err != nil {
		store.logWarn(opLoad, "decompress_failed", err, userID, collection)
		return rows
	}
	var parsed map[string]R
	if err := json.Unmarshal(decoded, &parsed); err != nil {
		store.logWarn(opLoad, "decode_failed", err, userID, collection)
		return rows
	}
	for key, row := range parsed {
		rows[key] = row
	}
	return rows
}

// Save overwrites the persisted collection with rows. It is a no-op while paused.
func Save[R any](ctx context.Context, store *Store, userID, collection string, rows map[string]R) error {
	if store == nil {
		return errMissingDatabase
	}
	if userID == "" {
		return errMissingUserID
	}
	if store.Mode() == ModePaused {
		return nil
	}
	if rows == nil {
		rows = map[string]R{}
	}

	encoded, err := json.Marshal(rows)
	if err != nil {
		store.logWarn(opSave, "encode_failed", err, userID, collection)
		return err
	}
	snapshot := Snapshot{
		UserID:         userID,
		Collection:     collection,
		Payload:        snappy.Encode(nil, encoded),
		SavedAtSeconds: store.clock().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Save(&snapshot).Error; err != nil {
		store.logWarn(opSave, "write_failed", err, userID, collection)
		return err
	}
	return nil
}

// Clear removes every persisted collection for the user. Clearing ignores ModePaused
// because it is the bulk operation the pause exists for.
func (s *Store) Clear(ctx context.Context, userID string) error {
	if userID == "" {
		return errMissingUserID
	}
	if err := s.db.WithContext(ctx).Where(queryUser, userID).Delete(&Snapshot{}).Error; err != nil {
		s.logWarn(opClear, "delete_failed", err, userID, "")
		return err
	}
	return nil
}

// Collections lists the collection names persisted for the user.
func (s *Store) Collections(ctx context.Context, userID string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).
		Model(&Snapshot{}).
		Where(queryUser, userID).
		Order("collection ASC").
		Pluck("collection", &names).Error
	return names, err
}

func (s *Store) logWarn(operation, reason string, err error, userID, collection string) {
	s.logger.Warn("replica store error",
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldUserID, userID),
		zap.String(fieldCollect, collection),
		zap.Error(err),
	)
}
