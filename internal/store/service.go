package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/merge"
	"github.com/MarcoPoloResearchLab/studytrack/internal/realtime"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrUnknownTable indicates that the requested table is not synced.
	ErrUnknownTable = errors.New("store: unknown table")
	// ErrInvalidPayload indicates that the submitted rows could not be decoded.
	ErrInvalidPayload = errors.New("store: invalid payload")
	// ErrInvalidKey indicates that a row key is missing, malformed or foreign.
	ErrInvalidKey = errors.New("store: invalid key")

	errMissingDatabase = errors.New("database handle is required")
	errKindMismatch    = errors.New("table binding does not match registry")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable "operation.reason" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "store.service.new"
	opFetch      = "store.fetch"
	opUpsert     = "store.upsert"
	opDelete     = "store.delete"
	opReset      = "store.reset"

	reasonMissingDatabase = "missing_database"
	reasonMissingUserID   = "missing_user_id"
	reasonRegistry        = "registry_mismatch"
	reasonUnknownTable    = "unknown_table"
	reasonInvalidPayload  = "invalid_payload"
	reasonInvalidKey      = "invalid_key"
	reasonQueryFailed     = "query_failed"
	reasonWriteFailed     = "write_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for rows the server assigns keys to.
type IDProvider interface {
	NewID() (string, error)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Publisher  realtime.Publisher
	Logger     *zap.Logger
}

// Service is the authoritative remote store shared by every device of a user.
type Service struct {
	db        *gorm.DB
	clock     func() time.Time
	ids       IDProvider
	publisher realtime.Publisher
	logger    *zap.Logger
	registry  *merge.Registry
	tables    map[string]tableBinding
}

// TableInfo describes one synced table.
type TableInfo struct {
	Name string     `json:"name"`
	Kind merge.Kind `json:"kind"`
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	registry := study.NewRegistry()
	tables := defaultBindings()
	if err := checkBindings(registry, tables); err != nil {
		return nil, newServiceError(opServiceNew, reasonRegistry, err)
	}
	return &Service{
		db:        cfg.Database,
		clock:     clock,
		ids:       ids,
		publisher: cfg.Publisher,
		logger:    logger,
		registry:  registry,
		tables:    tables,
	}, nil
}

// checkBindings requires exactly one binding per registered table, merging the way
// the registry says.
func checkBindings(registry *merge.Registry, tables map[string]tableBinding) error {
	names := registry.Tables()
	if len(names) != len(tables) {
		return fmt.Errorf("%w: %d registered, %d bound", errKindMismatch, len(names), len(tables))
	}
	for _, name := range names {
		kind, err := registry.Lookup(name)
		if err != nil {
			return err
		}
		binding, ok := tables[name]
		if !ok || binding.kind() != kind {
			return fmt.Errorf("%w: %s", errKindMismatch, name)
		}
	}
	return nil
}

// Tables lists the synced table names.
func (s *Service) Tables() []string {
	return s.registry.Tables()
}

// Describe lists every synced table with its merge strategy.
func (s *Service) Describe() []TableInfo {
	names := s.registry.Tables()
	infos := make([]TableInfo, 0, len(names))
	for _, name := range names {
		kind, err := s.registry.Lookup(name)
		if err != nil {
			continue
		}
		infos = append(infos, TableInfo{Name: name, Kind: kind})
	}
	return infos
}

// Fetch returns every row of table owned by userID as a typed slice.
func (s *Service) Fetch(ctx context.Context, table string, userID study.UserID) (any, error) {
	binding, err := s.prepare(opFetch, table, userID)
	if err != nil {
		return nil, err
	}
	rows, err := binding.fetch(s.db.WithContext(ctx), userID.String())
	if err != nil {
		s.logError(opFetch, reasonQueryFailed, err, zap.String("table", table), zap.String("user_id", userID.String()))
		return nil, newServiceError(opFetch, reasonQueryFailed, err)
	}
	return rows, nil
}

// Upsert writes the JSON array rows into table. Each row is accepted only when the
// table policy considers it newer than the stored row, so replays are no-ops.
// It returns the number of accepted rows.
func (s *Service) Upsert(ctx context.Context, table string, userID study.UserID, rows json.RawMessage) (int, error) {
	binding, err := s.prepare(opUpsert, table, userID)
	if err != nil {
		return 0, err
	}

	env := upsertEnv{now: s.clock().UTC(), ids: s.ids}
	var messages []realtime.Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var applyErr error
		messages, applyErr = binding.upsert(tx, userID.String(), rows, env)
		return applyErr
	})
	if txErr != nil {
		reason := reasonWriteFailed
		switch {
		case errors.Is(txErr, ErrInvalidPayload):
			reason = reasonInvalidPayload
		case errors.Is(txErr, ErrInvalidKey):
			reason = reasonInvalidKey
		}
		s.logError(opUpsert, reason, txErr, zap.String("table", table), zap.String("user_id", userID.String()))
		return 0, newServiceError(opUpsert, reason, txErr)
	}

	s.publish(messages...)
	return len(messages), nil
}

// Delete removes one row. Deleting a missing row is a no-op.
func (s *Service) Delete(ctx context.Context, table string, userID study.UserID, key string) error {
	binding, err := s.prepare(opDelete, table, userID)
	if err != nil {
		return err
	}
	if key == "" {
		return newServiceError(opDelete, reasonInvalidKey, ErrInvalidKey)
	}

	var message *realtime.Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deleteErr error
		message, deleteErr = binding.delete(tx, userID.String(), key, s.clock().UTC())
		return deleteErr
	})
	if txErr != nil {
		s.logError(opDelete, reasonWriteFailed, txErr, zap.String("table", table), zap.String("user_id", userID.String()))
		return newServiceError(opDelete, reasonWriteFailed, txErr)
	}
	if message != nil {
		s.publish(*message)
	}
	return nil
}

// Reset deletes every row of userID in every table.
func (s *Service) Reset(ctx context.Context, userID study.UserID) error {
	if s.db == nil {
		return newServiceError(opReset, reasonMissingDatabase, errMissingDatabase)
	}
	if userID == "" {
		return newServiceError(opReset, reasonMissingUserID, errMissingUserID)
	}

	now := s.clock().UTC()
	var messages []realtime.Message
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range s.Tables() {
			deleted, err := s.tables[name].reset(tx, userID.String(), now)
			if err != nil {
				return err
			}
			messages = append(messages, deleted...)
		}
		return nil
	})
	if txErr != nil {
		s.logError(opReset, reasonWriteFailed, txErr, zap.String("user_id", userID.String()))
		return newServiceError(opReset, reasonWriteFailed, txErr)
	}
	s.publish(messages...)
	return nil
}

func (s *Service) prepare(operation, table string, userID study.UserID) (tableBinding, error) {
	if s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return nil, newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if userID == "" {
		s.logError(operation, reasonMissingUserID, errMissingUserID)
		return nil, newServiceError(operation, reasonMissingUserID, errMissingUserID)
	}
	if _, err := s.registry.Lookup(table); err != nil {
		return nil, newServiceError(operation, reasonUnknownTable, fmt.Errorf("%w: %s", ErrUnknownTable, table))
	}
	return s.tables[table], nil
}

func (s *Service) publish(messages ...realtime.Message) {
	if s.publisher == nil {
		return
	}
	for _, message := range messages {
		s.publisher.Publish(message)
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store service error", attrs...)
}
