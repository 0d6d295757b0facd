package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/merge"
	"github.com/MarcoPoloResearchLab/studytrack/internal/remote"
	"github.com/MarcoPoloResearchLab/studytrack/internal/replica"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultNotesWindow = 1500 * time.Millisecond

var (
	errMissingClients = errors.New("engine: remote clients are required")
	// ErrKindMismatch indicates that a collection merges differently than its table is registered.
	ErrKindMismatch = errors.New("engine: collection kind does not match table registry")
)

// Clients groups the remote surface of every synced table.
type Clients struct {
	Profiles      remote.Client[study.Profile]
	DailyHistory  remote.Client[study.DailyHistory]
	TopicProgress remote.Client[study.TopicProgress]
	StudyTime     remote.Client[study.StudyTime]
	Notes         remote.Client[study.Note]
	Materials     remote.Client[study.Material]
	Reminders     remote.Client[study.Reminder]

	Resetter   remote.Resetter
	Reconnects remote.ReconnectNotifier
}

// HTTPClients binds every table of client.
func HTTPClients(client *remote.HTTPClient) Clients {
	return Clients{
		Profiles:      remote.Table[study.Profile](client, study.TableProfiles),
		DailyHistory:  remote.Table[study.DailyHistory](client, study.TableDailyHistory),
		TopicProgress: remote.Table[study.TopicProgress](client, study.TableTopicProgress),
		StudyTime:     remote.Table[study.StudyTime](client, study.TableStudyTime),
		Notes:         remote.Table[study.Note](client, study.TableNotes),
		Materials:     remote.Table[study.Material](client, study.TableMaterials),
		Reminders:     remote.Table[study.Reminder](client, study.TableReminders),
		Resetter:      client,
		Reconnects:    client,
	}
}

// Windows holds the commit quiescence windows.
type Windows struct {
	Default time.Duration
	Notes   time.Duration
}

type SessionConfig struct {
	UserID  string
	Clients Clients
	Replica *replica.Store
	Windows Windows
	Clock   func() time.Time
	Logger  *zap.Logger
}

// member is the lifecycle surface shared by collections and mirrors.
type member interface {
	Name() string
	Kind() merge.Kind
	IsSaving() bool
	ForceFlush(ctx context.Context) error
	Subscribe(ctx context.Context) error
	Close(ctx context.Context) error
	reconcile(ctx context.Context) error
	reset()
}

// Session owns the synced collections of one user.
type Session struct {
	userID   string
	clients  Clients
	replica  *replica.Store
	clock    func() time.Time
	logger   *zap.Logger
	registry *merge.Registry
	members  []member
	byName   map[string]member
	activity sync.Mutex

	Profiles      *Collection[study.Profile]
	DailyHistory  *Collection[study.DailyHistory]
	TopicProgress *Collection[study.TopicProgress]
	StudyTime     *Collection[study.StudyTime]
	Notes         *Collection[study.Note]
	Materials     *Mirror[study.Material]
	Reminders     *Mirror[study.Reminder]

	mu          sync.Mutex
	started     bool
	stopResync  remote.Unsubscribe
	resyncGroup sync.WaitGroup
}

// NewSession builds the collections of userID from their persisted snapshots. An empty
// userID yields a session whose operations are no-ops.
func NewSession(cfg SessionConfig) (*Session, error) {
	clients := cfg.Clients
	if clients.Profiles == nil || clients.DailyHistory == nil || clients.TopicProgress == nil ||
		clients.StudyTime == nil || clients.Notes == nil || clients.Materials == nil || clients.Reminders == nil {
		return nil, errMissingClients
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID != "" {
		validated, err := study.NewUserID(userID)
		if err != nil {
			return nil, err
		}
		userID = validated.String()
	}
	defaultWindow := cfg.Windows.Default
	if defaultWindow <= 0 {
		defaultWindow = defaultCommitWindow
	}
	notesWindow := cfg.Windows.Notes
	if notesWindow <= 0 {
		notesWindow = defaultNotesWindow
	}

	s := &Session{
		userID:   userID,
		clients:  clients,
		replica:  cfg.Replica,
		clock:    clock,
		logger:   logger.With(zap.String("user_id", userID)),
		registry: study.NewRegistry(),
		byName:   make(map[string]member),
	}

	var err error
	if s.Profiles, err = NewCollection(CollectionConfig[study.Profile]{
		Name: study.TableProfiles, UserID: userID, Policy: &study.ProfilePolicy, Remote: clients.Profiles,
		Replica: cfg.Replica, Window: defaultWindow, Clock: clock, Logger: s.logger,
	}); err != nil {
		return nil, err
	}
	if s.DailyHistory, err = NewCollection(CollectionConfig[study.DailyHistory]{
		Name: study.TableDailyHistory, UserID: userID, Policy: &study.DailyHistoryPolicy, Remote: clients.DailyHistory,
		Replica: cfg.Replica, Window: defaultWindow, Clock: clock, Logger: s.logger,
	}); err != nil {
		return nil, err
	}
	if s.TopicProgress, err = NewCollection(CollectionConfig[study.TopicProgress]{
		Name: study.TableTopicProgress, UserID: userID, Policy: &study.TopicProgressPolicy, Remote: clients.TopicProgress,
		Replica: cfg.Replica, Window: defaultWindow, Clock: clock, Logger: s.logger,
	}); err != nil {
		return nil, err
	}
	if s.StudyTime, err = NewCollection(CollectionConfig[study.StudyTime]{
		Name: study.TableStudyTime, UserID: userID, Policy: &study.StudyTimePolicy, Remote: clients.StudyTime,
		Replica: cfg.Replica, Window: defaultWindow, Clock: clock, Logger: s.logger,
	}); err != nil {
		return nil, err
	}
	if s.Notes, err = NewCollection(CollectionConfig[study.Note]{
		Name: study.TableNotes, UserID: userID, Policy: &study.NotePolicy, Remote: clients.Notes,
		Replica: cfg.Replica, Window: notesWindow, Clock: clock, Logger: s.logger,
	}); err != nil {
		return nil, err
	}
	if s.Materials, err = NewMirror(MirrorConfig[study.Material]{
		Name: study.TableMaterials, UserID: userID, Remote: clients.Materials, Replica: cfg.Replica, Logger: s.logger,
	}); err != nil {
		return nil, err
	}
	if s.Reminders, err = NewMirror(MirrorConfig[study.Reminder]{
		Name: study.TableReminders, UserID: userID, Remote: clients.Reminders, Replica: cfg.Replica, Logger: s.logger,
	}); err != nil {
		return nil, err
	}

	s.members = []member{s.Profiles, s.DailyHistory, s.TopicProgress, s.StudyTime, s.Notes, s.Materials, s.Reminders}
	for _, m := range s.members {
		kind, err := s.registry.Lookup(m.Name())
		if err != nil {
			return nil, err
		}
		if kind != m.Kind() {
			return nil, fmt.Errorf("%w: %s is %s, registered as %s", ErrKindMismatch, m.Name(), m.Kind(), kind)
		}
		s.byName[m.Name()] = m
	}
	return s, nil
}

// UserID returns the session owner, or "" for an anonymous session.
func (s *Session) UserID() string {
	return s.userID
}

// Start reconciles every collection, opens the change feed, and arranges for a fresh
// reconciliation after every feed reconnect. Sync failures are logged, not returned.
func (s *Session) Start(ctx context.Context) error {
	if s.userID == "" {
		return ErrNoUser
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("initial reconciliation incomplete", zap.Error(err))
	}
	for _, m := range s.members {
		if err := m.Subscribe(ctx); err != nil {
			s.logger.Warn("change feed subscription failed", zap.String("collection", m.Name()), zap.Error(err))
		}
	}
	if s.clients.Reconnects != nil {
		stop := s.clients.Reconnects.OnReconnect(s.userID, func() {
			s.resyncGroup.Add(1)
			defer s.resyncGroup.Done()
			resyncCtx, cancel := context.WithTimeout(context.Background(), defaultCommitTimeout)
			defer cancel()
			if err := s.Reconcile(resyncCtx); err != nil {
				s.logger.Warn("reconciliation after reconnect incomplete", zap.Error(err))
			}
		})
		s.mu.Lock()
		s.stopResync = stop
		s.mu.Unlock()
	}
	s.logger.Info("sync session started")
	return nil
}

// Reconcile runs the reconciliation pass of every collection concurrently.
func (s *Session) Reconcile(ctx context.Context) error {
	if s.userID == "" {
		return ErrNoUser
	}
	var group errgroup.Group
	for _, m := range s.members {
		group.Go(func() error {
			if err := m.reconcile(ctx); err != nil {
				return fmt.Errorf("%s: %w", m.Name(), err)
			}
			return nil
		})
	}
	return group.Wait()
}

// Close tears down the change feed and flushes pending commits. A failed final flush is
// reported but leaves nothing to clean up: the next session reconciles.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	stop := s.stopResync
	s.stopResync = nil
	s.started = false
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.resyncGroup.Wait()

	var errs []error
	for _, m := range s.members {
		if err := m.Close(ctx); err != nil {
			s.logger.Warn("final flush failed", zap.String("collection", m.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// IsSaving reports whether the named collection has a commit pending or in flight.
func (s *Session) IsSaving(name string) bool {
	m, ok := s.byName[name]
	return ok && m.IsSaving()
}

// ForceFlush commits the named collection immediately.
func (s *Session) ForceFlush(ctx context.Context, name string) error {
	m, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return m.ForceFlush(ctx)
}

// FlushAll commits every collection immediately.
func (s *Session) FlushAll(ctx context.Context) error {
	var errs []error
	for _, m := range s.members {
		if err := m.ForceFlush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Kind returns the registered merge strategy of the named collection.
func (s *Session) Kind(name string) (merge.Kind, error) {
	if _, ok := s.byName[name]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return s.registry.Lookup(name)
}

// Collections lists the names of the synced collections.
func (s *Session) Collections() []string {
	names := make([]string, 0, len(s.members))
	for _, m := range s.members {
		names = append(names, m.Name())
	}
	return names
}
