package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"go.uber.org/zap"
)

// ErrInvalidDuration indicates a non-positive study time increment.
var ErrInvalidDuration = errors.New("engine: study time increment must be positive")

// RecordTopicProgress applies update to the progress of topicID and credits the newly
// answered questions to today's history row and to the profile. Replaying a state that
// was already recorded credits nothing.
func (s *Session) RecordTopicProgress(topicID string, update func(current study.TopicProgress, exists bool) study.TopicProgress) (study.TopicProgress, error) {
	var zero study.TopicProgress
	if s.userID == "" {
		return zero, ErrNoUser
	}
	key, err := study.NewKey(topicID)
	if err != nil {
		return zero, err
	}

	s.activity.Lock()
	defer s.activity.Unlock()

	var before *study.TopicProgress
	next, err := s.TopicProgress.Mutate(key, func(current study.TopicProgress, exists bool) study.TopicProgress {
		if exists {
			previous := current
			before = &previous
		}
		row := update(current, exists)
		row.TopicID = key
		return row
	})
	if err != nil {
		return zero, err
	}

	delta := study.DiffProgress(before, next)
	if delta.Empty() {
		return next, nil
	}
	now := s.clock()
	date := study.DateKey(now)
	if _, err := s.DailyHistory.Mutate(date, func(current study.DailyHistory, exists bool) study.DailyHistory {
		var existing *study.DailyHistory
		if exists {
			existing = &current
		}
		return study.CreditDay(existing, s.userID, date, delta)
	}); err != nil {
		return next, err
	}
	if _, err := s.Profiles.Mutate(s.userID, func(current study.Profile, exists bool) study.Profile {
		if !exists {
			current = study.Profile{UserID: s.userID, Level: 1}
		}
		return study.CreditActivity(current, delta.XP(), now)
	}); err != nil {
		return next, err
	}
	s.logger.Debug("credited topic progress",
		zap.String("topic_id", key),
		zap.Int64("answered", delta.Answered),
		zap.Int64("xp", delta.XP()),
	)
	return next, nil
}

// AddStudySeconds adds seconds to the subject total and to today's history row.
func (s *Session) AddStudySeconds(subjectID string, seconds int64) (study.StudyTime, error) {
	var zero study.StudyTime
	if s.userID == "" {
		return zero, ErrNoUser
	}
	if seconds <= 0 {
		return zero, fmt.Errorf("%w: %d", ErrInvalidDuration, seconds)
	}
	key, err := study.NewKey(subjectID)
	if err != nil {
		return zero, err
	}

	s.activity.Lock()
	defer s.activity.Unlock()

	next, err := s.StudyTime.Mutate(key, func(current study.StudyTime, _ bool) study.StudyTime {
		current.SubjectID = key
		current.Seconds += seconds
		return current
	})
	if err != nil {
		return zero, err
	}
	date := study.DateKey(s.clock())
	if _, err := s.DailyHistory.Mutate(date, func(current study.DailyHistory, exists bool) study.DailyHistory {
		if !exists {
			current = study.DailyHistory{UserID: s.userID, Date: date}
		}
		current.StudyTime += seconds
		return current
	}); err != nil {
		return next, err
	}
	return next, nil
}

// UpdateProfile applies update to the profile singleton.
func (s *Session) UpdateProfile(update func(current study.Profile) study.Profile) (study.Profile, error) {
	if s.userID == "" {
		return study.Profile{}, ErrNoUser
	}
	s.activity.Lock()
	defer s.activity.Unlock()
	return s.Profiles.Mutate(s.userID, func(current study.Profile, exists bool) study.Profile {
		if !exists {
			current = study.Profile{UserID: s.userID, Level: 1}
		}
		row := update(current)
		row.UserID = s.userID
		return row
	})
}

// ResetAll deletes every row of the user locally and remotely. Local persistence is
// paused for the duration so no intermediate snapshot is written.
func (s *Session) ResetAll(ctx context.Context) error {
	if s.userID == "" {
		return ErrNoUser
	}
	if s.clients.Resetter == nil {
		return errors.New("engine: remote reset is unavailable")
	}
	s.activity.Lock()
	defer s.activity.Unlock()

	if s.replica != nil {
		restore := s.replica.Pause()
		defer restore()
	}
	for _, m := range s.members {
		m.reset()
	}
	if err := s.clients.Resetter.Reset(ctx, s.userID); err != nil {
		s.logger.Error("remote reset failed", zap.Error(err))
		return fmt.Errorf("reset remote rows: %w", err)
	}
	if s.replica != nil {
		if err := s.replica.Clear(ctx, s.userID); err != nil {
			return fmt.Errorf("clear local replica: %w", err)
		}
	}
	s.logger.Info("all study data reset")
	return nil
}

// DeleteMaterial removes a material and reloads the materials mirror.
func (s *Session) DeleteMaterial(ctx context.Context, id string) error {
	key, err := study.NewKey(id)
	if err != nil {
		return err
	}
	return s.Materials.Remove(ctx, key)
}

// SaveReminder creates or replaces a reminder and reloads the reminders mirror.
func (s *Session) SaveReminder(ctx context.Context, reminder study.Reminder) error {
	return s.Reminders.Save(ctx, reminder.Touched(s.clock()))
}

// DeleteReminder removes a reminder and reloads the reminders mirror.
func (s *Session) DeleteReminder(ctx context.Context, id string) error {
	key, err := study.NewKey(id)
	if err != nil {
		return err
	}
	return s.Reminders.Remove(ctx, key)
}
