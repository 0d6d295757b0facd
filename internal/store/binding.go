package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/studytrack/internal/merge"
	"github.com/MarcoPoloResearchLab/studytrack/internal/realtime"
	"github.com/MarcoPoloResearchLab/studytrack/internal/study"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errUnassignableKey = errors.New("row key is required")
	errForeignRow      = errors.New("row belongs to another user")
)

// tableBinding adapts one typed table to the JSON surface of the service.
type tableBinding interface {
	fetch(tx *gorm.DB, userID string) (any, error)
	upsert(tx *gorm.DB, userID string, raw json.RawMessage, env upsertEnv) ([]realtime.Message, error)
	delete(tx *gorm.DB, userID, key string, now time.Time) (*realtime.Message, error)
	reset(tx *gorm.DB, userID string, now time.Time) ([]realtime.Message, error)
	kind() merge.Kind
}

type upsertEnv struct {
	now time.Time
	ids IDProvider
}

type binding[R study.Record[R]] struct {
	table       string
	keyColumn   string
	policy      *merge.Policy[R]
	validateKey func(string) (string, error)
}

func newBinding[R study.Record[R]](table string, policy *merge.Policy[R]) *binding[R] {
	validate := study.NewKey
	if table == study.TableDailyHistory {
		validate = study.NewDateKey
	}
	return &binding[R]{
		table:       table,
		keyColumn:   study.KeyColumns[table],
		policy:      policy,
		validateKey: validate,
	}
}

func (b *binding[R]) queryUserKey() string {
	return "user_id = ? AND " + b.keyColumn + " = ?"
}

func (b *binding[R]) fetch(tx *gorm.DB, userID string) (any, error) {
	rows := make([]R, 0)
	if err := tx.Where("user_id = ?", userID).Order(b.keyColumn + " ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (b *binding[R]) upsert(tx *gorm.DB, userID string, raw json.RawMessage, env upsertEnv) ([]realtime.Message, error) {
	var incoming []R
	if err := json.Unmarshal(raw, &incoming); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	messages := make([]realtime.Message, 0, len(incoming))
	for _, candidate := range incoming {
		row, key, err := b.prepare(candidate, userID, env)
		if err != nil {
			return nil, err
		}

		var existing R
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(b.queryUserKey(), userID, key).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if _, dated := row.ModifiedAt(); !dated {
				row = row.Touched(env.now)
			}
			if err := tx.Create(&row).Error; err != nil {
				return nil, err
			}
			message, err := b.message(userID, realtime.EventInsert, row, env.now)
			if err != nil {
				return nil, err
			}
			messages = append(messages, message)
			continue
		}
		if err != nil {
			return nil, err
		}

		if !b.accepts(row, existing) {
			continue
		}
		if _, dated := row.ModifiedAt(); !dated {
			if existingTime, ok := existing.ModifiedAt(); ok {
				row = row.Touched(existingTime)
			}
		}
		if err := tx.Save(&row).Error; err != nil {
			return nil, err
		}
		message, err := b.message(userID, realtime.EventUpdate, row, env.now)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (b *binding[R]) kind() merge.Kind {
	if b.policy == nil {
		return merge.KindRemoteAuthoritative
	}
	return b.policy.Kind()
}

// accepts applies the table policy; remote-authoritative tables take every write.
func (b *binding[R]) accepts(row, existing R) bool {
	if b.policy == nil {
		return true
	}
	return b.policy.IsNewer(row, &existing)
}

func (b *binding[R]) prepare(candidate R, userID string, env upsertEnv) (R, string, error) {
	row := candidate.OwnedBy(userID)
	key := row.RowKey()
	if key == "" {
		assignable, ok := any(row).(interface{ WithID(string) R })
		if !ok || env.ids == nil {
			return row, "", fmt.Errorf("%w: %s", ErrInvalidKey, errUnassignableKey)
		}
		id, err := env.ids.NewID()
		if err != nil {
			return row, "", err
		}
		row = assignable.WithID(id)
		key = row.RowKey()
	}
	if b.table == study.TableProfiles && key != userID {
		return row, "", fmt.Errorf("%w: %s", ErrInvalidKey, errForeignRow)
	}
	validated, err := b.validateKey(key)
	if err != nil {
		return row, "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return row, validated, nil
}

func (b *binding[R]) delete(tx *gorm.DB, userID, key string, now time.Time) (*realtime.Message, error) {
	var existing R
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(b.queryUserKey(), userID, key).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Where(b.queryUserKey(), userID, key).Delete(new(R)).Error; err != nil {
		return nil, err
	}
	message, err := b.message(userID, realtime.EventDelete, existing, now)
	if err != nil {
		return nil, err
	}
	return &message, nil
}

func (b *binding[R]) reset(tx *gorm.DB, userID string, now time.Time) ([]realtime.Message, error) {
	var rows []R
	if err := tx.Where("user_id = ?", userID).Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if err := tx.Where("user_id = ?", userID).Delete(new(R)).Error; err != nil {
		return nil, err
	}
	messages := make([]realtime.Message, 0, len(rows))
	for _, row := range rows {
		message, err := b.message(userID, realtime.EventDelete, row, now)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (b *binding[R]) message(userID, eventType string, row R, now time.Time) (realtime.Message, error) {
	payload, err := json.Marshal(row)
	if err != nil {
		return realtime.Message{}, err
	}
	return realtime.Message{
		UserID:    userID,
		Table:     b.table,
		EventType: eventType,
		Row:       payload,
		Timestamp: now,
	}, nil
}

func defaultBindings() map[string]tableBinding {
	return map[string]tableBinding{
		study.TableProfiles:      newBinding(study.TableProfiles, &study.ProfilePolicy),
		study.TableDailyHistory:  newBinding(study.TableDailyHistory, &study.DailyHistoryPolicy),
		study.TableTopicProgress: newBinding(study.TableTopicProgress, &study.TopicProgressPolicy),
		study.TableStudyTime:     newBinding(study.TableStudyTime, &study.StudyTimePolicy),
		study.TableNotes:         newBinding(study.TableNotes, &study.NotePolicy),
		study.TableMaterials:     newBinding[study.Material](study.TableMaterials, nil),
		study.TableReminders:     newBinding[study.Reminder](study.TableReminders, nil),
	}
}
