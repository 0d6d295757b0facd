package study

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

// DateLayout is the calendar-day format used as the daily history key.
const DateLayout = "2006-01-02"

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("study: invalid user id")
	// ErrInvalidKey indicates that a row key is empty or exceeds storage bounds.
	ErrInvalidKey = errors.New("study: invalid row key")
	// ErrInvalidDate indicates that a daily history key is not a calendar day.
	ErrInvalidDate = errors.New("study: invalid date")
)

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// NewKey validates a natural row key such as a topic or subject identifier.
func NewKey(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxIdentifierLength)
	}
	return trimmed, nil
}

// NewDateKey validates a daily history key.
func NewDateKey(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if _, err := time.Parse(DateLayout, trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, rawInput)
	}
	return trimmed, nil
}

// DateKey formats the calendar day of t in UTC.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// Record is implemented by every synced row type.
type Record[R any] interface {
	// RowKey returns the natural key inside the owning user's namespace.
	RowKey() string
	// ModifiedAt returns updated_at; ok is false for undated legacy rows.
	ModifiedAt() (time.Time, bool)
	// Touched returns a copy carrying the provided modification time.
	Touched(at time.Time) R
	// OwnedBy returns a copy scoped to the provided user.
	OwnedBy(userID string) R
}

// stamp truncates to microseconds, the finest precision every supported store keeps.
func stamp(at time.Time) *time.Time {
	value := at.UTC().Truncate(time.Microsecond)
	return &value
}

func modifiedAt(value *time.Time) (time.Time, bool) {
	if value == nil || value.IsZero() {
		return time.Time{}, false
	}
	return *value, true
}
