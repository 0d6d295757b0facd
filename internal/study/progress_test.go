package study

import (
	"errors"
	"testing"
	"time"
)

func TestDiffProgressNeverCreditsReplays(t *testing.T) {
	before := TopicProgress{TopicID: "t1", QuestionsTotal: 10, QuestionsCorrect: 7}

	tests := []struct {
		name    string
		before  *TopicProgress
		after   TopicProgress
		want    ProgressDelta
		wantXP  int64
		isEmpty bool
	}{
		{
			name:   "new-topic",
			before: nil,
			after:  TopicProgress{QuestionsTotal: 3, QuestionsCorrect: 2},
			want:   ProgressDelta{Answered: 3, Correct: 2},
			wantXP: 3*XPPerAnswer + 2*XPPerCorrectAnswer,
		},
		{
			name:   "more-answers",
			before: &before,
			after:  TopicProgress{QuestionsTotal: 12, QuestionsCorrect: 8},
			want:   ProgressDelta{Answered: 2, Correct: 1},
			wantXP: 2*XPPerAnswer + XPPerCorrectAnswer,
		},
		{
			name:    "same-state",
			before:  &before,
			after:   before,
			isEmpty: true,
		},
		{
			name:    "reset",
			before:  &before,
			after:   TopicProgress{},
			isEmpty: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delta := DiffProgress(tt.before, tt.after)
			if delta.Empty() != tt.isEmpty {
				t.Fatalf("unexpected emptiness for %+v", delta)
			}
			if tt.isEmpty {
				return
			}
			if delta != tt.want {
				t.Fatalf("unexpected delta %+v", delta)
			}
			if delta.XP() != tt.wantXP {
				t.Fatalf("unexpected xp %d", delta.XP())
			}
		})
	}
}

func TestCreditDayDerivesMissingRow(t *testing.T) {
	day := CreditDay(nil, "user-1", "2024-03-01", ProgressDelta{Answered: 4, Correct: 1})
	if day.UserID != "user-1" || day.Date != "2024-03-01" {
		t.Fatalf("unexpected key fields %+v", day)
	}
	if day.QuestionsCount != 4 {
		t.Fatalf("expected 4 questions, got %d", day.QuestionsCount)
	}

	existing := DailyHistory{UserID: "user-1", Date: "2024-03-01", QuestionsCount: 20, StudyTime: 600, XPEarned: 50}
	day = CreditDay(&existing, "user-1", "2024-03-01", ProgressDelta{Answered: 1})
	if day.QuestionsCount != 21 || day.StudyTime != 600 || day.XPEarned != 50+XPPerAnswer {
		t.Fatalf("existing row must be incremented, got %+v", day)
	}
}

func TestCreditActivityAdvancesStreak(t *testing.T) {
	now := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	yesterday := now.AddDate(0, 0, -1)
	lastWeek := now.AddDate(0, 0, -7)

	profile := CreditActivity(Profile{Streak: 3, LastActivity: &yesterday, XP: 990}, 20, now)
	if profile.Streak != 4 {
		t.Fatalf("expected streak 4, got %d", profile.Streak)
	}
	if profile.Level != 2 {
		t.Fatalf("expected level 2, got %d", profile.Level)
	}

	profile = CreditActivity(profile, 5, now)
	if profile.Streak != 4 {
		t.Fatalf("same-day activity must not advance the streak, got %d", profile.Streak)
	}

	profile = CreditActivity(Profile{Streak: 9, LastActivity: &lastWeek}, 0, now)
	if profile.Streak != 1 {
		t.Fatalf("expected streak reset, got %d", profile.Streak)
	}
}

func TestNewDateKey(t *testing.T) {
	if _, err := NewDateKey("2024-13-01"); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
	key, err := NewDateKey(" 2024-01-31 ")
	if err != nil || key != "2024-01-31" {
		t.Fatalf("unexpected key %q, %v", key, err)
	}
}

func TestNotePolicyPreservesLegacyDraft(t *testing.T) {
	remoteTime := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	remote := Note{TopicID: "t2_0", Content: "draft", UpdatedAt: &remoteTime}

	winner, _ := NotePolicy.Reconcile(remote, Note{TopicID: "t2_0", Content: "draft"})
	if winner.UpdatedAt == nil || !winner.UpdatedAt.Equal(remoteTime) || winner.Content != "draft" {
		t.Fatalf("expected legacy draft to be upgraded, got %+v", winner)
	}

	winner, _ = NotePolicy.Reconcile(remote, Note{TopicID: "t2_0", Content: "offline edit"})
	if winner.UpdatedAt != nil || winner.Content != "offline edit" {
		t.Fatalf("expected differing legacy draft to be preserved, got %+v", winner)
	}
}
