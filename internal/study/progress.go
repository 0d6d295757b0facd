package study

import "time"

const (
	// XPPerAnswer is credited for every newly answered question.
	XPPerAnswer = 2
	// XPPerCorrectAnswer is credited on top of XPPerAnswer for a correct answer.
	XPPerCorrectAnswer = 8
	// XPPerLevel is the experience needed to advance one level.
	XPPerLevel = 1000
)

// ProgressDelta describes the question activity between two topic progress states.
type ProgressDelta struct {
	Answered int64
	Correct  int64
}

// XP returns the experience earned for the delta.
func (d ProgressDelta) XP() int64 {
	return d.Answered*XPPerAnswer + d.Correct*XPPerCorrectAnswer
}

// Empty reports whether the delta carries no new activity.
func (d ProgressDelta) Empty() bool {
	return d.Answered <= 0 && d.Correct <= 0
}

// DiffProgress computes the newly answered questions between before and after.
// Decreases (resets, replays of older states) never produce negative credit.
func DiffProgress(before *TopicProgress, after TopicProgress) ProgressDelta {
	var baseTotal, baseCorrect int64
	if before != nil {
		baseTotal = before.QuestionsTotal
		baseCorrect = before.QuestionsCorrect
	}
	delta := ProgressDelta{
		Answered: after.QuestionsTotal - baseTotal,
		Correct:  after.QuestionsCorrect - baseCorrect,
	}
	if delta.Answered < 0 {
		delta.Answered = 0
	}
	if delta.Correct < 0 {
		delta.Correct = 0
	}
	return delta
}

// CreditDay adds a delta to the daily history row for date. A missing row is derived
// from the delta; an existing row is the source of truth and is only incremented.
func CreditDay(existing *DailyHistory, userID, date string, delta ProgressDelta) DailyHistory {
	day := DailyHistory{UserID: userID, Date: date}
	if existing != nil {
		day = *existing
	}
	day.QuestionsCount += delta.Answered
	day.XPEarned += delta.XP()
	return day
}

// CreditActivity adds earned experience to the profile and advances the daily streak.
func CreditActivity(profile Profile, xp int64, now time.Time) Profile {
	today := DateKey(now)
	if profile.LastActivity == nil {
		profile.Streak = 1
	} else {
		last := DateKey(*profile.LastActivity)
		yesterday := DateKey(now.AddDate(0, 0, -1))
		switch last {
		case today:
			if profile.Streak == 0 {
				profile.Streak = 1
			}
		case yesterday:
			profile.Streak++
		default:
			profile.Streak = 1
		}
	}
	profile.XP += xp
	profile.Level = 1 + profile.XP/XPPerLevel
	profile.LastActivity = stamp(now)
	return profile
}
