package study

import "github.com/MarcoPoloResearchLab/studytrack/internal/merge"

// Table names are the wire contract with the remote store.
const (
	TableProfiles      = "profiles"
	TableDailyHistory  = "daily_history"
	TableTopicProgress = "topic_progress"
	TableStudyTime     = "study_time"
	TableNotes         = "notes"
	TableMaterials     = "materials"
	TableReminders     = "reminders"
)

// Merge policies bound to each synced entity.
var (
	ProfilePolicy       = merge.LastWriterWins[Profile]()
	DailyHistoryPolicy  = merge.LastWriterWins[DailyHistory]()
	TopicProgressPolicy = merge.LastWriterWins[TopicProgress]()
	StudyTimePolicy     = merge.MaxMerge[StudyTime]()
	NotePolicy          = merge.LegacyAware[Note](func(a, b Note) bool { return a.Content == b.Content })
)

// KeyColumns maps each table to the column holding its natural key inside a user namespace.
var KeyColumns = map[string]string{
	TableProfiles:      "user_id",
	TableDailyHistory:  "date",
	TableTopicProgress: "topic_id",
	TableStudyTime:     "subject_id",
	TableNotes:         "topic_id",
	TableMaterials:     "id",
	TableReminders:     "id",
}

// Models lists every GORM model backing the remote store.
func Models() []any {
	return []any{
		&Profile{},
		&DailyHistory{},
		&TopicProgress{},
		&StudyTime{},
		&Note{},
		&Material{},
		&Reminder{},
	}
}

// NewRegistry returns the registry describing how each table is merged.
func NewRegistry() *merge.Registry {
	registry := merge.NewRegistry()
	registry.Register(TableProfiles, ProfilePolicy.Kind())
	registry.Register(TableDailyHistory, DailyHistoryPolicy.Kind())
	registry.Register(TableTopicProgress, TopicProgressPolicy.Kind())
	registry.Register(TableStudyTime, StudyTimePolicy.Kind())
	registry.Register(TableNotes, NotePolicy.Kind())
	registry.Register(TableMaterials, merge.KindRemoteAuthoritative)
	registry.Register(TableReminders, merge.KindRemoteAuthoritative)
	return registry
}
