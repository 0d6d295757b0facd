package study

import "time"

// Profile is the per-user singleton carrying gamification state.
type Profile struct {
	UserID       string     `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	XP           int64      `gorm:"column:xp;not null;default:0" json:"xp"`
	Level        int64      `gorm:"column:level;not null;default:1" json:"level"`
	Streak       int64      `gorm:"column:streak;not null;default:0" json:"streak"`
	LastActivity *time.Time `gorm:"column:last_activity" json:"last_activity"`
	Name         string     `gorm:"column:name;size:320" json:"name"`
	Avatar       string     `gorm:"column:avatar;size:512" json:"avatar"`
	UpdatedAt    *time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Profile) TableName() string { return TableProfiles }

func (p Profile) RowKey() string                { return p.UserID }
func (p Profile) ModifiedAt() (time.Time, bool) { return modifiedAt(p.UpdatedAt) }

func (p Profile) Touched(at time.Time) Profile {
	p.UpdatedAt = stamp(at)
	return p
}

func (p Profile) OwnedBy(userID string) Profile {
	p.UserID = userID
	return p
}

// DailyHistory aggregates one calendar day of study activity.
type DailyHistory struct {
	UserID         string     `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	Date           string     `gorm:"column:date;primaryKey;size:10;not null" json:"date"`
	QuestionsCount int64      `gorm:"column:questions_count;not null;default:0" json:"questions_count"`
	StudyTime      int64      `gorm:"column:study_time;not null;default:0" json:"study_time"`
	XPEarned       int64      `gorm:"column:xp_earned;not null;default:0" json:"xp_earned"`
	UpdatedAt      *time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (DailyHistory) TableName() string { return TableDailyHistory }

func (d DailyHistory) RowKey() string                { return d.Date }
func (d DailyHistory) ModifiedAt() (time.Time, bool) { return modifiedAt(d.UpdatedAt) }

func (d DailyHistory) Touched(at time.Time) DailyHistory {
	d.UpdatedAt = stamp(at)
	return d
}

func (d DailyHistory) OwnedBy(userID string) DailyHistory {
	d.UserID = userID
	return d
}

// TopicProgress tracks reading, review and question state for one topic.
type TopicProgress struct {
	UserID            string       `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	TopicID           string       `gorm:"column:topic_id;primaryKey;size:190;not null" json:"topic_id"`
	IsRead            bool         `gorm:"column:is_read;not null;default:false" json:"is_read"`
	IsReviewed        bool         `gorm:"column:is_reviewed;not null;default:false" json:"is_reviewed"`
	QuestionsTotal    int64        `gorm:"column:questions_total;not null;default:0" json:"questions_total"`
	QuestionsCorrect  int64        `gorm:"column:questions_correct;not null;default:0" json:"questions_correct"`
	SubtopicsProgress map[int]bool `gorm:"column:subtopics_progress;type:text;serializer:json" json:"subtopics_progress"`
	UpdatedAt         *time.Time   `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (TopicProgress) TableName() string { return TableTopicProgress }

func (p TopicProgress) RowKey() string                { return p.TopicID }
func (p TopicProgress) ModifiedAt() (time.Time, bool) { return modifiedAt(p.UpdatedAt) }

func (p TopicProgress) Touched(at time.Time) TopicProgress {
	p.UpdatedAt = stamp(at)
	return p
}

func (p TopicProgress) OwnedBy(userID string) TopicProgress {
	p.UserID = userID
	return p
}

// StudyTime is the aggregate number of seconds spent on one subject.
type StudyTime struct {
	UserID    string     `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	SubjectID string     `gorm:"column:subject_id;primaryKey;size:190;not null" json:"subject_id"`
	Seconds   int64      `gorm:"column:seconds;not null;default:0" json:"seconds"`
	UpdatedAt *time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (StudyTime) TableName() string { return TableStudyTime }

func (s StudyTime) RowKey() string                { return s.SubjectID }
func (s StudyTime) ModifiedAt() (time.Time, bool) { return modifiedAt(s.UpdatedAt) }
func (s StudyTime) Count() int64                  { return s.Seconds }

func (s StudyTime) Touched(at time.Time) StudyTime {
	s.UpdatedAt = stamp(at)
	return s
}

func (s StudyTime) OwnedBy(userID string) StudyTime {
	s.UserID = userID
	return s
}

// Note is the rich-text note attached to one topic.
type Note struct {
	UserID    string     `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	TopicID   string     `gorm:"column:topic_id;primaryKey;size:190;not null" json:"topic_id"`
	Content   string     `gorm:"column:content;type:text;not null" json:"content"`
	UpdatedAt *time.Time `gorm:"column:updated_at;autoUpdateTime:false" json:"updated_at"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string { return TableNotes }

func (n Note) RowKey() string                { return n.TopicID }
func (n Note) ModifiedAt() (time.Time, bool) { return modifiedAt(n.UpdatedAt) }

func (n Note) Touched(at time.Time) Note {
	n.UpdatedAt = stamp(at)
	return n
}

func (n Note) OwnedBy(userID string) Note {
	n.UserID = userID
	return n
}

// Material is an uploaded study attachment. The remote store owns it.
type Material struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID    string     `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	Title     string     `gorm:"column:title;size:320;not null" json:"title"`
	SubjectID string     `gorm:"column:subject_id;size:190" json:"subject_id"`
	TopicID   string     `gorm:"column:topic_id;size:190" json:"topic_id"`
	FileURL   string     `gorm:"column:file_url;size:1024" json:"file_url"`
	Type      string     `gorm:"column:type;size:64" json:"type"`
	CreatedAt *time.Time `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Material) TableName() string { return TableMaterials }

func (m Material) RowKey() string                { return m.ID }
func (m Material) ModifiedAt() (time.Time, bool) { return modifiedAt(m.CreatedAt) }

func (m Material) Touched(at time.Time) Material {
	if m.CreatedAt == nil {
		m.CreatedAt = stamp(at)
	}
	return m
}

func (m Material) OwnedBy(userID string) Material {
	m.UserID = userID
	return m
}

// WithID returns a copy carrying a server-assigned identifier.
func (m Material) WithID(id string) Material {
	m.ID = id
	return m
}

// Reminder is a user reminder. The remote store owns it.
type Reminder struct {
	ID        string     `gorm:"column:id;primaryKey;size:190;not null" json:"id"`
	UserID    string     `gorm:"column:user_id;size:190;not null;index" json:"user_id"`
	Title     string     `gorm:"column:title;size:320;not null" json:"title"`
	RemindAt  *time.Time `gorm:"column:remind_at" json:"remind_at"`
	IsDone    bool       `gorm:"column:is_done;not null;default:false" json:"is_done"`
	CreatedAt *time.Time `gorm:"column:created_at;autoCreateTime:false" json:"created_at"`
}

// TableName provides the explicit table binding for GORM.
func (Reminder) TableName() string { return TableReminders }

func (r Reminder) RowKey() string                { return r.ID }
func (r Reminder) ModifiedAt() (time.Time, bool) { return modifiedAt(r.CreatedAt) }

func (r Reminder) Touched(at time.Time) Reminder {
	if r.CreatedAt == nil {
		r.CreatedAt = stamp(at)
	}
	return r
}

func (r Reminder) OwnedBy(userID string) Reminder {
	r.UserID = userID
	return r
}

// WithID returns a copy carrying a server-assigned identifier.
func (r Reminder) WithID(id string) Reminder {
	r.ID = id
	return r
}
