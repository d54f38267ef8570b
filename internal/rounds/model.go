package rounds

import (
	"time"
)

// Round is one time-boxed curation cycle. Done is a derived flag recomputed
// whenever a member item reaches published status; it is never set directly
// by user input and never transitions back to false.
type Round struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Name        string    `gorm:"column:name;size:255;not null"`
	PostedAt    time.Time `gorm:"column:posted_at;not null"`
	Done        bool      `gorm:"column:done;not null;default:false"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Round) TableName() string {
	return "rounds"
}

// CategoryConfig holds per-(round, category) voting configuration. The main
// topic and results post references are written exactly once each.
type CategoryConfig struct {
	RoundID         int64   `gorm:"column:round_id;primaryKey"`
	Category        string  `gorm:"column:category;primaryKey;size:64"`
	VotingThreshold float64 `gorm:"column:voting_threshold;not null"`
	Locked          bool    `gorm:"column:locked;not null;default:false"`
	MainTopicID     *int64  `gorm:"column:main_topic_id"`
	ResultsPostID   *int64  `gorm:"column:results_post_id"`
}

// TableName provides the explicit table binding for GORM.
func (CategoryConfig) TableName() string {
	return "round_category_configs"
}

// Nomination assigns one content item to one (round, category). A nomination
// may reference a parent nomination in a different category; parents in the
// same category are rejected, which keeps the linkage acyclic.
type Nomination struct {
	ID                  int64     `gorm:"column:id;primaryKey;autoIncrement"`
	RoundID             int64     `gorm:"column:round_id;not null;index:idx_nominations_round_category,priority:1"`
	Category            string    `gorm:"column:category;size:64;not null;index:idx_nominations_round_category,priority:2"`
	ItemID              int64     `gorm:"column:item_id;not null;index"`
	ParentID            *int64    `gorm:"column:parent_id"`
	DescriptionAuthorID *int64    `gorm:"column:description_author_id"`
	SubmittedAt         time.Time `gorm:"column:submitted_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Nomination) TableName() string {
	return "nominations"
}

// Poll tracks the external vote for one (round, category, item) triple. The
// unique key doubles as the idempotency key for topic creation; results move
// from null to a concrete pair exactly once.
type Poll struct {
	ID          int64      `gorm:"column:id;primaryKey;autoIncrement"`
	RoundID     int64      `gorm:"column:round_id;not null;uniqueIndex:ux_polls_round_category_item,priority:1"`
	Category    string     `gorm:"column:category;size:64;not null;uniqueIndex:ux_polls_round_category_item,priority:2"`
	ItemID      int64      `gorm:"column:item_id;not null;uniqueIndex:ux_polls_round_category_item,priority:3"`
	TopicID     int64      `gorm:"column:topic_id;not null"`
	FirstPostID int64      `gorm:"column:first_post_id;not null"`
	OpenedAt    time.Time  `gorm:"column:opened_at;not null"`
	EndedAt     time.Time  `gorm:"column:ended_at;not null"`
	ClosedAt    *time.Time `gorm:"column:closed_at"`
	ResultYes   *int64     `gorm:"column:result_yes"`
	ResultNo    *int64     `gorm:"column:result_no"`
}

// TableName provides the explicit table binding for GORM.
func (Poll) TableName() string {
	return "polls"
}

// HasResults reports whether final tallies were recorded.
func (p Poll) HasResults() bool {
	return p.ResultYes != nil && p.ResultNo != nil
}

// YesRatio returns yes / (yes + no), or 0 before results exist or when no
// votes were cast.
func (p Poll) YesRatio() float64 {
	if !p.HasResults() {
		return 0
	}
	total := *p.ResultYes + *p.ResultNo
	if total == 0 {
		return 0
	}
	return float64(*p.ResultYes) / float64(total)
}

// Passed reports whether the recorded ratio met the category threshold.
func (p Poll) Passed(threshold float64) bool {
	return p.HasResults() && p.YesRatio() >= threshold
}
