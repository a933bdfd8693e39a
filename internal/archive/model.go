package archive

import (
	"errors"
	"time"
)

// Direction of a vote. Positive raises the score ("sucks"), negative lowers
// it ("rocks"). The higher an item's score, the less likely a random pick.
type Direction int

const (
	// DirectionUp increments the score by one.
	DirectionUp Direction = 1
	// DirectionDown decrements the score by one.
	DirectionDown Direction = -1
)

// ErrBadDirection indicates a vote direction outside {+1, -1}.
var ErrBadDirection = errors.New("archive: direction must be +1 or -1")

// Valid reports whether the direction is one of the two allowed values.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// String names the direction for logs and metric labels.
func (d Direction) String() string {
	if d == DirectionDown {
		return "down"
	}
	return "up"
}

// Item is one sequentially numbered record in the content archive. Content
// bytes live in the blob store keyed by ID; the row carries only the mutable
// score and provenance. IDs are a contiguous run from 1 to the count.
type Item struct {
	ID               int64  `gorm:"column:id;primaryKey;not null"`
	Score            int64  `gorm:"column:score;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	CreatedBy        string `gorm:"column:created_by;size:320;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "archive_items"
}

// CreatedAt exposes the creation time.
func (i Item) CreatedAt() time.Time {
	return time.Unix(i.CreatedAtSeconds, 0).UTC()
}

// VoteAudit records when an actor last voted a direction on an item. One row
// per unique triple; a newer vote replaces the row.
type VoteAudit struct {
	Actor                string `gorm:"column:actor;primaryKey;size:320;not null"`
	ItemID               int64  `gorm:"column:item_id;primaryKey;not null"`
	Direction            int    `gorm:"column:direction;primaryKey;not null"`
	LastAppliedAtSeconds int64  `gorm:"column:last_applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (VoteAudit) TableName() string {
	return "archive_vote_audit"
}

// RecencyRecord is the singleton row naming the most recently published item
// and where it was delivered. Slot is always 1.
type RecencyRecord struct {
	Slot      int    `gorm:"column:slot;primaryKey;not null"`
	ItemID    int64  `gorm:"column:item_id;not null"`
	Scorable  bool   `gorm:"column:scorable;not null;default:false"`
	Channel   string `gorm:"column:channel;size:190"`
	ThreadID  string `gorm:"column:thread_id;size:190"`
	Permalink string `gorm:"column:permalink;size:512"`
}

// TableName provides the explicit table binding for GORM.
func (RecencyRecord) TableName() string {
	return "archive_recency"
}

// Pointer is the in-memory view of the recency record handed to callers.
type Pointer struct {
	ItemID    int64
	Scorable  bool
	Channel   string
	ThreadID  string
	Permalink string
}

// Models lists every GORM model owned by this package, in migration order.
func Models() []interface{} {
	return []interface{}{&Item{}, &VoteAudit{}, &RecencyRecord{}}
}
