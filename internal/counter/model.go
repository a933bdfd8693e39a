package counter

// Direction of an adjustment: +1 increments, -1 decrements.
type Direction int

const (
	// DirectionUp increments the counter.
	DirectionUp Direction = 1
	// DirectionDown decrements the counter.
	DirectionDown Direction = -1
)

// Valid reports whether the direction is one of the two allowed values.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// Entry is one free-text keyed counter. Subjects are case-normalized before
// lookup; rows are created lazily on first mutation and never deleted. The
// value is signed and unbounded.
type Entry struct {
	Subject string `gorm:"column:subject;primaryKey;size:512;not null"`
	Value   int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "counter_entries"
}

// Audit records when an actor last adjusted a subject in a direction. One
// row per unique triple; a newer adjustment replaces the row.
type Audit struct {
	Actor                string `gorm:"column:actor;primaryKey;size:320;not null"`
	Subject              string `gorm:"column:subject;primaryKey;size:512;not null"`
	Direction            int    `gorm:"column:direction;primaryKey;not null"`
	LastAppliedAtSeconds int64  `gorm:"column:last_applied_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Audit) TableName() string {
	return "counter_audit"
}

// Models lists every GORM model owned by this package, in migration order.
func Models() []interface{} {
	return []interface{}{&Entry{}, &Audit{}}
}
