package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const maxConflictRetries = 3

// ErrConflictRetriesExhausted signals that a transaction kept hitting write
// conflicts and the bounded retry budget ran out.
var ErrConflictRetriesExhausted = errors.New("database: transaction conflict retries exhausted")

// RunInTransaction executes fn inside one atomic transaction. Detected write
// conflicts (the driver reporting the database busy or locked) are retried a
// bounded number of times rather than dropping one writer's update. Any other
// error rolls back and propagates unchanged.
func RunInTransaction(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB) error) error {
	var lastErr error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		lastErr = db.WithContext(ctx).Transaction(fn)
		if lastErr == nil {
			return nil
		}
		if !isWriteConflict(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %v", ErrConflictRetriesExhausted, lastErr)
}

func isWriteConflict(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "busy")
}
