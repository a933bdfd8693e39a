package database

import (
	"context"
	"errors"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTxTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("CREATE TABLE marks (n INTEGER)").Error; err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	return db
}

func countMarks(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := db.Raw("SELECT COUNT(*) FROM marks").Scan(&count).Error; err != nil {
		t.Fatalf("failed to count: %v", err)
	}
	return count
}

func TestRunInTransactionCommits(t *testing.T) {
	db := openTxTestDatabase(t)

	err := RunInTransaction(context.Background(), db, func(tx *gorm.DB) error {
		return tx.Exec("INSERT INTO marks (n) VALUES (1)").Error
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	if got := countMarks(t, db); got != 1 {
		t.Fatalf("expected 1 committed row, got %d", got)
	}
}

func TestRunInTransactionRollsBackOnError(t *testing.T) {
	db := openTxTestDatabase(t)
	boom := errors.New("boom")

	attempts := 0
	err := RunInTransaction(context.Background(), db, func(tx *gorm.DB) error {
		attempts++
		if err := tx.Exec("INSERT INTO marks (n) VALUES (1)").Error; err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the function error unchanged, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no retry for a non-conflict error, got %d attempts", attempts)
	}
	if got := countMarks(t, db); got != 0 {
		t.Fatalf("expected rollback, got %d rows", got)
	}
}

func TestRunInTransactionRetriesWriteConflicts(t *testing.T) {
	db := openTxTestDatabase(t)

	attempts := 0
	err := RunInTransaction(context.Background(), db, func(tx *gorm.DB) error {
		attempts++
		return errors.New("database is locked")
	})
	if !errors.Is(err, ErrConflictRetriesExhausted) {
		t.Fatalf("expected ErrConflictRetriesExhausted, got %v", err)
	}
	if attempts != maxConflictRetries {
		t.Fatalf("expected %d attempts, got %d", maxConflictRetries, attempts)
	}
}

func TestRunInTransactionRecoversFromTransientConflict(t *testing.T) {
	db := openTxTestDatabase(t)

	attempts := 0
	err := RunInTransaction(context.Background(), db, func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("database table is locked: marks")
		}
		return tx.Exec("INSERT INTO marks (n) VALUES (2)").Error
	})
	if err != nil {
		t.Fatalf("expected the retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
	if got := countMarks(t, db); got != 1 {
		t.Fatalf("expected 1 committed row, got %d", got)
	}
}
