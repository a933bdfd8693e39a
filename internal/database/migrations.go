package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeCounterSubjects = "2026-05-11_normalize_counter_subjects"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeCounterSubjects, apply: normalizeCounterSubjects},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Counter subjects imported from older ledgers can carry mixed case even
// though lookups are case-normalized. Fold duplicates into the lowercase
// row, summing values, then rewrite the survivors.
func normalizeCounterSubjects(db *gorm.DB) error {
	if !db.Migrator().HasTable("counter_entries") {
		return nil
	}
	merge := `UPDATE counter_entries SET value = (
	            SELECT SUM(value) FROM counter_entries AS dup
	             WHERE LOWER(dup.subject) = LOWER(counter_entries.subject))
	           WHERE subject = LOWER(subject)
	             AND EXISTS (
	            SELECT 1 FROM counter_entries AS dup
	             WHERE LOWER(dup.subject) = LOWER(counter_entries.subject)
	               AND dup.subject <> counter_entries.subject);`
	if err := db.Exec(merge).Error; err != nil {
		return err
	}
	if err := db.Exec(`DELETE FROM counter_entries
	                    WHERE subject <> LOWER(subject)
	                      AND EXISTS (
	                   SELECT 1 FROM counter_entries AS keep
	                    WHERE keep.subject = LOWER(counter_entries.subject));`).Error; err != nil {
		return err
	}
	return db.Exec(`UPDATE counter_entries SET subject = LOWER(subject)
	                 WHERE subject <> LOWER(subject)
	                   AND NOT EXISTS (
	                SELECT 1 FROM counter_entries AS other
	                 WHERE other.subject <> counter_entries.subject
	                   AND LOWER(other.subject) = LOWER(counter_entries.subject));`).Error
}
