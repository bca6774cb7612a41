package events

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const createEventsTable = `CREATE TABLE IF NOT EXISTS events (
	sid INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT,
	frameTime REAL,
	score REAL,
	type TEXT,
	cameraName TEXT,
	label TEXT,
	thumbnail TEXT,
	snapshot TEXT,
	m3u8 TEXT,
	camera TEXT,
	debug TEXT,
	image TEXT,
	transportType TEXT
)`

// migrations are additive and applied in order. schema_version holds the
// number of leading steps that are known to be applied.
var migrations = []string{
	`ALTER TABLE events ADD COLUMN subLabel TEXT DEFAULT ''`,
	`ALTER TABLE events ADD COLUMN currentZones TEXT DEFAULT ''`,
	`ALTER TABLE events ADD COLUMN enteredZones TEXT DEFAULT ''`,
	`ALTER TABLE events ADD COLUMN frigatePlus INTEGER DEFAULT 0`,
	`ALTER TABLE events ADD COLUMN mp4 TEXT DEFAULT ''`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_id ON events (id)`,
	`CREATE INDEX IF NOT EXISTS idx_events_frame_time ON events (frameTime)`,
	`CREATE INDEX IF NOT EXISTS idx_events_camera_frame_time ON events (cameraName, frameTime)`,
}

// SchemaVersion is the number of migration steps a fully migrated database has seen.
var SchemaVersion = len(migrations)

type schemaVersion struct {
	ID      uint `gorm:"primarykey"`
	Version int
}

func (schemaVersion) TableName() string {
	return "schema_version"
}

// EnsureSchema creates the events table and applies outstanding migrations.
// A column that already exists counts as applied. Any other failing step is
// logged and skipped so the steps after it still run, but the recorded version
// stays below it and the step is retried on the next open.
func EnsureSchema(db *gorm.DB, logger *slog.Logger) error {
	if err := db.Exec(createEventsTable).Error; err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}

	if err := db.AutoMigrate(&schemaVersion{}); err != nil {
		return fmt.Errorf("failed to migrate schema_version: %w", err)
	}

	var v schemaVersion
	if err := db.Limit(1).Find(&v).Error; err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if v.Version >= len(migrations) {
		logger.Debug("schema up to date", "version", v.Version)
		return nil
	}

	// Step errors are reported below, gorm would log them again at error level.
	quiet := db.Session(&gorm.Session{Logger: gormlogger.Discard})

	failedAt := -1
	for i := v.Version; i < len(migrations); i++ {
		err := quiet.Exec(migrations[i]).Error
		switch {
		case err == nil:
			logger.Info("applied migration step", "step", i+1)
		case isDuplicateColumn(err):
			logger.Warn("migration step already applied", "step", i+1, "err", err)
		default:
			logger.Error("migration step failed, will retry on next open", "step", i+1, "err", err)
			if failedAt < 0 {
				failedAt = i
			}
		}
	}

	v.Version = len(migrations)
	if failedAt >= 0 {
		v.Version = failedAt
	}
	if err := db.Save(&v).Error; err != nil {
		return fmt.Errorf("failed to save schema version: %w", err)
	}

	return nil
}

func isDuplicateColumn(err error) bool {
	return strings.Contains(err.Error(), "duplicate column name")
}

// schemaVersionOf returns the recorded schema version, 0 when none is stored.
func schemaVersionOf(db *gorm.DB) (int, error) {
	var v schemaVersion
	err := db.Limit(1).Find(&v).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	return v.Version, nil
}
