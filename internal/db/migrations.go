package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS plates (
		id              BIGSERIAL PRIMARY KEY,
		number          TEXT NOT NULL,
		normalized      TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_plates_normalized ON plates(normalized);`,
	`CREATE TABLE IF NOT EXISTS violations (
		id               UUID PRIMARY KEY,
		plate_id         BIGINT REFERENCES plates(id) ON DELETE SET NULL,
		camera_id        TEXT NOT NULL,
		lane_id          INT NOT NULL,
		vehicle_class    INT NOT NULL,
		vehicle_type     TEXT NOT NULL,
		raw_plate        TEXT NOT NULL,
		normalized_plate TEXT NOT NULL DEFAULT '',
		confidence       NUMERIC(5,4),
		x_center         DOUBLE PRECISION NOT NULL,
		image_path       TEXT NOT NULL,
		detected_at      TIMESTAMPTZ NOT NULL,
		detail           JSONB,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_detected_at ON violations(detected_at);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_plate_id ON violations(plate_id);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_vehicle_type ON violations(vehicle_type);`,
	`CREATE TABLE IF NOT EXISTS lane_config_revisions (
		id          BIGSERIAL PRIMARY KEY,
		config      JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
