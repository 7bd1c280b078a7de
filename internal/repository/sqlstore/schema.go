package sqlstore

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS doctors (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		is_vip BOOLEAN NOT NULL DEFAULT FALSE,
		is_new_patient BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'treatmenting', 'completed')),
		doctor_id BIGINT REFERENCES doctors(id),
		chair_number INT CHECK (chair_number BETWEEN 1 AND 20),
		display_order INT NOT NULL DEFAULT 0,
		is_staff_mode BOOLEAN NOT NULL DEFAULT FALSE,
		is_consulting_mode BOOLEAN NOT NULL DEFAULT FALSE,
		is_recovery_room BOOLEAN NOT NULL DEFAULT FALSE,
		current_doctor_location BIGINT REFERENCES doctors(id),
		consulting_start_time TIMESTAMPTZ,
		consulting_actual_start_time TIMESTAMPTZ,
		reservation_time TEXT,
		request_detail TEXT,
		staff_notes TEXT,
		note_emphasized BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_status_order ON patients (status, display_order, id)`,
	`CREATE TABLE IF NOT EXISTS doctor_replies (
		id BIGSERIAL PRIMARY KEY,
		patient_name TEXT NOT NULL,
		reply TEXT NOT NULL,
		icon TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_doctor_replies_name ON doctor_replies (patient_name, created_at DESC)`,
	`CREATE OR REPLACE FUNCTION chairqueue_notify() RETURNS trigger AS $$
	BEGIN
		PERFORM pg_notify('` + NotifyChannel + `', TG_TABLE_NAME);
		RETURN NULL;
	END;
	$$ LANGUAGE plpgsql`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS doctors (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS patients (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		is_vip BOOLEAN NOT NULL DEFAULT 0,
		is_new_patient BOOLEAN NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'waiting' CHECK (status IN ('waiting', 'treatmenting', 'completed')),
		doctor_id INTEGER REFERENCES doctors(id),
		chair_number INTEGER CHECK (chair_number BETWEEN 1 AND 20),
		display_order INTEGER NOT NULL DEFAULT 0,
		is_staff_mode BOOLEAN NOT NULL DEFAULT 0,
		is_consulting_mode BOOLEAN NOT NULL DEFAULT 0,
		is_recovery_room BOOLEAN NOT NULL DEFAULT 0,
		current_doctor_location INTEGER REFERENCES doctors(id),
		consulting_start_time TIMESTAMP,
		consulting_actual_start_time TIMESTAMP,
		reservation_time TEXT,
		request_detail TEXT,
		staff_notes TEXT,
		note_emphasized BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_patients_status_order ON patients (status, display_order, id)`,
	`CREATE TABLE IF NOT EXISTS doctor_replies (
		id INTEGER PRIMARY KEY,
		patient_name TEXT NOT NULL,
		reply TEXT NOT NULL,
		icon TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_doctor_replies_name ON doctor_replies (patient_name, created_at)`,
}

var notifiedTables = []string{"patients", "doctors", "doctor_replies"}

// Migrate creates the tables, and on postgres the change triggers.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	stmts := sqliteSchema
	if db.DriverName() == DriverPostgres {
		stmts = append([]string{}, postgresSchema...)
		for _, t := range notifiedTables {
			stmts = append(stmts,
				fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, t, t),
				fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE OR DELETE ON %s
					FOR EACH STATEMENT EXECUTE FUNCTION chairqueue_notify()`, t, t),
			)
		}
	}

	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}
