package store

import (
	"context"
	"database/sql"
	"log"
)

// EnsureSchema creates tables and indexes when missing. The partial unique
// indexes back the invariants the application relies on under concurrency:
// one pending request per student, one active session per PC, one live
// session per student.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	log.Println("Ensuring database schema...")
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			log.Printf("schema statement failed: %v", err)
			return err
		}
	}
	log.Println("Database schema ready")
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id UUID PRIMARY KEY,
		student_number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS checkin_status (
		student_id UUID PRIMARY KEY REFERENCES students(id),
		checked_in BOOLEAN NOT NULL DEFAULT FALSE,
		last_check_in TIMESTAMPTZ,
		last_check_out TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_log (
		id UUID PRIMARY KEY,
		student_id UUID NOT NULL REFERENCES students(id),
		action TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS holidays (
		id UUID PRIMARY KEY,
		holiday_date DATE NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS books (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		isbn TEXT,
		total_copies INT NOT NULL,
		available INT NOT NULL,
		CHECK (available >= 0 AND available <= total_copies)
	)`,
	`CREATE TABLE IF NOT EXISTS borrow_records (
		id UUID PRIMARY KEY,
		student_id UUID NOT NULL REFERENCES students(id),
		book_id UUID NOT NULL REFERENCES books(id),
		borrow_date TIMESTAMPTZ NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		return_date TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'borrowed',
		approved_by TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS pending_requests (
		id UUID PRIMARY KEY,
		student_id UUID NOT NULL REFERENCES students(id),
		type TEXT NOT NULL,
		book_id UUID,
		transaction_id UUID,
		pc_number INT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		approved_at TIMESTAMPTZ,
		approved_by TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_pending_per_student
		ON pending_requests (student_id) WHERE status = 'pending'`,
	`CREATE TABLE IF NOT EXISTS pc_units (
		pc_number INT PRIMARY KEY,
		location TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS pc_reservations (
		id UUID PRIMARY KEY,
		student_id UUID NOT NULL REFERENCES students(id),
		pc_number INT NOT NULL REFERENCES pc_units(pc_number),
		start_time TIMESTAMPTZ,
		end_time TIMESTAMPTZ,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_active_per_pc
		ON pc_reservations (pc_number) WHERE status = 'active'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_live_session_per_student
		ON pc_reservations (student_id) WHERE status IN ('active', 'reserved')`,
	`CREATE TABLE IF NOT EXISTS admin_logs (
		id UUID PRIMARY KEY,
		admin_id TEXT NOT NULL,
		admin_name TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		target_type TEXT NOT NULL DEFAULT '',
		target_id TEXT NOT NULL DEFAULT '',
		target_name TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}
