package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/apperr"
)

// Repository persists attendance data in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// GetStudentByNumber returns a student by their external identifier, nil when absent.
func (r *Repository) GetStudentByNumber(ctx context.Context, number string) (*Student, error) {
	return r.scanStudent(r.db.QueryRowContext(ctx, `
		SELECT id, student_number, name, role, created_at
		FROM students WHERE student_number = $1
	`, number))
}

// GetStudentByID returns a student by row id, nil when absent.
func (r *Repository) GetStudentByID(ctx context.Context, id string) (*Student, error) {
	return r.scanStudent(r.db.QueryRowContext(ctx, `
		SELECT id, student_number, name, role, created_at
		FROM students WHERE id = $1
	`, id))
}

func (r *Repository) scanStudent(row *sql.Row) (*Student, error) {
	var s Student
	if err := row.Scan(&s.ID, &s.StudentNumber, &s.Name, &s.Role, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.Internal, "query student", err)
	}
	return &s, nil
}

// Toggle flips checked_in in a single upsert and appends the log row in the
// same transaction. The upsert makes the read-modify-write atomic for a
// student even under concurrent toggles.
func (r *Repository) Toggle(ctx context.Context, studentID string, now time.Time) (ToggleResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return ToggleResult{}, apperr.Wrap(apperr.Internal, "begin toggle", err)
	}
	defer tx.Rollback()

	var checkedIn bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO checkin_status (student_id, checked_in, last_check_in)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (student_id) DO UPDATE SET
			checked_in = NOT checkin_status.checked_in,
			last_check_in = CASE WHEN checkin_status.checked_in
				THEN checkin_status.last_check_in ELSE $2 END,
			last_check_out = CASE WHEN checkin_status.checked_in
				THEN $2 ELSE checkin_status.last_check_out END
		RETURNING checked_in
	`, studentID, now).Scan(&checkedIn)
	if err != nil {
		return ToggleResult{}, apperr.Wrap(apperr.Internal, "toggle check-in", err)
	}

	action := ActionCheckOut
	if checkedIn {
		action = ActionCheckIn
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_log (id, student_id, action, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), studentID, action, now); err != nil {
		return ToggleResult{}, apperr.Wrap(apperr.Internal, "append attendance log", err)
	}

	if err := tx.Commit(); err != nil {
		return ToggleResult{}, apperr.Wrap(apperr.Internal, "commit toggle", err)
	}
	return ToggleResult{Action: action, Timestamp: now}, nil
}

// IsCheckedIn reads the current state; a missing row means checked out.
func (r *Repository) IsCheckedIn(ctx context.Context, studentID string) (bool, error) {
	var checkedIn bool
	err := r.db.QueryRowContext(ctx, `
		SELECT checked_in FROM checkin_status WHERE student_id = $1
	`, studentID).Scan(&checkedIn)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "query check-in status", err)
	}
	return checkedIn, nil
}

// ListLog returns attendance log entries, newest first.
func (r *Repository) ListLog(ctx context.Context, limit, offset int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, student_id, action, occurred_at
		FROM attendance_log
		ORDER BY occurred_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list attendance log", err)
	}
	defer rows.Close()
	var res []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.StudentID, &e.Action, &e.OccurredAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan attendance log", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
