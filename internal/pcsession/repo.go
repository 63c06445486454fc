package pcsession

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/apperr"
	"librarydesk/internal/store"
)

// Repository persists PC units and sessions in Postgres. The partial unique
// indexes ux_active_per_pc and ux_live_session_per_student back the
// occupancy invariants under concurrent inserts.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// AddUnit registers a PC station.
func (r *Repository) AddUnit(ctx context.Context, pcNumber int, location string) (Unit, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO pc_units (pc_number, location) VALUES ($1, $2)
	`, pcNumber, location)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Unit{}, apperr.New(apperr.Conflict, "pc number already registered")
		}
		return Unit{}, apperr.Wrap(apperr.Internal, "insert pc unit", err)
	}
	return Unit{PCNumber: pcNumber, Location: location}, nil
}

// UnitExists reports whether a station is registered.
func (r *Repository) UnitExists(ctx context.Context, pcNumber int) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pc_units WHERE pc_number = $1)
	`, pcNumber).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "query pc unit", err)
	}
	return exists, nil
}

// ListUnits returns the station catalog.
func (r *Repository) ListUnits(ctx context.Context) ([]Unit, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT pc_number, location FROM pc_units ORDER BY pc_number`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list pc units", err)
	}
	defer rows.Close()
	var res []Unit
	for rows.Next() {
		var u Unit
		if err := rows.Scan(&u.PCNumber, &u.Location); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan pc unit", err)
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

const sessionColumns = `id, student_id, pc_number, start_time, end_time, status, created_at`

func scanSession(row interface {
	Scan(dest ...any) error
}) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.StudentID, &s.PCNumber, &s.StartTime, &s.EndTime, &s.Status, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "scan pc session", err)
	}
	return &s, nil
}

// GetSession returns a session by id, nil when absent.
func (r *Repository) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM pc_reservations WHERE id = $1
	`, id))
}

// LiveSessionForStudent returns the student's active or reserved session.
func (r *Repository) LiveSessionForStudent(ctx context.Context, studentID string) (*Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM pc_reservations
		WHERE student_id = $1 AND status IN ($2, $3)
	`, studentID, StatusActive, StatusReserved))
}

// ActiveSessionForPC returns the current occupant of a PC.
func (r *Repository) ActiveSessionForPC(ctx context.Context, pcNumber int) (*Session, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM pc_reservations
		WHERE pc_number = $1 AND status = $2
	`, pcNumber, StatusActive))
}

// CreateActive inserts an occupying session starting now.
func (r *Repository) CreateActive(ctx context.Context, studentID string, pcNumber int, now time.Time) (Session, error) {
	s := Session{
		ID:        uuid.NewString(),
		StudentID: studentID,
		PCNumber:  pcNumber,
		StartTime: &now,
		Status:    StatusActive,
		CreatedAt: now,
	}
	return r.insert(ctx, r.db, s)
}

// CreateReserved inserts a queued reservation with no start time.
func (r *Repository) CreateReserved(ctx context.Context, studentID string, pcNumber int, now time.Time) (Session, error) {
	s := Session{
		ID:        uuid.NewString(),
		StudentID: studentID,
		PCNumber:  pcNumber,
		Status:    StatusReserved,
		CreatedAt: now,
	}
	return r.insert(ctx, r.db, s)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Repository) insert(ctx context.Context, ex execer, s Session) (Session, error) {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO pc_reservations (id, student_id, pc_number, start_time, end_time, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.ID, s.StudentID, s.PCNumber, s.StartTime, s.EndTime, s.Status, s.CreatedAt)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Session{}, apperr.New(apperr.Conflict, "conflicting pc session exists")
		}
		return Session{}, apperr.Wrap(apperr.Internal, "insert pc session", err)
	}
	return s, nil
}

// CreateInTx starts or queues a session inside the caller's transaction:
// active when the PC is free, reserved when occupied. The request approval
// path uses it so the session commits with the request flip.
func CreateInTx(ctx context.Context, tx *sql.Tx, studentID string, pcNumber int, now time.Time) (Session, error) {
	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pc_units WHERE pc_number = $1)
	`, pcNumber).Scan(&exists); err != nil {
		return Session{}, apperr.Wrap(apperr.Internal, "query pc unit", err)
	}
	if !exists {
		return Session{}, apperr.New(apperr.NotFound, "pc not found")
	}

	var occupied bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pc_reservations WHERE pc_number = $1 AND status = $2)
	`, pcNumber, StatusActive).Scan(&occupied); err != nil {
		return Session{}, apperr.Wrap(apperr.Internal, "query pc occupancy", err)
	}

	s := Session{
		ID:        uuid.NewString(),
		StudentID: studentID,
		PCNumber:  pcNumber,
		Status:    StatusReserved,
		CreatedAt: now,
	}
	if !occupied {
		s.Status = StatusActive
		s.StartTime = &now
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pc_reservations (id, student_id, pc_number, start_time, end_time, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.ID, s.StudentID, s.PCNumber, s.StartTime, s.EndTime, s.Status, s.CreatedAt)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Session{}, apperr.New(apperr.Conflict, "conflicting pc session exists")
		}
		return Session{}, apperr.Wrap(apperr.Internal, "insert pc session", err)
	}
	return s, nil
}

// EndAndPromote completes the session and, in the same transaction, promotes
// the earliest-created reserved row for that PC so the unit is never left
// unoccupied while a waiter is queued.
func (r *Repository) EndAndPromote(ctx context.Context, sessionID string, now time.Time) (Session, *Session, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, nil, apperr.Wrap(apperr.Internal, "begin end session", err)
	}
	defer tx.Rollback()

	ended, err := scanSession(tx.QueryRowContext(ctx, `
		UPDATE pc_reservations SET status = $2, end_time = $3
		WHERE id = $1 AND status = $4
		RETURNING `+sessionColumns+`
	`, sessionID, StatusCompleted, now, StatusActive))
	if err != nil {
		return Session{}, nil, err
	}
	if ended == nil {
		return Session{}, nil, apperr.New(apperr.Conflict, "session is not active")
	}

	promoted, err := promoteWaiter(ctx, tx, ended.PCNumber, now)
	if err != nil {
		return Session{}, nil, err
	}

	if err := tx.Commit(); err != nil {
		return Session{}, nil, apperr.Wrap(apperr.Internal, "commit end session", err)
	}
	return *ended, promoted, nil
}

// promoteWaiter activates the oldest reserved row for the PC. FIFO order is
// by created_at with id as a tiebreaker, not by storage-assigned identity.
func promoteWaiter(ctx context.Context, tx *sql.Tx, pcNumber int, now time.Time) (*Session, error) {
	return scanSession(tx.QueryRowContext(ctx, `
		UPDATE pc_reservations SET status = $2, start_time = $3
		WHERE id = (
			SELECT id FROM pc_reservations
			WHERE pc_number = $1 AND status = $4
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+sessionColumns+`
	`, pcNumber, StatusActive, now, StatusReserved))
}

// ExpireStale bulk-expires active sessions older than maxAge and promotes a
// waiter for each freed PC. The status guard makes a second sweep a no-op.
func (r *Repository) ExpireStale(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "begin expire sweep", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE pc_reservations SET status = $1, end_time = $2
		WHERE status = $3 AND start_time < $4
		RETURNING pc_number
	`, StatusExpired, now, StatusActive, now.Add(-maxAge))
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "expire sessions", err)
	}
	var freed []int
	for rows.Next() {
		var pc int
		if err := rows.Scan(&pc); err != nil {
			rows.Close()
			return 0, apperr.Wrap(apperr.Internal, "scan expired pc", err)
		}
		freed = append(freed, pc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "expire sessions", err)
	}

	for _, pc := range freed {
		if _, err := promoteWaiter(ctx, tx, pc, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "commit expire sweep", err)
	}
	return len(freed), nil
}

// ListLive returns every active or reserved session, oldest first.
func (r *Repository) ListLive(ctx context.Context) ([]Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM pc_reservations
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
	`, StatusActive, StatusReserved)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list live sessions", err)
	}
	defer rows.Close()
	var res []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}
