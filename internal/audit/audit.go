package audit

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/apperr"
)

// Entry is one append-only admin transaction record. The core only writes
// these; reads exist solely to surface them to staff.
type Entry struct {
	ID         string    `json:"id"`
	AdminID    string    `json:"admin_id"`
	AdminName  string    `json:"admin_name"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id"`
	TargetName string    `json:"target_name"`
	Details    string    `json:"details"`
	CreatedAt  time.Time `json:"created_at"`
}

// Execer lets Insert run inside a caller's transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Insert appends an entry using the provided executor, typically a *sql.Tx so
// the audit row commits with the mutation it records.
func Insert(ctx context.Context, ex Execer, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO admin_logs (id, admin_id, admin_name, action, target_type, target_id, target_name, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.ID, e.AdminID, e.AdminName, e.Action, e.TargetType, e.TargetID, e.TargetName, e.Details, e.CreatedAt)
	return err
}

// Repository reads admin log entries back for display.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// List returns admin log entries, newest first.
func (r *Repository) List(ctx context.Context, limit, offset int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, admin_id, admin_name, action, target_type, target_id, target_name, details, created_at
		FROM admin_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list admin logs", err)
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.AdminID, &e.AdminName, &e.Action, &e.TargetType, &e.TargetID, &e.TargetName, &e.Details, &e.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan admin log", err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
