package calendar

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"librarydesk/internal/apperr"
	"librarydesk/internal/store"
)

// Holiday is an explicitly configured closure date.
type Holiday struct {
	ID          string `json:"id"`
	Date        string `json:"date"`
	Description string `json:"description"`
}

// Repository persists holidays in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Add registers a holiday; the date string must be YYYY-MM-DD and unique.
func (r *Repository) Add(ctx context.Context, date, description string) (Holiday, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return Holiday{}, apperr.New(apperr.Validation, "date must be YYYY-MM-DD")
	}
	h := Holiday{ID: uuid.NewString(), Date: date, Description: description}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO holidays (id, holiday_date, description)
		VALUES ($1, $2, $3)
	`, h.ID, h.Date, h.Description)
	if err != nil {
		if store.IsUniqueViolation(err) {
			return Holiday{}, apperr.New(apperr.Conflict, "holiday date already registered")
		}
		return Holiday{}, apperr.Wrap(apperr.Internal, "insert holiday", err)
	}
	return h, nil
}

// Remove deletes a holiday by date.
func (r *Repository) Remove(ctx context.Context, date string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM holidays WHERE holiday_date = $1`, date)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete holiday", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "holiday not found")
	}
	return nil
}

// List returns all holidays ordered by date.
func (r *Repository) List(ctx context.Context) ([]Holiday, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, to_char(holiday_date, 'YYYY-MM-DD'), description
		FROM holidays ORDER BY holiday_date
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list holidays", err)
	}
	defer rows.Close()
	var res []Holiday
	for rows.Next() {
		var h Holiday
		if err := rows.Scan(&h.ID, &h.Date, &h.Description); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan holiday", err)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// Dates returns the holiday dates as a set for due-date math.
func (r *Repository) Dates(ctx context.Context) (DateSet, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT to_char(holiday_date, 'YYYY-MM-DD') FROM holidays`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	set := DateSet{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		set[d] = struct{}{}
	}
	return set, rows.Err()
}
