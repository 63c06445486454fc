package pcsession

import (
	"context"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"librarydesk/internal/apperr"
	"librarydesk/internal/calendar"
)

// Session statuses.
const (
	StatusActive    = "active"
	StatusReserved  = "reserved"
	StatusCompleted = "completed"
	StatusExpired   = "expired"
)

var sessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
	Name: "librarydesk_pc_sessions_expired_total",
	Help: "PC sessions transitioned to expired by the sweep.",
})

// Unit is one reservable PC station.
type Unit struct {
	PCNumber int    `json:"pc_number"`
	Location string `json:"location"`
}

// Session is one occupancy or queued reservation of a PC.
type Session struct {
	ID        string     `json:"id"`
	StudentID string     `json:"student_id"`
	PCNumber  int        `json:"pc_number"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// StationStatus is the per-unit view surfaced to the UI.
type StationStatus struct {
	PCNumber         int    `json:"pc_number"`
	Location         string `json:"location"`
	Occupied         bool   `json:"occupied"`
	RemainingMinutes int    `json:"remaining_minutes"`
	Waiting          int    `json:"waiting"`
}

// Store is the scheduler's persistence. Creation must reject a second active
// row per PC and a second live row per student even under concurrent calls;
// EndAndPromote and ExpireStale must promote the earliest-created reserved
// row in the same transaction that frees the PC.
type Store interface {
	AddUnit(ctx context.Context, pcNumber int, location string) (Unit, error)
	UnitExists(ctx context.Context, pcNumber int) (bool, error)
	ListUnits(ctx context.Context) ([]Unit, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	LiveSessionForStudent(ctx context.Context, studentID string) (*Session, error)
	ActiveSessionForPC(ctx context.Context, pcNumber int) (*Session, error)
	CreateActive(ctx context.Context, studentID string, pcNumber int, now time.Time) (Session, error)
	CreateReserved(ctx context.Context, studentID string, pcNumber int, now time.Time) (Session, error)
	EndAndPromote(ctx context.Context, sessionID string, now time.Time) (Session, *Session, error)
	ExpireStale(ctx context.Context, now time.Time, maxAge time.Duration) (int, error)
	ListLive(ctx context.Context) ([]Session, error)
}

// Service schedules time-boxed PC occupancy with a FIFO waitlist per unit.
type Service struct {
	store    Store
	clock    calendar.Clock
	duration time.Duration
}

// NewService creates a scheduler with the session length policy.
func NewService(store Store, clock calendar.Clock, sessionMinutes int) *Service {
	if sessionMinutes <= 0 {
		sessionMinutes = 60
	}
	return &Service{store: store, clock: clock, duration: time.Duration(sessionMinutes) * time.Minute}
}

// Duration returns the fixed session length.
func (s *Service) Duration() time.Duration { return s.duration }

// AddUnit registers a PC station.
func (s *Service) AddUnit(ctx context.Context, pcNumber int, location string) (Unit, error) {
	if pcNumber <= 0 {
		return Unit{}, apperr.New(apperr.Validation, "pc number must be positive")
	}
	return s.store.AddUnit(ctx, pcNumber, location)
}

// Apply starts an active session immediately. The PC must be free and the
// student must not already hold a session anywhere.
func (s *Service) Apply(ctx context.Context, studentID string, pcNumber int) (Session, error) {
	if err := s.checkUnitExists(ctx, pcNumber); err != nil {
		return Session{}, err
	}
	if err := s.checkNoLiveSession(ctx, studentID); err != nil {
		return Session{}, err
	}
	active, err := s.store.ActiveSessionForPC(ctx, pcNumber)
	if err != nil {
		return Session{}, err
	}
	if active != nil {
		return Session{}, apperr.New(apperr.Conflict, "pc currently occupied, reserve instead")
	}
	return s.store.CreateActive(ctx, studentID, pcNumber, s.clock.Now())
}

// Reserve queues the student for the PC. Occupancy is deliberately not
// checked: a reservation stays valid whether or not the PC is free.
func (s *Service) Reserve(ctx context.Context, studentID string, pcNumber int) (Session, error) {
	if err := s.checkUnitExists(ctx, pcNumber); err != nil {
		return Session{}, err
	}
	if err := s.checkNoLiveSession(ctx, studentID); err != nil {
		return Session{}, err
	}
	return s.store.CreateReserved(ctx, studentID, pcNumber, s.clock.Now())
}

func (s *Service) checkUnitExists(ctx context.Context, pcNumber int) error {
	exists, err := s.store.UnitExists(ctx, pcNumber)
	if err != nil {
		return err
	}
	if !exists {
		return apperr.New(apperr.NotFound, "pc not found")
	}
	return nil
}

func (s *Service) checkNoLiveSession(ctx context.Context, studentID string) error {
	live, err := s.store.LiveSessionForStudent(ctx, studentID)
	if err != nil {
		return err
	}
	if live != nil {
		return apperr.New(apperr.Conflict, "student already has an active or reserved session")
	}
	return nil
}

// EndSession completes an active session and promotes the earliest waiter.
// Only the session owner or an admin may end it.
func (s *Service) EndSession(ctx context.Context, sessionID, requesterID string, isAdmin bool) (Session, *Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, nil, err
	}
	if sess == nil {
		return Session{}, nil, apperr.New(apperr.NotFound, "session not found")
	}
	if !isAdmin && sess.StudentID != requesterID {
		return Session{}, nil, apperr.New(apperr.Forbidden, "not your session")
	}
	if sess.Status != StatusActive {
		return Session{}, nil, apperr.New(apperr.Conflict, "session is not active")
	}
	return s.store.EndAndPromote(ctx, sessionID, s.clock.Now())
}

// ExpireStale transitions every active session past the duration to expired
// and promotes waiters onto the freed PCs. Safe to invoke repeatedly: an
// expired row is terminal and never re-processed.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	n, err := s.store.ExpireStale(ctx, s.clock.Now(), s.duration)
	if err != nil {
		return 0, err
	}
	sessionsExpired.Add(float64(n))
	return n, nil
}

// RemainingMinutes reports minutes left on an active session, rounded up.
// Zero or negative means expired and pending cleanup.
func (s *Service) RemainingMinutes(sess Session, now time.Time) int {
	if sess.StartTime == nil {
		return 0
	}
	left := s.duration - now.Sub(*sess.StartTime)
	return int(math.Ceil(left.Minutes()))
}

// StationStatus returns the occupancy view of every unit.
func (s *Service) StationStatus(ctx context.Context) ([]StationStatus, error) {
	units, err := s.store.ListUnits(ctx)
	if err != nil {
		return nil, err
	}
	live, err := s.store.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	byPC := map[int]*StationStatus{}
	out := make([]StationStatus, len(units))
	for i, u := range units {
		out[i] = StationStatus{PCNumber: u.PCNumber, Location: u.Location}
		byPC[u.PCNumber] = &out[i]
	}
	for _, sess := range live {
		st, ok := byPC[sess.PCNumber]
		if !ok {
			continue
		}
		switch sess.Status {
		case StatusActive:
			st.Occupied = true
			st.RemainingMinutes = s.RemainingMinutes(sess, now)
		case StatusReserved:
			st.Waiting++
		}
	}
	return out, nil
}
