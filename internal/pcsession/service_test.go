package pcsession

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarydesk/internal/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time      { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// fakeStore mirrors the repository semantics in memory, including the
// uniqueness rules the partial indexes enforce in Postgres.
type fakeStore struct {
	mu       sync.Mutex
	units    map[int]Unit
	sessions map[string]*Session
	seq      int
}

func newFakeStore(pcs ...int) *fakeStore {
	s := &fakeStore{units: map[int]Unit{}, sessions: map[string]*Session{}}
	for _, pc := range pcs {
		s.units[pc] = Unit{PCNumber: pc}
	}
	return s
}

func (s *fakeStore) AddUnit(ctx context.Context, pcNumber int, location string) (Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.units[pcNumber]; ok {
		return Unit{}, apperr.New(apperr.Conflict, "pc number already registered")
	}
	u := Unit{PCNumber: pcNumber, Location: location}
	s.units[pcNumber] = u
	return u, nil
}

func (s *fakeStore) UnitExists(ctx context.Context, pcNumber int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.units[pcNumber]
	return ok, nil
}

func (s *fakeStore) ListUnits(ctx context.Context) ([]Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Unit
	for _, u := range s.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PCNumber < out[j].PCNumber })
	return out, nil
}

func (s *fakeStore) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		cp := *sess
		return &cp, nil
	}
	return nil, nil
}

func (s *fakeStore) LiveSessionForStudent(ctx context.Context, studentID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveForStudentLocked(studentID), nil
}

func (s *fakeStore) liveForStudentLocked(studentID string) *Session {
	for _, sess := range s.sessions {
		if sess.StudentID == studentID && (sess.Status == StatusActive || sess.Status == StatusReserved) {
			cp := *sess
			return &cp
		}
	}
	return nil
}

func (s *fakeStore) ActiveSessionForPC(ctx context.Context, pcNumber int) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeForPCLocked(pcNumber), nil
}

func (s *fakeStore) activeForPCLocked(pcNumber int) *Session {
	for _, sess := range s.sessions {
		if sess.PCNumber == pcNumber && sess.Status == StatusActive {
			cp := *sess
			return &cp
		}
	}
	return nil
}

func (s *fakeStore) CreateActive(ctx context.Context, studentID string, pcNumber int, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeForPCLocked(pcNumber) != nil || s.liveForStudentLocked(studentID) != nil {
		return Session{}, apperr.New(apperr.Conflict, "conflicting pc session exists")
	}
	start := now
	return s.insertLocked(Session{StudentID: studentID, PCNumber: pcNumber, StartTime: &start, Status: StatusActive, CreatedAt: now}), nil
}

func (s *fakeStore) CreateReserved(ctx context.Context, studentID string, pcNumber int, now time.Time) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveForStudentLocked(studentID) != nil {
		return Session{}, apperr.New(apperr.Conflict, "conflicting pc session exists")
	}
	return s.insertLocked(Session{StudentID: studentID, PCNumber: pcNumber, Status: StatusReserved, CreatedAt: now}), nil
}

func (s *fakeStore) insertLocked(sess Session) Session {
	s.seq++
	sess.ID = fmt.Sprintf("sess-%d", s.seq)
	cp := sess
	s.sessions[sess.ID] = &cp
	return sess
}

func (s *fakeStore) EndAndPromote(ctx context.Context, sessionID string, now time.Time) (Session, *Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, nil, apperr.New(apperr.NotFound, "session not found")
	}
	if sess.Status != StatusActive {
		return Session{}, nil, apperr.New(apperr.Conflict, "session is not active")
	}
	sess.Status = StatusCompleted
	end := now
	sess.EndTime = &end
	promoted := s.promoteLocked(sess.PCNumber, now)
	endedCopy := *sess
	return endedCopy, promoted, nil
}

func (s *fakeStore) promoteLocked(pcNumber int, now time.Time) *Session {
	var oldest *Session
	for _, cand := range s.sessions {
		if cand.PCNumber != pcNumber || cand.Status != StatusReserved {
			continue
		}
		if oldest == nil || cand.CreatedAt.Before(oldest.CreatedAt) ||
			(cand.CreatedAt.Equal(oldest.CreatedAt) && cand.ID < oldest.ID) {
			oldest = cand
		}
	}
	if oldest == nil {
		return nil
	}
	oldest.Status = StatusActive
	start := now
	oldest.StartTime = &start
	cp := *oldest
	return &cp
}

func (s *fakeStore) ExpireStale(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed []int
	for _, sess := range s.sessions {
		if sess.Status == StatusActive && sess.StartTime != nil && sess.StartTime.Before(now.Add(-maxAge)) {
			sess.Status = StatusExpired
			end := now
			sess.EndTime = &end
			freed = append(freed, sess.PCNumber)
		}
	}
	for _, pc := range freed {
		s.promoteLocked(pc, now)
	}
	return len(freed), nil
}

func (s *fakeStore) ListLive(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Session
	for _, sess := range s.sessions {
		if sess.Status == StatusActive || sess.Status == StatusReserved {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func newTestService(pcs ...int) (*Service, *fakeStore, *fakeClock) {
	store := newFakeStore(pcs...)
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	return NewService(store, clock, 60), store, clock
}

func TestApply_StartsActiveSession(t *testing.T) {
	svc, _, clock := newTestService(1)
	sess, err := svc.Apply(context.Background(), "x", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sess.Status)
	require.NotNil(t, sess.StartTime)
	assert.Equal(t, clock.Now(), *sess.StartTime)
}

func TestApply_RejectsSecondSessionForStudent(t *testing.T) {
	svc, _, _ := newTestService(1, 2)
	ctx := context.Background()
	_, err := svc.Apply(ctx, "x", 1)
	require.NoError(t, err)
	_, err = svc.Apply(ctx, "x", 2)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestApply_RejectsOccupiedPC(t *testing.T) {
	svc, _, _ := newTestService(1)
	ctx := context.Background()
	_, err := svc.Apply(ctx, "x", 1)
	require.NoError(t, err)
	_, err = svc.Apply(ctx, "y", 1)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestApply_UnknownPC(t *testing.T) {
	svc, _, _ := newTestService(1)
	_, err := svc.Apply(context.Background(), "x", 99)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestReserve_UnknownPC(t *testing.T) {
	svc, _, _ := newTestService(1)
	_, err := svc.Reserve(context.Background(), "x", 99)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestReserve_DoesNotCheckOccupancy(t *testing.T) {
	svc, _, _ := newTestService(1)
	ctx := context.Background()
	sess, err := svc.Reserve(ctx, "y", 1)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, sess.Status)
	assert.Nil(t, sess.StartTime)
}

func TestEndSession_PromotesEarliestWaiter(t *testing.T) {
	svc, _, clock := newTestService(1)
	ctx := context.Background()

	active, err := svc.Apply(ctx, "x", 1)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = svc.Reserve(ctx, "y", 1)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = svc.Reserve(ctx, "z", 1)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	ended, promoted, err := svc.EndSession(ctx, active.ID, "x", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ended.Status)

	// y reserved before z, so y is promoted with a fresh start time.
	require.NotNil(t, promoted)
	assert.Equal(t, "y", promoted.StudentID)
	assert.Equal(t, StatusActive, promoted.Status)
	require.NotNil(t, promoted.StartTime)
	assert.Equal(t, clock.Now(), *promoted.StartTime)
}

func TestEndSession_OwnerOrAdminOnly(t *testing.T) {
	svc, _, _ := newTestService(1)
	ctx := context.Background()

	active, err := svc.Apply(ctx, "x", 1)
	require.NoError(t, err)

	_, _, err = svc.EndSession(ctx, active.ID, "y", false)
	require.Error(t, err)
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))

	// Admin can end anyone's session.
	_, _, err = svc.EndSession(ctx, active.ID, "staff-1", true)
	require.NoError(t, err)
}

func TestEndSession_NotFound(t *testing.T) {
	svc, _, _ := newTestService(1)
	_, _, err := svc.EndSession(context.Background(), "missing", "x", true)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestExpireStale_ExpiresPromotesAndIsIdempotent(t *testing.T) {
	svc, store, clock := newTestService(1)
	ctx := context.Background()

	active, err := svc.Apply(ctx, "x", 1)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "y", 1)
	require.NoError(t, err)

	clock.Advance(61 * time.Minute)
	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := store.GetSession(ctx, active.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, expired.Status)

	// The waiter was promoted onto the freed PC.
	promoted, err := store.ActiveSessionForPC(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, promoted)
	assert.Equal(t, "y", promoted.StudentID)

	// A second immediate sweep finds nothing: expired rows are terminal and
	// the promoted session is fresh.
	n, err = svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRemainingMinutes(t *testing.T) {
	svc, _, clock := newTestService(1)
	start := clock.Now()
	sess := Session{StartTime: &start, Status: StatusActive}

	clock.Advance(30*time.Minute + 30*time.Second)
	assert.Equal(t, 30, svc.RemainingMinutes(sess, clock.Now()))

	clock.Advance(40 * time.Minute)
	// Past the duration: negative means expired, pending cleanup.
	assert.Less(t, svc.RemainingMinutes(sess, clock.Now()), 0)
}

func TestStationStatus(t *testing.T) {
	svc, _, clock := newTestService(1, 2)
	ctx := context.Background()

	_, err := svc.Apply(ctx, "x", 1)
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "y", 1)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	status, err := svc.StationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, status, 2)

	assert.True(t, status[0].Occupied)
	assert.Equal(t, 50, status[0].RemainingMinutes)
	assert.Equal(t, 1, status[0].Waiting)
	assert.False(t, status[1].Occupied)
}
