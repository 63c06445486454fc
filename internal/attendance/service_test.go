package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarydesk/internal/apperr"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

type fakeStore struct {
	mu       sync.Mutex
	students map[string]*Student // by number
	state    map[string]bool     // by student id
	log      []LogEntry
}

func newFakeStore(students ...*Student) *fakeStore {
	s := &fakeStore{students: map[string]*Student{}, state: map[string]bool{}}
	for _, st := range students {
		s.students[st.StudentNumber] = st
	}
	return s
}

func (s *fakeStore) GetStudentByNumber(ctx context.Context, number string) (*Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.students[number], nil
}

func (s *fakeStore) GetStudentByID(ctx context.Context, id string) (*Student, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.students {
		if st.ID == id {
			return st, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) Toggle(ctx context.Context, studentID string, now time.Time) (ToggleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[studentID] = !s.state[studentID]
	action := ActionCheckOut
	if s.state[studentID] {
		action = ActionCheckIn
	}
	s.log = append(s.log, LogEntry{StudentID: studentID, Action: action, OccurredAt: now})
	return ToggleResult{Action: action, Timestamp: now}, nil
}

func (s *fakeStore) IsCheckedIn(ctx context.Context, studentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[studentID], nil
}

func (s *fakeStore) ListLog(ctx context.Context, limit, offset int) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.log...), nil
}

func TestToggle_AlternatesStrictly(t *testing.T) {
	store := newFakeStore(&Student{ID: "s1", StudentNumber: "2021-001", Name: "A", Role: "student"})
	svc := NewService(store, &fakeClock{time.Now()})
	ctx := context.Background()

	for n := 1; n <= 7; n++ {
		res, err := svc.Toggle(ctx, "2021-001")
		require.NoError(t, err)

		wantIn := n%2 == 1
		checkedIn, err := svc.IsCheckedIn(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, wantIn, checkedIn, "after %d toggles", n)
		if wantIn {
			assert.Equal(t, ActionCheckIn, res.Action)
		} else {
			assert.Equal(t, ActionCheckOut, res.Action)
		}
	}

	// Every call appended exactly one log entry.
	entries, err := svc.Log(ctx, 100, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 7)
}

func TestToggle_UnknownStudent(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeClock{time.Now()})
	_, err := svc.Toggle(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestToggle_EmptyNumber(t *testing.T) {
	svc := NewService(newFakeStore(), &fakeClock{time.Now()})
	_, err := svc.Toggle(context.Background(), "")
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestStatusByNumber(t *testing.T) {
	store := newFakeStore(&Student{ID: "s1", StudentNumber: "2021-001", Name: "A", Role: "student"})
	svc := NewService(store, &fakeClock{time.Now()})
	ctx := context.Background()

	student, checkedIn, err := svc.StatusByNumber(ctx, "2021-001")
	require.NoError(t, err)
	assert.Equal(t, "s1", student.ID)
	assert.False(t, checkedIn, "absent state counts as checked out")

	_, err = svc.Toggle(ctx, "2021-001")
	require.NoError(t, err)
	_, checkedIn, err = svc.StatusByNumber(ctx, "2021-001")
	require.NoError(t, err)
	assert.True(t, checkedIn)
}
