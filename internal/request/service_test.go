package request

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarydesk/internal/apperr"
	"librarydesk/internal/attendance"
	"librarydesk/internal/catalog"
	"librarydesk/internal/pcsession"
)

// fakeWorkflow backs the Store, CheckinGate and BorrowCounter interfaces with
// one in-memory state, mirroring the transactional semantics of the real
// repository: an approval that fails its ledger check leaves the request
// pending, and a flip out of pending happens at most once.
type fakeWorkflow struct {
	mu        sync.Mutex
	seq       int
	requests  map[string]*PendingRequest
	students  map[string]attendance.Student
	checkedIn map[string]bool
	borrowed  map[string]int // studentID -> live borrows
	available map[string]int // bookID -> copies on shelf
	records   map[string]*catalog.BorrowRecord
	pcs       map[int]bool // pcNumber -> occupied
}

func newFakeWorkflow() *fakeWorkflow {
	return &fakeWorkflow{
		requests:  map[string]*PendingRequest{},
		students:  map[string]attendance.Student{},
		checkedIn: map[string]bool{},
		borrowed:  map[string]int{},
		available: map[string]int{},
		records:   map[string]*catalog.BorrowRecord{},
		pcs:       map[int]bool{},
	}
}

func (f *fakeWorkflow) addStudent(id, number string, in bool) {
	f.students[id] = attendance.Student{ID: id, StudentNumber: number, Name: "Student " + number}
	f.checkedIn[id] = in
}

func (f *fakeWorkflow) CreatePending(ctx context.Context, req PendingRequest) (PendingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.requests {
		if existing.StudentID == req.StudentID && existing.Status == StatusPending {
			return PendingRequest{}, apperr.New(apperr.Conflict, "a pending request already exists")
		}
	}
	f.seq++
	req.ID = fmt.Sprintf("req-%d", f.seq)
	cp := req
	f.requests[req.ID] = &cp
	return req, nil
}

func (f *fakeWorkflow) Get(ctx context.Context, id string) (*PendingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.requests[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeWorkflow) GetStudent(ctx context.Context, studentID string) (*attendance.Student, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.students[studentID]; ok {
		return &s, nil
	}
	return nil, nil
}

func (f *fakeWorkflow) ListPending(ctx context.Context) ([]PendingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PendingRequest
	for _, r := range f.requests {
		if r.Status == StatusPending {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeWorkflow) takePending(id string) (*PendingRequest, error) {
	r, ok := f.requests[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "request not found")
	}
	if r.Status != StatusPending {
		return nil, apperr.New(apperr.Conflict, "request already processed")
	}
	return r, nil
}

func (f *fakeWorkflow) ApproveBorrow(ctx context.Context, requestID string, actor catalog.Actor, now, due time.Time, limit int) (catalog.BorrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.takePending(requestID)
	if err != nil {
		return catalog.BorrowRecord{}, err
	}
	bookID := r.Payload.(BorrowBook).BookID
	if f.borrowed[r.StudentID] >= limit {
		return catalog.BorrowRecord{}, apperr.Newf(apperr.Capacity, "borrow limit of %d reached", limit)
	}
	if f.available[bookID] <= 0 {
		return catalog.BorrowRecord{}, apperr.New(apperr.Capacity, "book not available")
	}
	f.available[bookID]--
	f.borrowed[r.StudentID]++
	f.seq++
	rec := catalog.BorrowRecord{
		ID:         fmt.Sprintf("rec-%d", f.seq),
		StudentID:  r.StudentID,
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    due,
		Status:     catalog.StatusBorrowed,
		ApprovedBy: &actor.ID,
	}
	f.records[rec.ID] = &rec
	r.Status = StatusApproved
	r.ApprovedAt = &now
	r.ApprovedBy = &actor.ID
	return rec, nil
}

func (f *fakeWorkflow) ApproveReturn(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) (catalog.BorrowRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.takePending(requestID)
	if err != nil {
		return catalog.BorrowRecord{}, err
	}
	rec, ok := f.records[r.Payload.(ReturnBook).TransactionID]
	if !ok {
		return catalog.BorrowRecord{}, apperr.New(apperr.NotFound, "borrow record not found")
	}
	if rec.Status != catalog.StatusBorrowed {
		return catalog.BorrowRecord{}, apperr.New(apperr.Conflict, "book already returned")
	}
	rec.Status = catalog.StatusReturned
	rec.ReturnDate = &now
	f.available[rec.BookID]++
	f.borrowed[rec.StudentID]--
	r.Status = StatusApproved
	r.ApprovedAt = &now
	r.ApprovedBy = &actor.ID
	return *rec, nil
}

func (f *fakeWorkflow) ApproveReservePC(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) (pcsession.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.takePending(requestID)
	if err != nil {
		return pcsession.Session{}, err
	}
	pc := r.Payload.(ReservePC).PCNumber
	if _, ok := f.pcs[pc]; !ok {
		return pcsession.Session{}, apperr.New(apperr.NotFound, "pc not found")
	}
	sess := pcsession.Session{StudentID: r.StudentID, PCNumber: pc, CreatedAt: now}
	if f.pcs[pc] {
		sess.Status = pcsession.StatusReserved
	} else {
		f.pcs[pc] = true
		start := now
		sess.Status = pcsession.StatusActive
		sess.StartTime = &start
	}
	r.Status = StatusApproved
	r.ApprovedAt = &now
	r.ApprovedBy = &actor.ID
	return sess, nil
}

func (f *fakeWorkflow) Reject(ctx context.Context, requestID string, actor catalog.Actor, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, err := f.takePending(requestID)
	if err != nil {
		return err
	}
	r.Status = StatusRejected
	r.ApprovedAt = &now
	r.ApprovedBy = &actor.ID
	return nil
}

func (f *fakeWorkflow) PurgeInvalid(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, r := range f.requests {
		if r.Status == StatusPending && r.Payload == nil {
			delete(f.requests, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeWorkflow) IsCheckedIn(ctx context.Context, studentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkedIn[studentID], nil
}

func (f *fakeWorkflow) BorrowedCount(ctx context.Context, studentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.borrowed[studentID], nil
}

type fakeDueDater struct {
	now time.Time
	due time.Time
}

func (d fakeDueDater) Now() time.Time                      { return d.now }
func (d fakeDueDater) DueDate(ctx context.Context) time.Time { return d.due }

type recordedNotification struct {
	StudentID, RequestID, Decision string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (n *fakeNotifier) RequestDecided(ctx context.Context, studentID, requestID, decision string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, recordedNotification{studentID, requestID, decision})
}

var (
	testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	testDue = time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	staff   = catalog.Actor{ID: "admin-1", Name: "Desk Admin"}
)

func newTestWorkflow() (*Service, *fakeWorkflow, *fakeNotifier) {
	f := newFakeWorkflow()
	n := &fakeNotifier{}
	svc := NewService(f, f, f, fakeDueDater{now: testNow, due: testDue}, n, 2)
	return svc, f, n
}

func TestCreate_RequiresCheckin(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", false)

	_, err := svc.Create(context.Background(), "s1", BorrowBook{BookID: "b1"})
	require.Error(t, err)
	assert.Equal(t, apperr.Precondition, apperr.KindOf(err))
}

func TestCreate_ValidatesPayload(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	ctx := context.Background()

	cases := []struct {
		name    string
		payload Payload
	}{
		{"nil payload", nil},
		{"empty book id", BorrowBook{}},
		{"empty transaction id", ReturnBook{}},
		{"zero pc number", ReservePC{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Create(ctx, "s1", tc.payload)
			require.Error(t, err)
			assert.Equal(t, apperr.Validation, apperr.KindOf(err))
		})
	}
}

func TestCreate_OnePendingPerStudent(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.available["b1"] = 1
	ctx := context.Background()

	_, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)

	_, err = svc.Create(ctx, "s1", ReservePC{PCNumber: 3})
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestCreate_EarlyBorrowCapCheck(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.borrowed["s1"] = 2

	_, err := svc.Create(context.Background(), "s1", BorrowBook{BookID: "b1"})
	require.Error(t, err)
	assert.Equal(t, apperr.Capacity, apperr.KindOf(err))
}

// Borrow request approved while a copy is on the shelf.
func TestDecide_ApproveBorrow(t *testing.T) {
	svc, f, n := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.available["b1"] = 1
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)

	res, err := svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, res.Request.Status)
	require.NotNil(t, res.Borrow)
	assert.Equal(t, catalog.StatusBorrowed, res.Borrow.Status)
	assert.Equal(t, testDue, res.Borrow.DueDate)
	assert.Equal(t, 0, f.available["b1"])
	assert.Equal(t, 1, f.borrowed["s1"])

	require.Len(t, n.sent, 1)
	assert.Equal(t, recordedNotification{"s1", req.ID, StatusApproved}, n.sent[0])
}

// Approving with no copies available fails and leaves the request pending,
// so the admin can retry once a copy comes back.
func TestDecide_BorrowUnavailableLeavesPending(t *testing.T) {
	svc, f, n := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.available["b1"] = 1
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)
	f.available["b1"] = 0 // last copy went out between create and decision

	_, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.Error(t, err)
	assert.Equal(t, apperr.Capacity, apperr.KindOf(err))

	got, _ := f.Get(ctx, req.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Empty(t, n.sent)
}

func TestDecide_BorrowCapReCheckedAtApproval(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.available["b1"] = 5
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)
	f.borrowed["s1"] = 2 // cap reached after the request was filed

	_, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.Error(t, err)
	assert.Equal(t, apperr.Capacity, apperr.KindOf(err))

	got, _ := f.Get(ctx, req.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 5, f.available["b1"])
}

func TestDecide_ApproveReturn(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.available["b1"] = 1
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)
	res, err := svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.NoError(t, err)

	req, err = svc.Create(ctx, "s1", ReturnBook{TransactionID: res.Borrow.ID})
	require.NoError(t, err)
	res, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.NoError(t, err)

	require.NotNil(t, res.Borrow)
	assert.Equal(t, catalog.StatusReturned, res.Borrow.Status)
	require.NotNil(t, res.Borrow.ReturnDate)
	assert.Equal(t, 1, f.available["b1"])
	assert.Equal(t, 0, f.borrowed["s1"])
}

func TestDecide_ApproveReservePC(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.addStudent("s2", "2024-0002", true)
	f.pcs[7] = false
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", ReservePC{PCNumber: 7})
	require.NoError(t, err)
	res, err := svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, pcsession.StatusActive, res.Session.Status)

	// Second student lands in the queue.
	req, err = svc.Create(ctx, "s2", ReservePC{PCNumber: 7})
	require.NoError(t, err)
	res, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0002")
	require.NoError(t, err)
	require.NotNil(t, res.Session)
	assert.Equal(t, pcsession.StatusReserved, res.Session.Status)
}

func TestDecide_Reject(t *testing.T) {
	svc, f, n := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)

	// Rejection skips identity verification entirely.
	res, err := svc.Decide(ctx, req.ID, DecisionReject, staff, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Request.Status)
	assert.Nil(t, res.Borrow)
	assert.Equal(t, 0, f.borrowed["s1"])

	require.Len(t, n.sent, 1)
	assert.Equal(t, StatusRejected, n.sent[0].Decision)
}

func TestDecide_ExactlyOnce(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.available["b1"] = 2
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)
	_, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.NoError(t, err)

	_, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	// No double ledger effect.
	assert.Equal(t, 1, f.available["b1"])
	assert.Equal(t, 1, f.borrowed["s1"])
}

func TestDecide_VerificationMismatchLeavesPending(t *testing.T) {
	svc, f, n := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	f.available["b1"] = 1
	ctx := context.Background()

	req, err := svc.Create(ctx, "s1", BorrowBook{BookID: "b1"})
	require.NoError(t, err)

	_, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-9999")
	require.Error(t, err)
	assert.Equal(t, apperr.Verification, apperr.KindOf(err))

	got, _ := f.Get(ctx, req.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, f.available["b1"])
	assert.Empty(t, n.sent)

	// The decision can be retried with the correct number.
	_, err = svc.Decide(ctx, req.ID, DecisionApprove, staff, "2024-0001")
	require.NoError(t, err)
}

func TestDecide_InvalidInputs(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	ctx := context.Background()

	_, err := svc.Decide(ctx, "req-1", "maybe", staff, "2024-0001")
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = svc.Decide(ctx, "no-such-request", DecisionApprove, staff, "2024-0001")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestPurgeInvalid(t *testing.T) {
	svc, f, _ := newTestWorkflow()
	f.addStudent("s1", "2024-0001", true)
	ctx := context.Background()

	// A row whose type the engine no longer recognises scans with a nil
	// payload.
	f.requests["req-legacy"] = &PendingRequest{
		ID: "req-legacy", StudentID: "s1", Type: "room_booking", Status: StatusPending, CreatedAt: testNow,
	}

	n, err := svc.PurgeInvalid(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.Get(ctx, "req-legacy")
	assert.Nil(t, got)
}
