package consultation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
	"github.com/healthkiosk/telehealth-signaling/internal/signaling"
)

type notification struct {
	to    string
	event string
	c     Consultation
}

type recordingNotifier struct {
	mu     sync.Mutex
	online map[string]bool
	sent   []notification
}

func (n *recordingNotifier) Notify(participantID string, ev signaling.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, _ := ev.Data.(Consultation)
	n.sent = append(n.sent, notification{to: participantID, event: ev.Name, c: c})
	return n.online[participantID]
}

func (n *recordingNotifier) all() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

var (
	patient = auth.Identity{UserID: "pat1", Role: auth.RolePatient}
	doctor  = auth.Identity{UserID: "doc1", Role: auth.RoleDoctor}
	other   = auth.Identity{UserID: "doc2", Role: auth.RoleDoctor}
)

func newTestService(store Store) (*Service, *recordingNotifier) {
	n := &recordingNotifier{online: map[string]bool{"doc1": true}}
	clock := time.Unix(1_700_000_000, 0)
	var seq int
	svc := NewService(ServiceConfig{
		Store:    store,
		Notifier: n,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewID: func() string {
			seq++
			return fmt.Sprintf("c%d", seq)
		},
	})
	return svc, n
}

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusRequested, StatusAccepted},
		{StatusRequested, StatusRejected},
		{StatusRequested, StatusCancelled},
		{StatusAccepted, StatusCompleted},
		{StatusAccepted, StatusCancelled},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusRequested, StatusCompleted},
		{StatusAccepted, StatusRejected},
		{StatusRejected, StatusAccepted},
		{StatusCancelled, StatusRequested},
		{StatusCompleted, StatusCancelled},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestService_RequestNotifiesDoctor(t *testing.T) {
	svc, n := newTestService(nil)
	ctx := context.Background()

	c, err := svc.Request(ctx, patient, "doc1")
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, c.Status)
	assert.Equal(t, "pat1", c.PatientID)
	assert.Equal(t, "doc1", c.DoctorID)

	sent := n.all()
	require.Len(t, sent, 1)
	assert.Equal(t, "doc1", sent[0].to)
	assert.Equal(t, signaling.EventConsultationRequested, sent[0].event)
	assert.Equal(t, c.ID, sent[0].c.ID)
}

func TestService_RequestCancelsPreviousOpenRequest(t *testing.T) {
	svc, n := newTestService(nil)
	ctx := context.Background()

	first, err := svc.Request(ctx, patient, "doc1")
	require.NoError(t, err)
	second, err := svc.Request(ctx, patient, "doc2")
	require.NoError(t, err)

	got, err := svc.Get(ctx, patient, first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	pending, err := svc.Pending(ctx, doctor)
	require.NoError(t, err)
	assert.Empty(t, pending)

	pending, err = svc.Pending(ctx, other)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	// doc1 hears about the cancellation, doc2 about the new request.
	var events []string
	for _, s := range n.all() {
		events = append(events, s.to+":"+s.event)
	}
	assert.Equal(t, []string{
		"doc1:" + signaling.EventConsultationRequested,
		"doc1:" + signaling.EventConsultationUpdated,
		"doc2:" + signaling.EventConsultationRequested,
	}, events)
}

func TestService_RequestValidation(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	_, err := svc.Request(ctx, doctor, "doc2")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.Request(ctx, patient, "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Request(ctx, patient, "pat1")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestService_PendingOrderedByRequestTime(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		c, err := svc.Request(ctx, auth.Identity{UserID: fmt.Sprintf("pat%d", i), Role: auth.RolePatient}, "doc1")
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}

	pending, err := svc.Pending(ctx, doctor)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, c := range pending {
		assert.Equal(t, ids[i], c.ID)
	}

	_, err = svc.Pending(ctx, patient)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_AcceptThenComplete(t *testing.T) {
	svc, n := newTestService(nil)
	ctx := context.Background()

	c, err := svc.Request(ctx, patient, "doc1")
	require.NoError(t, err)

	accepted, err := svc.Accept(ctx, doctor, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.True(t, accepted.UpdatedAt.After(c.UpdatedAt))

	last := n.all()[len(n.all())-1]
	assert.Equal(t, "pat1", last.to)
	assert.Equal(t, signaling.EventConsultationUpdated, last.event)
	assert.Equal(t, StatusAccepted, last.c.Status)

	_, err = svc.Reject(ctx, doctor, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done, err := svc.Complete(ctx, doctor, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = svc.Cancel(ctx, patient, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_RoleChecks(t *testing.T) {
	svc, _ := newTestService(nil)
	ctx := context.Background()

	c, err := svc.Request(ctx, patient, "doc1")
	require.NoError(t, err)

	_, err = svc.Accept(ctx, patient, c.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Accept(ctx, other, c.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Get(ctx, other, c.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Accept(ctx, doctor, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	cancelled, err := svc.Cancel(ctx, patient, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
}

func TestService_WithoutNotifier(t *testing.T) {
	svc := NewService(ServiceConfig{})
	c, err := svc.Request(context.Background(), patient, "doc1")
	require.NoError(t, err)
	_, err = svc.Reject(context.Background(), doctor, c.ID)
	require.NoError(t, err)
}
