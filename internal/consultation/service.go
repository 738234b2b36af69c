package consultation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/healthkiosk/telehealth-signaling/internal/auth"
	"github.com/healthkiosk/telehealth-signaling/internal/metrics"
	"github.com/healthkiosk/telehealth-signaling/internal/signaling"
)

// Notifier delivers server-originated events to connected participants.
// *signaling.Relay implements it.
type Notifier interface {
	Notify(participantID string, ev signaling.Event) bool
}

type ServiceConfig struct {
	Store    Store
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	Now   func() time.Time
	NewID func() string
}

// Service applies role checks and the status machine on top of a Store.
//
// Read-modify-write cycles are serialized within one process only; two relay
// instances sharing a RedisStore can race on the same consultation.
type Service struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	newID    func() string

	mu sync.Mutex
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Service{
		store:    cfg.Store,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		now:      cfg.Now,
		newID:    cfg.NewID,
	}
}

// Request opens a consultation from patient to doctorID. Any of the
// patient's consultations still waiting for an answer are cancelled first, so
// a patient has at most one open request.
func (s *Service) Request(ctx context.Context, patient auth.Identity, doctorID string) (Consultation, error) {
	doctorID = strings.TrimSpace(doctorID)
	if patient.Role != auth.RolePatient {
		return Consultation{}, fmt.Errorf("%w: only patients request consultations", ErrForbidden)
	}
	if doctorID == "" {
		return Consultation{}, fmt.Errorf("%w: doctorId is required", ErrInvalidRequest)
	}
	if doctorID == patient.UserID {
		return Consultation{}, fmt.Errorf("%w: doctorId must differ from the patient", ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	open, err := s.store.ListByPatient(ctx, patient.UserID, StatusRequested)
	if err != nil {
		return Consultation{}, err
	}
	for _, prev := range open {
		if err := prev.transition(StatusCancelled, now); err != nil {
			return Consultation{}, err
		}
		if err := s.store.Update(ctx, prev); err != nil {
			return Consultation{}, err
		}
		s.recordTransition(prev, patient.UserID)
	}

	c := Consultation{
		ID:          s.newID(),
		PatientID:   patient.UserID,
		DoctorID:    doctorID,
		Status:      StatusRequested,
		RequestTime: now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		return Consultation{}, err
	}
	s.metrics.ConsultationTransition(string(StatusRequested))
	s.log.Info("consultation requested", "consultation_id", c.ID, "participant_id", c.PatientID, "target_id", c.DoctorID, "cancelled_previous", len(open))
	s.notify(c.DoctorID, signaling.EventConsultationRequested, c)
	return c, nil
}

// Pending lists the doctor's consultations awaiting an answer, oldest first.
func (s *Service) Pending(ctx context.Context, doctor auth.Identity) ([]Consultation, error) {
	if doctor.Role != auth.RoleDoctor {
		return nil, fmt.Errorf("%w: only doctors list requests", ErrForbidden)
	}
	return s.store.ListByDoctor(ctx, doctor.UserID, StatusRequested)
}

// Get returns a consultation the actor takes part in.
func (s *Service) Get(ctx context.Context, actor auth.Identity, id string) (Consultation, error) {
	c, err := s.store.Get(ctx, id)
	if err != nil {
		return Consultation{}, err
	}
	if actor.UserID != c.PatientID && actor.UserID != c.DoctorID {
		return Consultation{}, ErrForbidden
	}
	return c, nil
}

func (s *Service) Accept(ctx context.Context, actor auth.Identity, id string) (Consultation, error) {
	return s.apply(ctx, actor, id, StatusAccepted, doctorOnly)
}

func (s *Service) Reject(ctx context.Context, actor auth.Identity, id string) (Consultation, error) {
	return s.apply(ctx, actor, id, StatusRejected, doctorOnly)
}

func (s *Service) Complete(ctx context.Context, actor auth.Identity, id string) (Consultation, error) {
	return s.apply(ctx, actor, id, StatusCompleted, doctorOnly)
}

// Cancel may be called by either participant.
func (s *Service) Cancel(ctx context.Context, actor auth.Identity, id string) (Consultation, error) {
	return s.apply(ctx, actor, id, StatusCancelled, eitherParticipant)
}

type permission func(actor auth.Identity, c Consultation) bool

func doctorOnly(actor auth.Identity, c Consultation) bool {
	return actor.Role == auth.RoleDoctor && actor.UserID == c.DoctorID
}

func eitherParticipant(actor auth.Identity, c Consultation) bool {
	return actor.UserID == c.PatientID || actor.UserID == c.DoctorID
}

func (s *Service) apply(ctx context.Context, actor auth.Identity, id string, to Status, allowed permission) (Consultation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.Get(ctx, id)
	if err != nil {
		return Consultation{}, err
	}
	if !allowed(actor, c) {
		return Consultation{}, fmt.Errorf("%w: %s cannot mark %s", ErrForbidden, actor.UserID, to)
	}
	if err := c.transition(to, s.now()); err != nil {
		return Consultation{}, err
	}
	if err := s.store.Update(ctx, c); err != nil {
		return Consultation{}, err
	}
	s.recordTransition(c, actor.UserID)
	return c, nil
}

func (s *Service) recordTransition(c Consultation, actorID string) {
	s.metrics.ConsultationTransition(string(c.Status))
	s.log.Info("consultation updated", "consultation_id", c.ID, "status", string(c.Status), "participant_id", actorID)
	s.notify(c.Counterpart(actorID), signaling.EventConsultationUpdated, c)
}

func (s *Service) notify(participantID, event string, c Consultation) {
	if s.notifier == nil {
		return
	}
	if !s.notifier.Notify(participantID, signaling.Event{Name: event, Data: c}) {
		s.log.Debug("consultation notification not delivered", "event", event, "consultation_id", c.ID, "target_id", participantID)
	}
}
