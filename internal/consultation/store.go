package consultation

import (
	"context"
	"sort"
	"sync"
)

// Store persists consultations. List results are ordered by request time,
// oldest first. An empty status lists every status.
type Store interface {
	Create(ctx context.Context, c Consultation) error
	Get(ctx context.Context, id string) (Consultation, error)
	Update(ctx context.Context, c Consultation) error
	ListByDoctor(ctx context.Context, doctorID string, status Status) ([]Consultation, error)
	ListByPatient(ctx context.Context, patientID string, status Status) ([]Consultation, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Consultation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Consultation)}
}

func (s *MemoryStore) Create(_ context.Context, c Consultation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID] = c
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Consultation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	if !ok {
		return Consultation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) Update(_ context.Context, c Consultation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[c.ID]; !ok {
		return ErrNotFound
	}
	s.byID[c.ID] = c
	return nil
}

func (s *MemoryStore) ListByDoctor(_ context.Context, doctorID string, status Status) ([]Consultation, error) {
	return s.list(func(c Consultation) bool { return c.DoctorID == doctorID }, status), nil
}

func (s *MemoryStore) ListByPatient(_ context.Context, patientID string, status Status) ([]Consultation, error) {
	return s.list(func(c Consultation) bool { return c.PatientID == patientID }, status), nil
}

func (s *MemoryStore) list(match func(Consultation) bool, status Status) []Consultation {
	s.mu.RLock()
	out := make([]Consultation, 0)
	for _, c := range s.byID {
		if match(c) && (status == "" || c.Status == status) {
			out = append(out, c)
		}
	}
	s.mu.RUnlock()
	sortByRequestTime(out)
	return out
}

func sortByRequestTime(cs []Consultation) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].RequestTime.Equal(cs[j].RequestTime) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].RequestTime.Before(cs[j].RequestTime)
	})
}
