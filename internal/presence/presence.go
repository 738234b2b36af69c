// Package presence records which participants currently hold a signaling
// connection, so the REST API can tell a patient whether a doctor is
// reachable before requesting a consultation.
package presence

import (
	"context"
	"sync"
	"time"
)

type Tracker interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	// Touch refreshes an online participant, e.g. on keepalive.
	Touch(ctx context.Context, userID string) error
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Local tracks presence in process memory. It is the default when Redis is
// not configured.
type Local struct {
	mu     sync.Mutex
	online map[string]time.Time
}

func NewLocal() *Local {
	return &Local{online: make(map[string]time.Time)}
}

func (l *Local) Online(_ context.Context, userID string) error {
	l.mu.Lock()
	l.online[userID] = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *Local) Offline(_ context.Context, userID string) error {
	l.mu.Lock()
	delete(l.online, userID)
	l.mu.Unlock()
	return nil
}

func (l *Local) Touch(context.Context, string) error {
	return nil
}

func (l *Local) IsOnline(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.online[userID]
	return ok, nil
}
