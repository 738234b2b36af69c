package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthkiosk/telehealth-signaling/internal/redisconn"
)

func TestLocal(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()

	require.NoError(t, l.Online(ctx, "doc1"))
	require.NoError(t, l.Online(ctx, "doc1"))
	require.NoError(t, l.Touch(ctx, "doc1"))

	online, err := l.IsOnline(ctx, "doc1")
	require.NoError(t, err)
	assert.True(t, online)

	require.NoError(t, l.Offline(ctx, "doc1"))
	online, _ = l.IsOnline(ctx, "doc1")
	assert.False(t, online)

	require.NoError(t, l.Offline(ctx, "never"))
	online, _ = l.IsOnline(ctx, "never")
	assert.False(t, online)
}

// Runs against a real server when REDIS_ADDR is set.
func TestRedisTracker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redisconn.NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), nil)
	defer client.Close()

	tracker := NewRedis(client, time.Minute)
	id := "test-" + uuid.NewString()

	require.NoError(t, tracker.Online(ctx, id))
	online, err := tracker.IsOnline(ctx, id)
	require.NoError(t, err)
	assert.True(t, online)

	ttl, err := client.Redis().TTL(ctx, key(id)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, tracker.Touch(ctx, id))
	require.NoError(t, tracker.Offline(ctx, id))
	online, err = tracker.IsOnline(ctx, id)
	require.NoError(t, err)
	assert.False(t, online)
}

type failingTracker struct{ *Local }

func (failingTracker) IsOnline(context.Context, string) (bool, error) {
	return false, redisconn.ErrUnavailable
}

func TestPresenceRoute(t *testing.T) {
	local := NewLocal()
	require.NoError(t, local.Online(context.Background(), "doc1"))

	mux := http.NewServeMux()
	RegisterRoutes(mux, local, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/presence/doc1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"doc1","online":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/presence/doc2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"userId":"doc2","online":false}`, rec.Body.String())

	mux = http.NewServeMux()
	RegisterRoutes(mux, failingTracker{NewLocal()}, nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/presence/doc1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
