package consultation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthkiosk/telehealth-signaling/internal/redisconn"
)

// storeContract runs the same checks against every Store implementation.
func storeContract(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	// Unique participant ids keep runs against a shared Redis apart.
	doc := "doc-" + uuid.NewString()
	pat := "pat-" + uuid.NewString()

	later := Consultation{ID: uuid.NewString(), PatientID: pat, DoctorID: doc, Status: StatusRequested, RequestTime: base.Add(time.Minute), UpdatedAt: base}
	earlier := Consultation{ID: uuid.NewString(), PatientID: pat, DoctorID: doc, Status: StatusRequested, RequestTime: base, UpdatedAt: base}
	require.NoError(t, store.Create(ctx, later))
	require.NoError(t, store.Create(ctx, earlier))

	got, err := store.Get(ctx, earlier.ID)
	require.NoError(t, err)
	assert.Equal(t, earlier.PatientID, got.PatientID)
	assert.True(t, earlier.RequestTime.Equal(got.RequestTime))

	list, err := store.ListByDoctor(ctx, doc, StatusRequested)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, earlier.ID, list[0].ID)
	assert.Equal(t, later.ID, list[1].ID)

	later.Status = StatusAccepted
	require.NoError(t, store.Update(ctx, later))

	list, err = store.ListByPatient(ctx, pat, StatusRequested)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, earlier.ID, list[0].ID)

	list, err = store.ListByPatient(ctx, pat, "")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = store.Get(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Update(ctx, Consultation{ID: "missing-" + uuid.NewString()}), ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redisconn.NewWithClient(redis.NewClient(&redis.Options{Addr: addr}), nil)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()))

	storeContract(t, NewRedisStore(client))
}
