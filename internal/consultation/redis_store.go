package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/healthkiosk/telehealth-signaling/internal/redisconn"
)

const (
	recordPrefix       = "kiosk:consultation:"
	doctorIndexPrefix  = "kiosk:consultations:doctor:"
	patientIndexPrefix = "kiosk:consultations:patient:"
)

// RedisStore keeps each consultation as a JSON string and indexes ids per
// doctor and per patient in sorted sets scored by request time.
type RedisStore struct {
	client *redisconn.Client
}

func NewRedisStore(client *redisconn.Client) *RedisStore {
	return &RedisStore{client: client}
}

func recordKey(id string) string { return recordPrefix + id }

func (s *RedisStore) Create(ctx context.Context, c Consultation) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	score := float64(c.RequestTime.UnixNano())
	return s.client.Do(func(rdb *redis.Client) error {
		_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey(c.ID), b, 0)
			pipe.ZAdd(ctx, doctorIndexPrefix+c.DoctorID, redis.Z{Score: score, Member: c.ID})
			pipe.ZAdd(ctx, patientIndexPrefix+c.PatientID, redis.Z{Score: score, Member: c.ID})
			return nil
		})
		return err
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (Consultation, error) {
	var b []byte
	err := s.client.Do(func(rdb *redis.Client) error {
		var err error
		b, err = rdb.Get(ctx, recordKey(id)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return Consultation{}, ErrNotFound
	}
	if err != nil {
		return Consultation{}, err
	}
	var c Consultation
	if err := json.Unmarshal(b, &c); err != nil {
		return Consultation{}, fmt.Errorf("decode consultation %s: %w", id, err)
	}
	return c, nil
}

// Update rewrites an existing record. Participants and request time never
// change, so the indexes are left alone.
func (s *RedisStore) Update(ctx context.Context, c Consultation) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	var ok bool
	err = s.client.Do(func(rdb *redis.Client) error {
		var err error
		ok, err = rdb.SetXX(ctx, recordKey(c.ID), b, redis.KeepTTL).Result()
		return err
	})
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) ListByDoctor(ctx context.Context, doctorID string, status Status) ([]Consultation, error) {
	return s.list(ctx, doctorIndexPrefix+doctorID, status)
}

func (s *RedisStore) ListByPatient(ctx context.Context, patientID string, status Status) ([]Consultation, error) {
	return s.list(ctx, patientIndexPrefix+patientID, status)
}

func (s *RedisStore) list(ctx context.Context, index string, status Status) ([]Consultation, error) {
	var raw []interface{}
	err := s.client.Do(func(rdb *redis.Client) error {
		ids, err := rdb.ZRange(ctx, index, 0, -1).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = recordKey(id)
		}
		raw, err = rdb.MGet(ctx, keys...).Result()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]Consultation, 0, len(raw))
	for _, v := range raw {
		str, ok := v.(string)
		if !ok {
			// Index entry without a record.
			continue
		}
		var c Consultation
		if err := json.Unmarshal([]byte(str), &c); err != nil {
			return nil, fmt.Errorf("decode consultation: %w", err)
		}
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	sortByRequestTime(out)
	return out, nil
}
