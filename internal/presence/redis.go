package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/healthkiosk/telehealth-signaling/internal/redisconn"
)

const keyPrefix = "kiosk:presence:"

// Redis stores presence as expiring keys so a crashed relay instance does not
// leave participants online forever.
type Redis struct {
	client *redisconn.Client
	ttl    time.Duration
	now    func() time.Time
}

func NewRedis(client *redisconn.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl, now: time.Now}
}

func key(userID string) string {
	return keyPrefix + userID
}

func (r *Redis) Online(ctx context.Context, userID string) error {
	return r.client.Do(func(rdb *redis.Client) error {
		return rdb.Set(ctx, key(userID), strconv.FormatInt(r.now().Unix(), 10), r.ttl).Err()
	})
}

func (r *Redis) Offline(ctx context.Context, userID string) error {
	return r.client.Do(func(rdb *redis.Client) error {
		return rdb.Del(ctx, key(userID)).Err()
	})
}

func (r *Redis) Touch(ctx context.Context, userID string) error {
	return r.client.Do(func(rdb *redis.Client) error {
		return rdb.Expire(ctx, key(userID), r.ttl).Err()
	})
}

func (r *Redis) IsOnline(ctx context.Context, userID string) (bool, error) {
	var n int64
	err := r.client.Do(func(rdb *redis.Client) error {
		var err error
		n, err = rdb.Exists(ctx, key(userID)).Result()
		return err
	})
	return n > 0, err
}
