package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisStreamDispatcher appends notifications to a Redis stream as
// {"type", "data", "timestamp"} entries. The stream is trimmed
// approximately to maxLen.
type RedisStreamDispatcher struct {
	client redis.Cmdable
	stream string
	maxLen int64
	now    func() time.Time
}

func NewRedisStreamDispatcher(client redis.Cmdable, stream string, maxLen int64) *RedisStreamDispatcher {
	if stream == "" {
		stream = "docflow:notifications"
	}
	return &RedisStreamDispatcher{client: client, stream: stream, maxLen: maxLen, now: time.Now}
}

func (d *RedisStreamDispatcher) Name() string { return "redis" }

func (d *RedisStreamDispatcher) Dispatch(ctx context.Context, n Notification) error {
	now := d.now().UTC()
	data, err := encodeEnvelope(n, now)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: d.stream,
		Values: map[string]interface{}{
			"type":      string(n.Type),
			"data":      string(data),
			"timestamp": now.Unix(),
		},
	}
	if d.maxLen > 0 {
		args.MaxLen = d.maxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("appending to stream %s: %w", d.stream, err)
	}
	return nil
}

// NewRedisClient builds a client and verifies the server answers.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}
