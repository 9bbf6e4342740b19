package historian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/redis/go-redis/v9"
)

// ErrMalformed marks a queue entry that could not be decoded.
var ErrMalformed = errors.New("malformed archived event")

// RedisSource pops archived events from a Redis list with BLPOP.
type RedisSource struct {
	rdb     redis.Cmdable
	queue   string
	timeout time.Duration
}

func NewRedisSource(rdb redis.Cmdable, queue string, timeout time.Duration) *RedisSource {
	return &RedisSource{rdb: rdb, queue: queue, timeout: timeout}
}

// Pop blocks for up to the configured timeout.
func (r *RedisSource) Pop(ctx context.Context) (models.ArchivedEvent, bool, error) {
	res, err := r.rdb.BLPop(ctx, r.timeout, r.queue).Result()
	if errors.Is(err, redis.Nil) {
		return models.ArchivedEvent{}, false, nil
	}
	if err != nil {
		return models.ArchivedEvent{}, false, fmt.Errorf("BLPop %s: %w", r.queue, err)
	}
	// res[0] is the queue name and res[1] the payload.
	if len(res) < 2 {
		return models.ArchivedEvent{}, false, nil
	}
	var ev models.ArchivedEvent
	if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
		return models.ArchivedEvent{}, false, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ev, true, nil
}
