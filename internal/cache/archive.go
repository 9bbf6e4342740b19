// internal/cache/archive.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/jason-s-yu/classlobby/internal/metrics"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultQueueName is the Redis list the historian consumes.
	DefaultQueueName = "lobby_events"

	defaultBufferSize = 1024
	maxPushBatch      = 64
	drainTimeout      = 5 * time.Second
)

// Pusher is the subset of the Redis client the archiver writes with.
type Pusher interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Archiver forwards every published lobby event to a Redis list. Publishing
// never blocks: events are buffered and pushed by Run. When the buffer is
// full the event is dropped and counted.
type Archiver struct {
	rdb     Pusher
	queue   string
	buf     chan models.ArchivedEvent
	log     *logrus.Entry
	metrics *metrics.Metrics

	lost atomic.Uint64
}

// NewArchiver creates an archiver pushing to queue. A non-positive size uses
// the default buffer.
func NewArchiver(rdb Pusher, queue string, size int, log *logrus.Entry, m *metrics.Metrics) *Archiver {
	if queue == "" {
		queue = DefaultQueueName
	}
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Archiver{
		rdb:     rdb,
		queue:   queue,
		buf:     make(chan models.ArchivedEvent, size),
		log:     log.WithField("queue", queue),
		metrics: m,
	}
}

// Published implements lobby.Observer.
func (a *Archiver) Published(lobbyID int64, ev broadcast.Event) {
	rec := models.ArchivedEvent{
		LobbyID:   lobbyID,
		Seq:       ev.Seq,
		Type:      ev.Type,
		Scope:     ev.Scope,
		Timestamp: ev.Timestamp,
	}
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			a.log.WithError(err).WithField("type", ev.Type).Warn("Unable to encode event payload")
		} else {
			rec.Payload = data
		}
	}

	select {
	case a.buf <- rec:
		a.metrics.SetArchiveBuffer(len(a.buf))
	default:
		if n := a.lost.Add(1); n == 1 || n%100 == 0 {
			a.log.WithFields(logrus.Fields{"lobby_id": lobbyID, "lost": n}).Warn("Archive buffer full, dropping event")
		}
	}
}

// Dropped implements lobby.Observer. Slow subscribers do not affect the archive.
func (a *Archiver) Dropped(int64, uuid.UUID, broadcast.Event) {}

// Lost returns the number of events discarded because the buffer was full.
func (a *Archiver) Lost() uint64 { return a.lost.Load() }

// Run pushes buffered events until ctx is cancelled, then drains what is left.
func (a *Archiver) Run(ctx context.Context) error {
	a.log.Info("Event archiver started")
	for {
		select {
		case <-ctx.Done():
			a.drain()
			a.log.Info("Event archiver stopped")
			return nil
		case rec := <-a.buf:
			if err := a.pushBatch(ctx, rec); err != nil {
				a.log.WithError(err).Error("Archive push failed")
			}
		}
	}
}

func (a *Archiver) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for len(a.buf) > 0 {
		if err := a.pushBatch(ctx, <-a.buf); err != nil {
			a.log.WithError(err).Error("Unable to drain archive buffer")
			return
		}
	}
}

// pushBatch pushes first plus whatever else is already buffered in one RPUSH.
func (a *Archiver) pushBatch(ctx context.Context, first models.ArchivedEvent) error {
	records := []models.ArchivedEvent{first}
collect:
	for len(records) < maxPushBatch {
		select {
		case rec := <-a.buf:
			records = append(records, rec)
		default:
			break collect
		}
	}
	a.metrics.SetArchiveBuffer(len(a.buf))

	values := make([]interface{}, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal archived event: %w", err)
		}
		values = append(values, data)
	}
	if err := a.rdb.RPush(ctx, a.queue, values...).Err(); err != nil {
		return fmt.Errorf("failed to RPush %d events to Redis list '%s': %w", len(values), a.queue, err)
	}
	return nil
}
