// Package historian moves archived lobby events from the Redis queue into
// the lobby_events table and aborts lobby rows that went silent.
package historian

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	flushTimeout  = 10 * time.Second
	sweepInterval = time.Minute
)

// Source yields archived events. ok is false when nothing arrived before the
// source's own poll timeout.
type Source interface {
	Pop(ctx context.Context) (ev models.ArchivedEvent, ok bool, err error)
}

// Sink persists batches of events and can abort abandoned lobby rows.
type Sink interface {
	SaveEvents(ctx context.Context, events []models.ArchivedEvent) error
	MarkAbandoned(ctx context.Context, lobbyID int64) (bool, error)
}

// Service batches events from a Source into a Sink.
type Service struct {
	src  Source
	sink Sink
	cfg  config.Historian
	log  *logrus.Entry

	batchMu sync.Mutex
	batch   []models.ArchivedEvent

	activityMu   sync.Mutex
	lastActivity map[int64]time.Time
	now          func() time.Time
}

// New builds a Service. Zero batch settings fall back to small defaults.
func New(src Source, sink Sink, cfg config.Historian, log *logrus.Entry) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 500 * time.Millisecond
	}
	return &Service{
		src:          src,
		sink:         sink,
		cfg:          cfg,
		log:          log,
		batch:        make([]models.ArchivedEvent, 0, cfg.BatchSize),
		lastActivity: make(map[int64]time.Time),
		now:          time.Now,
	}
}

// Run reads and flushes until ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("Historian started")

	var wg sync.WaitGroup
	if s.cfg.Inactivity > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.inactivityLoop(ctx)
		}()
	}

	s.readLoop(ctx)
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	s.flush(flushCtx)
	s.log.Info("Historian shutting down")
	return nil
}

func (s *Service) readLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s.flush(ctx)

		default:
			ev, ok, err := s.src.Pop(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, ErrMalformed) {
					s.log.WithError(err).Warn("Skipping archive entry")
					continue
				}
				s.log.WithError(err).Error("Pop from archive queue failed")
				// avoid spinning on a dead connection
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.cfg.FlushDelay):
				}
				continue
			}
			if !ok {
				continue
			}
			s.track(ev)
			s.append(ctx, ev)
		}
	}
}

// append adds ev to the batch and flushes once the batch is full.
func (s *Service) append(ctx context.Context, ev models.ArchivedEvent) {
	s.batchMu.Lock()
	s.batch = append(s.batch, ev)
	full := len(s.batch) >= s.cfg.BatchSize
	s.batchMu.Unlock()

	if full {
		s.flush(ctx)
	}
}

// flush writes the current batch in one transaction. A failed batch is kept
// and retried on the next flush.
func (s *Service) flush(ctx context.Context) {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	if len(s.batch) == 0 {
		return
	}
	pending := make([]models.ArchivedEvent, len(s.batch))
	copy(pending, s.batch)

	if err := s.sink.SaveEvents(ctx, pending); err != nil {
		s.log.WithError(err).WithField("events", len(pending)).Error("Flush to database failed")
		return
	}
	s.batch = s.batch[:0]
	s.log.WithField("events", len(pending)).Debug("Flushed events to database")
}

// track records activity for ev's lobby. Terminal events stop tracking.
func (s *Service) track(ev models.ArchivedEvent) {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	switch ev.Type {
	case "lobby_closed", "lobby_aborted":
		delete(s.lastActivity, ev.LobbyID)
	default:
		s.lastActivity[ev.LobbyID] = s.now()
	}
}

func (s *Service) inactivityLoop(ctx context.Context) {
	interval := sweepInterval
	if s.cfg.Inactivity < interval {
		interval = s.cfg.Inactivity
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep aborts every tracked lobby that has been silent for longer than the
// inactivity threshold.
func (s *Service) sweep(ctx context.Context) {
	now := s.now()
	var stale []int64
	s.activityMu.Lock()
	for id, last := range s.lastActivity {
		if now.Sub(last) > s.cfg.Inactivity {
			stale = append(stale, id)
			delete(s.lastActivity, id)
		}
	}
	s.activityMu.Unlock()

	for _, id := range stale {
		changed, err := s.sink.MarkAbandoned(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("lobby_id", id).Error("Failed to mark lobby abandoned")
			continue
		}
		if changed {
			s.log.WithField("lobby_id", id).Info("Marked lobby as aborted due to inactivity")
		}
	}
}
