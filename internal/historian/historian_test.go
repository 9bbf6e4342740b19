package historian

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSource pops from a channel, reporting a miss after a short wait.
type chanSource struct {
	ch chan models.ArchivedEvent
}

func (c *chanSource) Pop(ctx context.Context) (models.ArchivedEvent, bool, error) {
	select {
	case ev := <-c.ch:
		if ev.Type == "garbage" {
			return models.ArchivedEvent{}, false, fmt.Errorf("%w: bad json", ErrMalformed)
		}
		return ev, true, nil
	case <-ctx.Done():
		return models.ArchivedEvent{}, false, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return models.ArchivedEvent{}, false, nil
	}
}

type memSink struct {
	mu        sync.Mutex
	batches   [][]models.ArchivedEvent
	failNext  bool
	abandoned []int64
}

func (m *memSink) SaveEvents(_ context.Context, events []models.ArchivedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext {
		m.failNext = false
		return errors.New("db down")
	}
	m.batches = append(m.batches, append([]models.ArchivedEvent(nil), events...))
	return nil
}

func (m *memSink) MarkAbandoned(_ context.Context, lobbyID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abandoned = append(m.abandoned, lobbyID)
	return true, nil
}

func (m *memSink) saved() []models.ArchivedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ArchivedEvent
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func quietLog() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func startService(t *testing.T, svc *Service) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestService_FlushesWhenBatchIsFull(t *testing.T) {
	src := &chanSource{ch: make(chan models.ArchivedEvent, 8)}
	sink := &memSink{}
	svc := New(src, sink, config.Historian{BatchSize: 3, FlushDelay: time.Hour}, quietLog())
	stop := startService(t, svc)
	defer stop()

	for i := 1; i <= 3; i++ {
		src.ch <- models.ArchivedEvent{LobbyID: 1, Seq: uint64(i), Type: "ready_update"}
	}
	require.Eventually(t, func() bool { return len(sink.saved()) == 3 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	assert.Len(t, sink.batches, 1)
	sink.mu.Unlock()
}

func TestService_FlushesOnTickAndShutdown(t *testing.T) {
	src := &chanSource{ch: make(chan models.ArchivedEvent, 8)}
	sink := &memSink{}
	svc := New(src, sink, config.Historian{BatchSize: 100, FlushDelay: 20 * time.Millisecond}, quietLog())
	stop := startService(t, svc)

	src.ch <- models.ArchivedEvent{LobbyID: 1, Seq: 1}
	require.Eventually(t, func() bool { return len(sink.saved()) == 1 }, time.Second, 5*time.Millisecond)

	src.ch <- models.ArchivedEvent{LobbyID: 1, Seq: 2}
	require.Eventually(t, func() bool { return len(src.ch) == 0 }, time.Second, time.Millisecond)
	stop()
	assert.Len(t, sink.saved(), 2)
}

func TestService_RetriesFailedBatch(t *testing.T) {
	src := &chanSource{ch: make(chan models.ArchivedEvent, 8)}
	sink := &memSink{failNext: true}
	svc := New(src, sink, config.Historian{BatchSize: 1, FlushDelay: 10 * time.Millisecond}, quietLog())
	stop := startService(t, svc)
	defer stop()

	src.ch <- models.ArchivedEvent{LobbyID: 4, Seq: 1}
	src.ch <- models.ArchivedEvent{Type: "garbage"}
	require.Eventually(t, func() bool { return len(sink.saved()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(4), sink.saved()[0].LobbyID)
}

func TestService_SweepAbortsSilentLobbies(t *testing.T) {
	sink := &memSink{}
	svc := New(&chanSource{ch: make(chan models.ArchivedEvent)}, sink, config.Historian{Inactivity: time.Minute}, quietLog())

	base := time.Now()
	svc.now = func() time.Time { return base }
	svc.track(models.ArchivedEvent{LobbyID: 1, Type: "session_started"})
	svc.track(models.ArchivedEvent{LobbyID: 2, Type: "participant_joined"})
	svc.track(models.ArchivedEvent{LobbyID: 2, Type: "lobby_closed"})

	svc.now = func() time.Time { return base.Add(30 * time.Second) }
	svc.track(models.ArchivedEvent{LobbyID: 3, Type: "participant_joined"})

	svc.now = func() time.Time { return base.Add(61 * time.Second) }
	svc.sweep(context.Background())

	assert.Equal(t, []int64{1}, sink.abandoned)

	// a swept lobby is not reported twice
	svc.sweep(context.Background())
	assert.Equal(t, []int64{1}, sink.abandoned)
}
