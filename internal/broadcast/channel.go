// internal/broadcast/channel.go
package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event scopes. A non-negative scope addresses a single sub-lobby.
const (
	// ScopeLobby marks an event for every subscriber of the lobby.
	ScopeLobby = -1
	// WatchAll subscribers (the owning teacher) see every sub-lobby.
	WatchAll = -1
	// WatchLobby subscribers are connected but not seated, and only see lobby-wide events.
	WatchLobby = -2
)

const (
	DefaultQueueSize   = 64
	DefaultHistorySize = 256
)

// ErrClosed is returned once a subscription or its channel has been released.
var ErrClosed = errors.New("broadcast: closed")

// Event is one state change pushed to clients. Seq increases by one for every
// event published on a lobby's channel.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Scope     int       `json:"scope"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// VisibleTo reports whether a subscriber watching watch should receive e.
func (e Event) VisibleTo(watch int) bool {
	return e.Scope == ScopeLobby || watch == WatchAll || e.Scope == watch
}

// Observer receives fan-out statistics; metrics and the event archive hang off it.
type Observer interface {
	Published(ev Event)
	Dropped(userID uuid.UUID, ev Event)
}

// Options configures a Channel.
type Options struct {
	QueueSize   int
	HistorySize int
	Observer    Observer
}

// Channel fans events out to the subscriptions of one lobby.
type Channel struct {
	mu        sync.Mutex
	seq       uint64
	history   []Event
	histSize  int
	queueSize int
	subs      map[uuid.UUID]*Subscription
	observer  Observer
	closed    bool
}

// NewChannel creates an empty channel.
func NewChannel(opts Options) *Channel {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Channel{
		histSize:  opts.HistorySize,
		queueSize: opts.QueueSize,
		subs:      make(map[uuid.UUID]*Subscription),
		observer:  opts.Observer,
	}
}

// Subscribe registers a new connection for userID.
func (c *Channel) Subscribe(userID uuid.UUID, watch int) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	sub := &Subscription{
		ID:     uuid.New(),
		UserID: userID,
		watch:  watch,
		ch:     c,
		q:      newQueue(c.queueSize),
	}
	c.subs[sub.ID] = sub
	return sub, nil
}

// Publish assigns the next sequence number to a new event and queues it on
// every subscription that can see it. Publish never blocks on a subscriber.
func (c *Channel) Publish(scope int, typ string, payload any) Event {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Event{}
	}
	c.seq++
	ev := Event{
		Seq:       c.seq,
		Type:      typ,
		Scope:     scope,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	c.history = append(c.history, ev)
	if len(c.history) > c.histSize {
		c.history = c.history[len(c.history)-c.histSize:]
	}

	var droppedFor []uuid.UUID
	for _, sub := range c.subs {
		if !ev.VisibleTo(sub.watch) {
			continue
		}
		if sub.q.push(ev) {
			droppedFor = append(droppedFor, sub.UserID)
		}
	}
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.Published(ev)
		for _, uid := range droppedFor {
			c.observer.Dropped(uid, ev)
		}
	}
	return ev
}

// Since returns the events after seq visible to watch. ok is false when part
// of that range has already been evicted from history; the caller then needs a
// full snapshot instead.
func (c *Channel) Since(seq uint64, watch int) ([]Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sinceLocked(seq, watch)
}

func (c *Channel) sinceLocked(seq uint64, watch int) (events []Event, ok bool) {
	if seq >= c.seq {
		return nil, true
	}
	if len(c.history) == 0 || c.history[0].Seq > seq+1 {
		return nil, false
	}
	for _, ev := range c.history {
		if ev.Seq > seq && ev.VisibleTo(watch) {
			events = append(events, ev)
		}
	}
	return events, true
}

// Seq returns the last sequence number handed out.
func (c *Channel) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Rescope changes what every subscription of userID sees, e.g. after the user
// is seated in a sub-lobby.
func (c *Channel) Rescope(userID uuid.UUID, watch int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.UserID == userID {
			sub.watch = watch
		}
	}
}

// HasSubscriber reports whether userID still has a live subscription.
func (c *Channel) HasSubscriber(userID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subs {
		if sub.UserID == userID {
			return true
		}
	}
	return false
}

// Subscribers returns the number of live subscriptions.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Close releases every subscription; further publishes are ignored.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[uuid.UUID]*Subscription)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.q.close()
	}
}

func (c *Channel) remove(id uuid.UUID) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// Subscription is one connection's view of a channel.
type Subscription struct {
	ID     uuid.UUID
	UserID uuid.UUID

	watch int // guarded by ch.mu
	ch    *Channel
	q     *queue
	once  sync.Once
}

// Watch returns the scope the subscription currently observes.
func (s *Subscription) Watch() int {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return s.watch
}

// Next blocks until an event is available, the subscription is closed
// (ErrClosed) or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		ev, ok, closed := s.q.pop()
		if closed {
			return Event{}, ErrClosed
		}
		if ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.q.notify:
		}
	}
}

// Pending returns the number of buffered events.
func (s *Subscription) Pending() int { return s.q.len() }

// Dropped returns how many events were evicted from this subscription's queue.
func (s *Subscription) Dropped() uint64 { return s.q.droppedCount() }

// Resync discards the buffered backlog and returns the events after seq, or
// ok=false if the client has to fall back to a full snapshot.
func (s *Subscription) Resync(seq uint64) ([]Event, bool) {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	s.q.reset()
	return s.ch.sinceLocked(seq, s.watch)
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.ch.remove(s.ID)
		s.q.close()
	})
}
