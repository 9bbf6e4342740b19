// internal/lobby/lobby.go
package lobby

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/jason-s-yu/classlobby/internal/config"
	"github.com/jason-s-yu/classlobby/internal/leaderboard"
	"github.com/jason-s-yu/classlobby/internal/metrics"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/jason-s-yu/classlobby/internal/session"
	"github.com/sirupsen/logrus"
)

// WholeLobby selects every scope in AllReady.
const WholeLobby = -1

// storeTimeout bounds durable store calls made while the lobby is locked.
const storeTimeout = 5 * time.Second

// directory is the registry side of a lobby: it keeps the code table and the
// user → lobby index in step with membership changes the lobby makes on its own
// (disconnect timeouts, idle expiry, grace expiry).
type directory interface {
	participantLeft(lobbyID int64, userID uuid.UUID)
	lobbyTerminated(l *Lobby)
	lobbyRemoved(l *Lobby)
}

// Lobby is one game session: its participants, per-scope ready/start phases,
// scores and broadcast channel. Every mutation runs under mu; readers use Snapshot.
type Lobby struct {
	ID        int64
	Code      string
	Name      string
	GameType  models.GameType
	OwnerID   uuid.UUID
	CreatedAt time.Time

	cfg     config.Lobby
	store   Store
	log     *logrus.Entry
	metrics *metrics.Metrics
	dir     directory
	channel *broadcast.Channel

	mu           sync.Mutex
	state        session.State
	phases       []session.State // index 0 is the primary room
	participants map[uuid.UUID]*models.Participant
	scores       map[uuid.UUID]models.ScoreRecord
	countdowns   []*time.Timer
	idleTimer    *time.Timer
	graceTimer   *time.Timer
	removalTimer *time.Timer
	disconnects  map[uuid.UUID]*time.Timer
	closedAt     *time.Time
	removed      bool

	// pending runs after mu is released; used for calls back into the registry.
	pending []func()

	view atomic.Pointer[View]
}

type lobbyDeps struct {
	store     Store
	log       *logrus.Entry
	metrics   *metrics.Metrics
	observers []Observer
	dir       directory
}

func newLobby(meta models.LobbyMeta, cfg config.Lobby, deps lobbyDeps) *Lobby {
	rooms := 1 + cfg.MaxSubLobbies
	l := &Lobby{
		ID:        meta.ID,
		Code:      meta.Code,
		Name:      meta.Name,
		GameType:  meta.GameType,
		OwnerID:   meta.OwnerID,
		CreatedAt: meta.CreatedAt,

		cfg:     cfg,
		store:   deps.store,
		metrics: deps.metrics,
		dir:     deps.dir,
		log: deps.log.WithFields(logrus.Fields{
			"lobby_id": meta.ID,
			"code":     meta.Code,
		}),

		state:        session.Waiting,
		phases:       make([]session.State, rooms),
		participants: make(map[uuid.UUID]*models.Participant),
		scores:       make(map[uuid.UUID]models.ScoreRecord),
		countdowns:   make([]*time.Timer, rooms),
		disconnects:  make(map[uuid.UUID]*time.Timer),
	}
	for i := range l.phases {
		l.phases[i] = session.Waiting
	}

	opts := broadcast.Options{
		QueueSize:   cfg.OutboundQueueSize,
		HistorySize: cfg.EventHistorySize,
	}
	if len(deps.observers) > 0 {
		opts.Observer = channelObserver{lobbyID: meta.ID, observers: deps.observers}
	}
	l.channel = broadcast.NewChannel(opts)

	l.mu.Lock()
	l.armIdleTimerUnsafe()
	l.unlock()
	return l
}

// unlock publishes a fresh snapshot, releases mu and runs deferred callbacks.
func (l *Lobby) unlock() {
	l.storeViewUnsafe()
	fns := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (l *Lobby) afterUnlockUnsafe(fn func()) {
	l.pending = append(l.pending, fn)
}

// Snapshot returns the latest immutable view without taking the lobby lock.
func (l *Lobby) Snapshot() *View {
	return l.view.Load()
}

// State returns the lobby-wide lifecycle state.
func (l *Lobby) State() session.State {
	return l.Snapshot().State
}

// Leaderboard returns the lobby's ranking from the latest snapshot.
func (l *Lobby) Leaderboard() []models.LeaderboardEntry {
	return l.Snapshot().Leaderboard
}

// Events returns the events after seq visible to watch; ok is false when the
// caller must fall back to Snapshot.
func (l *Lobby) Events(seq uint64, watch int) ([]broadcast.Event, bool) {
	return l.channel.Since(seq, watch)
}

// Meta returns the durable row for the lobby.
func (l *Lobby) Meta() models.LobbyMeta {
	v := l.Snapshot()
	return models.LobbyMeta{
		ID:        v.ID,
		Code:      v.Code,
		Name:      v.Name,
		GameType:  v.GameType,
		OwnerID:   v.OwnerID,
		State:     v.State,
		Capacity:  v.Capacity,
		CreatedAt: v.CreatedAt,
		ClosedAt:  v.ClosedAt,
	}
}

// Join seats userID. A member who joins again keeps their seat and readiness;
// only JoinedAt moves.
func (l *Lobby) Join(userID uuid.UUID, displayName string) (models.Participant, error) {
	l.mu.Lock()
	defer l.unlock()

	if l.state.Terminal() {
		return models.Participant{}, &InvalidStateError{Action: "join", State: l.state}
	}
	if displayName == "" {
		displayName = fmt.Sprintf("User_%s", userID.String()[:4])
	}

	if p, ok := l.participants[userID]; ok {
		p.JoinedAt = time.Now().UTC()
		p.DisplayName = displayName
		l.stopDisconnectTimerUnsafe(userID)
		l.channel.Publish(p.SubLobby, EventParticipantJoined, participantPayload{Participant: *p, Rejoin: true})
		l.log.WithField("user_id", userID).Debug("Participant re-joined")
		return *p, nil
	}

	// no late joins once any scope has started
	if l.state.Started() {
		return models.Participant{}, &InvalidStateError{Action: "join", State: l.state}
	}

	room, err := l.assignRoomUnsafe()
	if err != nil {
		return models.Participant{}, err
	}

	p := &models.Participant{
		UserID:      userID,
		DisplayName: displayName,
		LobbyID:     l.ID,
		SubLobby:    room,
		JoinedAt:    time.Now().UTC(),
	}
	l.participants[userID] = p
	l.stopIdleTimerUnsafe()
	l.stopDisconnectTimerUnsafe(userID)
	if userID != l.OwnerID {
		l.channel.Rescope(userID, room)
	}
	l.metrics.ParticipantsChanged(1)

	l.log.WithFields(logrus.Fields{
		"user_id":   userID,
		"sub_lobby": room,
	}).Info("Participant joined")

	l.channel.Publish(room, EventParticipantJoined, participantPayload{Participant: *p})
	// a not-ready member breaks unanimity in a starting scope
	l.evaluateScopeUnsafe(room)
	return *p, nil
}

// assignRoomUnsafe picks the primary room while it has space, then a sub-lobby
// according to the configured policy. Assumes lock is held.
func (l *Lobby) assignRoomUnsafe() (int, error) {
	counts := l.roomCountsUnsafe()
	limit := l.cfg.CapacityPerLobby
	if counts[models.PrimaryRoom] < limit {
		return models.PrimaryRoom, nil
	}

	best := -1
	for i := 1; i < len(counts); i++ {
		if counts[i] >= limit {
			continue
		}
		if best == -1 {
			best = i
			if l.cfg.SubLobbyPolicy == config.PolicyFillFirst {
				break
			}
			continue
		}
		if counts[i] < counts[best] {
			best = i
		}
	}
	if best == -1 {
		return 0, &LobbyFullError{Occupancy: len(l.participants), Limit: limit * len(counts)}
	}
	return best, nil
}

func (l *Lobby) roomCountsUnsafe() []int {
	counts := make([]int, len(l.phases))
	for _, p := range l.participants {
		counts[p.SubLobby]++
	}
	return counts
}

// Leave removes userID from the lobby.
func (l *Lobby) Leave(userID uuid.UUID) error {
	l.mu.Lock()
	defer l.unlock()
	return l.leaveUnsafe(userID, ReasonLeft)
}

// leaveMoved releases the seat of a user who joined another lobby.
func (l *Lobby) leaveMoved(userID uuid.UUID) error {
	l.mu.Lock()
	defer l.unlock()
	return l.leaveUnsafe(userID, ReasonMoved)
}

func (l *Lobby) leaveUnsafe(userID uuid.UUID, reason string) error {
	p, ok := l.participants[userID]
	if !ok {
		return &NotFoundError{Kind: "participant", Ref: userID.String()}
	}
	delete(l.participants, userID)
	l.stopDisconnectTimerUnsafe(userID)
	l.metrics.ParticipantsChanged(-1)

	l.channel.Publish(p.SubLobby, EventParticipantLeft, participantLeftPayload{
		UserID:      userID,
		DisplayName: p.DisplayName,
		SubLobby:    p.SubLobby,
		Reason:      reason,
	})
	if userID != l.OwnerID {
		l.channel.Rescope(userID, broadcast.WatchLobby)
	}

	l.log.WithFields(logrus.Fields{
		"user_id": userID,
		"reason":  reason,
	}).Info("Participant left")

	dir, id := l.dir, l.ID
	l.afterUnlockUnsafe(func() { dir.participantLeft(id, userID) })

	if l.state.Terminal() {
		return nil
	}
	l.evaluateScopeUnsafe(p.SubLobby)

	switch l.state {
	case session.InProgress:
		l.checkCompletionUnsafe()
	case session.Waiting:
		if len(l.participants) == 0 {
			l.armIdleTimerUnsafe()
		}
	}
	return nil
}

// SetReady records userID's readiness and re-runs the all-ready check of
// their scope. Setting the current value again changes nothing.
func (l *Lobby) SetReady(userID uuid.UUID, ready bool) (models.Participant, error) {
	l.mu.Lock()
	defer l.unlock()

	p, ok := l.participants[userID]
	if !ok {
		return models.Participant{}, &NotFoundError{Kind: "participant", Ref: userID.String()}
	}
	if l.state == session.Completed || l.state.Terminal() {
		return *p, &InvalidStateError{Action: "change readiness", State: l.state}
	}
	if phase := l.phases[p.SubLobby]; phase.Started() {
		return *p, &InvalidStateError{Action: "change readiness", State: phase}
	}

	if p.Ready != ready {
		p.Ready = ready
		l.channel.Publish(p.SubLobby, EventReadyUpdate, readyPayload{
			UserID:   userID,
			SubLobby: p.SubLobby,
			Ready:    ready,
			AllReady: l.allReadyUnsafe(p.SubLobby),
		})
	}
	l.evaluateScopeUnsafe(p.SubLobby)
	return *p, nil
}

// AllReady reports whether scope (a room index, or WholeLobby) is non-empty
// and every member in it is ready.
func (l *Lobby) AllReady(scope int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allReadyUnsafe(scope)
}

func (l *Lobby) allReadyUnsafe(scope int) bool {
	n := 0
	for _, p := range l.participants {
		if scope != WholeLobby && p.SubLobby != scope {
			continue
		}
		if !p.Ready {
			return false
		}
		n++
	}
	return n > 0
}

// evaluateScopeUnsafe applies AllReady / ReadyLost to one scope after a
// membership or readiness change. Assumes lock is held.
func (l *Lobby) evaluateScopeUnsafe(scope int) {
	if l.state == session.Completed || l.state.Terminal() {
		return
	}
	phase := l.phases[scope]
	ready := l.allReadyUnsafe(scope)

	switch {
	case phase == session.Waiting && ready:
		next, err := session.Transition(phase, session.AllReady{})
		if err != nil {
			l.log.WithError(err).Error("Ready transition rejected")
			return
		}
		l.phases[scope] = next
		l.armCountdownUnsafe(scope)
		l.channel.Publish(scope, EventCountdownStarted, countdownPayload{
			SubLobby: scope,
			Seconds:  l.cfg.ReadyCountdown.Seconds(),
		})
		l.log.WithField("sub_lobby", scope).Info("Countdown started")
	case phase == session.Starting && !ready:
		next, err := session.Transition(phase, session.ReadyLost{})
		if err != nil {
			l.log.WithError(err).Error("Ready-lost transition rejected")
			return
		}
		l.phases[scope] = next
		l.stopCountdownUnsafe(scope)
		l.channel.Publish(scope, EventCountdownCancelled, countdownPayload{SubLobby: scope})
		l.log.WithField("sub_lobby", scope).Info("Countdown cancelled")
	}
	l.refreshStateUnsafe()
}

// armCountdownUnsafe starts the ready countdown of scope. Assumes lock is held.
func (l *Lobby) armCountdownUnsafe(scope int) {
	l.stopCountdownUnsafe(scope)

	var timer *time.Timer
	timer = time.AfterFunc(l.cfg.ReadyCountdown, func() {
		l.mu.Lock()
		defer l.unlock()
		// a readiness change that got the lock first already replaced or cleared us
		if l.countdowns[scope] != timer {
			l.log.WithField("sub_lobby", scope).Debug("Stale countdown timer fired. Ignoring.")
			return
		}
		l.countdowns[scope] = nil
		l.countdownElapsedUnsafe(scope)
	})
	l.countdowns[scope] = timer
}

func (l *Lobby) stopCountdownUnsafe(scope int) {
	if t := l.countdowns[scope]; t != nil {
		t.Stop()
		l.countdowns[scope] = nil
	}
}

func (l *Lobby) countdownElapsedUnsafe(scope int) {
	if l.state == session.Completed || l.state.Terminal() {
		return
	}
	if !l.allReadyUnsafe(scope) {
		l.evaluateScopeUnsafe(scope)
		return
	}
	next, err := session.Transition(l.phases[scope], session.CountdownElapsed{})
	if err != nil {
		l.log.WithError(err).Warn("Countdown elapsed outside starting phase")
		return
	}
	l.phases[scope] = next
	l.channel.Publish(scope, EventSessionStarted, sessionStartedPayload{
		SubLobby:  scope,
		StartedAt: time.Now().UTC(),
	})
	l.log.WithField("sub_lobby", scope).Info("Session started")
	l.refreshStateUnsafe()
}

// refreshStateUnsafe derives the lobby state from the scope phases until the
// session completes; after that only lobby-scoped events move it.
func (l *Lobby) refreshStateUnsafe() {
	if l.state == session.Completed || l.state.Terminal() {
		return
	}
	l.setStateUnsafe(session.Aggregate(l.phases))
}

func (l *Lobby) setStateUnsafe(next session.State) {
	prev := l.state
	if next == prev {
		return
	}
	if !session.Forward(prev, next) {
		l.log.WithFields(logrus.Fields{"from": prev, "to": next}).Error("Refusing backward state change")
		return
	}
	l.state = next
	l.metrics.Transition(string(prev), string(next))
	l.channel.Publish(broadcast.ScopeLobby, EventStateChanged, stateChangedPayload{From: prev, To: next})
	l.log.WithFields(logrus.Fields{"from": prev, "to": next}).Info("Lobby state changed")
}

// fireUnsafe applies a lobby-scoped event through the state machine.
func (l *Lobby) fireUnsafe(ev session.Event) error {
	next, err := session.Transition(l.state, ev)
	if err != nil {
		return err
	}
	l.setStateUnsafe(next)
	return nil
}

// SubmitScore records userID's result, replacing any earlier one.
func (l *Lobby) SubmitScore(ctx context.Context, userID uuid.UUID, score int, completionTime *float64) (models.ScoreRecord, error) {
	l.mu.Lock()
	defer l.unlock()

	if l.state != session.InProgress {
		return models.ScoreRecord{}, &InvalidStateError{Action: "submit a score", State: l.state}
	}
	p, ok := l.participants[userID]
	if !ok {
		return models.ScoreRecord{}, &NotFoundError{Kind: "participant", Ref: userID.String()}
	}
	if phase := l.phases[p.SubLobby]; phase != session.InProgress {
		return models.ScoreRecord{}, &InvalidStateError{Action: "submit a score", State: phase}
	}
	if score < 0 {
		return models.ScoreRecord{}, &ValidationError{Field: "score", Reason: "must not be negative"}
	}
	if completionTime != nil && *completionTime < 0 {
		return models.ScoreRecord{}, &ValidationError{Field: "completion_time", Reason: "must not be negative"}
	}

	rec := models.ScoreRecord{
		LobbyID:        l.ID,
		UserID:         userID,
		DisplayName:    p.DisplayName,
		GameType:       l.GameType,
		Score:          score,
		CompletionTime: completionTime,
		SubmittedAt:    time.Now().UTC(),
	}
	// keep submission order strictly increasing so last-write-wins holds on coarse clocks
	if prev, ok := l.scores[userID]; ok && !rec.SubmittedAt.After(prev.SubmittedAt) {
		rec.SubmittedAt = prev.SubmittedAt.Add(time.Microsecond)
	}

	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	err := l.store.SaveScore(sctx, rec)
	cancel()
	if err != nil {
		return models.ScoreRecord{}, fmt.Errorf("save score: %w", err)
	}

	l.scores[userID] = rec
	l.metrics.ScoreSubmitted(string(l.GameType))
	l.channel.Publish(p.SubLobby, EventScoreSubmitted, rec)
	l.channel.Publish(broadcast.ScopeLobby, EventLeaderboardUpdate, leaderboardPayload{Entries: l.leaderboardUnsafe()})

	l.log.WithFields(logrus.Fields{
		"user_id": userID,
		"score":   score,
	}).Info("Score submitted")

	l.checkCompletionUnsafe()
	return rec, nil
}

func (l *Lobby) leaderboardUnsafe() []models.LeaderboardEntry {
	records := make([]models.ScoreRecord, 0, len(l.scores))
	for _, rec := range l.scores {
		records = append(records, rec)
	}
	return leaderboard.Rank(records, l.GameType.TimeScored())
}

// checkCompletionUnsafe completes the session once every live participant has
// a score on record.
func (l *Lobby) checkCompletionUnsafe() {
	if l.state != session.InProgress {
		return
	}
	for id := range l.participants {
		if _, ok := l.scores[id]; !ok {
			return
		}
	}
	if err := l.completeUnsafe(session.AllSubmitted{}); err != nil {
		l.log.WithError(err).Error("Failed to complete session")
	}
}

// ForceEnd completes an in-progress session regardless of missing scores.
func (l *Lobby) ForceEnd() error {
	l.mu.Lock()
	defer l.unlock()
	if l.state != session.InProgress {
		return &InvalidStateError{Action: "end the session", State: l.state}
	}
	return l.completeUnsafe(session.ForceEnd{})
}

func (l *Lobby) completeUnsafe(ev session.Event) error {
	if err := l.fireUnsafe(ev); err != nil {
		return err
	}
	// scopes still counting down never start
	for i := range l.countdowns {
		l.stopCountdownUnsafe(i)
	}
	l.channel.Publish(broadcast.ScopeLobby, EventSessionCompleted, completedPayload{
		Reason:  ev.Name(),
		Entries: l.leaderboardUnsafe(),
	})
	l.armGraceTimerUnsafe()
	l.persistUnsafe()
	return nil
}

func (l *Lobby) armGraceTimerUnsafe() {
	var timer *time.Timer
	timer = time.AfterFunc(l.cfg.ClosedGrace, func() {
		l.mu.Lock()
		defer l.unlock()
		if l.graceTimer != timer {
			return
		}
		l.graceTimer = nil
		if l.state == session.Completed {
			if err := l.terminateUnsafe(session.GraceExpired{}); err != nil {
				l.log.WithError(err).Error("Grace expiry rejected")
			}
		}
	})
	l.graceTimer = timer
}

// Close finishes the lobby: a completed session is closed, anything earlier is
// aborted. Closing a closed or aborted lobby is a no-op.
func (l *Lobby) Close() error {
	l.mu.Lock()
	defer l.unlock()
	switch {
	case l.state.Terminal():
		return nil
	case l.state == session.Completed:
		return l.terminateUnsafe(session.Close{})
	default:
		return l.terminateUnsafe(session.Cancel{})
	}
}

// Cancel aborts the lobby on behalf of its owner.
func (l *Lobby) Cancel() error {
	l.mu.Lock()
	defer l.unlock()
	if l.state.Terminal() {
		return nil
	}
	return l.terminateUnsafe(session.Cancel{})
}

// terminateUnsafe moves the lobby to closed or aborted, cancels every timer and
// schedules removal from the registry.
func (l *Lobby) terminateUnsafe(ev session.Event) error {
	if err := l.fireUnsafe(ev); err != nil {
		return err
	}
	l.stopTimersUnsafe()

	now := time.Now().UTC()
	l.closedAt = &now
	typ := EventLobbyClosed
	if l.state == session.Aborted {
		typ = EventLobbyAborted
	}
	l.channel.Publish(broadcast.ScopeLobby, typ, terminalPayload{
		State:    l.state,
		Reason:   ev.Name(),
		ClosedAt: now,
	})
	l.persistUnsafe()
	l.armRemovalTimerUnsafe()

	dir := l.dir
	l.afterUnlockUnsafe(func() { dir.lobbyTerminated(l) })
	l.log.WithField("reason", ev.Name()).Infof("Lobby %s", l.state)
	return nil
}

// armRemovalTimerUnsafe discards the lobby's memory state once the grace
// window for late reads has passed. Score records stay in the store.
func (l *Lobby) armRemovalTimerUnsafe() {
	var timer *time.Timer
	timer = time.AfterFunc(l.cfg.ClosedGrace, func() {
		l.mu.Lock()
		defer l.unlock()
		if l.removalTimer != timer {
			return
		}
		l.removalTimer = nil
		l.releaseUnsafe()
	})
	l.removalTimer = timer
}

// releaseUnsafe drops participants and subscriptions and detaches the lobby
// from the registry.
func (l *Lobby) releaseUnsafe() {
	if l.removed {
		return
	}
	l.removed = true
	l.metrics.ParticipantsChanged(-len(l.participants))
	l.participants = make(map[uuid.UUID]*models.Participant)

	ch, dir := l.channel, l.dir
	l.afterUnlockUnsafe(func() {
		ch.Close()
		dir.lobbyRemoved(l)
	})
}

// Shutdown aborts the lobby if needed and releases it immediately.
func (l *Lobby) Shutdown() {
	l.mu.Lock()
	defer l.unlock()
	if !l.state.Terminal() {
		if err := l.terminateUnsafe(session.Cancel{}); err != nil {
			l.log.WithError(err).Warn("Abort on shutdown failed")
		}
	}
	l.stopTimersUnsafe()
	l.releaseUnsafe()
}

func (l *Lobby) stopTimersUnsafe() {
	for i := range l.countdowns {
		l.stopCountdownUnsafe(i)
	}
	l.stopIdleTimerUnsafe()
	if l.graceTimer != nil {
		l.graceTimer.Stop()
		l.graceTimer = nil
	}
	if l.removalTimer != nil {
		l.removalTimer.Stop()
		l.removalTimer = nil
	}
	for id := range l.disconnects {
		l.stopDisconnectTimerUnsafe(id)
	}
}

// armIdleTimerUnsafe aborts the lobby if it is still waiting and empty once
// the idle timeout elapses.
func (l *Lobby) armIdleTimerUnsafe() {
	l.stopIdleTimerUnsafe()

	var timer *time.Timer
	timer = time.AfterFunc(l.cfg.IdleTimeout, func() {
		l.mu.Lock()
		defer l.unlock()
		if l.idleTimer != timer {
			return
		}
		l.idleTimer = nil
		if l.state != session.Waiting || len(l.participants) > 0 {
			return
		}
		if err := l.terminateUnsafe(session.IdleTimeout{}); err != nil {
			l.log.WithError(err).Error("Idle timeout rejected")
		}
	})
	l.idleTimer = timer
}

func (l *Lobby) stopIdleTimerUnsafe() {
	if l.idleTimer != nil {
		l.idleTimer.Stop()
		l.idleTimer = nil
	}
}

// Subscribe opens a broadcast subscription for userID. The owner watches every
// sub-lobby; members watch their own; anyone else only sees lobby-wide events.
func (l *Lobby) Subscribe(userID uuid.UUID) (*broadcast.Subscription, error) {
	l.mu.Lock()
	defer l.unlock()

	watch := broadcast.WatchLobby
	if userID == l.OwnerID {
		watch = broadcast.WatchAll
	} else if p, ok := l.participants[userID]; ok {
		watch = p.SubLobby
	}
	sub, err := l.channel.Subscribe(userID, watch)
	if err != nil {
		return nil, err
	}
	l.stopDisconnectTimerUnsafe(userID)
	return sub, nil
}

// Disconnected is called when a connection of userID is lost. The participant
// stays seated; with a disconnect timeout configured they are removed unless
// they reconnect in time.
func (l *Lobby) Disconnected(userID uuid.UUID) {
	l.mu.Lock()
	defer l.unlock()

	if l.cfg.DisconnectTimeout <= 0 || l.state.Terminal() {
		return
	}
	if _, ok := l.participants[userID]; !ok {
		return
	}
	if l.channel.HasSubscriber(userID) {
		return
	}
	l.stopDisconnectTimerUnsafe(userID)

	var timer *time.Timer
	timer = time.AfterFunc(l.cfg.DisconnectTimeout, func() {
		l.mu.Lock()
		defer l.unlock()
		if l.disconnects[userID] != timer {
			return
		}
		delete(l.disconnects, userID)
		if l.channel.HasSubscriber(userID) {
			return
		}
		if err := l.leaveUnsafe(userID, ReasonDisconnectTimeout); err != nil {
			l.log.WithError(err).Debug("Disconnect timeout found no participant")
		}
	})
	l.disconnects[userID] = timer
}

func (l *Lobby) stopDisconnectTimerUnsafe(userID uuid.UUID) {
	if t, ok := l.disconnects[userID]; ok {
		t.Stop()
		delete(l.disconnects, userID)
	}
}

// persistUnsafe writes the lobby row; failures are logged, the session carries on.
func (l *Lobby) persistUnsafe() {
	meta := l.metaUnsafe()
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := l.store.SaveLobbyMeta(ctx, &meta); err != nil {
		l.log.WithError(err).Error("Failed to persist lobby state")
	}
}

func (l *Lobby) metaUnsafe() models.LobbyMeta {
	return models.LobbyMeta{
		ID:        l.ID,
		Code:      l.Code,
		Name:      l.Name,
		GameType:  l.GameType,
		OwnerID:   l.OwnerID,
		State:     l.state,
		Capacity:  l.cfg.CapacityPerLobby,
		CreatedAt: l.CreatedAt,
		ClosedAt:  l.closedAt,
	}
}

// storeViewUnsafe rebuilds the snapshot readers see. Assumes lock is held.
func (l *Lobby) storeViewUnsafe() {
	v := &View{
		ID:            l.ID,
		Code:          l.Code,
		Name:          l.Name,
		GameType:      l.GameType,
		OwnerID:       l.OwnerID,
		State:         l.state,
		Capacity:      l.cfg.CapacityPerLobby,
		MaxSubLobbies: l.cfg.MaxSubLobbies,
		CreatedAt:     l.CreatedAt,
		ClosedAt:      l.closedAt,
		Seq:           l.channel.Seq(),
		Scopes:        make([]ScopeView, len(l.phases)),
		Participants:  make([]models.Participant, 0, len(l.participants)),
		Leaderboard:   l.leaderboardUnsafe(),
	}
	for i, phase := range l.phases {
		v.Scopes[i] = ScopeView{Index: i, Phase: phase}
	}
	for _, p := range l.participants {
		v.Participants = append(v.Participants, *p)
		v.Scopes[p.SubLobby].Members++
		if p.Ready {
			v.Scopes[p.SubLobby].Ready++
		}
	}
	sort.Slice(v.Participants, func(i, j int) bool {
		a, b := v.Participants[i], v.Participants[j]
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID.String() < b.UserID.String()
	})
	l.view.Store(v)
}
