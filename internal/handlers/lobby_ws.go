// internal/handlers/lobby_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/jason-s-yu/classlobby/internal/auth"
	"github.com/jason-s-yu/classlobby/internal/broadcast"
	"github.com/jason-s-yu/classlobby/internal/lobby"
	"github.com/jason-s-yu/classlobby/internal/middleware"
	"github.com/jason-s-yu/classlobby/internal/models"
	"github.com/sirupsen/logrus"
)

const subprotocol = "lobby"

// Inbound action types.
const (
	actionJoin        = "join"
	actionLeave       = "leave"
	actionSetReady    = "set_ready"
	actionSubmitScore = "submit_score"
	actionResync      = "resync"
	actionCancel      = "cancel"
	actionEnd         = "force_end"
)

// inbound is every client packet; fields not used by an action are ignored.
type inbound struct {
	Type           string   `json:"type"`
	DisplayName    string   `json:"display_name,omitempty"`
	Ready          bool     `json:"ready,omitempty"`
	Score          *int     `json:"score,omitempty"`
	CompletionTime *float64 `json:"completion_time,omitempty"`
	Since          uint64   `json:"since,omitempty"`
}

// direct is a message for one connection only. Broadcast events are written
// as broadcast.Event.
type direct struct {
	Type    string `json:"type"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// wsConn is one accepted lobby connection.
type wsConn struct {
	c     *websocket.Conn
	lob   *lobby.Lobby
	sub   *broadcast.Subscription
	id    models.Identity
	log   *logrus.Entry
	out   chan direct
	close context.CancelFunc
}

// send queues a direct message for the write pump. A connection that cannot
// keep up with its own replies is closed.
func (wc *wsConn) send(msg direct) {
	select {
	case wc.out <- msg:
	default:
		wc.log.Warn("Direct message queue full, closing connection")
		wc.close()
	}
}

func (wc *wsConn) sendError(action string, err error) {
	_, code := classify(err)
	msg := err.Error()
	if code == "internal" {
		wc.log.WithError(err).WithField("action", action).Error("Action failed")
		msg = "internal error"
	}
	wc.send(direct{Type: "error", Action: action, Code: code, Message: msg})
}

// lobbyWS upgrades to the lobby subprotocol. The connection first receives a
// lobby_state snapshot, then every event it may observe. Events carry
// sequence numbers; clients drop anything at or below the last seq applied.
func (s *Server) lobbyWS(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{subprotocol},
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket accept error")
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != subprotocol {
		c.Close(BadSubprotocolError, "client must speak the lobby subprotocol")
		return
	}

	id, ok := auth.FromContext(r.Context())
	if !ok {
		c.Close(InvalidAuthTokenError, "missing or invalid auth token")
		return
	}

	lob, err := s.reg.GetLobby(chi.URLParam(r, "ref"))
	if err != nil {
		c.Close(InvalidLobbyIDError, "lobby does not exist")
		return
	}

	sub, err := lob.Subscribe(id.UserID)
	if err != nil {
		c.Close(LobbyClosedError, "lobby is closed")
		return
	}

	log := s.log.WithFields(logrus.Fields{"lobby_id": lob.ID, "user_id": id.UserID})
	middleware.LogWebSocketConnect(log, remoteAddr, r.URL.Path)
	s.metrics.ConnectionOpened()

	ctx, cancel := context.WithCancel(r.Context())
	wc := &wsConn{
		c:     c,
		lob:   lob,
		sub:   sub,
		id:    id,
		log:   log,
		out:   make(chan direct, 16),
		close: cancel,
	}

	// the snapshot is taken after subscribing, so no event can fall between
	// the two; events already reflected in it are dropped by seq.
	v := lob.Snapshot()
	wc.send(direct{Type: "lobby_state", Payload: v.For(sub.Watch())})

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writePump(ctx, wc)
	}()

	err = s.readPump(ctx, wc)

	cancel()
	<-done
	sub.Close()
	lob.Disconnected(id.UserID)
	s.metrics.ConnectionClosed()
	middleware.LogWebSocketDisconnect(log, remoteAddr, r.URL.Path, err)
}

// readPump handles incoming packets until the connection closes.
func (s *Server) readPump(ctx context.Context, wc *wsConn) error {
	for {
		typ, msg, err := wc.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			wc.log.Warnf("Received non-text message type %d. Ignoring.", typ)
			continue
		}

		var packet inbound
		if err := json.Unmarshal(msg, &packet); err != nil {
			wc.sendError("", &lobby.ValidationError{Field: "message", Reason: "invalid JSON format"})
			continue
		}
		s.handleLobbyMessage(ctx, wc, packet)
	}
}

// handleLobbyMessage dispatches one client action and replies with an ack or
// an error. State changes reach every subscriber through the broadcast.
func (s *Server) handleLobbyMessage(ctx context.Context, wc *wsConn, packet inbound) {
	var (
		payload any
		err     error
	)
	switch packet.Type {
	case actionJoin:
		name := packet.DisplayName
		if name == "" {
			name = wc.id.DisplayName
		}
		payload, err = s.reg.Join(wc.lob.ID, wc.id.UserID, name)
	case actionLeave:
		err = s.reg.Leave(wc.lob.ID, wc.id.UserID)
	case actionSetReady:
		payload, err = wc.lob.SetReady(wc.id.UserID, packet.Ready)
	case actionSubmitScore:
		if packet.Score == nil {
			err = &lobby.ValidationError{Field: "score", Reason: "required"}
			break
		}
		payload, err = wc.lob.SubmitScore(ctx, wc.id.UserID, *packet.Score, packet.CompletionTime)
	case actionResync:
		events, ok := wc.sub.Resync(packet.Since)
		if !ok {
			v := wc.lob.Snapshot()
			wc.send(direct{Type: "lobby_state", Payload: v.For(wc.sub.Watch())})
			return
		}
		wc.send(direct{Type: "resync", Payload: events})
		return
	case actionCancel, actionEnd:
		if wc.lob.OwnerID != wc.id.UserID {
			err = &lobby.ForbiddenError{Action: packet.Type}
			break
		}
		if packet.Type == actionCancel {
			err = wc.lob.Cancel()
		} else {
			err = wc.lob.ForceEnd()
		}
	default:
		err = &lobby.ValidationError{Field: "type", Reason: fmt.Sprintf("unknown action %q", packet.Type)}
	}

	if err != nil {
		wc.sendError(packet.Type, err)
		return
	}
	wc.send(direct{Type: "ack", Action: packet.Type, Payload: payload})
}

// writePump is the connection's only writer. It forwards broadcast events and
// direct replies, and pings when the connection has been quiet.
func (s *Server) writePump(ctx context.Context, wc *wsConn) {
	events := make(chan broadcast.Event)
	go func() {
		defer close(events)
		for {
			ev, err := wc.sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		var (
			data []byte
			err  error
		)
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					// the lobby closed its channel
					s.flushDirect(ctx, wc)
					wc.close()
					wc.c.Close(LobbyClosedError, "lobby closed")
				}
				wc.close()
				return
			}
			data, err = json.Marshal(ev)
		case msg := <-wc.out:
			data, err = json.Marshal(msg)
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := wc.c.Ping(pingCtx)
			cancel()
			if err != nil {
				wc.log.WithError(err).Warn("Failed to send ping. Assuming disconnect.")
				wc.close()
				return
			}
			continue
		}
		if err != nil {
			wc.log.WithError(err).Warn("Failed to marshal outgoing message")
			continue
		}
		if err := s.write(ctx, wc, data); err != nil {
			wc.log.WithError(err).Debug("Failed to write to websocket")
			wc.close()
			return
		}
	}
}

// flushDirect writes replies still queued when the lobby closes.
func (s *Server) flushDirect(ctx context.Context, wc *wsConn) {
	for {
		select {
		case msg := <-wc.out:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if s.write(ctx, wc, data) != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) write(ctx context.Context, wc *wsConn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wc.c.Write(writeCtx, websocket.MessageText, data)
}
