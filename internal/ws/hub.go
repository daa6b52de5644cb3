// Package ws serves the realtime fan-out. Authenticated sessions join
// their user room automatically, may subscribe to catalog and order
// rooms, and on reconnect replay events they missed from the capped
// user stream.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/numhive/platform/internal/auth"
	"github.com/numhive/platform/internal/config"
	"github.com/numhive/platform/internal/domain/activation"
	"github.com/numhive/platform/internal/domain/event"
	"github.com/numhive/platform/internal/metrics"
	"github.com/numhive/platform/internal/redis"
	"github.com/numhive/platform/pkg/logger"
)

// TokenVerifier authenticates the websocket handshake.
type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

// OrderGuard authorizes order-room subscriptions. The lookup must fail
// for activations the user does not own.
type OrderGuard interface {
	Activation(ctx context.Context, id, userID string) (activation.Activation, error)
}

// Hub routes published envelopes to connected sessions by room.
type Hub struct {
	redis    *redis.Client
	verifier TokenVerifier
	guard    OrderGuard
	upgrader websocket.Upgrader
	replay   int
	log      *logger.Logger

	mu    sync.RWMutex
	rooms map[string]map[*session]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates the hub. guard may be nil; order rooms are then refused.
func NewHub(rdb *redis.Client, verifier TokenVerifier, guard OrderGuard, cfg config.SocketConfig, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("ws")
	}
	replay := cfg.ReplayLimit
	if replay <= 0 {
		replay = 100
	}
	return &Hub{
		redis:    rdb,
		verifier: verifier,
		guard:    guard,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The handshake is authenticated by token, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		replay: replay,
		log:    log,
		rooms:  make(map[string]map[*session]struct{}),
	}
}

// Name implements system.Service.
func (h *Hub) Name() string { return "ws-hub" }

// Start subscribes to the global channel and launches the fan-out pump.
func (h *Hub) Start(ctx context.Context) error {
	sub := h.redis.SubscribeGlobal(context.Background())
	// Wait for the subscription ack so no event published after Start
	// returns is missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}
	pumpCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-pumpCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				h.route([]byte(msg.Payload))
			}
		}
	}()
	return nil
}

// Stop tears the pump down and closes every session.
func (h *Hub) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	sessions := make(map[*session]struct{})
	for _, members := range h.rooms {
		for s := range members {
			sessions[s] = struct{}{}
		}
	}
	h.rooms = make(map[string]map[*session]struct{})
	h.mu.Unlock()
	for s := range sessions {
		s.close()
	}
	return nil
}

// route delivers one published envelope to its room's sessions. Sessions
// that cannot keep up are dropped rather than back-pressuring the pump.
func (h *Hub) route(raw []byte) {
	var env event.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.log.WithError(err).Warn("drop undecodable envelope")
		return
	}
	h.mu.RLock()
	members := h.rooms[env.Room]
	var slow []*session
	for s := range members {
		select {
		case s.send <- raw:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()
	for _, s := range slow {
		h.log.WithField("user_id", s.userID).Warn("dropping slow websocket session")
		s.close()
	}
}

// ServeHTTP upgrades one authenticated connection into a session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			token = header[7:]
		}
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	s := newSession(h, conn, claims.UserID)
	h.join(s, event.UserRoom(s.userID))
	metrics.IncWSConnections()

	// Replay missed events before live traffic starts flowing.
	h.replayTo(r.Context(), s, r.URL.Query().Get("after"))
	go s.writePump()
	go s.readPump()
}

// replayFrame is an envelope annotated with its stream id so a
// reconnecting client can advance its last-seen cursor.
type replayFrame struct {
	event.Envelope
	StreamID string `json:"streamId"`
}

func (h *Hub) replayTo(ctx context.Context, s *session, afterID string) {
	entries, err := h.redis.ReplayUserEvents(ctx, s.userID, afterID, h.replay)
	if err != nil {
		h.log.WithError(err).WithField("user_id", s.userID).Warn("replay failed")
		return
	}
	for _, e := range entries {
		raw, err := json.Marshal(replayFrame{Envelope: e.Envelope, StreamID: e.ID})
		if err != nil {
			continue
		}
		select {
		case s.send <- raw:
		default:
			return
		}
	}
}

func (h *Hub) join(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*session]struct{})
		h.rooms[room] = members
	}
	members[s] = struct{}{}
	s.rooms[room] = struct{}{}
}

func (h *Hub) leave(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, room)
}

func (h *Hub) leaveLocked(s *session, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(s.rooms, room)
}

// detach removes the session from every room. Called once per session.
func (h *Hub) detach(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range s.rooms {
		h.leaveLocked(s, room)
	}
}

// authorizeRoom decides whether the session's user may join room.
func (h *Hub) authorizeRoom(ctx context.Context, s *session, room string) bool {
	switch {
	case room == event.CatalogRoom:
		return true
	case room == event.UserRoom(s.userID):
		return true
	case event.UserID(room) != "":
		// Someone else's user room.
		return false
	default:
		id := event.OrderID(room)
		if id == "" || h.guard == nil {
			return false
		}
		_, err := h.guard.Activation(ctx, id, s.userID)
		return err == nil
	}
}
