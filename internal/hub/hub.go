// Package hub implements the signaling relay: a websocket hub that keys
// clients by room, announces membership with users-in-room snapshots, routes
// offer/answer/ice envelopes point-to-point, and broadcasts end and status
// envelopes.
//
// The hub trusts nothing the sender claims about identity. From and EndedBy
// are always restamped with the id the connection registered under.
package hub

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshcall/internal/metrics"
	"meshcall/internal/ratelimit"
	"meshcall/internal/signaling"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendQueueSize bounds buffered outbound envelopes per client. A client
	// that cannot drain this many is too far behind to signal usefully and
	// gets dropped.
	sendQueueSize = 32
)

// Options configures a Hub. Zero values fall back to sane defaults.
type Options struct {
	Logger *slog.Logger
	// Metrics receives routing counters. Nil creates a private registry.
	Metrics *metrics.Registry
	// MaxMessagesPerSecond is a per-connection signaling rate limit.
	// Zero disables limiting.
	MaxMessagesPerSecond int
	// Clock is the rate limiter's time source, injectable for tests.
	Clock ratelimit.Clock
}

// Hub owns every room and member of this relay. All room state is guarded by
// one mutex; signaling volume is human-scale, so contention is not a concern.
type Hub struct {
	log          *slog.Logger
	metrics      *metrics.Registry
	maxPerSecond int
	clock        ratelimit.Clock

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	id      string
	members map[string]*client
}

type client struct {
	id     string
	roomID string
	conn   *websocket.Conn

	// send is never closed; the write pump stops via done so a broadcast
	// racing with removal cannot hit a closed channel.
	send     chan []byte
	done     chan struct{}
	stopOnce sync.Once
}

func New(opts Options) *Hub {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	reg := opts.Metrics
	if reg == nil {
		reg = metrics.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Hub{
		log:          log,
		metrics:      reg,
		maxPerSecond: opts.MaxMessagesPerSecond,
		clock:        clock,
		rooms:        make(map[string]*room),
	}
}

// Metrics exposes the hub's counter registry.
func (h *Hub) Metrics() *metrics.Registry { return h.metrics }

// serve runs the connection's read loop until the peer goes away. The caller
// owns conn; serve closes it on every exit path.
func (h *Hub) serve(conn *websocket.Conn, roomID, userID string, maxMessageBytes int64) {
	c := &client{
		id:     userID,
		roomID: roomID,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}

	if !h.addClient(c) {
		h.metrics.Inc(metrics.ClientsRejected)
		h.log.Warn("rejecting duplicate participant id", "room", roomID, "id", userID)
		writeClose(conn, websocket.ClosePolicyViolation, "participant id already in room")
		conn.Close()
		return
	}
	h.metrics.Inc(metrics.ClientsConnected)
	h.log.Info("participant connected", "room", roomID, "id", userID)

	go c.writePump()
	h.broadcastMembers(roomID)

	h.readLoop(c, maxMessageBytes)

	h.removeClient(c)
	h.log.Info("participant disconnected", "room", roomID, "id", userID)
}

func (h *Hub) readLoop(c *client, maxMessageBytes int64) {
	defer c.conn.Close()

	limiter := ratelimit.NewMessageLimiter(h.clock, h.maxPerSecond)

	if maxMessageBytes > 0 {
		c.conn.SetReadLimit(maxMessageBytes)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("read failed", "room", c.roomID, "id", c.id, "err", err)
			}
			return
		}

		if !limiter.Allow() {
			h.metrics.Inc(metrics.RateLimited)
			writeClose(c.conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := signaling.Parse(data)
		if err != nil {
			h.metrics.Inc(metrics.EnvelopesDropped)
			h.log.Warn("dropping malformed envelope", "room", c.roomID, "id", c.id, "err", err)
			continue
		}

		h.route(c, env)
	}
}

// route applies the relay's forwarding rules to one parsed envelope.
func (h *Hub) route(c *client, env signaling.Envelope) {
	switch env.Type {
	case signaling.TypeJoin:
		// Membership was announced at connect; a join just re-announces,
		// which covers clients that connected before a blip.
		h.broadcastMembers(c.roomID)

	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeICE:
		env.From = c.id
		h.forward(c, env)

	case signaling.TypeEnd:
		env.EndedBy = c.id
		if env.To != "" {
			h.forward(c, env)
			return
		}
		h.broadcastExcept(c.roomID, c.id, env)

	case signaling.TypeStatus:
		env.From = c.id
		falseDefault := false
		if env.Muted == nil {
			env.Muted = &falseDefault
		}
		if env.CameraOff == nil {
			env.CameraOff = &falseDefault
		}
		h.broadcastExcept(c.roomID, c.id, env)

	default:
		h.metrics.Inc(metrics.EnvelopesDropped)
		h.log.Warn("dropping client envelope", "room", c.roomID, "id", c.id, "type", env.Type)
	}
}

func (h *Hub) forward(c *client, env signaling.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.metrics.Inc(metrics.EnvelopesDropped)
		h.log.Warn("dropping unroutable envelope", "room", c.roomID, "id", c.id, "err", err)
		return
	}

	h.mu.Lock()
	var target *client
	if r, ok := h.rooms[c.roomID]; ok {
		target = r.members[env.To]
	}
	h.mu.Unlock()

	if target == nil {
		h.metrics.Inc(metrics.EnvelopesDropped)
		h.log.Debug("dropping envelope for absent recipient", "room", c.roomID, "from", c.id, "to", env.To, "type", env.Type)
		return
	}

	h.metrics.Inc(metrics.EnvelopesForwarded)
	h.deliver(target, data)
}

func (h *Hub) broadcastExcept(roomID, exceptID string, env signaling.Envelope) {
	data, err := env.Encode()
	if err != nil {
		h.metrics.Inc(metrics.EnvelopesDropped)
		h.log.Warn("dropping unroutable envelope", "room", roomID, "err", err)
		return
	}

	h.mu.Lock()
	var targets []*client
	if r, ok := h.rooms[roomID]; ok {
		for id, member := range r.members {
			if id == exceptID {
				continue
			}
			targets = append(targets, member)
		}
	}
	h.mu.Unlock()

	h.metrics.Inc(metrics.EnvelopesBroadcast)
	for _, target := range targets {
		h.deliver(target, data)
	}
}

// broadcastMembers sends the room's full sorted member list to everyone in
// it, sender included.
func (h *Hub) broadcastMembers(roomID string) {
	h.mu.Lock()
	r, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	ids := make([]string, 0, len(r.members))
	targets := make([]*client, 0, len(r.members))
	for id, member := range r.members {
		ids = append(ids, id)
		targets = append(targets, member)
	}
	h.mu.Unlock()

	sort.Strings(ids)
	data, err := signaling.NewUsersInRoom(ids).Encode()
	if err != nil {
		h.log.Error("encoding member list", "room", roomID, "err", err)
		return
	}

	h.metrics.Inc(metrics.EnvelopesBroadcast)
	for _, target := range targets {
		h.deliver(target, data)
	}
}

// deliver queues data for the client's write pump. A client whose queue is
// full is disconnected rather than allowed to stall the hub.
func (h *Hub) deliver(c *client, data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		h.log.Warn("dropping slow participant", "room", c.roomID, "id", c.id)
		c.conn.Close()
	}
}

// addClient reports false when the id is already taken in the room.
func (h *Hub) addClient(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[c.roomID]
	if !ok {
		r = &room{id: c.roomID, members: make(map[string]*client)}
		h.rooms[c.roomID] = r
		h.metrics.Inc(metrics.RoomsOpened)
	}
	if _, taken := r.members[c.id]; taken {
		return false
	}
	r.members[c.id] = c
	return true
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	if r, ok := h.rooms[c.roomID]; ok && r.members[c.id] == c {
		delete(r.members, c.id)
		if len(r.members) == 0 {
			delete(h.rooms, c.roomID)
			h.metrics.Inc(metrics.RoomsClosed)
		}
	}
	h.mu.Unlock()

	c.stopOnce.Do(func() { close(c.done) })
	h.broadcastMembers(c.roomID)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
