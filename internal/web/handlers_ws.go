package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"apertus-bridge/internal/bridge"
)

const (
	wsEventQueue   = 256
	wsClientQueue  = 64
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

// WSHub fans bridge events out to websocket clients. Membership changes and
// fan-out happen on the Run goroutine; mu only guards reads from elsewhere.
type WSHub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	members map[*wsClient]struct{}

	joins  chan *wsClient
	leaves chan *wsClient
	events chan bridge.Event

	ctx    context.Context
	cancel context.CancelFunc
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	node string // only events for this node; empty means all
}

func (c *wsClient) wants(event bridge.Event) bool {
	return c.node == "" || c.node == event.NodeID
}

// writeLoop copies queued frames to the socket until send is closed or a
// write fails, then closes the connection.
func (c *wsClient) writeLoop() {
	defer c.conn.Close(websocket.StatusNormalClosure, "")
	for msg := range c.send {
		if err := c.write(msg); err != nil {
			return
		}
	}
}

func (c *wsClient) write(msg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, msg)
}

// readLoop drains inbound frames, which carry nothing the server acts on, so
// that close frames and pings are processed. It returns when the peer goes
// away or ctx ends.
func (c *wsClient) readLoop(ctx context.Context) {
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

func NewWSHub(logger *slog.Logger) *WSHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &WSHub{
		logger:  logger,
		members: make(map[*wsClient]struct{}),
		joins:   make(chan *wsClient),
		leaves:  make(chan *wsClient),
		events:  make(chan bridge.Event, wsEventQueue),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run services joins, leaves and events until Stop, then closes every
// client queue.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return
		case c := <-h.joins:
			h.add(c)
		case c := <-h.leaves:
			h.remove(c)
		case event := <-h.events:
			h.fanOut(event)
		}
	}
}

// Stop ends Run. Further calls are no-ops.
func (h *WSHub) Stop() { h.cancel() }

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// Broadcast queues event for every interested client. It never blocks the
// emitting goroutine; events are dropped when the queue is full.
func (h *WSHub) Broadcast(event bridge.Event) {
	select {
	case h.events <- event:
	default:
		h.logger.Warn("websocket event queue full, dropping", "type", event.Type)
	}
}

// attach hands c to the hub. It reports false once the hub has stopped.
func (h *WSHub) attach(c *wsClient) bool {
	select {
	case h.joins <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *WSHub) detach(c *wsClient) {
	select {
	case h.leaves <- c:
	case <-h.ctx.Done():
	}
}

func (h *WSHub) add(c *wsClient) {
	h.mu.Lock()
	h.members[c] = struct{}{}
	n := len(h.members)
	h.mu.Unlock()
	h.logger.Debug("websocket client joined", "node", c.node, "clients", n)
}

func (h *WSHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.members[c]; ok {
		h.drop(c)
	}
	n := len(h.members)
	h.mu.Unlock()
	h.logger.Debug("websocket client left", "clients", n)
}

// drop forgets c and closes its queue. Callers hold mu.
func (h *WSHub) drop(c *wsClient) {
	delete(h.members, c)
	close(c.send)
}

// fanOut encodes event once and queues it for each interested client. A
// client whose queue is full is disconnected.
func (h *WSHub) fanOut(event bridge.Event) {
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("encode websocket event", "type", event.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.members {
		if !c.wants(event) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			h.drop(c)
			h.logger.Warn("websocket client not keeping up, disconnecting", "node", c.node)
		}
	}
}

func (h *WSHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.members {
		h.drop(c)
	}
}

// handleWS streams events as JSON text frames. ?node=<id> limits the
// stream to one node.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsClientQueue),
		node: r.URL.Query().Get("node"),
	}
	if !s.wsHub.attach(client) {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.wsHub.detach(client)

	go client.writeLoop()
	client.readLoop(s.wsHub.ctx)
}
