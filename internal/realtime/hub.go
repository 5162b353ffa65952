package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lumenclass/videogen-backend/internal/logger"
)

// Connection is one live push subscription, owned by this instance only.
// Client metadata is diagnostic; it is never consulted for authorization.
type Connection struct {
	ID          uuid.UUID
	OwnerUserID uuid.UUID
	ConnectedAt time.Time
	Meta        map[string]string

	Outbound chan NotificationEvent
	done     chan struct{}

	mu              sync.Mutex
	lastHeartbeatAt time.Time
	closed          bool
}

func (c *Connection) LastHeartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatAt
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeatAt = now
	c.mu.Unlock()
}

// ConnectionInfo is the introspection snapshot served to privileged callers.
type ConnectionInfo struct {
	ID              uuid.UUID         `json:"id"`
	OwnerUserID     uuid.UUID         `json:"owner_user_id"`
	ConnectedAt     time.Time         `json:"connected_at"`
	LastHeartbeatAt time.Time         `json:"last_heartbeat_at"`
	Meta            map[string]string `json:"meta,omitempty"`
}

// Hub is the per-instance connection registry. Instances never share hub
// state; cross-instance delivery goes through the broker.
type Hub struct {
	log     *logger.Logger
	metrics *Metrics

	mu      sync.RWMutex
	conns   map[uuid.UUID]*Connection
	byOwner map[uuid.UUID]map[*Connection]bool

	expiryWindow time.Duration
}

func NewHub(baseLog *logger.Logger, metrics *Metrics, expiryWindow time.Duration) *Hub {
	if expiryWindow <= 0 {
		expiryWindow = 90 * time.Second
	}
	return &Hub{
		log:          baseLog.With("component", "Hub"),
		metrics:      metrics,
		conns:        make(map[uuid.UUID]*Connection),
		byOwner:      make(map[uuid.UUID]map[*Connection]bool),
		expiryWindow: expiryWindow,
	}
}

func (h *Hub) Register(ownerUserID uuid.UUID, meta map[string]string) *Connection {
	now := time.Now()
	conn := &Connection{
		ID:              uuid.New(),
		OwnerUserID:     ownerUserID,
		ConnectedAt:     now,
		Meta:            meta,
		Outbound:        make(chan NotificationEvent, 16),
		done:            make(chan struct{}),
		lastHeartbeatAt: now,
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	owned, ok := h.byOwner[ownerUserID]
	if !ok {
		owned = make(map[*Connection]bool)
		h.byOwner[ownerUserID] = owned
	}
	owned[conn] = true
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsEstablished.Add(1)
	}
	h.log.Debug("Connection registered", "connection_id", conn.ID, "owner_user_id", ownerUserID)
	return conn
}

// Heartbeat refreshes a connection's liveness window. Returns false for
// unknown (already evicted) connections.
func (h *Hub) Heartbeat(connectionID uuid.UUID) bool {
	h.mu.RLock()
	conn, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	conn.touch(time.Now())
	return true
}

func (h *Hub) Unregister(conn *Connection) {
	if conn == nil {
		return
	}
	h.mu.Lock()
	_, known := h.conns[conn.ID]
	delete(h.conns, conn.ID)
	if owned, ok := h.byOwner[conn.OwnerUserID]; ok {
		delete(owned, conn)
		if len(owned) == 0 {
			delete(h.byOwner, conn.OwnerUserID)
		}
	}
	alreadyClosed := conn.closed
	conn.closed = true
	h.mu.Unlock()

	if !alreadyClosed {
		close(conn.done)
	}
	if known {
		if h.metrics != nil {
			h.metrics.ConnectionsClosed.Add(1)
		}
		h.log.Debug("Connection unregistered", "connection_id", conn.ID)
	}
}

func (h *Hub) List() []ConnectionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, ConnectionInfo{
			ID:              c.ID,
			OwnerUserID:     c.OwnerUserID,
			ConnectedAt:     c.ConnectedAt,
			LastHeartbeatAt: c.LastHeartbeatAt(),
			Meta:            c.Meta,
		})
	}
	return out
}

func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast delivers an event to every local connection owned by ownerUserID.
// Slow consumers are skipped rather than blocking the fanout path.
func (h *Hub) Broadcast(ownerUserID uuid.UUID, ev NotificationEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	owned, ok := h.byOwner[ownerUserID]
	if !ok {
		return 0
	}
	delivered := 0
	for c := range owned {
		select {
		case c.Outbound <- ev:
			delivered++
		default:
			h.log.Warn("Dropping notification; outbound buffer full", "connection_id", c.ID)
		}
	}
	if delivered > 0 && h.metrics != nil {
		h.metrics.NotificationsDelivered.Add(int64(delivered))
	}
	return delivered
}

// StartSweeper evicts connections whose heartbeat is older than the expiry
// window. Runs on its own timer, independent of workers.
func (h *Hub) StartSweeper(ctx context.Context) {
	interval := h.expiryWindow / 3
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.sweepExpired()
			}
		}
	}()
}

func (h *Hub) sweepExpired() {
	cutoff := time.Now().Add(-h.expiryWindow)
	var expired []*Connection
	h.mu.RLock()
	for _, c := range h.conns {
		if c.LastHeartbeatAt().Before(cutoff) {
			expired = append(expired, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range expired {
		h.log.Info("Evicting connection after missed heartbeats",
			"connection_id", c.ID, "owner_user_id", c.OwnerUserID)
		h.Unregister(c)
	}
}

// ServeSSE streams the connection's events until the client goes away, the
// connection is evicted, or the server shuts down. Server pings double as
// heartbeats for clients that cannot POST while streaming.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, conn *Connection) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ctx := r.Context()

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Debug("SSE client disconnected", "connection_id", conn.ID, "err", ctx.Err())
			return
		case <-conn.done:
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
			conn.touch(time.Now())
		case ev := <-conn.Outbound:
			raw, err := json.Marshal(ev)
			if err != nil {
				h.log.Warn("Failed to marshal notification event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType, raw)
			flusher.Flush()
		}
	}
}
