// Package realtime provides WebSocket streaming for live fraud activity.
//
// Clients connect once and receive events scoped to their role:
//   - Privileged subscribers (analyst, admin) get the anomaly case stream,
//     seeded with a snapshot of open cases on join
//   - Everyone gets the general transaction stream
//   - A resolver additionally gets updates for cases they resolved
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mwale/fraudlens/internal/anomaly"
	"github.com/mwale/fraudlens/internal/metrics"
	"github.com/mwale/fraudlens/internal/transaction"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// EventType for real-time events
type EventType string

const (
	EventNewAnomaly           EventType = "newAnomaly"
	EventAnomalyUpdated       EventType = "anomalyUpdated"
	EventAnomalyDeleted       EventType = "anomalyDeleted"
	EventTransactionUpdated   EventType = "transactionUpdated"
	EventTransactionProcessed EventType = "transactionProcessed"
	EventInitialAnomalies     EventType = "initialAnomalies"
)

// privilegedEvents require an analyst or admin subscriber.
var privilegedEvents = map[EventType]bool{
	EventNewAnomaly:       true,
	EventAnomalyUpdated:   true,
	EventAnomalyDeleted:   true,
	EventInitialAnomalies: true,
}

// Event represents a real-time event
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`

	// resolver routes anomalyUpdated to the user who resolved the case,
	// regardless of role. Not serialized.
	resolver string
}

// SnapshotSource supplies the open-case snapshot sent to a new
// privileged subscriber.
type SnapshotSource interface {
	OpenSnapshot(ctx context.Context, limit int) ([]*anomaly.Anomaly, error)
}

// Client represents a WebSocket connection
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	userID     string
	privileged bool
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	snapshots     SnapshotSource
	snapshotLimit int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub. snapshots may be nil, in which
// case privileged subscribers join without an initial case list.
func NewHub(snapshots SnapshotSource, snapshotLimit int, logger *slog.Logger) *Hub {
	if snapshotLimit <= 0 {
		snapshotLimit = 100
	}
	return &Hub{
		clients:       make(map[*Client]bool),
		broadcast:     make(chan *Event, 256),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		logger:        logger,
		done:          make(chan struct{}),
		maxClients:    MaxClients,
		snapshots:     snapshots,
		snapshotLimit: snapshotLimit,
	}
}

// SetSnapshotSource installs the snapshot source. Must be called before
// Run; exists because the hub and the anomaly service reference each other.
func (h *Hub) SetSnapshotSource(s SnapshotSource) {
	h.snapshots = s
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n, "privileged", client.privileged)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			metrics.EventsBroadcastTotal.WithLabelValues(string(event.Type)).Inc()
			payload := h.serialize(event)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, event) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks if event belongs in the client's stream. Each client
// receives a matching event exactly once.
func (h *Hub) shouldSend(client *Client, event *Event) bool {
	if !privilegedEvents[event.Type] {
		return true
	}
	if client.privileged {
		return true
	}
	// Resolver channel: the user who resolved a case sees its updates.
	return event.resolver != "" && event.resolver == client.userID
}

func (h *Hub) serialize(event *Event) []byte {
	data, _ := json.Marshal(event)
	return data
}

// Broadcast sends an event to all matching clients
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// AnomalyCreated implements anomaly.Publisher.
func (h *Hub) AnomalyCreated(a *anomaly.Anomaly) {
	h.Broadcast(&Event{Type: EventNewAnomaly, Timestamp: time.Now(), Data: a})
}

// AnomalyUpdated implements anomaly.Publisher.
func (h *Hub) AnomalyUpdated(a *anomaly.Anomaly) {
	h.Broadcast(&Event{
		Type:      EventAnomalyUpdated,
		Timestamp: time.Now(),
		Data:      a,
		resolver:  a.ResolvedBy,
	})
}

// AnomalyDeleted implements anomaly.Publisher.
func (h *Hub) AnomalyDeleted(id string) {
	h.Broadcast(&Event{
		Type:      EventAnomalyDeleted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"id": id},
	})
}

// TransactionUpdated implements anomaly.Publisher.
func (h *Hub) TransactionUpdated(transactionID string, isFraud bool, riskScore float64) {
	h.Broadcast(&Event{
		Type:      EventTransactionUpdated,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"id":        transactionID,
			"isFraud":   isFraud,
			"riskScore": riskScore,
		},
	})
}

// TransactionProcessed implements transaction.Publisher.
func (h *Hub) TransactionProcessed(t *transaction.Transaction) {
	h.Broadcast(&Event{Type: EventTransactionProcessed, Timestamp: time.Now(), Data: t})
}

var (
	_ anomaly.Publisher     = (*Hub)(nil)
	_ transaction.Publisher = (*Hub)(nil)
)

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket. The caller resolves the
// subscriber's identity and role before upgrading.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID string, privileged bool) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		userID:     userID,
		privileged: privileged,
	}

	// Seed privileged subscribers with the open-case snapshot before any
	// live events reach them.
	if privileged && h.snapshots != nil {
		open, err := h.snapshots.OpenSnapshot(r.Context(), h.snapshotLimit)
		if err != nil {
			h.logger.Error("open case snapshot failed", "error", err)
		} else {
			client.send <- h.serialize(&Event{
				Type:      EventInitialAnomalies,
				Timestamp: time.Now(),
				Data:      open,
			})
		}
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads messages from WebSocket (pings, client keepalives)
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
