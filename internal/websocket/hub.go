// Package websocket streams live job events of a site to dashboard
// clients. Each site is a room; clients only listen.
package websocket

import (
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"sitebuilder/internal/logging"
	"sitebuilder/internal/metrics"
)

// Message types sent to clients.
const (
	MessageTypeLog       = "log"
	MessageTypeProgress  = "progress"
	MessageTypeStatus    = "status"
	MessageTypeHistory   = "history"
	MessageTypeError     = "error"
)

// Message is one event pushed to the clients of a site.
type Message struct {
	Type      string    `json:"type"`
	SiteID    string    `json:"siteId"`
	JobID     string    `json:"jobId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type envelope struct {
	siteID  string
	payload []byte
}

// Hub maintains the client connections grouped by site.
type Hub struct {
	rooms map[string]map[*Client]bool

	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	once       sync.Once

	mu       sync.RWMutex
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub returns a hub accepting upgrades from allowedOrigins. An empty
// Origin header is accepted only when allowEmptyOrigin is set.
func NewHub(allowedOrigins []string, allowEmptyOrigin bool, log *zap.Logger) *Hub {
	h := &Hub{
		rooms:      make(map[string]map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		shutdown:   make(chan struct{}),
		log:        logging.OrNop(log).With(zap.String("component", "websocket")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return allowEmptyOrigin
			}
			return slices.Contains(allowedOrigins, origin)
		},
	}
	return h
}

// Run serves registrations and broadcasts until Shutdown.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			room, ok := h.rooms[c.siteID]
			if !ok {
				room = make(map[*Client]bool)
				h.rooms[c.siteID] = room
			}
			room[c] = true
			h.mu.Unlock()
			metrics.Get().RecordWebSocketConnection(1)

		case c := <-h.unregister:
			h.remove(c)

		case e := <-h.broadcast:
			h.mu.RLock()
			var slow []*Client
			for c := range h.rooms[e.siteID] {
				select {
				case c.send <- e.payload:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.log.Warn("dropping slow client", zap.String("site", c.siteID))
				h.remove(c)
			}

		case <-h.shutdown:
			h.mu.Lock()
			for _, room := range h.rooms {
				for c := range room {
					close(c.send)
				}
			}
			h.rooms = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[c.siteID]
	if !ok || !room[c] {
		return
	}
	delete(room, c)
	close(c.send)
	if len(room) == 0 {
		delete(h.rooms, c.siteID)
	}
	metrics.Get().RecordWebSocketConnection(-1)
}

// Shutdown closes every client and stops Run.
func (h *Hub) Shutdown() {
	h.once.Do(func() { close(h.shutdown) })
}

// Publish queues a message for the clients of siteID. It never blocks;
// when the queue is full the message is dropped.
func (h *Hub) Publish(siteID string, msg Message) {
	msg.SiteID = siteID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encode message", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- envelope{siteID: siteID, payload: payload}:
		metrics.Get().RecordWebSocketMessage(msg.Type)
	case <-h.shutdown:
	default:
		h.log.Warn("broadcast queue full, message dropped", zap.String("site", siteID), zap.String("type", msg.Type))
	}
}

// ClientCount returns the number of clients listening to siteID.
func (h *Hub) ClientCount(siteID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[siteID])
}

// ServeSite upgrades the request and streams the events of siteID. The
// history messages are sent first.
func (h *Hub) ServeSite(c *gin.Context, siteID string, history ...Message) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		siteID: siteID,
		send:   make(chan []byte, 256),
	}
	for _, m := range history {
		m.SiteID = siteID
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now().UTC()
		}
		payload, err := json.Marshal(m)
		if err != nil || len(client.send) == cap(client.send) {
			continue
		}
		client.send <- payload
	}

	select {
	case h.register <- client:
	case <-h.shutdown:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
