package observer

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/eus-proxy/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 32
)

// Client requests
const (
	msgGetSessions     = "getSessions"
	msgGetLiveSessions = "getLiveSessions"
	msgGetRecordings   = "getRecordings"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SessionSource lists the currently registered sessions
type SessionSource interface {
	List() []*models.Session
}

// RecordingSource lists stored recordings
type RecordingSource interface {
	List() ([]models.SessionInfo, error)
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// offer queues message without blocking and reports whether it was accepted
func (c *client) offer(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- message:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans session lifecycle events out to websocket observers
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}

	sessions   SessionSource
	recordings RecordingSource
	logger     *zap.Logger
}

// NewHub creates a hub; recordings may be nil when recording is disabled
func NewHub(sessions SessionSource, recordings RecordingSource, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		sessions:   sessions,
		recordings: recordings,
		logger:     logger.Named("observer"),
	}
}

// ServeHTTP upgrades the connection and serves one observer until it disconnects
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	h.logger.Debug("Observer connected", zap.String("remote", r.RemoteAddr))

	go h.writeMessages(c)
	h.readMessages(c)

	h.unregister(c)
	h.logger.Debug("Observer disconnected", zap.String("remote", r.RemoteAddr))
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()

	if ok {
		c.close()
	}
}

func (h *Hub) readMessages(c *client) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("Observer read error", zap.Error(err))
			}
			return
		}

		switch strings.TrimSpace(string(message)) {
		case msgGetSessions:
			h.sendSessions(c, false)
		case msgGetLiveSessions:
			h.sendSessions(c, true)
		case msgGetRecordings:
			h.sendRecordings(c)
		default:
			h.logger.Debug("Ignoring observer message", zap.ByteString("message", message))
		}
	}
}

func (h *Hub) writeMessages(c *client) {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.logger.Debug("Failed to write to observer", zap.Error(err))
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) sendSessions(c *client, live bool) {
	if h.sessions == nil {
		return
	}
	for _, s := range h.sessions.List() {
		if s.Live != live {
			continue
		}
		h.deliver(c, event("newSession", s.Info()))
	}
}

func (h *Hub) sendRecordings(c *client) {
	if h.recordings == nil {
		return
	}
	infos, err := h.recordings.List()
	if err != nil {
		h.logger.Warn("Failed to list recordings", zap.Error(err))
		return
	}
	for _, info := range infos {
		h.deliver(c, event("recordedSession", info))
	}
}

// HasObservers reports whether anyone is connected
func (h *Hub) HasObservers() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// BroadcastCreated announces a new session
func (h *Hub) BroadcastCreated(s *models.Session) {
	h.broadcast(event("newSession", s.Info()))
}

// BroadcastRemoved announces that a session has gone away
func (h *Hub) BroadcastRemoved(s *models.Session) {
	h.broadcast(event("removeSession", s.Info()))
}

// BroadcastRecording announces that a recording of s is stored as ref
func (h *Hub) BroadcastRecording(s *models.Session, ref string) {
	info := s.Info()
	info.Recording = ref
	h.broadcast(event("recordedSession", info))
}

func (h *Hub) broadcast(message []byte) {
	if message == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.deliver(c, message)
	}
}

// deliver never blocks; a client that cannot keep up is disconnected
func (h *Hub) deliver(c *client, message []byte) {
	if message == nil {
		return
	}
	if !c.offer(message) {
		h.logger.Warn("Dropping slow observer")
		c.close()
	}
}

// Close disconnects every observer
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

func event(kind string, info models.SessionInfo) []byte {
	data, err := json.Marshal(map[string]models.SessionInfo{kind: info})
	if err != nil {
		return nil
	}
	return data
}
