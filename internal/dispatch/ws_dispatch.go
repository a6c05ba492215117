package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 8192
)

var (
	ErrNoSession      = errors.New("no ws session")
	ErrSendBufferFull = errors.New("ws send buffer full")
)

// WSSession is one live websocket connection. Writes go through send so the
// dispatcher never waits on a slow peer.
type WSSession struct {
	ID     string
	UserID string
	Role   models.Role

	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger
}

// WSRegistry holds open sessions keyed by connection id and implements
// Emitter on top of them.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	buffer   int
	logger   *slog.Logger
}

func NewWSRegistry(buffer int, logger *slog.Logger) *WSRegistry {
	if buffer <= 0 {
		buffer = 64
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), buffer: buffer, logger: logger}
}

// Add wraps conn in a session with a fresh connection id.
func (r *WSRegistry) Add(conn *websocket.Conn, userID string, role models.Role) *WSSession {
	id := uuid.NewString()
	s := &WSSession{
		ID:     id,
		UserID: userID,
		Role:   role,
		conn:   conn,
		send:   make(chan []byte, r.buffer),
		log:    r.logger.With("conn_id", id, "user_id", userID, "role", string(role)),
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	observability.WSConnections.Inc()
	return s
}

// Remove forgets the session and lets its write pump close the socket.
func (r *WSRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	delete(r.sessions, id)
	close(s.send)
	observability.WSConnections.Dec()
}

// Emit encodes payload as a Frame and queues it on connID's session.
func (r *WSRegistry) Emit(connID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	msg, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", event, err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connID]
	if !ok {
		return ErrNoSession
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll sends a going-away close to every session, used on shutdown.
func (r *WSRegistry) CloseAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}
}

// ReadPump reads frames until the peer goes away, calling handle for each
// well-formed envelope. It owns the read side of the connection.
func (s *WSSession) ReadPump(handle func(Frame)) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("ws read error", "error", err)
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			observability.Drops.WithLabelValues(observability.DropMalformedEvent).Inc()
			s.log.Warn("ws malformed frame", "bytes", len(raw))
			continue
		}
		handle(f)
	}
}

// WritePump drains the send queue and keeps the connection alive with
// pings. It returns, closing the socket, once the session is removed or a
// write fails.
func (s *WSSession) WritePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Warn("ws write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
