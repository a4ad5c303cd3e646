package messaging

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

type subscriber struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *hub
}

// hub fans notifications out to every connected /v1/events subscriber. A subscriber which cannot
// keep up is disconnected rather than allowed to block the others.
type hub struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	closed bool
	// called with the number of subscribers whenever it changes
	onCount func(n int)
}

func newHub() *hub {
	return &hub{
		subs: make(map[string]*subscriber),
	}
}

func (h *hub) register(conn *websocket.Conn) (*subscriber, bool) {
	s := &subscriber{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.subs[s.id] = s
	h.countLocked()
	return s, true
}

func (h *hub) unregister(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.send)
		h.countLocked()
	}
}

func (h *hub) countLocked() {
	if h.onCount != nil {
		h.onCount(len(h.subs))
	}
}

func (h *hub) broadcast(msg []byte) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	sent := 0
	for id, s := range h.subs {
		select {
		case s.send <- msg:
			sent++
		default:
			logger.Warn().Str("sub", id).Msg("events subscriber is too slow, disconnecting")
			delete(h.subs, id)
			close(s.send)
		}
	}
	h.countLocked()
	return sent
}

func (h *hub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.send)
	}
	h.countLocked()
}

// readPump only exists to process pongs and notice when the subscriber goes away.
func (s *subscriber) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(4096)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Str("sub", s.id).Msg("events subscriber went away")
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
