package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/auth"
	"github.com/betlink/betlinkd/internal/events"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPingInterval   = 30 * time.Second
	wsSendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Partners connect from backend services, not browsers; origin checks
	// do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

func decodeAlert(raw []byte, payload *events.AlertCreated) error {
	if err := json.Unmarshal(raw, payload); err != nil {
		return fmt.Errorf("malformed alert event: %w", err)
	}
	return nil
}

// alertHub fans alert events out to connected websocket clients. Each client
// sees only its own partner's alerts.
type alertHub struct {
	log *zap.Logger

	mu      sync.Mutex
	clients map[*alertClient]struct{}
	closed  bool
}

type alertClient struct {
	partnerID uuid.UUID
	send      chan []byte
}

func newAlertHub(log *zap.Logger) *alertHub {
	return &alertHub{
		log:     log,
		clients: make(map[*alertClient]struct{}),
	}
}

// handleAlert is the hub's bus subscription. Slow clients lose messages
// rather than backing up the bus worker.
func (h *alertHub) handleAlert(ctx context.Context, ev events.Event) error {
	var payload events.AlertCreated
	if err := decodeAlert(ev.Payload, &payload); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.partnerID != payload.PartnerID {
			continue
		}
		select {
		case c.send <- ev.Payload:
		default:
			h.log.Warn("dropping alert for slow websocket client",
				zap.String("partner_id", c.partnerID.String()))
		}
	}
	return nil
}

func (h *alertHub) register(c *alertClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *alertHub) unregister(c *alertClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *alertHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// alertStreamHandler upgrades the connection and streams the partner's
// alerts as they are raised.
func (s *Server) alertStreamHandler(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFrom(r.Context())

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &alertClient{
		partnerID: id.PartnerID,
		send:      make(chan []byte, wsSendBufferSize),
	}
	if !s.hub.register(client) {
		conn.Close()
		return
	}

	go s.writeLoop(conn, client)
	s.readLoop(conn, client)
}

// writeLoop pushes alerts and pings until the send channel closes.
func (s *Server) writeLoop(conn *websocket.Conn, client *alertClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and unregisters on disconnect.
func (s *Server) readLoop(conn *websocket.Conn, client *alertClient) {
	defer s.hub.unregister(client)
	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
