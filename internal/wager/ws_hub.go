package wager

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/wager-engine/internal/events"
	"github.com/atmx/wager-engine/internal/metrics"
	"github.com/atmx/wager-engine/internal/model"
)

// WSMessage is a JSON message sent to WebSocket clients. Lifecycle events
// carry a wager snapshot; group messages carry text.
type WSMessage struct {
	Type           string       `json:"type"`
	ConversationID string       `json:"conversation_id"`
	WagerID        int64        `json:"wager_id,omitempty"`
	Wager          *model.Wager `json:"wager,omitempty"`
	Text           string       `json:"text,omitempty"`
	At             time.Time    `json:"at"`
}

// TypeGroupMessage marks text the bot sent to a conversation.
const TypeGroupMessage = "group.message"

type outbound struct {
	conversationID string
	data           []byte
}

// WSHub fans messages out to connected clients. A client may subscribe to a
// single conversation with ?conversation_id=; otherwise it sees everything.
// All socket writes happen on the Run goroutine.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn -> conversation filter
	broadcast  chan outbound
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type subscription struct {
	conn           *websocket.Conn
	conversationID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client.
func (h *WSHub) Run(ctx context.Context) error {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.conversationID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "conversation", sub.conversationID)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn, filter := range h.clients {
				if filter != "" && filter != msg.conversationID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}

		case <-ping.C:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn := range h.clients {
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(n))
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client subscribed to its conversation.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{conversationID: msg.ConversationID, data: data}:
	default:
		// Drop if buffer full (non-blocking).
		slog.Warn("ws broadcast dropped", "type", msg.Type, "conversation", msg.ConversationID)
	}
}

// SendText pushes a bot message to a conversation's subscribers.
func (h *WSHub) SendText(conversationID, text string) {
	h.Broadcast(WSMessage{
		Type:           TypeGroupMessage,
		ConversationID: conversationID,
		Text:           text,
		At:             time.Now().UTC(),
	})
}

// Publish implements events.Sink.
func (h *WSHub) Publish(_ context.Context, ev events.Event) error {
	msg := WSMessage{
		Type:    string(ev.Type),
		WagerID: ev.WagerID,
		Wager:   ev.Wager,
		At:      ev.At,
	}
	if ev.Wager != nil {
		msg.ConversationID = ev.Wager.ConversationID
	}
	h.Broadcast(msg)
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, conversationID: r.URL.Query().Get("conversation_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

var _ events.Sink = (*WSHub)(nil)
