package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/forge-ai/codeforge/shared/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// frame is one relayed envelope with the ids it is addressed to.
type frame struct {
	body   []byte
	chatID string
	userID string
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	chatID string
	userID string
}

// wants reports whether f belongs on this connection. Chat frames go only to
// that chat's sockets; an untargeted frame or empty user id matches anyone.
func (c *wsClient) wants(f frame) bool {
	if f.chatID != "" && c.chatID != f.chatID {
		return false
	}
	if c.userID != "" && f.userID != "" && c.userID != f.userID {
		return false
	}
	return true
}

type hub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	bc      chan frame
	log     zerolog.Logger
}

func newHub() *hub {
	return &hub{
		clients: make(map[*wsClient]struct{}),
		bc:      make(chan frame, 512),
		log:     logger.New("hub"),
	}
}

func (h *hub) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-h.bc:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(f) {
					continue
				}
				select {
				case c.send <- f.body:
				default:
					// slow client, drop
				}
			}
			h.mu.RUnlock()
		}
	}
}

// broadcast queues an event envelope for every interested client.
func (h *hub) broadcast(body []byte) {
	ids := gjson.GetManyBytes(body, "payload.chat_id", "payload.user_id")
	f := frame{body: body, chatID: ids[0].String(), userID: ids[1].String()}
	select {
	case h.bc <- f:
	default:
		h.log.Warn().Msg("relay backlog full, dropping event")
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// serveWS relays events to one browser tab. ?chat= and ?user= narrow what it
// receives.
func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat")
	if chatID == "" {
		jsonErr(w, "chat query parameter required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WS upgrade failed")
		return
	}
	c := &wsClient{
		conn:   conn,
		send:   make(chan []byte, 64),
		chatID: chatID,
		userID: r.URL.Query().Get("user"),
	}
	h.add(c)
	h.log.Debug().Str("remote", r.RemoteAddr).Str("chat", c.chatID).Msg("WS connected")

	done := make(chan struct{})
	defer close(done)

	// Write pump
	go func() {
		defer func() {
			conn.Close()
			h.remove(c)
		}()
		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case msg := <-c.send:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if conn.WriteMessage(websocket.TextMessage, msg) != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if conn.WriteMessage(websocket.PingMessage, nil) != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
