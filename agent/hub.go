package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	uiWriteWait  = 10 * time.Second
	uiPongWait   = 60 * time.Second
	uiPingPeriod = (uiPongWait * 9) / 10
	uiMaxMessage = 64 << 10
	uiSendQueue  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one browser tab connected to the local agent.
type Client struct {
	conn *websocket.Conn
	send chan []byte
}

type directMessage struct {
	client  *Client
	message []byte
}

// Hub fans list snapshots out to every connected UI. New clients receive
// the latest snapshot first.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	direct     chan directMessage
	done       chan struct{}
	latest     []byte

	handle func(context.Context, Op) error
	log    zerolog.Logger
}

func newHub(handle func(context.Context, Op) error, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		direct:     make(chan directMessage),
		done:       make(chan struct{}),
		handle:     handle,
		log:        log.With().Str("component", "ui").Logger(),
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			if h.latest != nil {
				h.queue(client, h.latest)
			}
			h.log.Debug().Int("clients", len(h.clients)).Msg("ui client registered")
		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
				h.log.Debug().Int("clients", len(h.clients)).Msg("ui client unregistered")
			}
		case d := <-h.direct:
			if h.clients[d.client] {
				h.queue(d.client, d.message)
			}
		case message := <-h.broadcast:
			h.latest = message
			for client := range h.clients {
				h.queue(client, message)
			}
		}
	}
}

func (h *Hub) queue(client *Client, message []byte) {
	select {
	case client.send <- message:
	default:
		h.log.Warn().Msg("ui client too slow, dropping")
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
}

// Broadcast publishes a snapshot. It returns without sending once the hub
// has stopped.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	case <-h.done:
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("ui upgrade failed")
		return
	}
	client := &Client{conn: conn, send: make(chan []byte, uiSendQueue)}
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}
	go client.writePump()
	go client.readPump(h)
}

func (c *Client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(uiMaxMessage)
	c.conn.SetReadDeadline(time.Now().Add(uiPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(uiPongWait))
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(uiPongWait))
		op, err := DecodeOp(message)
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), uiWriteWait)
			err = h.handle(ctx, op)
			cancel()
		}
		if err != nil {
			h.log.Info().Err(err).Msg("ui op rejected")
			h.reply(c, errorFrame(err))
		}
	}
}

// reply sends to one client only.
func (h *Hub) reply(c *Client, frame []byte) {
	select {
	case h.direct <- directMessage{client: c, message: frame}:
	case <-h.done:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(uiPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(uiWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
