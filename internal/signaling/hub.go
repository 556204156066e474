package signaling

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// DefaultSendQueue is the per-client outbound buffer. A client whose
	// buffer fills is disconnected.
	DefaultSendQueue = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one signaling websocket.
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
}

type inbound struct {
	c   *client
	msg Message
	raw []byte
}

type relayed struct {
	topic string
	frame []byte
}

// Hub maintains the set of connected clients and their topics. All maps are
// owned by the Run goroutine.
type Hub struct {
	clients map[*client]bool
	topics  map[string]map[*client]bool

	register   chan *client
	unregister chan *client
	inbound    chan inbound
	relayed    chan relayed
	done       chan struct{}

	relay     Relay
	sendQueue int
	log       zerolog.Logger
}

// NewHub creates a hub. relay may be nil for a single instance.
func NewHub(relay Relay, log zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		topics:     make(map[string]map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inbound),
		relayed:    make(chan relayed),
		done:       make(chan struct{}),
		relay:      relay,
		sendQueue:  DefaultSendQueue,
		log:        log.With().Str("component", "hub").Logger(),
	}
}

// Run owns the hub state until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	if h.relay != nil {
		go func() {
			if err := h.relay.Subscribe(ctx, h.deliverRelayed(ctx)); err != nil {
				h.log.Error().Err(err).Msg("relay stopped")
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return
		case c := <-h.register:
			h.clients[c] = true
			h.log.Debug().Str("client", c.id).Int("clients", len(h.clients)).Msg("client registered")
		case c := <-h.unregister:
			if h.clients[c] {
				h.drop(c)
				h.log.Debug().Str("client", c.id).Int("clients", len(h.clients)).Msg("client unregistered")
			}
		case in := <-h.inbound:
			if h.clients[in.c] {
				h.handle(in)
			}
		case r := <-h.relayed:
			h.fanOut(r.topic, r.frame)
		}
	}
}

func (h *Hub) deliverRelayed(ctx context.Context) func(string, []byte) {
	return func(topic string, frame []byte) {
		select {
		case h.relayed <- relayed{topic: topic, frame: frame}:
		case <-ctx.Done():
		}
	}
}

func (h *Hub) handle(in inbound) {
	c := in.c
	switch in.msg.Type {
	case TypeSubscribe:
		for _, t := range in.msg.Topics {
			subs, ok := h.topics[t]
			if !ok {
				subs = make(map[*client]bool)
				h.topics[t] = subs
			}
			subs[c] = true
			c.topics[t] = true
		}
	case TypeUnsubscribe:
		for _, t := range in.msg.Topics {
			h.leaveTopic(c, t)
		}
	case TypePublish:
		h.fanOut(in.msg.Topic, in.raw)
	case TypePing:
		b, _ := Encode(Message{Type: TypePong})
		h.queue(c, b)
	}
}

func (h *Hub) fanOut(topic string, frame []byte) {
	for c := range h.topics[topic] {
		h.queue(c, frame)
	}
}

// queue hands frame to c's write pump, dropping c if it cannot keep up.
func (h *Hub) queue(c *client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		h.log.Warn().Str("client", c.id).Msg("send queue full, dropping client")
		h.drop(c)
	}
}

func (h *Hub) drop(c *client) {
	for t := range c.topics {
		h.leaveTopic(c, t)
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) leaveTopic(c *client, topic string) {
	delete(c.topics, topic)
	if subs, ok := h.topics[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
}

// ServeHTTP upgrades the request and serves one signaling client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, h.sendQueue),
		topics: make(map[string]bool),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(c)
	h.readPump(r.Context(), c)
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		msg, err := Decode(raw)
		if err != nil {
			h.log.Debug().Err(err).Str("client", c.id).Msg("ignored frame")
			continue
		}
		if msg.Type == TypePublish && h.relay != nil {
			if err := h.relay.Publish(ctx, msg.Topic, raw); err != nil {
				h.log.Warn().Err(err).Str("topic", msg.Topic).Msg("relay publish failed")
			}
		}
		select {
		case h.inbound <- inbound{c: c, msg: msg, raw: raw}:
		case <-h.done:
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
