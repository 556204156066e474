package session

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/hwgprojects/schlopping/internal/syncproto"
)

const (
	channelWriteWait  = 10 * time.Second
	channelPongWait   = 60 * time.Second
	channelPingPeriod = (channelPongWait * 9) / 10
)

// channel is one websocket to another peer of the room. peer and closed
// belong to the room actor; the pumps only touch conn and send.
type channel struct {
	id       uint64
	conn     *websocket.Conn
	send     chan []byte
	outbound bool

	peer   string
	closed bool
}

// readPump forwards frames to the actor until the connection fails.
func (c *channel) readPump(r *room) {
	defer c.conn.Close()
	c.conn.SetReadLimit(syncproto.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(channelPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(channelPongWait))
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			r.post(func() { r.onChannelClosed(c, err) })
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(channelPongWait))
		if !r.post(func() { r.onFrame(c, raw) }) {
			return
		}
	}
}

// writePump drains send. A closed send flushes what is queued, then ends
// the connection with a close frame.
func (c *channel) writePump() {
	ticker := time.NewTicker(channelPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(channelWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
