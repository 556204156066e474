package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hwgprojects/schlopping/internal/signaling"
)

const (
	signalingPingPeriod = 20 * time.Second
	signalingReadWait   = 60 * time.Second
	signalingWriteWait  = 10 * time.Second
)

// SignalingDialer links through a websocket signaling server. The room is
// used as the topic.
type SignalingDialer struct {
	url    string
	dialer *websocket.Dialer
	log    zerolog.Logger
}

func NewSignalingDialer(url string, log zerolog.Logger) *SignalingDialer {
	return &SignalingDialer{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    log.With().Str("endpoint", url).Logger(),
	}
}

func (d *SignalingDialer) String() string { return d.url }

func (d *SignalingDialer) Dial(ctx context.Context, self Announcement) (Link, error) {
	conn, _, err := d.dialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	l := &signalingLink{
		linkState: newLinkState(self),
		conn:      conn,
		log:       d.log,
	}
	if err := l.write(signaling.Message{Type: signaling.TypeSubscribe, Topics: []string{self.Room}}); err != nil {
		conn.Close()
		return nil, err
	}
	if err := l.Announce(ctx, self); err != nil {
		conn.Close()
		return nil, err
	}
	go l.readLoop()
	go l.pingLoop()
	return l, nil
}

type signalingLink struct {
	*linkState
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex
}

func (l *signalingLink) Announce(_ context.Context, a Announcement) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return l.write(signaling.Message{Type: signaling.TypePublish, Topic: l.self.Room, Data: data})
}

func (l *signalingLink) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	l.write(signaling.Message{Type: signaling.TypeUnsubscribe, Topics: []string{l.self.Room}})
	l.fail(errLinkClosed)
	return l.conn.Close()
}

func (l *signalingLink) write(m signaling.Message) error {
	b, err := signaling.Encode(m)
	if err != nil {
		return err
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(signalingWriteWait))
	if err := l.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("signaling write: %w", err)
	}
	return nil
}

func (l *signalingLink) readLoop() {
	defer l.conn.Close()
	for {
		l.conn.SetReadDeadline(time.Now().Add(signalingReadWait))
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			l.fail(fmt.Errorf("signaling read: %w", err))
			return
		}
		m, err := signaling.Decode(raw)
		if err != nil || m.Type != signaling.TypePublish {
			continue
		}
		a, err := decodeAnnouncement(m.Data)
		if err != nil {
			l.log.Debug().Err(err).Msg("ignored announcement")
			continue
		}
		if !l.offer(a) {
			l.log.Debug().Str("peer", a.Peer).Msg("announcement backlog full")
		}
	}
}

func (l *signalingLink) pingLoop() {
	ticker := time.NewTicker(signalingPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.write(signaling.Message{Type: signaling.TypePing}); err != nil {
				l.fail(err)
				l.conn.Close()
				return
			}
		}
	}
}
