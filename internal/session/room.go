package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/crdt"
	"github.com/hwgprojects/schlopping/internal/profile"
	"github.com/hwgprojects/schlopping/internal/rendezvous"
	"github.com/hwgprojects/schlopping/internal/syncproto"
)

var errRestart = errors.New("rendezvous restarted: no open channels")

// room is the actor for one joined room. Everything below the actor-owned
// marker is touched only from run.
type room struct {
	name string
	self string
	cfg  Config
	m    *Manager
	log  zerolog.Logger

	queue         *eventQueue
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan struct{}
	discoveryDone chan struct{}

	kick         chan struct{}
	announce     chan struct{}
	resetBackoff atomic.Bool

	// actor-owned
	store         *crdt.Store
	table         *awareness.Table
	replica       *syncproto.Replica
	nextChannel   uint64
	pending       map[*channel]bool
	channels      map[string]*channel
	dialing       map[string]bool
	known         map[string]rendezvous.Announcement
	state         State
	everLinked    bool
	everConnected bool
	leaving       bool
	unsubscribe   []func()
}

func newRoom(m *Manager, name string, p profile.Profile) *room {
	self := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	log := m.log.With().Str("room", name).Str("peer", self).Logger()

	r := &room{
		name:          name,
		self:          self,
		cfg:           m.cfg,
		m:             m,
		log:           log,
		queue:         newEventQueue(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		discoveryDone: make(chan struct{}),
		kick:          make(chan struct{}, 1),
		announce:      make(chan struct{}, 1),
		store:         crdt.NewStore(self, p.ID),
		table:         awareness.NewTable(self, p, time.Now()),
		pending:       make(map[*channel]bool),
		channels:      make(map[string]*channel),
		dialing:       make(map[string]bool),
		known:         make(map[string]rendezvous.Announcement),
		state:         Disconnected,
	}
	r.replica = syncproto.NewReplica(name, r.store, r.table, log)
	r.unsubscribe = []func(){
		r.store.Subscribe(m.records.Publish),
		r.table.Subscribe(m.presence.Publish),
	}
	return r
}

func (r *room) start() {
	go r.run()
	go r.discover()
}

// post hands fn to the actor. It returns false once the room has stopped.
func (r *room) post(fn event) bool {
	return r.queue.Enqueue(fn)
}

// call runs fn on the actor and waits for its result.
func (r *room) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	if !r.post(func() { errc <- fn() }) {
		return ErrNotJoined
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrNotJoined
		}
	}
}

func (r *room) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	r.log.Info().Msg("joined room")
	r.setState(Connecting)
	for {
		if r.ctx.Err() != nil {
			r.shutdown()
			return
		}
		if ev, ok := r.queue.TryDequeue(); ok {
			ev()
			continue
		}
		select {
		case <-r.ctx.Done():
		case <-r.queue.Wait():
		case <-ticker.C:
			r.heartbeat(time.Now())
		}
	}
}

func (r *room) shutdown() {
	r.queue.Close()
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}
	for ch := range r.pending {
		r.closeChannel(ch, true)
	}
	for _, ch := range r.channels {
		r.closeChannel(ch, false)
	}
	r.log.Info().Msg("left room")
}

// leave says goodbye to every peer and closes the channels once the
// goodbye is flushed.
func (r *room) leave() {
	r.leaving = true
	r.broadcast(syncproto.PresenceMessage(r.table.Leave()), nil)
	for _, ch := range r.channels {
		r.closeChannel(ch, false)
	}
	for ch := range r.pending {
		r.closeChannel(ch, true)
	}
	r.table.Clear()
}

func (r *room) heartbeat(now time.Time) {
	r.broadcast(syncproto.PresenceMessage(r.table.Heartbeat(now)), nil)
	if gone := r.table.Sweep(now, r.cfg.PresenceTimeout); len(gone) > 0 {
		r.log.Info().Strs("peers", gone).Msg("presence expired")
	}
	r.requestAnnounce()
}

func (r *room) setState(s State) {
	if s == r.state {
		return
	}
	r.log.Info().Stringer("from", r.state).Stringer("to", s).Msg("state")
	r.state = s
	r.m.publishState(r, s)
}

func (r *room) updateState() {
	if r.leaving {
		return
	}
	next := Connecting
	switch {
	case len(r.channels) > 0 && r.everLinked:
		next = Connected
		r.everConnected = true
	case r.everConnected:
		next = Reconnecting
	}
	r.setState(next)
}

// broadcast sends m on every open channel except skip.
func (r *room) broadcast(m syncproto.Message, skip *channel) {
	b, err := syncproto.Encode(m)
	if err != nil {
		r.log.Error().Err(err).Msg("encode broadcast")
		return
	}
	for _, ch := range r.channels {
		if ch != skip {
			r.enqueue(ch, b)
		}
	}
}

func (r *room) sendTo(ch *channel, m syncproto.Message) {
	b, err := syncproto.Encode(m)
	if err != nil {
		r.log.Error().Err(err).Msg("encode reply")
		return
	}
	r.enqueue(ch, b)
}

// enqueue never blocks; a channel whose queue is full is dropped.
func (r *room) enqueue(ch *channel, frame []byte) {
	if ch.closed {
		return
	}
	select {
	case ch.send <- frame:
	default:
		r.log.Warn().Str("remote", ch.peer).Int("queue", cap(ch.send)).Msg("outbound queue full, dropping channel")
		r.closeChannel(ch, true)
		r.channelGone(ch)
	}
}

// attach starts the pumps for a new websocket and opens the handshake.
func (r *room) attach(conn *websocket.Conn, outbound bool) {
	if r.leaving {
		conn.Close()
		return
	}
	r.nextChannel++
	ch := &channel{
		id:       r.nextChannel,
		conn:     conn,
		send:     make(chan []byte, r.cfg.OutboundQueue),
		outbound: outbound,
	}
	r.pending[ch] = true
	go ch.writePump()
	go ch.readPump(r)

	for _, m := range r.replica.Open(r.cfg.AdvertiseURL) {
		r.sendTo(ch, m)
	}
	time.AfterFunc(r.cfg.HandshakeTimeout, func() {
		r.post(func() {
			if !ch.closed && ch.peer == "" {
				r.log.Warn().Uint64("channel", ch.id).Msg("handshake timed out")
				r.closeChannel(ch, true)
			}
		})
	})
}

// closeChannel stops ch. A soft close lets the write pump flush first.
func (r *room) closeChannel(ch *channel, hard bool) {
	if ch.closed {
		return
	}
	ch.closed = true
	close(ch.send)
	if hard {
		ch.conn.Close()
	}
	delete(r.pending, ch)
	if ch.peer != "" && r.channels[ch.peer] == ch {
		delete(r.channels, ch.peer)
	}
}

// channelGone reacts to losing an accepted channel.
func (r *room) channelGone(ch *channel) {
	if r.leaving || ch.peer == "" {
		return
	}
	r.updateState()
	if a, ok := r.known[ch.peer]; ok && r.self < ch.peer {
		time.AfterFunc(r.cfg.BackoffInitial, func() {
			r.post(func() { r.maybeDial(a) })
		})
	}
	if len(r.channels) == 0 {
		r.kickRendezvous()
	}
}

func (r *room) onChannelClosed(ch *channel, err error) {
	if ch.closed {
		return
	}
	r.log.Info().Err(err).Str("remote", ch.peer).Msg("channel closed")
	r.closeChannel(ch, false)
	r.channelGone(ch)
}

func (r *room) onFrame(ch *channel, raw []byte) {
	if ch.closed {
		return
	}
	msg, err := syncproto.Decode(raw)
	if err != nil {
		r.log.Warn().Err(err).Str("remote", ch.peer).Msg("dropped frame")
		return
	}
	if ch.peer == "" && msg.Type != syncproto.TypeHello {
		r.log.Warn().Uint64("channel", ch.id).Str("type", string(msg.Type)).Msg("frame before hello")
		r.closeChannel(ch, true)
		return
	}
	if ch.peer != "" && msg.Type == syncproto.TypeHello {
		return
	}

	res, err := r.replica.Handle(msg, time.Now())
	if errors.Is(err, syncproto.ErrRoomMismatch) {
		r.log.Warn().Str("remote_room", msg.Hello.Room).Msg("closing channel from another room")
		r.closeChannel(ch, true)
		return
	}
	if res.Hello != nil && !r.accept(ch, *res.Hello) {
		return
	}
	for _, reply := range res.Replies {
		r.sendTo(ch, reply)
	}
	// Relay news so peers without a direct channel still converge.
	switch {
	case msg.Type == syncproto.TypeOp && res.Applied > 0:
		r.broadcast(msg, ch)
	case msg.Type == syncproto.TypePresence && res.Forward:
		r.broadcast(msg, ch)
	}
	if msg.Type == syncproto.TypePresence && msg.Presence.Left {
		delete(r.known, msg.Presence.Peer)
	}
}

func (r *room) accept(ch *channel, h syncproto.Hello) bool {
	if h.Peer == r.self {
		r.closeChannel(ch, true)
		return false
	}
	if old, ok := r.channels[h.Peer]; ok && old != ch {
		r.log.Debug().Str("remote", h.Peer).Msg("replacing channel")
		r.closeChannel(old, true)
	}
	ch.peer = h.Peer
	delete(r.pending, ch)
	r.channels[h.Peer] = ch
	if h.Addr != "" {
		r.known[h.Peer] = rendezvous.Announcement{Peer: h.Peer, Room: r.name, Addr: h.Addr}
	}
	r.resetBackoff.Store(true)
	r.log.Info().Str("remote", h.Peer).Bool("outbound", ch.outbound).Msg("channel open")
	r.updateState()
	return true
}

func (r *room) onAnnouncement(a rendezvous.Announcement) {
	if a.Peer == r.self || a.Room != r.name {
		return
	}
	_, seen := r.known[a.Peer]
	r.known[a.Peer] = a
	if !seen {
		r.requestAnnounce()
	}
	r.maybeDial(a)
}

// maybeDial opens a channel to a when we are the side that dials: the
// lower peer id.
func (r *room) maybeDial(a rendezvous.Announcement) {
	if r.leaving || a.Addr == "" || r.self >= a.Peer {
		return
	}
	if _, ok := r.channels[a.Peer]; ok || r.dialing[a.Peer] {
		return
	}
	r.dialing[a.Peer] = true
	go r.dial(a)
}

func (r *room) dial(a rendezvous.Announcement) {
	ctx, cancel := context.WithTimeout(r.ctx, r.cfg.HandshakeTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.Addr, nil)
	ok := r.post(func() {
		delete(r.dialing, a.Peer)
		if err != nil {
			r.log.Debug().Err(err).Str("remote", a.Peer).Str("addr", a.Addr).Msg("dial failed")
			delete(r.known, a.Peer)
			return
		}
		r.attach(conn, true)
	})
	if !ok && conn != nil {
		conn.Close()
	}
}

func (r *room) onLinkUp(endpoint string) {
	r.everLinked = true
	r.log.Info().Str("endpoint", endpoint).Msg("rendezvous up")
	r.updateState()
}

func (r *room) onLinkDown(err error) {
	r.log.Warn().Err(err).Msg("rendezvous down")
	r.updateState()
}

func (r *room) requestAnnounce() {
	select {
	case r.announce <- struct{}{}:
	default:
	}
}

func (r *room) kickRendezvous() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// discover keeps a rendezvous link up, retrying with exponential backoff.
// The backoff resets whenever a peer channel opens.
func (r *room) discover() {
	defer close(r.discoveryDone)

	policy := rendezvous.Policy{
		Dialers:         r.m.dialers,
		EndpointTimeout: r.cfg.EndpointTimeout,
		Log:             r.log,
	}
	self := rendezvous.Announcement{Peer: r.self, Room: r.name, Addr: r.cfg.AdvertiseURL}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.MaxInterval = r.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		link, d, err := policy.Connect(r.ctx, self)
		if err == nil {
			endpoint := d.String()
			r.post(func() { r.onLinkUp(endpoint) })
			err = r.serveLink(link, self)
			link.Close()
		}
		if r.ctx.Err() != nil {
			return
		}
		linkErr := err
		r.post(func() { r.onLinkDown(linkErr) })

		if r.resetBackoff.Swap(false) {
			b.Reset()
		}
		wait := b.NextBackOff()
		r.log.Debug().Dur("wait", wait).Msg("rendezvous retry scheduled")
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *room) serveLink(link rendezvous.Link, self rendezvous.Announcement) error {
	// A kick from before this link came up is stale.
	select {
	case <-r.kick:
	default:
	}
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		case <-link.Done():
			return link.Err()
		case <-r.kick:
			return errRestart
		case <-r.announce:
			if err := link.Announce(r.ctx, self); err != nil {
				return err
			}
		case a := <-link.Announcements():
			r.post(func() { r.onAnnouncement(a) })
		}
	}
}
