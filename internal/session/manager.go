// Package session runs the replication engine for one room at a time.
//
// A Manager owns at most one joined room. Each room is an actor: a single
// goroutine owns the record store, the presence table and every channel's
// bookkeeping, and all other goroutines (websocket pumps, the rendezvous
// loop, timers and API callers) hand it closures through an unbounded
// queue. Network writes go through bounded per-channel queues, so a slow
// peer is dropped instead of stalling local edits.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/crdt"
	"github.com/hwgprojects/schlopping/internal/notify"
	"github.com/hwgprojects/schlopping/internal/profile"
	"github.com/hwgprojects/schlopping/internal/rendezvous"
	"github.com/hwgprojects/schlopping/internal/syncproto"
)

var (
	ErrNotJoined = errors.New("not joined to a room")
	ErrEmptyRoom = errors.New("room name is required")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Manager struct {
	cfg     Config
	dialers []rendezvous.Dialer
	log     zerolog.Logger

	lifecycle sync.Mutex // serializes Join and Leave

	mu      sync.Mutex
	room    *room
	profile profile.Profile

	records  *notify.Topic[[]crdt.Record]
	presence *notify.Topic[[]awareness.Entry]
	status   *notify.Topic[State]
}

// NewManager creates a manager for the local profile. dialers are the
// rendezvous endpoints in fallback order.
func NewManager(cfg Config, dialers []rendezvous.Dialer, self profile.Profile, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		dialers:  dialers,
		log:      log.With().Str("component", "session").Logger(),
		profile:  self,
		records:  notify.New([]crdt.Record{}),
		presence: notify.New([]awareness.Entry{}),
		status:   notify.New(Disconnected),
	}
}

// Join leaves the current room, if any, and joins name with an empty
// replica. Joining the current room again is a no-op. Join returns once the
// room actor is running; connecting continues in the background.
func (m *Manager) Join(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyRoom
	}
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	cur := m.room
	m.mu.Unlock()
	if cur != nil {
		if cur.name == name {
			return nil
		}
		if err := m.leave(ctx); err != nil && !errors.Is(err, ErrNotJoined) {
			return err
		}
	}

	r := newRoom(m, name, m.Profile())
	m.mu.Lock()
	m.room = r
	m.mu.Unlock()

	r.start()
	return r.call(ctx, func() error { return nil })
}

// Leave announces departure to every peer, closes all channels, and moves
// to Disconnected.
func (m *Manager) Leave(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	return m.leave(ctx)
}

func (m *Manager) leave(ctx context.Context) error {
	m.mu.Lock()
	r := m.room
	m.room = nil
	m.mu.Unlock()
	if r == nil {
		return ErrNotJoined
	}

	err := r.call(ctx, func() error {
		r.leave()
		return nil
	})
	r.cancel()
	<-r.done
	<-r.discoveryDone

	m.records.Publish([]crdt.Record{})
	m.presence.Publish([]awareness.Entry{})
	m.status.Publish(Disconnected)
	return err
}

// Close leaves the current room, if any.
func (m *Manager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Leave(ctx); err != nil && !errors.Is(err, ErrNotJoined) {
		return err
	}
	return nil
}

func (m *Manager) current() (*room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return nil, ErrNotJoined
	}
	return m.room, nil
}

func (m *Manager) publishState(r *room, s State) {
	m.mu.Lock()
	live := m.room == r
	m.mu.Unlock()
	if live {
		m.status.Publish(s)
	}
}

// PeerHandler accepts channels dialed by other peers of the current room.
func (m *Manager) PeerHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r, err := m.current()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			m.log.Debug().Err(err).Msg("peer upgrade failed")
			return
		}
		if !r.post(func() { r.attach(conn, false) }) {
			conn.Close()
		}
	})
}

// Append adds rec at the end of the list and broadcasts it.
func (m *Manager) Append(ctx context.Context, rec crdt.Record) (crdt.Record, error) {
	return m.insert(ctx, func(s *crdt.Store) (crdt.Record, crdt.Op, error) { return s.Append(rec) })
}

// Insert adds rec after the record with id after ("" for the head).
func (m *Manager) Insert(ctx context.Context, after string, rec crdt.Record) (crdt.Record, error) {
	return m.insert(ctx, func(s *crdt.Store) (crdt.Record, crdt.Op, error) { return s.Insert(after, rec) })
}

func (m *Manager) insert(ctx context.Context, fn func(*crdt.Store) (crdt.Record, crdt.Op, error)) (crdt.Record, error) {
	r, err := m.current()
	if err != nil {
		return crdt.Record{}, err
	}
	var out crdt.Record
	err = r.call(ctx, func() error {
		rec, op, err := fn(r.store)
		if err != nil {
			return err
		}
		out = rec
		r.broadcast(syncproto.OpMessage(op), nil)
		return nil
	})
	return out, err
}

// Update changes fields of a visible record.
func (m *Manager) Update(ctx context.Context, id string, p crdt.Patch) error {
	r, err := m.current()
	if err != nil {
		return err
	}
	return r.call(ctx, func() error {
		op, err := r.store.Update(id, p)
		if err != nil {
			return err
		}
		r.broadcast(syncproto.OpMessage(op), nil)
		return nil
	})
}

// Remove deletes a record. Removing an already deleted record is a no-op.
func (m *Manager) Remove(ctx context.Context, id string) error {
	r, err := m.current()
	if err != nil {
		return err
	}
	return r.call(ctx, func() error {
		op, removed, err := r.store.Remove(id)
		if err != nil || !removed {
			return err
		}
		r.broadcast(syncproto.OpMessage(op), nil)
		return nil
	})
}

// ClearCompleted removes every record marked done and returns how many
// were removed.
func (m *Manager) ClearCompleted(ctx context.Context) (int, error) {
	r, err := m.current()
	if err != nil {
		return 0, err
	}
	n := 0
	err = r.call(ctx, func() error {
		ops := r.store.ClearCompleted()
		for _, op := range ops {
			r.broadcast(syncproto.OpMessage(op), nil)
		}
		n = len(ops)
		return nil
	})
	return n, err
}

// SetProfile replaces the local profile. In a room, the changed fields are
// broadcast and later edits are credited to the new id.
func (m *Manager) SetProfile(ctx context.Context, p profile.Profile) error {
	if !p.Complete() {
		return profile.ErrIncomplete
	}
	m.mu.Lock()
	m.profile = p
	r := m.room
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.call(ctx, func() error {
		r.store.SetAuthor(p.ID)
		if d, ok := r.table.SetLocal(p, time.Now()); ok {
			r.broadcast(syncproto.PresenceMessage(d), nil)
		}
		return nil
	})
}

func (m *Manager) Profile() profile.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

// Room returns the joined room name, or "".
func (m *Manager) Room() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return ""
	}
	return m.room.name
}

// Peer returns this session's peer id in the joined room, or "".
func (m *Manager) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.room == nil {
		return ""
	}
	return m.room.self
}

// Peers returns the ids of peers with an open channel.
func (m *Manager) Peers(ctx context.Context) ([]string, error) {
	r, err := m.current()
	if err != nil {
		return nil, err
	}
	var out []string
	err = r.call(ctx, func() error {
		for id := range r.channels {
			out = append(out, id)
		}
		return nil
	})
	return out, err
}

func (m *Manager) Records() []crdt.Record { return m.records.Latest() }

func (m *Manager) Presence() []awareness.Entry { return m.presence.Latest() }

func (m *Manager) State() State { return m.status.Latest() }

func (m *Manager) Status() Status { return m.State().Status() }

// SubscribeRecords delivers the materialized list now and after every
// change.
func (m *Manager) SubscribeRecords(fn func([]crdt.Record)) (unsubscribe func()) {
	return m.records.Subscribe(fn)
}

// SubscribePresence delivers the presence set now and after every change.
func (m *Manager) SubscribePresence(fn func([]awareness.Entry)) (unsubscribe func()) {
	return m.presence.Subscribe(fn)
}

// SubscribeState delivers the connection state now and on every
// transition.
func (m *Manager) SubscribeState(fn func(State)) (unsubscribe func()) {
	return m.status.Subscribe(fn)
}
