package syncproto

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/crdt"
)

// Replica applies channel messages to one room's record store and presence
// table. It is driven by a single goroutine.
type Replica struct {
	room  string
	store *crdt.Store
	table *awareness.Table
	log   zerolog.Logger
}

// Result reports what a handled message did.
type Result struct {
	// Replies go back on the channel the message arrived on.
	Replies []Message
	// Hello is set when the message was a valid hello.
	Hello *Hello
	// Applied counts ops that were new to the store.
	Applied int
	// Presence is true when the presence set changed.
	Presence bool
	// Forward is true when a presence delta was newer than anything seen
	// for its peer and should be passed on to other channels.
	Forward bool
}

func NewReplica(room string, store *crdt.Store, table *awareness.Table, log zerolog.Logger) *Replica {
	return &Replica{room: room, store: store, table: table, log: log}
}

func (r *Replica) Room() string { return r.room }

func (r *Replica) Store() *crdt.Store { return r.store }

func (r *Replica) Table() *awareness.Table { return r.table }

// Open returns the messages sent when a channel opens.
func (r *Replica) Open(addr string) []Message {
	return []Message{
		HelloMessage(Hello{Room: r.room, Peer: r.table.Self(), Addr: addr}),
		DigestMessage(r.store.Digest()),
		PresenceMessage(r.table.Full()),
	}
}

// Handle applies m. Malformed payloads are logged and returned as errors;
// valid parts of a delta are still applied.
func (r *Replica) Handle(m Message, now time.Time) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, err
	}

	var res Result
	switch m.Type {
	case TypeHello:
		if m.Hello.Room != r.room {
			return res, ErrRoomMismatch
		}
		res.Hello = m.Hello

	case TypeDigest:
		replies, err := SplitDelta(r.store.Since(m.Digest), MaxMessageSize)
		if err != nil {
			r.log.Error().Err(err).Msg("build delta")
			return res, err
		}
		res.Replies = append(res.Replies, replies...)

	case TypeDelta:
		n, err := r.store.ApplyAll(m.Ops)
		res.Applied = n
		if err != nil {
			r.log.Warn().Err(err).Int("ops", len(m.Ops)).Int("applied", n).Msg("delta had malformed ops")
			return res, err
		}

	case TypeOp:
		ok, err := r.store.Apply(*m.Op)
		if err != nil {
			r.log.Warn().Err(err).Str("op", m.Op.ID.String()).Msg("dropped op")
			return res, err
		}
		if ok {
			res.Applied = 1
		}

	case TypePresence:
		fresh := r.table.Newer(*m.Presence)
		changed, err := r.table.OnRemoteUpdate(*m.Presence, now)
		if err != nil {
			r.log.Warn().Err(err).Msg("dropped presence")
			return res, err
		}
		res.Presence = changed
		res.Forward = fresh
	}
	return res, nil
}

// IsMalformed reports whether err came from bad peer data rather than a
// room mismatch.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed) || crdt.IsMalformed(err) || errors.Is(err, awareness.ErrMalformed)
}
