// Package syncproto defines the messages peers exchange over a channel and
// the rules for applying them to a replica.
//
// A channel opens with hello, then each side sends its digest and full
// presence. A digest is answered once with a delta of the ops it lacks.
// After that, changes flow as single op and presence messages. Every kind
// is safe to deliver more than once.
package syncproto

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/crdt"
)

// MaxMessageSize bounds a single encoded message.
const MaxMessageSize = 4 << 20

// deltaOverhead covers the envelope around a delta's ops array.
const deltaOverhead = 64

type Type string

const (
	TypeHello    Type = "hello"
	TypeDigest   Type = "digest"
	TypeDelta    Type = "delta"
	TypeOp       Type = "op"
	TypePresence Type = "presence"
)

var (
	// ErrMalformed marks a message that could not be decoded or is missing
	// its payload.
	ErrMalformed = errors.New("malformed message")
	// ErrRoomMismatch is returned when a peer says hello for another room.
	ErrRoomMismatch = errors.New("room mismatch")
)

// Hello opens a channel. Addr is where the sender accepts peer channels.
type Hello struct {
	Room string `json:"room"`
	Peer string `json:"peer"`
	Addr string `json:"addr,omitempty"`
}

// Message is the envelope for every channel message. Exactly one payload
// field is set, selected by Type.
type Message struct {
	Type     Type             `json:"type"`
	Hello    *Hello           `json:"hello,omitempty"`
	Digest   crdt.Digest      `json:"digest,omitempty"`
	Ops      []crdt.Op        `json:"ops,omitempty"`
	Op       *crdt.Op         `json:"op,omitempty"`
	Presence *awareness.Delta `json:"presence,omitempty"`
}

func HelloMessage(h Hello) Message { return Message{Type: TypeHello, Hello: &h} }

func DigestMessage(d crdt.Digest) Message { return Message{Type: TypeDigest, Digest: d} }

func DeltaMessage(ops []crdt.Op) Message { return Message{Type: TypeDelta, Ops: ops} }

// SplitDelta packs ops, in order, into delta messages whose encoding stays
// within limit bytes. No ops yields a single empty delta. An op that alone
// exceeds limit gets a message of its own.
func SplitDelta(ops []crdt.Op, limit int) ([]Message, error) {
	var (
		out   []Message
		batch []crdt.Op
	)
	size := deltaOverhead
	for _, op := range ops {
		b, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("encode op %s: %w", op.ID, err)
		}
		n := len(b) + 1
		if len(batch) > 0 && size+n > limit {
			out = append(out, DeltaMessage(batch))
			batch, size = nil, deltaOverhead
		}
		batch = append(batch, op)
		size += n
	}
	if len(batch) > 0 || len(out) == 0 {
		out = append(out, DeltaMessage(batch))
	}
	return out, nil
}

func OpMessage(op crdt.Op) Message { return Message{Type: TypeOp, Op: &op} }

func PresenceMessage(d awareness.Delta) Message { return Message{Type: TypePresence, Presence: &d} }

// Validate checks that the payload matches the type.
func (m Message) Validate() error {
	switch m.Type {
	case TypeHello:
		if m.Hello == nil || m.Hello.Peer == "" {
			return fmt.Errorf("%w: hello without peer", ErrMalformed)
		}
	case TypeDigest, TypeDelta:
		// An empty digest or delta is valid.
	case TypeOp:
		if m.Op == nil {
			return fmt.Errorf("%w: op message without op", ErrMalformed)
		}
	case TypePresence:
		if m.Presence == nil {
			return fmt.Errorf("%w: presence message without delta", ErrMalformed)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

// Encode marshals m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	return b, nil
}

// Decode unmarshals and validates one message.
func Decode(b []byte) (Message, error) {
	if len(b) > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformed, len(b))
	}
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
