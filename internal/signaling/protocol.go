// Package signaling implements the rendezvous wire protocol and the room
// hub that serves it.
//
// Clients subscribe to topics (rooms) and publish opaque data to them; the
// hub forwards each publish to every subscriber of the topic, the sender
// included. The hub never looks inside data.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePublish     MessageType = "publish"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"
)

// MaxMessageSize bounds a single signaling frame.
const MaxMessageSize = 64 << 10

var ErrMalformed = errors.New("malformed signaling message")

type Message struct {
	Type   MessageType     `json:"type"`
	Topics []string        `json:"topics,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeSubscribe, TypeUnsubscribe:
		for _, t := range m.Topics {
			if t == "" {
				return fmt.Errorf("%w: empty topic", ErrMalformed)
			}
		}
	case TypePublish:
		if m.Topic == "" {
			return fmt.Errorf("%w: publish without topic", ErrMalformed)
		}
	case TypePing, TypePong:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

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
