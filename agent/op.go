package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/crdt"
	"github.com/hwgprojects/schlopping/internal/profile"
	"github.com/hwgprojects/schlopping/internal/session"
)

// Action names a UI request.
type Action string

const (
	ActionAdd            Action = "add"
	ActionInsert         Action = "insert"
	ActionUpdate         Action = "update"
	ActionRemove         Action = "remove"
	ActionClearCompleted Action = "clearCompleted"
	ActionProfile        Action = "profile"
	ActionJoin           Action = "join"
	ActionLeave          Action = "leave"
)

var ErrBadOp = errors.New("bad ui op")

// Op is one request from the browser UI.
type Op struct {
	Action  Action       `json:"action"`
	ID      string       `json:"id,omitempty"`
	After   string       `json:"after,omitempty"`
	Record  *crdt.Record `json:"record,omitempty"`
	Patch   *crdt.Patch  `json:"patch,omitempty"`
	Name    *string      `json:"name,omitempty"`
	ColorID *string      `json:"colorId,omitempty"`
	Room    string       `json:"room,omitempty"`
}

func DecodeOp(raw []byte) (Op, error) {
	var op Op
	if err := json.Unmarshal(raw, &op); err != nil {
		return Op{}, fmt.Errorf("%w: %v", ErrBadOp, err)
	}
	switch op.Action {
	case ActionAdd, ActionInsert:
		if op.Record == nil {
			return Op{}, fmt.Errorf("%w: %s needs a record", ErrBadOp, op.Action)
		}
	case ActionUpdate:
		if op.ID == "" || op.Patch == nil {
			return Op{}, fmt.Errorf("%w: update needs id and patch", ErrBadOp)
		}
	case ActionRemove:
		if op.ID == "" {
			return Op{}, fmt.Errorf("%w: remove needs id", ErrBadOp)
		}
	case ActionProfile:
		if op.Name == nil && op.ColorID == nil {
			return Op{}, fmt.Errorf("%w: profile needs name or colorId", ErrBadOp)
		}
	case ActionJoin:
		if op.Room == "" {
			return Op{}, fmt.Errorf("%w: join needs room", ErrBadOp)
		}
	case ActionClearCompleted, ActionLeave:
	default:
		return Op{}, fmt.Errorf("%w: unknown action %q", ErrBadOp, op.Action)
	}
	return op, nil
}

// Snapshot is everything the UI renders. It is resent whole on every
// change.
type Snapshot struct {
	Type     string            `json:"type"`
	Room     string            `json:"room"`
	Peer     string            `json:"peer"`
	Status   session.Status    `json:"status"`
	Profile  profile.Profile   `json:"profile"`
	Colors   []profile.Color   `json:"colors"`
	Items    []crdt.Record     `json:"items"`
	Presence []awareness.Entry `json:"presence"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func errorFrame(err error) []byte {
	b, _ := json.Marshal(errorMessage{Type: "error", Error: err.Error()})
	return b
}
