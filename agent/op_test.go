package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOp(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Action
		wantErr bool
	}{
		{"add", `{"action":"add","record":{"name":"Tent"}}`, ActionAdd, false},
		{"insert at head", `{"action":"insert","record":{"name":"Pegs"}}`, ActionInsert, false},
		{"update", `{"action":"update","id":"r1","patch":{"done":true}}`, ActionUpdate, false},
		{"remove", `{"action":"remove","id":"r1"}`, ActionRemove, false},
		{"clear", `{"action":"clearCompleted"}`, ActionClearCompleted, false},
		{"profile", `{"action":"profile","name":"Ana"}`, ActionProfile, false},
		{"join", `{"action":"join","room":"ski-trip"}`, ActionJoin, false},
		{"leave", `{"action":"leave"}`, ActionLeave, false},
		{"add without record", `{"action":"add"}`, "", true},
		{"update without patch", `{"action":"update","id":"r1"}`, "", true},
		{"remove without id", `{"action":"remove"}`, "", true},
		{"empty profile", `{"action":"profile"}`, "", true},
		{"join without room", `{"action":"join"}`, "", true},
		{"unknown", `{"action":"shout"}`, "", true},
		{"not json", `add Tent`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := DecodeOp([]byte(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrBadOp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, op.Action)
		})
	}
}
