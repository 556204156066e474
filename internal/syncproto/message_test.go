package syncproto

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/crdt"
)

func TestEncode_Golden(t *testing.T) {
	name := "Ana"
	tests := []struct {
		name string
		msg  Message
	}{
		{"op_insert", OpMessage(crdt.Op{
			Kind:   crdt.KindInsert,
			ID:     crdt.OpID{Peer: "replica-a", Seq: 1},
			Stamp:  crdt.Stamp{Clock: 1, PeerID: "replica-a"},
			Author: "u-ana",
			Record: "rec-tent",
			Patch:  crdt.Record{Name: "Tent", Qty: 1, Unit: "pcs", AssignedTo: "u-ana"}.Fields(),
		})},
		{"presence_partial", PresenceMessage(awareness.Delta{Peer: "replica-a", Clock: 3, Name: &name})},
		{"digest", DigestMessage(crdt.Digest{"replica-b": 1, "replica-a": 3})},
		{"hello", HelloMessage(Hello{Room: "camping-weekend", Peer: "replica-a", Addr: "ws://10.0.0.5:8080/peer"})},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := Encode(tt.msg)
			require.NoError(t, err)
			g.Assert(t, tt.name, b)

			back, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, back)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"gossip"}`},
		{"op without payload", `{"type":"op"}`},
		{"presence without payload", `{"type":"presence"}`},
		{"hello without peer", `{"type":"hello","hello":{"room":"r"}}`},
		{"oversized", `{"type":"delta","ops":[],"pad":"` + strings.Repeat("x", MaxMessageSize) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecode_EmptyDigestAndDelta(t *testing.T) {
	m, err := Decode([]byte(`{"type":"digest"}`))
	require.NoError(t, err)
	assert.Empty(t, m.Digest)

	m, err = Decode([]byte(`{"type":"delta"}`))
	require.NoError(t, err)
	assert.Empty(t, m.Ops)
}

func TestEncode_RejectsInvalid(t *testing.T) {
	_, err := Encode(Message{Type: TypeOp})
	assert.ErrorIs(t, err, ErrMalformed)
}
