package syncproto

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwgprojects/schlopping/internal/awareness"
	"github.com/hwgprojects/schlopping/internal/crdt"
	"github.com/hwgprojects/schlopping/internal/profile"
	"github.com/hwgprojects/schlopping/internal/testutil/testlog"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newReplica(t *testing.T, room, peer, name string) *Replica {
	t.Helper()
	p := profile.Profile{ID: "u-" + peer, Name: name, ColorID: "mint"}
	return NewReplica(room,
		crdt.NewStore(peer, p.ID),
		awareness.NewTable(peer, p, now),
		testlog.New(t))
}

// wire round-trips m through the codec like a real channel would.
func wire(t *testing.T, m Message) Message {
	t.Helper()
	b, err := Encode(m)
	require.NoError(t, err)
	back, err := Decode(b)
	require.NoError(t, err)
	return back
}

// handshake delivers each side's opening messages to the other and the
// replies back until both sides go quiet.
func handshake(t *testing.T, a, b *Replica) {
	t.Helper()
	type pending struct {
		to  *Replica
		msg Message
	}
	var queue []pending
	for _, m := range a.Open("") {
		queue = append(queue, pending{b, m})
	}
	for _, m := range b.Open("") {
		queue = append(queue, pending{a, m})
	}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		res, err := p.to.Handle(wire(t, p.msg), now)
		require.NoError(t, err)
		back := a
		if p.to == a {
			back = b
		}
		for _, r := range res.Replies {
			queue = append(queue, pending{back, r})
		}
	}
}

func TestReplica_LateJoinerReconciles(t *testing.T) {
	a := newReplica(t, "camping-weekend", "peer-a", "Ana")
	_, _, err := a.Store().Append(crdt.Record{Name: "Tent", Qty: 1, Unit: "pcs"})
	require.NoError(t, err)

	b := newReplica(t, "camping-weekend", "peer-b", "Bo")
	handshake(t, a, b)

	got := b.Store().Materialize()
	require.Len(t, got, 1)
	assert.Equal(t, a.Store().Materialize(), got)
	assert.Equal(t, "Tent", got[0].Name)
	assert.Equal(t, 1.0, got[0].Qty)
	assert.Equal(t, "pcs", got[0].Unit)

	assert.Len(t, b.Table().Entries(), 2)
	assert.Len(t, a.Table().Entries(), 2)
}

func TestReplica_BothSidesMergeOnOpen(t *testing.T) {
	a := newReplica(t, "r", "peer-a", "Ana")
	b := newReplica(t, "r", "peer-b", "Bo")
	_, _, err := a.Store().Append(crdt.Record{Name: "Tent"})
	require.NoError(t, err)
	_, _, err = b.Store().Append(crdt.Record{Name: "Stove"})
	require.NoError(t, err)

	handshake(t, a, b)
	assert.Equal(t, a.Store().Materialize(), b.Store().Materialize())
	assert.Equal(t, a.Store().Digest(), b.Store().Digest())
	assert.Len(t, a.Store().Materialize(), 2)
}

func TestReplica_RedeliveryIsSafe(t *testing.T) {
	a := newReplica(t, "r", "peer-a", "Ana")
	b := newReplica(t, "r", "peer-b", "Bo")
	rec, ins, err := a.Store().Append(crdt.Record{Name: "Tent"})
	require.NoError(t, err)
	upd, err := a.Store().Update(rec.ID, crdt.Patch{Done: crdt.Bool(true)})
	require.NoError(t, err)

	msgs := []Message{
		OpMessage(upd),
		DeltaMessage([]crdt.Op{ins, upd}),
		OpMessage(ins),
		PresenceMessage(a.Table().Full()),
		PresenceMessage(a.Table().Full()),
	}
	applied := 0
	for round := 0; round < 2; round++ {
		for _, m := range msgs {
			res, err := b.Handle(wire(t, m), now)
			require.NoError(t, err)
			applied += res.Applied
		}
	}
	assert.Equal(t, 2, applied)
	assert.Equal(t, a.Store().Materialize(), b.Store().Materialize())
	assert.Len(t, b.Table().Entries(), 2)
}

func TestReplica_RoomMismatch(t *testing.T) {
	a := newReplica(t, "a", "peer-a", "Ana")
	b := newReplica(t, "b", "peer-b", "Bo")

	_, err := b.Handle(a.Open("")[0], now)
	assert.ErrorIs(t, err, ErrRoomMismatch)
	assert.False(t, IsMalformed(err))

	res, err := a.Handle(HelloMessage(Hello{Room: "a", Peer: "peer-c"}), now)
	require.NoError(t, err)
	require.NotNil(t, res.Hello)
	assert.Equal(t, "peer-c", res.Hello.Peer)
}

func TestReplica_MalformedDeltaKeepsValidOps(t *testing.T) {
	a := newReplica(t, "r", "peer-a", "Ana")
	b := newReplica(t, "r", "peer-b", "Bo")
	_, ins, err := a.Store().Append(crdt.Record{Name: "Tent"})
	require.NoError(t, err)

	bad := ins
	bad.Record = ""
	res, err := b.Handle(DeltaMessage([]crdt.Op{bad, ins}), now)
	assert.True(t, IsMalformed(err))
	assert.Equal(t, 1, res.Applied)
	assert.Len(t, b.Store().Materialize(), 1)

	_, err = b.Handle(PresenceMessage(awareness.Delta{Peer: "peer-x"}), now)
	assert.True(t, IsMalformed(err))
}

func TestReplica_DigestAlwaysAnswered(t *testing.T) {
	a := newReplica(t, "r", "peer-a", "Ana")
	res, err := a.Handle(DigestMessage(nil), now)
	require.NoError(t, err)
	require.Len(t, res.Replies, 1)
	assert.Equal(t, TypeDelta, res.Replies[0].Type)
	assert.Empty(t, res.Replies[0].Ops)
}

func TestReplica_PresenceForwardOnlyWhenNewer(t *testing.T) {
	a := newReplica(t, "r", "peer-a", "Ana")
	b := newReplica(t, "r", "peer-b", "Bo")

	hb := wire(t, PresenceMessage(b.Table().Heartbeat(now)))
	res, err := a.Handle(hb, now)
	require.NoError(t, err)
	assert.True(t, res.Forward)

	res, err = a.Handle(hb, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, res.Forward, "a repeat must not circulate")

	// Liveness-only heartbeats still travel.
	res, err = a.Handle(wire(t, PresenceMessage(b.Table().Heartbeat(now))), now)
	require.NoError(t, err)
	assert.False(t, res.Presence)
	assert.True(t, res.Forward)
}

func TestReplica_LargeHistorySplitsDelta(t *testing.T) {
	a := newReplica(t, "r", "peer-a", "Ana")
	note := strings.Repeat("n", 64<<10)
	for i := 0; i < 100; i++ {
		_, _, err := a.Store().Append(crdt.Record{Name: fmt.Sprintf("item %d", i), Note: note})
		require.NoError(t, err)
	}

	res, err := a.Handle(DigestMessage(nil), now)
	require.NoError(t, err)
	require.Greater(t, len(res.Replies), 1)

	b := newReplica(t, "r", "peer-b", "Bo")
	for _, m := range res.Replies {
		raw, err := Encode(m)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(raw), MaxMessageSize)
		back, err := Decode(raw)
		require.NoError(t, err)
		_, err = b.Handle(back, now)
		require.NoError(t, err)
	}
	assert.Equal(t, a.Store().Materialize(), b.Store().Materialize())
}

func TestSplitDelta(t *testing.T) {
	msgs, err := SplitDelta(nil, 1024)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Empty(t, msgs[0].Ops)

	s := crdt.NewStore("peer-a", "u-a")
	for i := 0; i < 10; i++ {
		_, _, err := s.Append(crdt.Record{Name: fmt.Sprintf("item %d", i)})
		require.NoError(t, err)
	}
	ops := s.Since(nil)
	msgs, err = SplitDelta(ops, 1024)
	require.NoError(t, err)
	require.Greater(t, len(msgs), 1)

	var got []crdt.Op
	for _, m := range msgs {
		raw, err := Encode(m)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(raw), 1024)
		got = append(got, m.Ops...)
	}
	assert.Equal(t, ops, got, "order is kept across frames")
}
