package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}

func TestStore_AppendAppliesDefaults(t *testing.T) {
	s := NewStore("replica-a", "alice")

	rec, op, err := s.Append(Record{Name: "  Tent  "})
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID, "empty id should be generated")
	assert.Equal(t, "Tent", rec.Name)
	assert.Equal(t, float64(DefaultQty), rec.Qty)
	assert.Equal(t, DefaultUnit, rec.Unit)
	assert.Equal(t, "alice", rec.CreatedBy)
	assert.Equal(t, "alice", rec.UpdatedBy)
	assert.Equal(t, "alice", rec.AssignedTo)
	assert.False(t, rec.Done)

	assert.Equal(t, KindInsert, op.Kind)
	assert.Equal(t, OpID{Peer: "replica-a", Seq: 1}, op.ID)
	assert.Equal(t, Stamp{Clock: 1, PeerID: "replica-a"}, op.Stamp)
	assert.True(t, op.After.IsZero())

	assert.Equal(t, []Record{rec}, s.Materialize())
}

func TestStore_InsertValidation(t *testing.T) {
	s := NewStore("a", "alice")
	_, _, err := s.Append(Record{ID: "r1", Name: "Tent"})
	require.NoError(t, err)

	tests := []struct {
		name  string
		after string
		rec   Record
		want  error
	}{
		{"empty name", "", Record{Name: "   "}, ErrInvalidRecord},
		{"negative qty", "", Record{Name: "Rope", Qty: -1}, ErrInvalidRecord},
		{"duplicate id", "", Record{ID: "r1", Name: "Rope"}, ErrDuplicateID},
		{"unknown anchor", "missing", Record{Name: "Rope"}, ErrUnknownPosition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := s.Insert(tt.after, tt.rec)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Len(t, s.Materialize(), 1, "failed inserts must not change state")
}

func TestStore_InsertOrdering(t *testing.T) {
	s := NewStore("a", "alice")

	tent, _, err := s.Append(Record{Name: "Tent"})
	require.NoError(t, err)
	_, _, err = s.Append(Record{Name: "Stove"})
	require.NoError(t, err)
	_, _, err = s.Insert(tent.ID, Record{Name: "Pegs"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Tent", "Pegs", "Stove"}, names(s.Materialize()))

	_, _, err = s.Insert(tent.ID, Record{Name: "Mallet"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Tent", "Mallet", "Pegs", "Stove"}, names(s.Materialize()))
}

func TestStore_InsertAtHead(t *testing.T) {
	s := NewStore("a", "alice")

	_, _, err := s.Insert("", Record{Name: "Tent"})
	require.NoError(t, err)
	_, _, err = s.Insert("", Record{Name: "Stove"})
	require.NoError(t, err)
	_, _, err = s.Append(Record{Name: "Rope"})
	require.NoError(t, err)
	_, _, err = s.Insert("", Record{Name: "Lantern"})
	require.NoError(t, err)

	assert.Equal(t, []string{"Lantern", "Stove", "Tent", "Rope"}, names(s.Materialize()))
}

func TestStore_InsertAfterRemoteChildren(t *testing.T) {
	a := NewStore("a", "alice")
	b := NewStore("b", "bob")

	tent, ins, err := a.Append(Record{Name: "Tent"})
	require.NoError(t, err)
	_, err = b.Apply(ins)
	require.NoError(t, err)
	_, stove, err := b.Insert(tent.ID, Record{Name: "Stove"})
	require.NoError(t, err)
	_, err = a.Apply(stove)
	require.NoError(t, err)

	// a has seen Stove, so its insert after Tent goes in front of it.
	_, pegs, err := a.Insert(tent.ID, Record{Name: "Pegs"})
	require.NoError(t, err)
	_, err = b.Apply(pegs)
	require.NoError(t, err)

	assert.Equal(t, []string{"Tent", "Pegs", "Stove"}, names(a.Materialize()))
	assert.Equal(t, a.Materialize(), b.Materialize())
}

func TestStore_ConcurrentInsertsConverge(t *testing.T) {
	a := NewStore("a", "alice")
	b := NewStore("b", "bob")

	_, opA, err := a.Append(Record{Name: "Tent"})
	require.NoError(t, err)
	_, opB, err := b.Append(Record{Name: "Stove"})
	require.NoError(t, err)

	_, err = a.Apply(opB)
	require.NoError(t, err)
	_, err = b.Apply(opA)
	require.NoError(t, err)

	// Both stamps have clock 1; peer "b" sorts after peer "a".
	assert.Equal(t, []string{"Tent", "Stove"}, names(a.Materialize()))
	assert.Equal(t, a.Materialize(), b.Materialize())
}

func TestStore_UpdateAndRemove(t *testing.T) {
	s := NewStore("a", "alice")
	rec, _, err := s.Append(Record{Name: "Tent"})
	require.NoError(t, err)

	_, err = s.Update(rec.ID, Patch{Qty: Float(2), Note: String("the big one")})
	require.NoError(t, err)
	got, ok := s.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, 2.0, got.Qty)
	assert.Equal(t, "the big one", got.Note)

	_, err = s.Update(rec.ID, Patch{})
	assert.ErrorIs(t, err, ErrEmptyPatch)
	_, err = s.Update(rec.ID, Patch{Name: String(" ")})
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = s.Update("missing", Patch{Done: Bool(true)})
	assert.ErrorIs(t, err, ErrNotFound)

	_, removed, err := s.Remove(rec.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, s.Materialize())
	assert.True(t, s.Deleted(rec.ID))

	_, removed, err = s.Remove(rec.ID)
	require.NoError(t, err, "removing a tombstone is a no-op")
	assert.False(t, removed)

	_, err = s.Update(rec.ID, Patch{Done: Bool(true)})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ClearCompleted(t *testing.T) {
	s := NewStore("a", "alice")
	for _, n := range []string{"Tent", "Stove", "Rope"} {
		_, _, err := s.Append(Record{Name: n})
		require.NoError(t, err)
	}
	recs := s.Materialize()
	_, err := s.Update(recs[0].ID, Patch{Done: Bool(true)})
	require.NoError(t, err)
	_, err = s.Update(recs[2].ID, Patch{Done: Bool(true)})
	require.NoError(t, err)

	notified := 0
	unsub := s.Subscribe(func([]Record) { notified++ })
	defer unsub()
	notified = 0

	ops := s.ClearCompleted()
	assert.Len(t, ops, 2)
	assert.Equal(t, []string{"Stove"}, names(s.Materialize()))
	assert.Equal(t, 1, notified, "clear should notify once")

	assert.Nil(t, s.ClearCompleted())
}

func TestStore_TieBreakDeterminism(t *testing.T) {
	insert := Op{
		Kind:   KindInsert,
		ID:     OpID{Peer: "x", Seq: 1},
		Stamp:  Stamp{Clock: 1, PeerID: "x"},
		Record: "r1",
		Patch:  Record{Name: "Tent", Qty: 1, Unit: "pcs"}.Fields(),
	}
	fromX := Op{
		Kind:   KindUpdate,
		ID:     OpID{Peer: "x", Seq: 2},
		Stamp:  Stamp{Clock: 5, PeerID: "x"},
		Record: "r1",
		Patch:  Patch{Qty: Float(2)},
	}
	fromY := Op{
		Kind:   KindUpdate,
		ID:     OpID{Peer: "y", Seq: 1},
		Stamp:  Stamp{Clock: 5, PeerID: "y"},
		Record: "r1",
		Patch:  Patch{Qty: Float(3)},
	}

	for _, order := range [][]Op{{insert, fromX, fromY}, {insert, fromY, fromX}, {fromY, fromX, insert}} {
		s := NewStore("observer", "")
		for _, op := range order {
			_, err := s.Apply(op)
			require.NoError(t, err)
		}
		rec, ok := s.Get("r1")
		require.True(t, ok)
		assert.Equal(t, 3.0, rec.Qty, "larger peer id wins at equal clock")
		assert.Equal(t, "y", rec.UpdatedBy)
		assert.Equal(t, "x", rec.CreatedBy)
	}
}

func TestStore_ApplyIsIdempotent(t *testing.T) {
	a := NewStore("a", "alice")
	rec, ins, err := a.Append(Record{Name: "Tent"})
	require.NoError(t, err)
	upd, err := a.Update(rec.ID, Patch{Qty: Float(4)})
	require.NoError(t, err)

	b := NewStore("b", "bob")
	for i := 0; i < 3; i++ {
		for _, op := range []Op{ins, upd} {
			applied, err := b.Apply(op)
			require.NoError(t, err)
			assert.Equal(t, i == 0, applied, "only first delivery applies")
		}
	}
	assert.Equal(t, a.Materialize(), b.Materialize())
	assert.Equal(t, a.Digest(), b.Digest())
}

func TestStore_OutOfOrderDelivery(t *testing.T) {
	a := NewStore("a", "alice")
	tent, insTent, err := a.Append(Record{Name: "Tent"})
	require.NoError(t, err)
	_, insStove, err := a.Append(Record{Name: "Stove"})
	require.NoError(t, err)
	upd, err := a.Update(tent.ID, Patch{Qty: Float(2)})
	require.NoError(t, err)

	b := NewStore("b", "bob")
	_, err = b.Apply(upd)
	require.NoError(t, err)
	_, err = b.Apply(insStove)
	require.NoError(t, err)
	assert.Empty(t, b.Materialize(), "nothing is reachable before the anchor arrives")

	_, err = b.Apply(insTent)
	require.NoError(t, err)
	assert.Equal(t, a.Materialize(), b.Materialize())
	assert.Equal(t, 2.0, b.Materialize()[0].Qty)
}

func TestStore_TombstoneAbsorbsStaleInsert(t *testing.T) {
	a := NewStore("a", "alice")
	rec, ins, err := a.Append(Record{Name: "Tent"})
	require.NoError(t, err)
	del, removed, err := a.Remove(rec.ID)
	require.NoError(t, err)
	require.True(t, removed)

	b := NewStore("b", "bob")
	_, err = b.Apply(del)
	require.NoError(t, err)
	_, err = b.Apply(ins)
	require.NoError(t, err)
	_, err = b.Apply(del)
	require.NoError(t, err)

	assert.Empty(t, b.Materialize(), "stale insert must not resurrect")
	assert.True(t, b.Deleted(rec.ID))
}

func TestStore_DeleteWinsOverConcurrentRename(t *testing.T) {
	a := NewStore("a", "alice")
	rec, ins, err := a.Append(Record{Name: "Tent"})
	require.NoError(t, err)

	b := NewStore("b", "bob")
	_, err = b.Apply(ins)
	require.NoError(t, err)

	del, _, err := a.Remove(rec.ID)
	require.NoError(t, err)
	rename, err := b.Update(rec.ID, Patch{Name: String("Big tent")})
	require.NoError(t, err)

	_, err = a.Apply(rename)
	require.NoError(t, err)
	_, err = b.Apply(del)
	require.NoError(t, err)

	assert.Empty(t, a.Materialize())
	assert.Empty(t, b.Materialize())
}

func TestStore_MalformedOpsAreDropped(t *testing.T) {
	s := NewStore("a", "alice")
	_, good, err := s.Append(Record{Name: "Tent"})
	require.NoError(t, err)
	before := s.Materialize()
	digest := s.Digest()

	base := Op{
		Kind:   KindInsert,
		ID:     OpID{Peer: "m", Seq: 1},
		Stamp:  Stamp{Clock: 3, PeerID: "m"},
		Record: "r-m",
		Patch:  Patch{Name: String("Rope")},
	}
	tests := []struct {
		name   string
		mutate func(op *Op)
	}{
		{"missing record id", func(op *Op) { op.Record = "" }},
		{"missing op id", func(op *Op) { op.ID = OpID{} }},
		{"missing stamp", func(op *Op) { op.Stamp = Stamp{} }},
		{"unknown kind", func(op *Op) { op.Kind = "move" }},
		{"origin mismatch", func(op *Op) { op.Stamp.PeerID = "other" }},
		{"anchor not older", func(op *Op) { op.After = Stamp{Clock: 3, PeerID: "a"} }},
		{"anchor without clock", func(op *Op) { op.After = Stamp{PeerID: "a"} }},
		{"negative qty", func(op *Op) { op.Patch.Qty = Float(-2) }},
		{"empty update", func(op *Op) { op.Kind = KindUpdate; op.Patch = Patch{} }},
		{"stamp reuse", func(op *Op) { op.Stamp = good.Stamp; op.ID = OpID{Peer: good.Stamp.PeerID, Seq: 9} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := base
			tt.mutate(&op)
			applied, err := s.Apply(op)
			assert.False(t, applied)
			assert.True(t, IsMalformed(err), "got %v", err)
		})
	}

	assert.Equal(t, before, s.Materialize())
	assert.Equal(t, digest, s.Digest())

	_, err = s.Apply(base)
	require.NoError(t, err, "valid ops still apply after malformed ones")
	assert.Len(t, s.Materialize(), 2)
}

func TestStore_DigestAndSince(t *testing.T) {
	a := NewStore("a", "alice")
	var ops []Op
	for _, n := range []string{"Tent", "Stove", "Rope"} {
		_, op, err := a.Append(Record{Name: n})
		require.NoError(t, err)
		ops = append(ops, op)
	}
	assert.Equal(t, Digest{"a": 3}, a.Digest())

	b := NewStore("b", "bob")
	assert.Len(t, a.Since(b.Digest()), 3)

	_, err := b.Apply(ops[0])
	require.NoError(t, err)
	_, err = b.Apply(ops[2])
	require.NoError(t, err)
	assert.Equal(t, Digest{"a": 1}, b.Digest(), "digest stops at the first gap")

	missing := a.Since(b.Digest())
	require.Len(t, missing, 2)
	assert.Equal(t, ops[1].ID, missing[0].ID)

	applied, err := b.ApplyAll(missing)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.Equal(t, a.Digest(), b.Digest())
	assert.Empty(t, a.Since(b.Digest()))
}

func TestStore_SubscribeDeliversLatest(t *testing.T) {
	s := NewStore("a", "alice")
	_, _, err := s.Append(Record{Name: "Tent"})
	require.NoError(t, err)

	var seen [][]Record
	unsub := s.Subscribe(func(recs []Record) { seen = append(seen, recs) })
	require.Len(t, seen, 1)
	assert.Equal(t, []string{"Tent"}, names(seen[0]))

	_, _, err = s.Append(Record{Name: "Stove"})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, []string{"Tent", "Stove"}, names(seen[1]))

	unsub()
	_, _, err = s.Append(Record{Name: "Rope"})
	require.NoError(t, err)
	assert.Len(t, seen, 2)
}

func TestLamport_ObserveMovesForward(t *testing.T) {
	l := NewLamport("a")
	assert.Equal(t, Stamp{Clock: 1, PeerID: "a"}, l.Tick())

	l.Observe(Stamp{Clock: 7, PeerID: "b"})
	assert.Equal(t, uint64(7), l.Current())
	l.Observe(Stamp{Clock: 2, PeerID: "c"})
	assert.Equal(t, uint64(7), l.Current(), "observe never moves backward")
	assert.Equal(t, Stamp{Clock: 8, PeerID: "a"}, l.Tick())
}
