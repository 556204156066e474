package crdt

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/hwgprojects/schlopping/internal/notify"
)

// Digest summarizes known history: for each origin replica, the highest
// sequence number below which nothing is missing.
type Digest map[string]uint64

type marker struct {
	parent Stamp
	record string
}

// Store is one replica of the shared list.
type Store struct {
	replica string
	author  string
	clock   *Lamport
	seq     uint64

	entries  map[string]*entry
	markers  map[Stamp]*marker
	children map[Stamp][]Stamp

	history map[string]map[uint64]Op
	digest  Digest

	topic    *notify.Topic[[]Record]
	batching int
	dirty    bool
}

// NewStore creates an empty replica. replica names this store instance in
// stamps and op ids and must be unique per session; author is the profile
// id credited for local changes.
func NewStore(replica, author string) *Store {
	if author == "" {
		author = replica
	}
	return &Store{
		replica:  replica,
		author:   author,
		clock:    NewLamport(replica),
		entries:  make(map[string]*entry),
		markers:  make(map[Stamp]*marker),
		children: make(map[Stamp][]Stamp),
		history:  make(map[string]map[uint64]Op),
		digest:   make(Digest),
		topic:    notify.New([]Record{}),
	}
}

// Replica returns the id this store stamps local ops with.
func (s *Store) Replica() string { return s.replica }

// SetAuthor changes the profile id credited for subsequent local changes.
func (s *Store) SetAuthor(author string) {
	if author != "" {
		s.author = author
	}
}

// Insert places rec after the record with id after ("" for the head).
// An empty rec.ID gets a fresh UUID.
func (s *Store) Insert(after string, rec Record) (Record, Op, error) {
	var anchor Stamp
	if after != "" {
		e, ok := s.entries[after]
		if !ok || !e.inserted {
			return Record{}, Op{}, fmt.Errorf("insert after %q: %w", after, ErrUnknownPosition)
		}
		anchor = e.marker
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := s.entries[rec.ID]; ok {
		return Record{}, Op{}, fmt.Errorf("insert %q: %w", rec.ID, ErrDuplicateID)
	}
	rec, reason := rec.normalize(s.author)
	if reason != "" {
		return Record{}, Op{}, fmt.Errorf("%w: %s", ErrInvalidRecord, reason)
	}

	op := s.next(KindInsert, rec.ID)
	op.After = anchor
	op.Patch = rec.Fields()
	s.integrate(op)
	s.changed()
	return s.entries[rec.ID].record(), op, nil
}

// Append inserts rec after the last visible record.
func (s *Store) Append(rec Record) (Record, Op, error) {
	after := ""
	s.walk(func(e *entry) { after = e.id })
	return s.Insert(after, rec)
}

// Update applies p to a visible record.
func (s *Store) Update(id string, p Patch) (Op, error) {
	e, ok := s.entries[id]
	if !ok || !e.visible() {
		return Op{}, fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	if p.IsEmpty() {
		return Op{}, fmt.Errorf("update %q: %w", id, ErrEmptyPatch)
	}
	if p.Name != nil {
		name := strings.TrimSpace(*p.Name)
		if name == "" {
			return Op{}, fmt.Errorf("%w: name is required", ErrInvalidRecord)
		}
		p.Name = &name
	}
	if reason := p.validate(); reason != "" {
		return Op{}, fmt.Errorf("%w: %s", ErrInvalidRecord, reason)
	}

	op := s.next(KindUpdate, id)
	op.Patch = p
	s.integrate(op)
	s.changed()
	return op, nil
}

// Remove tombstones a record. Removing an already deleted record is a
// no-op and reports removed=false.
func (s *Store) Remove(id string) (op Op, removed bool, err error) {
	e, ok := s.entries[id]
	if !ok || !e.inserted {
		return Op{}, false, fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	if e.deleted {
		return Op{}, false, nil
	}
	op = s.next(KindDelete, id)
	s.integrate(op)
	s.changed()
	return op, true, nil
}

// ClearCompleted removes every visible record marked done.
func (s *Store) ClearCompleted() []Op {
	var done []string
	s.walk(func(e *entry) {
		if e.done.value {
			done = append(done, e.id)
		}
	})
	if len(done) == 0 {
		return nil
	}

	ops := make([]Op, 0, len(done))
	s.Batch(func() {
		for _, id := range done {
			op, removed, err := s.Remove(id)
			if err == nil && removed {
				ops = append(ops, op)
			}
		}
	})
	return ops
}

// Apply merges an op received from another replica. Duplicates are
// ignored and report applied=false. Malformed ops return an error that
// satisfies IsMalformed and leave the store untouched.
func (s *Store) Apply(op Op) (applied bool, err error) {
	if err := op.Validate(); err != nil {
		return false, err
	}
	if s.seen(op.ID) {
		return false, nil
	}
	if op.Kind == KindInsert {
		if m, ok := s.markers[op.Stamp]; ok && m.record != op.Record {
			return false, &OpError{ID: op.ID, Record: op.Record, Reason: "stamp already names another record"}
		}
	}

	s.clock.Observe(op.Stamp)
	if op.ID.Peer == s.replica && op.ID.Seq > s.seq {
		s.seq = op.ID.Seq
	}
	s.integrate(op)
	s.changed()
	return true, nil
}

// ApplyAll merges a batch of remote ops and notifies subscribers once.
// Malformed ops are skipped; their errors are joined into err.
func (s *Store) ApplyAll(ops []Op) (applied int, err error) {
	var errs []error
	s.Batch(func() {
		for _, op := range ops {
			ok, err := s.Apply(op)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				applied++
			}
		}
	})
	return applied, errors.Join(errs...)
}

// Materialize returns the visible records in list order.
func (s *Store) Materialize() []Record {
	out := make([]Record, 0, len(s.entries))
	s.walk(func(e *entry) { out = append(out, e.record()) })
	return out
}

// Get returns a visible record.
func (s *Store) Get(id string) (Record, bool) {
	e, ok := s.entries[id]
	if !ok || !e.visible() {
		return Record{}, false
	}
	return e.record(), true
}

// Deleted reports whether id is tombstoned on this replica.
func (s *Store) Deleted(id string) bool {
	e, ok := s.entries[id]
	return ok && e.deleted
}

// Digest returns a copy of the replica's version vector.
func (s *Store) Digest() Digest {
	out := make(Digest, len(s.digest))
	for peer, seq := range s.digest {
		out[peer] = seq
	}
	return out
}

// Since returns the ops a replica with digest d may be missing, in stamp
// order.
func (s *Store) Since(d Digest) []Op {
	var out []Op
	for peer, ops := range s.history {
		have := d[peer]
		for seq, op := range ops {
			if seq > have {
				out = append(out, op)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Stamp.Compare(out[j].Stamp); c != 0 {
			return c < 0
		}
		return out[i].ID.Seq < out[j].ID.Seq
	})
	return out
}

// Subscribe registers fn for materialized lists after every change. fn is
// called immediately with the current list.
func (s *Store) Subscribe(fn func([]Record)) (unsubscribe func()) {
	return s.topic.Subscribe(fn)
}

// Batch runs fn and coalesces its change notifications into one.
func (s *Store) Batch(fn func()) {
	s.batching++
	defer func() {
		s.batching--
		if s.batching == 0 && s.dirty {
			s.dirty = false
			s.topic.Publish(s.Materialize())
		}
	}()
	fn()
}

func (s *Store) changed() {
	if s.batching > 0 {
		s.dirty = true
		return
	}
	s.topic.Publish(s.Materialize())
}

func (s *Store) next(kind Kind, record string) Op {
	s.seq++
	return Op{
		Kind:   kind,
		ID:     OpID{Peer: s.replica, Seq: s.seq},
		Stamp:  s.clock.Tick(),
		Author: s.author,
		Record: record,
	}
}

func (s *Store) entry(id string) *entry {
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id}
		s.entries[id] = e
	}
	return e
}

// integrate folds an already validated op into replica state.
func (s *Store) integrate(op Op) {
	s.remember(op)
	e := s.entry(op.Record)
	switch op.Kind {
	case KindInsert:
		s.attach(op)
		if !e.inserted || op.Stamp.Less(e.marker) {
			e.marker = op.Stamp
			e.creator = op.author()
		}
		e.inserted = true
		e.apply(op.Stamp, op.author(), op.Patch)
	case KindUpdate:
		e.apply(op.Stamp, op.author(), op.Patch)
	case KindDelete:
		e.deleted = true
	}
}

func (s *Store) attach(op Op) {
	if _, ok := s.markers[op.Stamp]; ok {
		return
	}
	s.markers[op.Stamp] = &marker{parent: op.After, record: op.Record}
	kids := s.children[op.After]
	i := sort.Search(len(kids), func(i int) bool { return siblingBefore(op.Stamp, kids[i]) })
	s.children[op.After] = slices.Insert(kids, i, op.Stamp)
}

// siblingBefore orders markers that share an anchor. A local insert ticks
// past every stamp its replica has seen, so a higher clock means the marker
// was placed later and goes nearest the anchor. Markers created with the
// same clock are concurrent; the higher peer id sorts later.
func siblingBefore(a, b Stamp) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.PeerID < b.PeerID
}

// walk visits visible entries in pre-order over the marker tree. Markers
// whose anchor has not arrived are unreachable until it does.
func (s *Store) walk(visit func(*entry)) {
	var stack []Stamp
	push := func(kids []Stamp) {
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	push(s.children[Stamp{}])
	for len(stack) > 0 {
		st := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		m := s.markers[st]
		if e := s.entries[m.record]; e != nil && e.marker == st && e.visible() {
			visit(e)
		}
		push(s.children[st])
	}
}

func (s *Store) seen(id OpID) bool {
	_, ok := s.history[id.Peer][id.Seq]
	return ok
}

func (s *Store) remember(op Op) {
	ops, ok := s.history[op.ID.Peer]
	if !ok {
		ops = make(map[uint64]Op)
		s.history[op.ID.Peer] = ops
	}
	ops[op.ID.Seq] = op

	next := s.digest[op.ID.Peer]
	for {
		if _, ok := ops[next+1]; !ok {
			break
		}
		next++
	}
	s.digest[op.ID.Peer] = next
}
