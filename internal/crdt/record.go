package crdt

import (
	"math"
	"strings"
)

const (
	// DefaultQty is used when a new record arrives without a quantity.
	DefaultQty = 1
	// DefaultUnit is used when a new record arrives without a unit.
	DefaultUnit = "pcs"
)

// Record is one materialized entry of the shared list.
type Record struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Qty        float64 `json:"qty"`
	Unit       string  `json:"unit"`
	Note       string  `json:"note"`
	Done       bool    `json:"done"`
	UpdatedBy  string  `json:"updatedBy"`
	CreatedBy  string  `json:"createdBy"`
	AssignedTo string  `json:"assignedTo"`
}

// Patch is a set of field changes. Nil fields are left untouched.
type Patch struct {
	Name       *string  `json:"name,omitempty"`
	Qty        *float64 `json:"qty,omitempty"`
	Unit       *string  `json:"unit,omitempty"`
	Note       *string  `json:"note,omitempty"`
	Done       *bool    `json:"done,omitempty"`
	AssignedTo *string  `json:"assignedTo,omitempty"`
}

// IsEmpty reports whether p changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Qty == nil && p.Unit == nil &&
		p.Note == nil && p.Done == nil && p.AssignedTo == nil
}

func (p Patch) validate() string {
	if p.Qty != nil {
		q := *p.Qty
		if math.IsNaN(q) || math.IsInf(q, 0) || q < 0 {
			return "qty must be a non-negative number"
		}
	}
	return ""
}

// Fields returns a patch that sets every mutable field of r.
func (r Record) Fields() Patch {
	return Patch{
		Name:       ptr(r.Name),
		Qty:        ptr(r.Qty),
		Unit:       ptr(r.Unit),
		Note:       ptr(r.Note),
		Done:       ptr(r.Done),
		AssignedTo: ptr(r.AssignedTo),
	}
}

// normalize applies the defaults a freshly added record gets.
func (r Record) normalize(creator string) (Record, string) {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return r, "name is required"
	}
	if math.IsNaN(r.Qty) || math.IsInf(r.Qty, 0) || r.Qty < 0 {
		return r, "qty must be a non-negative number"
	}
	if r.Qty == 0 {
		r.Qty = DefaultQty
	}
	r.Unit = strings.TrimSpace(r.Unit)
	if r.Unit == "" {
		r.Unit = DefaultUnit
	}
	r.Note = strings.TrimSpace(r.Note)
	if r.AssignedTo == "" {
		r.AssignedTo = creator
	}
	r.CreatedBy = creator
	r.UpdatedBy = creator
	return r, ""
}

func ptr[T any](v T) *T { return &v }

// String, Float and Bool build Patch fields inline.
func String(v string) *string  { return &v }
func Float(v float64) *float64 { return &v }
func Bool(v bool) *bool        { return &v }

// register is a last-writer-wins cell.
type register[T any] struct {
	stamp  Stamp
	author string
	value  T
}

// set stores v when s is strictly newer than the current stamp.
func (r *register[T]) set(s Stamp, author string, v T) bool {
	if !r.stamp.Less(s) {
		return false
	}
	r.stamp = s
	r.author = author
	r.value = v
	return true
}

// entry is the replica state of one record id. It can exist before its
// insert arrives, holding field writes and tombstones that raced ahead.
type entry struct {
	id       string
	inserted bool
	marker   Stamp
	creator  string
	deleted  bool

	name       register[string]
	qty        register[float64]
	unit       register[string]
	note       register[string]
	done       register[bool]
	assignedTo register[string]
}

func (e *entry) apply(s Stamp, author string, p Patch) bool {
	changed := false
	if p.Name != nil {
		changed = e.name.set(s, author, *p.Name) || changed
	}
	if p.Qty != nil {
		changed = e.qty.set(s, author, *p.Qty) || changed
	}
	if p.Unit != nil {
		changed = e.unit.set(s, author, *p.Unit) || changed
	}
	if p.Note != nil {
		changed = e.note.set(s, author, *p.Note) || changed
	}
	if p.Done != nil {
		changed = e.done.set(s, author, *p.Done) || changed
	}
	if p.AssignedTo != nil {
		changed = e.assignedTo.set(s, author, *p.AssignedTo) || changed
	}
	return changed
}

func (e *entry) visible() bool {
	return e.inserted && !e.deleted
}

// lastWriter is the author of the newest surviving field write.
func (e *entry) lastWriter() string {
	latest, author := e.marker, e.creator
	for _, r := range []struct {
		stamp  Stamp
		author string
	}{
		{e.name.stamp, e.name.author},
		{e.qty.stamp, e.qty.author},
		{e.unit.stamp, e.unit.author},
		{e.note.stamp, e.note.author},
		{e.done.stamp, e.done.author},
		{e.assignedTo.stamp, e.assignedTo.author},
	} {
		if latest.Less(r.stamp) {
			latest, author = r.stamp, r.author
		}
	}
	return author
}

func (e *entry) record() Record {
	qty, unit := e.qty.value, e.unit.value
	if e.qty.stamp.IsZero() {
		qty = DefaultQty
	}
	if e.unit.stamp.IsZero() {
		unit = DefaultUnit
	}
	return Record{
		ID:         e.id,
		Name:       e.name.value,
		Qty:        qty,
		Unit:       unit,
		Note:       e.note.value,
		Done:       e.done.value,
		UpdatedBy:  e.lastWriter(),
		CreatedBy:  e.creator,
		AssignedTo: e.assignedTo.value,
	}
}
