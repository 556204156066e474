// Package crdt implements the replicated record list.
//
// A Store is a conflict-free ordered collection of mutable records. Every
// replica applies the same three operations (insert, update, delete) and
// converges to the same materialized list regardless of delivery order or
// duplication:
//
//   - Position: each insert creates a marker named by its Stamp and hangs it
//     under the marker it was placed after. Siblings sort by descending
//     clock, so a new insert lands directly after its anchor; siblings with
//     equal clocks were created concurrently and sort by ascending peer id.
//     The visible order is a pre-order walk of that tree. Markers are never
//     removed, so anchors stay valid after deletes.
//   - Fields: every field is a last-writer-wins register keyed by Stamp,
//     (clock, peer id) compared lexicographically.
//   - Deletes: a tombstone flag that absorbs later updates and stale inserts.
//
// Ops that reference a record or anchor the replica has not seen yet are
// absorbed into placeholder state and surface once the missing op arrives.
//
// A Store is not safe for concurrent use. The session actor owns it.
package crdt
