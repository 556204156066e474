// Package awareness tracks ephemeral presence for the peers of one room.
//
// Entries are keyed by session peer id and carry the peer's profile plus a
// per-peer clock. Deltas with a clock older than the held entry only refresh
// liveness, so reordered heartbeats never roll a profile back. Nothing here
// is persisted or shared with the record store.
package awareness

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hwgprojects/schlopping/internal/notify"
	"github.com/hwgprojects/schlopping/internal/profile"
)

const (
	// DefaultTimeout is how long a silent peer stays in the table.
	DefaultTimeout = 30 * time.Second
	// DefaultHeartbeat keeps live peers well inside DefaultTimeout.
	DefaultHeartbeat = 10 * time.Second
)

// ErrMalformed marks a presence delta that was dropped.
var ErrMalformed = errors.New("malformed presence")

// Delta is a partial or full presence update for one peer. Nil fields are
// unchanged. Left announces a graceful departure.
type Delta struct {
	Peer    string  `json:"peer"`
	Clock   uint64  `json:"clock"`
	ID      *string `json:"id,omitempty"`
	Name    *string `json:"name,omitempty"`
	ColorID *string `json:"colorId,omitempty"`
	Left    bool    `json:"left,omitempty"`
}

// Validate checks delta shape.
func (d Delta) Validate() error {
	if d.Peer == "" {
		return fmt.Errorf("%w: missing peer", ErrMalformed)
	}
	if d.Clock == 0 {
		return fmt.Errorf("%w: missing clock from %s", ErrMalformed, d.Peer)
	}
	return nil
}

// Entry is one peer's presence as shown to the UI.
type Entry struct {
	profile.Profile
	Peer     string    `json:"peer"`
	Self     bool      `json:"self"`
	LastSeen time.Time `json:"lastSeen"`
	clock    uint64
}

// Table is the presence set of one room. It is not safe for concurrent use;
// the session actor owns it.
type Table struct {
	local  Entry
	remote map[string]*Entry
	topic  *notify.Topic[[]Entry]
}

// NewTable creates a table holding only the local peer.
func NewTable(self string, p profile.Profile, now time.Time) *Table {
	t := &Table{
		local:  Entry{Profile: p, Peer: self, Self: true, LastSeen: now, clock: 1},
		remote: make(map[string]*Entry),
	}
	t.topic = notify.New(t.Entries())
	return t
}

// Self returns the local peer id.
func (t *Table) Self() string { return t.local.Peer }

// Local returns the local profile.
func (t *Table) Local() profile.Profile { return t.local.Profile }

// SetLocal replaces the local profile and returns a delta carrying only the
// changed fields. ok is false when nothing changed.
func (t *Table) SetLocal(p profile.Profile, now time.Time) (d Delta, ok bool) {
	old := t.local.Profile
	d = Delta{Peer: t.local.Peer}
	if p.ID != old.ID {
		d.ID = &p.ID
	}
	if p.Name != old.Name {
		d.Name = &p.Name
	}
	if p.ColorID != old.ColorID {
		d.ColorID = &p.ColorID
	}
	if d.ID == nil && d.Name == nil && d.ColorID == nil {
		return Delta{}, false
	}
	t.local.Profile = p
	t.local.LastSeen = now
	t.local.clock++
	d.Clock = t.local.clock
	t.changed()
	return d, true
}

// Heartbeat bumps the local clock and returns the full local state.
func (t *Table) Heartbeat(now time.Time) Delta {
	t.local.clock++
	t.local.LastSeen = now
	return t.Full()
}

// Full returns the full local state at the current clock.
func (t *Table) Full() Delta {
	p := t.local.Profile
	return Delta{
		Peer:    t.local.Peer,
		Clock:   t.local.clock,
		ID:      &p.ID,
		Name:    &p.Name,
		ColorID: &p.ColorID,
	}
}

// Leave returns the delta announcing the local peer's departure.
func (t *Table) Leave() Delta {
	t.local.clock++
	return Delta{Peer: t.local.Peer, Clock: t.local.clock, Left: true}
}

// Newer reports whether d carries news about a remote peer: a clock above
// the one held for it, a first sighting, or a leave for a known peer.
func (t *Table) Newer(d Delta) bool {
	if d.Peer == t.local.Peer {
		return false
	}
	e, known := t.remote[d.Peer]
	if d.Left {
		return known && d.Clock >= e.clock
	}
	return !known || d.Clock > e.clock
}

// OnRemoteUpdate merges a delta from another peer and refreshes its
// liveness. changed reports whether the visible presence set changed.
func (t *Table) OnRemoteUpdate(d Delta, now time.Time) (changed bool, err error) {
	if err := d.Validate(); err != nil {
		return false, err
	}
	if d.Peer == t.local.Peer {
		return false, nil
	}

	e, known := t.remote[d.Peer]
	if d.Left {
		if !known || d.Clock < e.clock {
			return false, nil
		}
		delete(t.remote, d.Peer)
		t.changed()
		return true, nil
	}

	if !known {
		e = &Entry{Peer: d.Peer}
		t.remote[d.Peer] = e
		changed = true
	}
	e.LastSeen = now
	if known && d.Clock <= e.clock {
		return false, nil
	}
	e.clock = d.Clock

	if d.ID != nil && *d.ID != e.ID {
		e.ID, changed = *d.ID, true
	}
	if d.Name != nil && *d.Name != e.Name {
		e.Name, changed = *d.Name, true
	}
	if d.ColorID != nil && *d.ColorID != e.ColorID {
		e.ColorID, changed = *d.ColorID, true
	}
	if changed {
		t.changed()
	}
	return changed, nil
}

// Sweep removes remote entries not seen within timeout and returns their
// peer ids. The local entry is never swept.
func (t *Table) Sweep(now time.Time, timeout time.Duration) []string {
	var gone []string
	for peer, e := range t.remote {
		if now.Sub(e.LastSeen) > timeout {
			gone = append(gone, peer)
			delete(t.remote, peer)
		}
	}
	if len(gone) > 0 {
		sort.Strings(gone)
		t.changed()
	}
	return gone
}

// Clear drops every remote entry.
func (t *Table) Clear() {
	if len(t.remote) == 0 {
		return
	}
	clear(t.remote)
	t.changed()
}

// Len returns the number of remote entries.
func (t *Table) Len() int { return len(t.remote) }

// Entries returns the presence set: the local peer first, then remote
// peers by name. Several sessions sharing one profile id collapse into the
// most recently seen one.
func (t *Table) Entries() []Entry {
	byProfile := map[string]int{}
	out := []Entry{t.local}
	if t.local.ID != "" {
		byProfile[t.local.ID] = 0
	}

	remote := make([]*Entry, 0, len(t.remote))
	for _, e := range t.remote {
		remote = append(remote, e)
	}
	sort.Slice(remote, func(i, j int) bool {
		return remote[i].LastSeen.After(remote[j].LastSeen)
	})
	for _, e := range remote {
		if e.ID != "" {
			if _, dup := byProfile[e.ID]; dup {
				continue
			}
			byProfile[e.ID] = len(out)
		}
		out = append(out, *e)
	}

	rest := out[1:]
	sort.SliceStable(rest, func(i, j int) bool {
		if rest[i].Name != rest[j].Name {
			return rest[i].Name < rest[j].Name
		}
		return rest[i].Peer < rest[j].Peer
	})
	return out
}

// Subscribe registers fn for the presence set after every change. fn is
// called immediately with the current set.
func (t *Table) Subscribe(fn func([]Entry)) (unsubscribe func()) {
	return t.topic.Subscribe(fn)
}

func (t *Table) changed() {
	t.topic.Publish(t.Entries())
}
