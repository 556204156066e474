package crdt

import (
	"cmp"
	"fmt"
	"strings"
)

// Stamp is a globally unique logical timestamp: a Lamport clock value and
// the ID of the peer that produced it. Stamps are totally ordered by Clock,
// then by PeerID.
type Stamp struct {
	Clock  uint64 `json:"clock"`
	PeerID string `json:"peerID"`
}

// IsZero reports whether s is the zero stamp. The zero stamp sorts before
// every real stamp and names the head of the list.
func (s Stamp) IsZero() bool {
	return s.Clock == 0 && s.PeerID == ""
}

// Compare returns -1, 0 or +1 ordering s against o.
func (s Stamp) Compare(o Stamp) int {
	if c := cmp.Compare(s.Clock, o.Clock); c != 0 {
		return c
	}
	return strings.Compare(s.PeerID, o.PeerID)
}

// Less reports whether s sorts before o.
func (s Stamp) Less(o Stamp) bool {
	return s.Compare(o) < 0
}

func (s Stamp) String() string {
	return fmt.Sprintf("%d@%s", s.Clock, s.PeerID)
}

// Lamport is a replica's logical clock. It is not safe for concurrent use;
// the owning Store is driven by a single goroutine.
type Lamport struct {
	peer  string
	clock uint64
}

// NewLamport creates a clock for peer starting at zero.
func NewLamport(peer string) *Lamport {
	return &Lamport{peer: peer}
}

// Tick advances the clock and returns a fresh stamp for a local operation.
func (l *Lamport) Tick() Stamp {
	l.clock++
	return Stamp{Clock: l.clock, PeerID: l.peer}
}

// Observe folds a remote stamp into the clock so later local stamps sort
// after everything this replica has seen.
func (l *Lamport) Observe(s Stamp) {
	if s.Clock > l.clock {
		l.clock = s.Clock
	}
}

// Current returns the clock value without advancing it.
func (l *Lamport) Current() uint64 {
	return l.clock
}
