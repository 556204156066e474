package rendezvous

import "sync"

// linkState is the shared half of every Link: inbound announcements and
// the down signal. Announcements is never closed; readers select on Done.
type linkState struct {
	self Announcement
	in   chan Announcement
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newLinkState(self Announcement) *linkState {
	return &linkState{
		self: self,
		in:   make(chan Announcement, announceBacklog),
		done: make(chan struct{}),
	}
}

func (l *linkState) Announcements() <-chan Announcement { return l.in }

func (l *linkState) Done() <-chan struct{} { return l.done }

func (l *linkState) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// offer passes on an announcement from another peer of the same room.
// It reports false when the backlog is full and a was dropped.
func (l *linkState) offer(a Announcement) bool {
	if a.Peer == l.self.Peer || a.Room != l.self.Room {
		return true
	}
	select {
	case l.in <- a:
		return true
	default:
		return false
	}
}

// fail marks the link down. The first error wins.
func (l *linkState) fail(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
	})
}
