// Package notify provides latest-value subscriptions for UI collaborators.
package notify

import "sync"

// Topic holds the latest published value and fans it out to subscribers.
//
// Subscribe delivers the current value before returning, and Publish delivers
// to every subscriber in subscription order. Both hold the topic lock while
// calling back, so a subscriber never observes values out of order. Callbacks
// must not Subscribe or Publish on the same topic.
type Topic[T any] struct {
	mu     sync.Mutex
	latest T
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// New creates a topic whose latest value is initial.
func New[T any](initial T) *Topic[T] {
	return &Topic[T]{latest: initial}
}

// Subscribe registers fn and immediately calls it with the latest value.
// The returned func unsubscribes; calling it more than once is harmless.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})
	fn(t.latest)

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

// Publish stores v as the latest value and delivers it.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.latest = v
	for _, s := range t.subs {
		s.fn(v)
	}
}

// Latest returns the most recently published value.
func (t *Topic[T]) Latest() T {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Len reports the number of live subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (t *Topic[T]) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}
