package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	var got []int
	for i := 1; i <= 3; i++ {
		require.True(t, q.Enqueue(func() { got = append(got, i) }))
	}
	assert.Equal(t, 3, q.Len())

	for {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		e()
	}
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_SignalCoalesces(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(func() {})
	q.Enqueue(func() {})

	select {
	case <-q.Wait():
	default:
		t.Fatal("expected a signal")
	}
	select {
	case <-q.Wait():
		t.Fatal("signals should coalesce")
	default:
	}
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(func() {}))
	_, open := <-q.Wait()
	assert.False(t, open)
}
