package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRing_SendDropsOldestWhenFull(t *testing.T) {
	r := NewRing[int](3)

	for i := 1; i <= 5; i++ {
		r.Send(i)
	}

	// Only the last three values survive.
	var got []int
	for {
		v, ok := r.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got)

	m := r.GetMetrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
	assert.Equal(t, int64(3), m.Processed)
}

func TestRing_SendNeverBlocksUnderContention(t *testing.T) {
	// Several producers hammering a capacity-1 ring with nobody reading:
	// every Send must still return. A send that commits to a slot another
	// producer already refilled would hang here.
	r := NewRing[int](1)

	const producers = 8
	const perProducer = 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.Send(p*perProducer + i)
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Send MUST return without a consumer")
	}

	assert.Equal(t, 1, r.Len(), "exactly one value survives on a capacity-1 ring")
	m := r.GetMetrics()
	assert.Equal(t, int64(producers*perProducer), m.Written)
	assert.Equal(t, m.Written-1, m.Overwritten)
}

func TestRing_TrySendFailsWhenFull(t *testing.T) {
	r := NewRing[string](1)

	assert.True(t, r.TrySend("a"))
	assert.False(t, r.TrySend("b"))

	v, ok := r.Receive()
	assert.True(t, ok)
	assert.Equal(t, "a", v)
}

func TestRing_CloseEndsRange(t *testing.T) {
	r := NewRing[int](2)
	r.Send(1)
	r.Send(2)
	r.Close()

	var sum int
	for v := range r.C() {
		sum += v
	}
	assert.Equal(t, 3, sum)

	_, ok := r.Receive()
	assert.False(t, ok)
}

func TestNewRing_PanicsOnZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { NewRing[int](0) })
}
