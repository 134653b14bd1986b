package transfer

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[Unit]()
	u1, u2, u3 := NewUnit("u1", nil), NewUnit("u2", nil), NewUnit("u3", nil)
	q.Enqueue(u1)
	q.Enqueue(u2)
	q.Enqueue(u3)

	var got []string
	for {
		u, ok := q.TryDequeue()
		if !ok {
			break
		}
		got = append(got, u.Name)
	}
	assert.Equal(t, []string{"u1", "u2", "u3"}, got)
}

func TestQueueEmpty(t *testing.T) {
	q := NewQueue[string]()
	v, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Empty(t, v)
	assert.Nil(t, q.Drain())

	q.Enqueue("")
	v, ok = q.TryDequeue()
	assert.True(t, ok, "an empty string is still an item")
	assert.Empty(t, v)
}

func TestQueueDrainAfterPartialDequeue(t *testing.T) {
	q := NewQueue[int]()
	for i := 0; i < 200; i++ {
		q.Enqueue(i)
	}
	for i := 0; i < 150; i++ {
		v, ok := q.TryDequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	q.Enqueue(200)

	rest := q.Drain()
	require.Len(t, rest, 51)
	assert.Equal(t, 150, rest[0])
	assert.Equal(t, 200, rest[50])
	assert.Zero(t, q.Len())
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue[string]()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(fmt.Sprintf("%d:%d", p, i))
			}
		}(p)
	}

	seen := make(map[int]int)
	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for total < producers*perProducer {
		v, ok := q.TryDequeue()
		if !ok {
			select {
			case <-done:
				if q.Len() == 0 {
					t.Fatalf("lost items: got %d", total)
				}
			default:
			}
			continue
		}
		var p, i int
		fmt.Sscanf(v, "%d:%d", &p, &i)
		require.Equal(t, seen[p], i, "producer %d out of order", p)
		seen[p] = i + 1
		total++
	}
}
