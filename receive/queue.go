package receive

import (
	"sync"

	"github.com/opd-ai/voicewire/audio"
)

// chunkQueue is the bounded playback queue. Its capacity is the live
// buffer depth and can be changed at runtime by the synchronizer's
// recommendation.
//
// Overload policy: when the queue is full the oldest queued chunk is
// evicted in favor of the incoming one, so playback never serves stale
// backlog once the consumer has caught up. (The send queue on the
// transmit side uses the opposite policy and drops the newest chunk.)
type chunkQueue struct {
	mu       sync.Mutex
	items    []audio.Chunk
	capacity int
}

func newChunkQueue(capacity int) *chunkQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &chunkQueue{capacity: capacity}
}

// push appends a chunk, evicting the oldest entries if the queue is at
// capacity. Returns how many chunks were evicted.
func (q *chunkQueue) push(chunk audio.Chunk) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	for len(q.items) >= q.capacity {
		q.items = q.items[1:]
		evicted++
	}
	q.items = append(q.items, chunk)
	return evicted
}

// pop removes and returns the oldest chunk, if any.
func (q *chunkQueue) pop() (audio.Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return audio.Chunk{}, false
	}
	chunk := q.items[0]
	q.items = q.items[1:]
	return chunk, true
}

func (q *chunkQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *chunkQueue) cap() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.capacity
}

// setCapacity applies a new buffer depth. Shrinking below the current
// occupancy evicts the oldest chunks; the count evicted is returned.
func (q *chunkQueue) setCapacity(capacity int) int {
	if capacity < 1 {
		capacity = 1
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.capacity = capacity
	evicted := 0
	for len(q.items) > q.capacity {
		q.items = q.items[1:]
		evicted++
	}
	return evicted
}
