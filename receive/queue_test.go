package receive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/voicewire/audio"
)

// testChunk builds a one-sample chunk whose sample value identifies it.
func testChunk(marker int16) audio.Chunk {
	return audio.NewChunk([]int16{marker}, time.Now())
}

func TestChunkQueueFIFOOrder(t *testing.T) {
	q := newChunkQueue(5)

	for i := int16(0); i < 3; i++ {
		q.push(testChunk(i))
	}
	require.Equal(t, 3, q.len())

	for i := int16(0); i < 3; i++ {
		c, ok := q.pop()
		require.True(t, ok)
		assert.Equal(t, i, c.PCM[0])
	}

	_, ok := q.pop()
	assert.False(t, ok)
}

func TestChunkQueueEvictsOldestWhenFull(t *testing.T) {
	q := newChunkQueue(3)

	evicted := 0
	for i := int16(0); i < 5; i++ {
		evicted += q.push(testChunk(i))
	}

	assert.Equal(t, 2, evicted)
	assert.Equal(t, 3, q.len())

	// Chunks 0 and 1 were evicted in favor of fresher audio.
	c, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, int16(2), c.PCM[0])
}

func TestChunkQueueShrinkEvictsOldest(t *testing.T) {
	q := newChunkQueue(5)
	for i := int16(0); i < 5; i++ {
		q.push(testChunk(i))
	}

	evicted := q.setCapacity(2)
	assert.Equal(t, 3, evicted)
	assert.Equal(t, 2, q.len())
	assert.Equal(t, 2, q.cap())

	c, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, int16(3), c.PCM[0])
}

func TestChunkQueueGrowKeepsContents(t *testing.T) {
	q := newChunkQueue(2)
	q.push(testChunk(0))
	q.push(testChunk(1))

	evicted := q.setCapacity(10)
	assert.Equal(t, 0, evicted)
	assert.Equal(t, 2, q.len())
	assert.Equal(t, 10, q.cap())
}

func TestChunkQueueCapacityFloor(t *testing.T) {
	q := newChunkQueue(0)
	assert.Equal(t, 1, q.cap())

	q.setCapacity(-3)
	assert.Equal(t, 1, q.cap())
}
