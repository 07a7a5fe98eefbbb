// Package audio defines the chunk value type exchanged between the
// capture, transport, and playback stages of a voicewire session.
//
// A Chunk is owned by exactly one stage at a time and is handed off by
// value between stages; no stage mutates a chunk it has passed on. The
// sample rate and channel count are session-wide constants supplied by
// the pipeline configuration and are not carried per chunk.
package audio

import (
	"encoding/binary"
	"time"
)

// BytesPerSample is the width of one PCM sample on the wire (16-bit signed).
const BytesPerSample = 2

// Chunk is one unit of captured audio: an ordered run of signed 16-bit
// samples together with the monotonic time they were captured.
type Chunk struct {
	// PCM holds the interleaved signed 16-bit samples.
	PCM []int16

	// Captured is the capture timestamp with microsecond resolution.
	Captured time.Time
}

// NewChunk creates a chunk from raw samples and a capture timestamp.
func NewChunk(pcm []int16, captured time.Time) Chunk {
	return Chunk{PCM: pcm, Captured: captured}
}

// Bytes serializes the samples as little-endian 16-bit values, the
// payload layout used on the wire.
func (c Chunk) Bytes() []byte {
	out := make([]byte, len(c.PCM)*BytesPerSample)
	for i, s := range c.PCM {
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(s))
	}
	return out
}

// SampleCount returns the number of samples in the chunk.
func (c Chunk) SampleCount() int {
	return len(c.PCM)
}

// Duration returns the playback duration of the chunk at the given
// sample rate and channel count.
func (c Chunk) Duration(sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / channels
	return time.Duration(frames) * time.Second / time.Duration(sampleRate)
}

// ChunkFromBytes reconstructs a chunk from little-endian 16-bit payload
// bytes. A trailing odd byte is ignored rather than treated as a sample.
func ChunkFromBytes(data []byte, captured time.Time) Chunk {
	pcm := make([]int16, len(data)/BytesPerSample)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
	}
	return Chunk{PCM: pcm, Captured: captured}
}

// PlaybackSink consumes reassembled audio on the receiving side. The
// playback worker calls Play once per dequeued chunk; implementations
// are expected to block for roughly the chunk's playback duration.
type PlaybackSink interface {
	Play(pcm []int16) error
}

// SinkFunc adapts a plain function to the PlaybackSink interface.
type SinkFunc func(pcm []int16) error

// Play implements PlaybackSink.
func (f SinkFunc) Play(pcm []int16) error { return f(pcm) }
