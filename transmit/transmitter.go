// Package transmit turns captured audio chunks into voicewire datagrams
// and drives them onto the network.
//
// The transmitter owns a bounded send queue and a single worker
// goroutine. Submission never blocks the capture path: when the queue
// is full the submitted chunk is dropped and counted, favoring recency
// over completeness. Each chunk is split into fragments no larger than
// the configured packet ceiling and every fragment is sent as an
// independent datagram carrying the chunk's shared frame sequence.
package transmit

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicewire/audio"
	"github.com/opd-ai/voicewire/metrics"
	"github.com/opd-ai/voicewire/wire"
)

// DefaultQueueDepth is the send queue capacity in chunks.
const DefaultQueueDepth = 50

// stopGrace bounds how long Stop waits for the worker to exit.
const stopGrace = 2 * time.Second

// ErrAlreadyRunning is returned when Start is called on a running transmitter.
var ErrAlreadyRunning = errors.New("transmitter is already running")

// Stats is a point-in-time snapshot of transmitter counters.
type Stats struct {
	Running         bool
	TargetSet       bool
	PacketsSent     uint64
	BytesSent       uint64
	ChunksSubmitted uint64
	ChunksDropped   uint64
	SendErrors      uint64
	QueueDepth      int
	NextSequence    uint32
}

// Transmitter fragments audio chunks and sends them over UDP.
type Transmitter struct {
	conn        net.PacketConn
	maxFragment int

	mu      sync.RWMutex
	target  net.Addr
	running bool

	// sequence is assigned once per chunk and shared by all of the
	// chunk's fragments.
	sequence atomic.Uint32

	queue chan audio.Chunk
	stop  chan struct{}
	done  chan struct{}

	packetsSent     atomic.Uint64
	bytesSent       atomic.Uint64
	chunksSubmitted atomic.Uint64
	chunksDropped   atomic.Uint64
	sendErrors      atomic.Uint64
}

// New creates a transmitter bound to localAddr (":0" for an ephemeral
// port). maxPacketSize caps each datagram, header included. A bind
// failure is returned immediately and nothing is left half-initialized.
func New(localAddr string, maxPacketSize int) (*Transmitter, error) {
	maxFragment := maxPacketSize - wire.HeaderSize
	if maxFragment <= 0 {
		return nil, fmt.Errorf("max packet size %d does not fit the %d byte header", maxPacketSize, wire.HeaderSize)
	}

	conn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind send socket: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "transmit.New",
		"local_addr": conn.LocalAddr().String(),
		"max_packet": maxPacketSize,
	}).Info("Transmitter created")

	return &Transmitter{
		conn:        conn,
		maxFragment: maxFragment,
		queue:       make(chan audio.Chunk, DefaultQueueDepth),
	}, nil
}

// SetTarget configures the peer address fragments are sent to. Until a
// target is set, dequeued chunks are discarded with a warning.
func (t *Transmitter) SetTarget(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to resolve target %q: %w", addr, err)
	}

	t.mu.Lock()
	t.target = udpAddr
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetTarget",
		"target":   udpAddr.String(),
	}).Info("Transmission target set")

	return nil
}

// Submit enqueues a chunk for transmission without blocking. When the
// queue is full the chunk is dropped and the drop counter incremented;
// the capture path is never stalled.
func (t *Transmitter) Submit(chunk audio.Chunk) {
	t.chunksSubmitted.Add(1)

	select {
	case t.queue <- chunk:
	default:
		t.chunksDropped.Add(1)
		metrics.AddCounter(metrics.ChunksDropped, 1)
		logrus.WithFields(logrus.Fields{
			"function": "Submit",
			"samples":  chunk.SampleCount(),
		}).Warn("Send queue full, dropping audio chunk")
	}
}

// Start launches the send worker.
func (t *Transmitter) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return ErrAlreadyRunning
	}
	t.running = true
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.worker()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Transmitter started")

	return nil
}

// Stop asks the worker to exit and waits up to a bounded grace period.
// Chunks still queued at stop time are abandoned.
func (t *Transmitter) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	close(t.stop)
	done := t.done
	t.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopGrace):
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
		}).Warn("Send worker did not exit within grace period")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Transmitter stopped")
}

// Close stops the worker and releases the socket.
func (t *Transmitter) Close() error {
	t.Stop()
	return t.conn.Close()
}

// LocalAddr returns the address the send socket is bound to.
func (t *Transmitter) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Stats returns a snapshot of the transmitter counters.
func (t *Transmitter) Stats() Stats {
	t.mu.RLock()
	running := t.running
	targetSet := t.target != nil
	t.mu.RUnlock()

	return Stats{
		Running:         running,
		TargetSet:       targetSet,
		PacketsSent:     t.packetsSent.Load(),
		BytesSent:       t.bytesSent.Load(),
		ChunksSubmitted: t.chunksSubmitted.Load(),
		ChunksDropped:   t.chunksDropped.Load(),
		SendErrors:      t.sendErrors.Load(),
		QueueDepth:      len(t.queue),
		NextSequence:    t.sequence.Load(),
	}
}

// worker dequeues chunks and transmits them until stopped. A failure
// for one chunk or fragment never terminates the loop.
func (t *Transmitter) worker() {
	defer close(t.done)

	logrus.WithFields(logrus.Fields{
		"function": "worker",
	}).Debug("Send worker started")

	for {
		select {
		case <-t.stop:
			logrus.WithFields(logrus.Fields{
				"function": "worker",
			}).Debug("Send worker stopped")
			return
		case chunk := <-t.queue:
			t.transmitChunk(chunk)
		}
	}
}

// transmitChunk fragments one chunk and sends every fragment as its own
// datagram. All fragments share one frame sequence number so the
// receiver can group them during reassembly.
func (t *Transmitter) transmitChunk(chunk audio.Chunk) {
	t.mu.RLock()
	target := t.target
	t.mu.RUnlock()

	if target == nil {
		logrus.WithFields(logrus.Fields{
			"function": "transmitChunk",
			"samples":  chunk.SampleCount(),
		}).Warn("No target address set, discarding chunk")
		return
	}

	sequence := t.sequence.Add(1) - 1
	payload := chunk.Bytes()
	fragments := wire.SplitPayload(payload, t.maxFragment)
	total := len(fragments)

	for index, fragment := range fragments {
		packet := wire.Packet{
			Sequence:       sequence,
			CaptureTime:    uint64(chunk.Captured.UnixMicro()),
			FragmentIndex:  uint16(index),
			TotalFragments: uint16(total),
			Payload:        fragment,
		}

		data, err := packet.Marshal()
		if err != nil {
			t.sendErrors.Add(1)
			logrus.WithFields(logrus.Fields{
				"function": "transmitChunk",
				"sequence": sequence,
				"fragment": index,
				"error":    err.Error(),
			}).Error("Failed to encode fragment")
			continue
		}

		n, err := t.conn.WriteTo(data, target)
		if err != nil {
			t.sendErrors.Add(1)
			metrics.AddCounter(metrics.SendErrors, 1)
			logrus.WithFields(logrus.Fields{
				"function": "transmitChunk",
				"sequence": sequence,
				"fragment": index,
				"error":    err.Error(),
			}).Error("Failed to send fragment")
			continue
		}

		t.packetsSent.Add(1)
		t.bytesSent.Add(uint64(n))
		metrics.AddCounter(metrics.PacketsSent, 1)
		metrics.AddCounter(metrics.BytesSent, float64(n))
	}

	logrus.WithFields(logrus.Fields{
		"function":  "transmitChunk",
		"sequence":  sequence,
		"fragments": total,
		"bytes":     len(payload),
	}).Debug("Chunk transmitted")
}
