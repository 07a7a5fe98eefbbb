// Package receive implements the receiving half of the voicewire
// pipeline: datagram reception, fragment reassembly, loss accounting,
// and buffered playback.
//
// Two workers run per receiver. The receive worker reads datagrams,
// reconstructs audio chunks from their fragments, and enqueues
// completed chunks into the bounded playback queue. The playback worker
// drains that queue and hands chunks to the playback sink. The queue's
// capacity is the live buffer depth; the adaptive synchronizer changes
// it at runtime through resize messages consumed by the receive
// worker's control path.
package receive

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

const (
	// readTimeout bounds each socket read so the worker observes its
	// stop signal promptly.
	readTimeout = 100 * time.Millisecond

	// playbackPoll bounds each playback dequeue wait. A poll that
	// expires with an empty queue is a buffer underrun.
	playbackPoll = 100 * time.Millisecond

	// sweepInterval is how often the fragment map is checked for
	// entries that will never complete.
	sweepInterval = time.Second

	// stopGrace bounds how long Stop waits for the workers to exit.
	stopGrace = 2 * time.Second
)

// ErrAlreadyRunning is returned when Start is called on a running receiver.
var ErrAlreadyRunning = errors.New("receiver is already running")

// Config holds the receiver construction parameters.
type Config struct {
	// ListenAddr is the UDP address datagrams arrive on (":0" for an
	// ephemeral port).
	ListenAddr string

	// InitialBufferDepth is the playback queue capacity in chunks
	// before the synchronizer makes its first recommendation.
	InitialBufferDepth int

	// ReassemblyTimeout is how long an incomplete fragment set is
	// retained before it is evicted and counted as a lost frame.
	ReassemblyTimeout time.Duration

	// MaxPacketSize sizes the receive buffer.
	MaxPacketSize int
}

// Stats is a point-in-time snapshot of receiver counters.
type Stats struct {
	Running         bool
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsLost     uint64
	DecodeFailures  uint64
	FramesComplete  uint64
	FramesExpired   uint64
	QueueDropped    uint64
	Underruns       uint64
	QueueLen        int
	BufferDepth     int
	PendingEntries  int
	LastSequence    int64
}

// reassemblyEntry collects the fragments of one in-flight frame.
type reassemblyEntry struct {
	total       uint16
	captureTime uint64
	fragments   map[uint16][]byte
	firstSeen   time.Time
}

// Receiver reassembles voicewire datagrams into audio chunks and plays
// them through a sink.
type Receiver struct {
	conn              net.PacketConn
	sink              audio.PlaybackSink
	queue             *chunkQueue
	reassemblyTimeout time.Duration
	readBufSize       int

	mu        sync.Mutex
	fragments map[uint32]*reassemblyEntry
	lastSeq   int64
	lastSweep time.Time
	running   bool
	stop      chan struct{}
	recvDone  chan struct{}
	playDone  chan struct{}

	// resize carries buffer depth recommendations from the
	// synchronizer; the receive worker consumes it each pass.
	resize chan int

	onLatency  func(capture, observed time.Time)
	onLossRate func(percent float64)

	packetsReceived atomic.Uint64
	bytesReceived   atomic.Uint64
	packetsLost     atomic.Uint64
	decodeFailures  atomic.Uint64
	framesComplete  atomic.Uint64
	framesExpired   atomic.Uint64
	queueDropped    atomic.Uint64
	underruns       atomic.Uint64
}

// New creates a receiver listening on cfg.ListenAddr and playing
// reassembled chunks through sink. A bind failure is returned
// immediately and nothing is left half-initialized.
func New(cfg Config, sink audio.PlaybackSink) (*Receiver, error) {
	if sink == nil {
		return nil, errors.New("playback sink cannot be nil")
	}
	if cfg.InitialBufferDepth < 1 {
		cfg.InitialBufferDepth = 1
	}
	if cfg.ReassemblyTimeout <= 0 {
		cfg.ReassemblyTimeout = time.Second
	}
	bufSize := cfg.MaxPacketSize
	if bufSize < 2048 {
		bufSize = 2048
	}

	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind listen socket: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "receive.New",
		"listen_addr":  conn.LocalAddr().String(),
		"buffer_depth": cfg.InitialBufferDepth,
		"timeout":      cfg.ReassemblyTimeout.String(),
	}).Info("Receiver created")

	return &Receiver{
		conn:              conn,
		sink:              sink,
		queue:             newChunkQueue(cfg.InitialBufferDepth),
		reassemblyTimeout: cfg.ReassemblyTimeout,
		readBufSize:       bufSize,
		fragments:         make(map[uint32]*reassemblyEntry),
		lastSeq:           -1,
		resize:            make(chan int, 1),
	}, nil
}

// SetCallbacks wires the measurement outputs. onLatency is invoked once
// per completed chunk with its capture and observation times; onLossRate
// is invoked once per sweep with the cumulative frame loss percentage.
// Both must be set before Start.
func (r *Receiver) SetCallbacks(onLatency func(capture, observed time.Time), onLossRate func(percent float64)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLatency = onLatency
	r.onLossRate = onLossRate
}

// ResizeBuffer delivers a new buffer depth recommendation. The value is
// applied by the receive worker on its next pass; a newer value
// replaces an unconsumed older one.
func (r *Receiver) ResizeBuffer(depth int) {
	for {
		select {
		case r.resize <- depth:
			return
		default:
			select {
			case <-r.resize:
			default:
			}
		}
	}
}

// Start launches the receive and playback workers.
func (r *Receiver) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.lastSweep = time.Now()
	r.stop = make(chan struct{})
	r.recvDone = make(chan struct{})
	r.playDone = make(chan struct{})
	r.mu.Unlock()

	go r.receiveWorker()
	go r.playbackWorker()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
	}).Info("Receiver started")

	return nil
}

// Stop asks both workers to exit and waits up to a bounded grace period
// for each.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stop)
	recvDone, playDone := r.recvDone, r.playDone
	r.mu.Unlock()

	for _, done := range []chan struct{}{recvDone, playDone} {
		select {
		case <-done:
		case <-time.After(stopGrace):
			logrus.WithFields(logrus.Fields{
				"function": "Stop",
			}).Warn("Receiver worker did not exit within grace period")
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Receiver stopped")
}

// Close stops the workers and releases the socket.
func (r *Receiver) Close() error {
	r.Stop()
	return r.conn.Close()
}

// LocalAddr returns the address the listen socket is bound to.
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// BufferDepth returns the playback queue's current capacity.
func (r *Receiver) BufferDepth() int {
	return r.queue.cap()
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	running := r.running
	pending := len(r.fragments)
	lastSeq := r.lastSeq
	r.mu.Unlock()

	return Stats{
		Running:         running,
		PacketsReceived: r.packetsReceived.Load(),
		BytesReceived:   r.bytesReceived.Load(),
		PacketsLost:     r.packetsLost.Load(),
		DecodeFailures:  r.decodeFailures.Load(),
		FramesComplete:  r.framesComplete.Load(),
		FramesExpired:   r.framesExpired.Load(),
		QueueDropped:    r.queueDropped.Load(),
		Underruns:       r.underruns.Load(),
		QueueLen:        r.queue.len(),
		BufferDepth:     r.queue.cap(),
		PendingEntries:  pending,
		LastSequence:    lastSeq,
	}
}

// receiveWorker reads datagrams until stopped. Decode failures and
// transient read errors never terminate the loop.
func (r *Receiver) receiveWorker() {
	defer close(r.recvDone)

	logrus.WithFields(logrus.Fields{
		"function": "receiveWorker",
	}).Debug("Receive worker started")

	buffer := make([]byte, r.readBufSize)

	for {
		select {
		case <-r.stop:
			logrus.WithFields(logrus.Fields{
				"function": "receiveWorker",
			}).Debug("Receive worker stopped")
			return
		default:
		}

		r.applyPendingResize()
		r.maybeSweep(time.Now())

		_ = r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := r.conn.ReadFrom(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "receiveWorker",
				"error":    err.Error(),
			}).Error("Socket read failed")
			continue
		}

		r.packetsReceived.Add(1)
		r.bytesReceived.Add(uint64(n))
		metrics.AddCounter(metrics.PacketsReceived, 1)
		metrics.AddCounter(metrics.BytesReceived, float64(n))

		r.processDatagram(buffer[:n], time.Now())
	}
}

// processDatagram decodes one datagram, updates loss accounting, and
// feeds the fragment into reassembly.
func (r *Receiver) processDatagram(data []byte, now time.Time) {
	packet, err := wire.ParsePacket(data)
	if err != nil {
		r.decodeFailures.Add(1)
		metrics.AddCounter(metrics.DecodeFailures, 1)
		logrus.WithFields(logrus.Fields{
			"function": "processDatagram",
			"bytes":    len(data),
			"error":    err.Error(),
		}).Debug("Dropping undecodable datagram")
		return
	}

	r.trackLoss(packet.Sequence)

	chunk, complete := r.insertFragment(packet, now)
	if !complete {
		return
	}

	r.framesComplete.Add(1)
	metrics.AddCounter(metrics.FramesComplete, 1)

	if evicted := r.queue.push(chunk); evicted > 0 {
		r.queueDropped.Add(uint64(evicted))
		metrics.AddCounter(metrics.QueueDropped, float64(evicted))
		logrus.WithFields(logrus.Fields{
			"function": "processDatagram",
			"sequence": packet.Sequence,
			"evicted":  evicted,
		}).Warn("Playback queue full, evicted oldest chunks")
	}

	if r.onLatency != nil {
		r.onLatency(chunk.Captured, now)
	}
}

// trackLoss updates the gap-based loss counter for a frame sequence.
func (r *Receiver) trackLoss(sequence uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := int64(sequence)
	if r.lastSeq >= 0 && seq > r.lastSeq+1 {
		lost := uint64(seq - r.lastSeq - 1)
		r.packetsLost.Add(lost)
		metrics.AddCounter(metrics.PacketsLost, float64(lost))
		logrus.WithFields(logrus.Fields{
			"function": "trackLoss",
			"gap_from": r.lastSeq,
			"gap_to":   seq,
			"lost":     lost,
		}).Warn("Sequence gap detected")
	}
	if seq > r.lastSeq {
		r.lastSeq = seq
	}
}

// insertFragment stores one fragment and, when it completes its frame,
// returns the reassembled chunk. Fragments whose total disagrees with
// the entry's are dropped as protocol noise.
func (r *Receiver) insertFragment(packet *wire.Packet, now time.Time) (audio.Chunk, bool) {
	r.mu.Lock()

	entry, ok := r.fragments[packet.Sequence]
	if !ok {
		entry = &reassemblyEntry{
			total:       packet.TotalFragments,
			captureTime: packet.CaptureTime,
			fragments:   make(map[uint16][]byte),
			firstSeen:   now,
		}
		r.fragments[packet.Sequence] = entry
	}

	if packet.TotalFragments != entry.total {
		r.mu.Unlock()
		r.decodeFailures.Add(1)
		logrus.WithFields(logrus.Fields{
			"function":       "insertFragment",
			"sequence":       packet.Sequence,
			"entry_total":    entry.total,
			"fragment_total": packet.TotalFragments,
		}).Warn("Fragment total disagrees with reassembly entry, dropping")
		return audio.Chunk{}, false
	}

	entry.fragments[packet.FragmentIndex] = packet.Payload

	if len(entry.fragments) < int(entry.total) {
		r.mu.Unlock()
		return audio.Chunk{}, false
	}

	delete(r.fragments, packet.Sequence)
	r.mu.Unlock()

	var complete []byte
	for i := uint16(0); i < entry.total; i++ {
		complete = append(complete, entry.fragments[i]...)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "insertFragment",
		"sequence":  packet.Sequence,
		"fragments": entry.total,
		"bytes":     len(complete),
	}).Debug("Frame reassembled")

	return audio.ChunkFromBytes(complete, packet.Captured()), true
}

// maybeSweep evicts reassembly entries that have been pending longer
// than the timeout, counting each as a lost frame, and reports the
// cumulative loss rate. Runs at most once per sweepInterval.
func (r *Receiver) maybeSweep(now time.Time) {
	r.mu.Lock()
	if now.Sub(r.lastSweep) < sweepInterval {
		r.mu.Unlock()
		return
	}
	r.lastSweep = now

	expired := 0
	for sequence, entry := range r.fragments {
		if now.Sub(entry.firstSeen) > r.reassemblyTimeout {
			delete(r.fragments, sequence)
			expired++
			logrus.WithFields(logrus.Fields{
				"function": "maybeSweep",
				"sequence": sequence,
				"have":     len(entry.fragments),
				"want":     entry.total,
				"age":      now.Sub(entry.firstSeen).String(),
			}).Warn("Evicting stale reassembly entry")
		}
	}
	r.mu.Unlock()

	if expired > 0 {
		r.framesExpired.Add(uint64(expired))
		r.packetsLost.Add(uint64(expired))
		metrics.AddCounter(metrics.FramesExpired, float64(expired))
		metrics.AddCounter(metrics.PacketsLost, float64(expired))
	}

	if r.onLossRate != nil {
		r.onLossRate(r.lossRate())
	}
}

// lossRate returns the cumulative frame loss percentage.
func (r *Receiver) lossRate() float64 {
	lost := r.packetsLost.Load()
	complete := r.framesComplete.Load()
	total := lost + complete
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total) * 100.0
}

// applyPendingResize consumes at most one buffer depth recommendation.
func (r *Receiver) applyPendingResize() {
	select {
	case depth := <-r.resize:
		old := r.queue.cap()
		evicted := r.queue.setCapacity(depth)
		if evicted > 0 {
			r.queueDropped.Add(uint64(evicted))
			metrics.AddCounter(metrics.QueueDropped, float64(evicted))
		}
		metrics.SetGauge(metrics.BufferDepth, float64(r.queue.cap()))
		logrus.WithFields(logrus.Fields{
			"function":  "applyPendingResize",
			"old_depth": old,
			"new_depth": r.queue.cap(),
			"evicted":   evicted,
		}).Info("Playback buffer depth applied")
	default:
	}
}

// playbackWorker drains the playback queue into the sink until stopped.
// An empty queue beyond the poll timeout is counted as an underrun and
// the worker keeps polling.
func (r *Receiver) playbackWorker() {
	defer close(r.playDone)

	logrus.WithFields(logrus.Fields{
		"function": "playbackWorker",
	}).Debug("Playback worker started")

	for {
		chunk, ok := r.queue.pop()
		if !ok {
			select {
			case <-r.stop:
				logrus.WithFields(logrus.Fields{
					"function": "playbackWorker",
				}).Debug("Playback worker stopped")
				return
			case <-time.After(playbackPoll):
				r.underruns.Add(1)
				metrics.AddCounter(metrics.Underruns, 1)
			}
			continue
		}

		if err := r.sink.Play(chunk.PCM); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "playbackWorker",
				"samples":  chunk.SampleCount(),
				"error":    err.Error(),
			}).Error("Playback sink failed")
		}

		select {
		case <-r.stop:
			return
		default:
		}
	}
}
