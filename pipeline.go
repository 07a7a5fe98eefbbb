package voicewire

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicewire/adaptive"
	"github.com/opd-ai/voicewire/audio"
	"github.com/opd-ai/voicewire/metrics"
	"github.com/opd-ai/voicewire/receive"
	"github.com/opd-ai/voicewire/transmit"
)

// Stats aggregates the snapshots of every pipeline component.
type Stats struct {
	Session      string
	Transmit     transmit.Stats
	Receive      receive.Stats
	Synchronizer adaptive.Stats
	Quality      string
}

// Pipeline wires the transmitter, receiver, and adaptive synchronizer
// into one full-duplex audio session.
//
// Measurement flow: the receiver reports a latency sample for every
// reassembled chunk and a loss rate once per sweep; the synchronizer
// folds those into its rolling windows and pushes buffer depth
// recommendations back to the receiver's resize channel. That channel
// is the only mechanism by which the playback queue's capacity changes
// at runtime.
type Pipeline struct {
	id     uuid.UUID
	config Config

	transmitter  *transmit.Transmitter
	receiver     *receive.Receiver
	synchronizer *adaptive.Synchronizer
}

// New constructs a fully wired pipeline. Sockets are bound here; any
// bind failure is returned with already-acquired resources released, so
// a pipeline is never half-initialized.
func New(cfg Config, sink audio.PlaybackSink) (*Pipeline, error) {
	metrics.Init()

	transmitter, err := transmit.New(cfg.SendAddr, cfg.MaxPacketSize)
	if err != nil {
		return nil, fmt.Errorf("transmitter setup: %w", err)
	}

	synchronizer := adaptive.New(&adaptive.Config{
		TargetLatency:   cfg.TargetLatency,
		MaxLatency:      cfg.MaxLatency,
		MinBuffer:       cfg.MinBuffer,
		MaxBuffer:       cfg.MaxBuffer,
		JitterThreshold: cfg.JitterThreshold,
		TickInterval:    cfg.TickInterval,
	})

	receiver, err := receive.New(receive.Config{
		ListenAddr:         cfg.ListenAddr,
		InitialBufferDepth: synchronizer.BufferDepth(),
		ReassemblyTimeout:  cfg.ReassemblyTimeout,
		MaxPacketSize:      cfg.MaxPacketSize,
	}, sink)
	if err != nil {
		_ = transmitter.Close()
		return nil, fmt.Errorf("receiver setup: %w", err)
	}

	receiver.SetCallbacks(synchronizer.RecordLatency, synchronizer.RecordLossRate)
	synchronizer.SetNotify(receiver.ResizeBuffer)

	p := &Pipeline{
		id:           uuid.New(),
		config:       cfg,
		transmitter:  transmitter,
		receiver:     receiver,
		synchronizer: synchronizer,
	}

	if cfg.TargetAddr != "" {
		if err := transmitter.SetTarget(cfg.TargetAddr); err != nil {
			_ = transmitter.Close()
			_ = receiver.Close()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":    "voicewire.New",
		"session":     p.id.String(),
		"listen_addr": receiver.LocalAddr().String(),
		"target":      cfg.TargetAddr,
	}).Info("Pipeline created")

	return p, nil
}

// SessionID returns the session's correlation identifier.
func (p *Pipeline) SessionID() string {
	return p.id.String()
}

// Start launches all four workers: send, receive, playback, and the
// synchronizer tick. On failure everything already started is stopped.
func (p *Pipeline) Start() error {
	if err := p.transmitter.Start(); err != nil {
		return fmt.Errorf("start transmitter: %w", err)
	}
	if err := p.receiver.Start(); err != nil {
		p.transmitter.Stop()
		return fmt.Errorf("start receiver: %w", err)
	}
	if err := p.synchronizer.Start(); err != nil {
		p.receiver.Stop()
		p.transmitter.Stop()
		return fmt.Errorf("start synchronizer: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"session":  p.id.String(),
	}).Info("Pipeline started")

	return nil
}

// Stop halts the workers in reverse dependency order.
func (p *Pipeline) Stop() {
	p.synchronizer.Stop()
	p.receiver.Stop()
	p.transmitter.Stop()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"session":  p.id.String(),
	}).Info("Pipeline stopped")
}

// Close stops the workers and releases both sockets.
func (p *Pipeline) Close() error {
	p.Stop()
	errTx := p.transmitter.Close()
	errRx := p.receiver.Close()
	if errTx != nil {
		return errTx
	}
	return errRx
}

// Submit feeds one captured chunk into the transmit path. Never blocks.
func (p *Pipeline) Submit(chunk audio.Chunk) {
	p.transmitter.Submit(chunk)
}

// SetTarget points the transmitter at a (new) peer address.
func (p *Pipeline) SetTarget(addr string) error {
	return p.transmitter.SetTarget(addr)
}

// RecordQuality forwards an externally measured quality score (0-100)
// to the synchronizer.
func (p *Pipeline) RecordQuality(score float64) {
	p.synchronizer.RecordQuality(score)
}

// ForceBufferSize overrides the adaptive buffer depth, clamped to the
// configured bounds.
func (p *Pipeline) ForceBufferSize(depth int) {
	p.synchronizer.ForceBufferSize(depth)
}

// ListenAddr returns the receiver's bound address, useful when
// listening on an ephemeral port.
func (p *Pipeline) ListenAddr() net.Addr {
	return p.receiver.LocalAddr()
}

// Stats returns an aggregated snapshot across all components.
func (p *Pipeline) Stats() Stats {
	syncStats := p.synchronizer.Stats()
	return Stats{
		Session:      p.id.String(),
		Transmit:     p.transmitter.Stats(),
		Receive:      p.receiver.Stats(),
		Synchronizer: syncStats,
		Quality:      syncStats.QualityLabel,
	}
}

// ProbeTarget sends one best-effort probe datagram to addr and reports
// whether the local send path accepted it. UDP gives no delivery
// confirmation; this only catches immediate local errors such as an
// unroutable address.
func ProbeTarget(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("udp", addr, timeout)
	if err != nil {
		return fmt.Errorf("probe dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	if _, err := conn.Write([]byte("VWP1-PROBE")); err != nil {
		return fmt.Errorf("probe send: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "ProbeTarget",
		"target":   addr,
	}).Info("Connectivity probe sent")

	return nil
}
