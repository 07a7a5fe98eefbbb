// Package adaptive implements the buffering controller that keeps
// playback smooth under variable network delay.
//
// The synchronizer consumes latency, jitter, loss, and quality samples
// from the rest of the pipeline and periodically recomputes the target
// playback buffer depth. Recommendations are delivered to the receiver
// as messages on a registered notification function backed by the
// receiver's resize channel; the synchronizer never touches the queue
// directly.
//
// Design follows simple threshold rules rather than a control-theory
// model: react to sustained latency by shrinking the buffer, to jitter
// and loss by growing it, and clamp the result to the configured
// bounds.
package adaptive

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/voicewire/metrics"
)

// Rolling window capacities for each sample kind.
const (
	latencyWindowSize = 100
	jitterWindowSize  = 50
	lossWindowSize    = 20
	qualityWindowSize = 50
)

// stopGrace bounds how long Stop waits for the control loop to exit.
const stopGrace = 2 * time.Second

// ErrAlreadyRunning is returned when Start is called on a running synchronizer.
var ErrAlreadyRunning = errors.New("synchronizer is already running")

// QualityLevel is the categorical session quality assessment.
type QualityLevel int

const (
	// QualityExcellent indicates near-target latency with negligible
	// jitter and loss.
	QualityExcellent QualityLevel = iota
	// QualityGood indicates minor degradation not noticeable in speech.
	QualityGood
	// QualityFair indicates noticeable but tolerable degradation.
	QualityFair
	// QualityPoor indicates degradation that disrupts conversation.
	QualityPoor
	// QualityVeryPoor indicates a session close to unusable.
	QualityVeryPoor
)

// String returns the human-readable quality label.
func (q QualityLevel) String() string {
	switch q {
	case QualityExcellent:
		return "Excellent"
	case QualityGood:
		return "Good"
	case QualityFair:
		return "Fair"
	case QualityPoor:
		return "Poor"
	case QualityVeryPoor:
		return "Very Poor"
	default:
		return fmt.Sprintf("Unknown(%d)", int(q))
	}
}

// Config defines the synchronizer thresholds and bounds.
type Config struct {
	// TargetLatency is the end-to-end latency the controller steers
	// towards.
	TargetLatency time.Duration

	// MaxLatency is the ceiling beyond which the buffer is shrunk.
	MaxLatency time.Duration

	// MinBuffer and MaxBuffer bound the recommended depth in chunks.
	MinBuffer int
	MaxBuffer int

	// JitterThreshold is the mean jitter above which the buffer grows.
	JitterThreshold time.Duration

	// TickInterval is the control loop period.
	TickInterval time.Duration
}

// DefaultConfig returns thresholds tuned for interactive voice.
func DefaultConfig() *Config {
	return &Config{
		TargetLatency:   50 * time.Millisecond,
		MaxLatency:      200 * time.Millisecond,
		MinBuffer:       3,
		MaxBuffer:       20,
		JitterThreshold: 10 * time.Millisecond,
		TickInterval:    time.Second,
	}
}

// Stats is a point-in-time snapshot of the synchronizer state.
type Stats struct {
	Running       bool
	LatencyMs     float64
	JitterMs      float64
	LossPercent   float64
	QualityScore  float64
	BufferDepth   int
	Adjustments   uint64
	Degradations  uint64
	LatencyCount  int
	JitterCount   int
	Quality       QualityLevel
	QualityLabel  string
	TargetLatency time.Duration
	MaxLatency    time.Duration
}

// Synchronizer periodically recomputes the playback buffer depth from
// observed network conditions.
type Synchronizer struct {
	config *Config

	mu           sync.Mutex
	latency      *window // milliseconds
	jitter       *window // milliseconds
	loss         *window // percent
	quality      *window // score 0-100
	bufferDepth  int
	adjustments  uint64
	degradations uint64
	running      bool
	stop         chan struct{}
	done         chan struct{}

	// notify delivers each new buffer depth. Registered once before
	// Start; the pipeline backs it with the receiver's resize channel.
	notify func(depth int)
}

// New creates a synchronizer with the given thresholds. A nil config
// uses DefaultConfig. The starting depth is the midpoint of the
// configured bounds.
func New(config *Config) *Synchronizer {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MinBuffer < 1 {
		config.MinBuffer = 1
	}
	if config.MaxBuffer < config.MinBuffer {
		config.MaxBuffer = config.MinBuffer
	}

	s := &Synchronizer{
		config:      config,
		latency:     newWindow(latencyWindowSize),
		jitter:      newWindow(jitterWindowSize),
		loss:        newWindow(lossWindowSize),
		quality:     newWindow(qualityWindowSize),
		bufferDepth: (config.MinBuffer + config.MaxBuffer) / 2,
	}

	logrus.WithFields(logrus.Fields{
		"function":       "adaptive.New",
		"target_latency": config.TargetLatency.String(),
		"max_latency":    config.MaxLatency.String(),
		"buffer_min":     config.MinBuffer,
		"buffer_max":     config.MaxBuffer,
		"initial_depth":  s.bufferDepth,
	}).Info("Synchronizer created")

	return s
}

// SetNotify registers the buffer depth notification function. Must be
// called before Start.
func (s *Synchronizer) SetNotify(notify func(depth int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = notify
}

// RecordLatency adds one end-to-end latency sample. Jitter is derived
// as the absolute difference between consecutive latency samples in
// arrival order.
func (s *Synchronizer) RecordLatency(capture, observed time.Time) {
	latencyMs := float64(observed.Sub(capture)) / float64(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.latency.last(); ok {
		s.jitter.push(math.Abs(latencyMs - prev))
	}
	s.latency.push(latencyMs)
}

// RecordLossRate adds one packet loss rate sample in percent (0-100).
func (s *Synchronizer) RecordLossRate(percent float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loss.push(percent)
}

// RecordQuality adds one externally supplied quality score (0-100,
// higher is better).
func (s *Synchronizer) RecordQuality(score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quality.push(score)
}

// CurrentLatency returns the mean latency over the window in
// milliseconds, or 0 when no samples have been recorded.
func (s *Synchronizer) CurrentLatency() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency.mean(0)
}

// CurrentJitter returns the mean jitter in milliseconds, or 0 when
// empty.
func (s *Synchronizer) CurrentJitter() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jitter.mean(0)
}

// CurrentLossRate returns the mean loss percentage, or 0 when empty.
func (s *Synchronizer) CurrentLossRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loss.mean(0)
}

// CurrentQuality returns the mean quality score, or 100 when no
// samples have been recorded (assume good until told otherwise).
func (s *Synchronizer) CurrentQuality() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quality.mean(100)
}

// BufferDepth returns the current recommended depth.
func (s *Synchronizer) BufferDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferDepth
}

// ForceBufferSize overrides the recommendation. The value is clamped to
// the configured bounds and the notification function is invoked with
// the applied depth.
func (s *Synchronizer) ForceBufferSize(depth int) {
	s.mu.Lock()
	applied := s.clamp(depth)
	old := s.bufferDepth
	s.bufferDepth = applied
	notify := s.notify
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "ForceBufferSize",
		"requested": depth,
		"applied":   applied,
		"old_depth": old,
	}).Info("Buffer depth forced")

	metrics.SetGauge(metrics.BufferDepth, float64(applied))
	if notify != nil {
		notify(applied)
	}
}

// Start launches the periodic control loop.
func (s *Synchronizer) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.controlLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"interval": s.config.TickInterval.String(),
	}).Info("Synchronizer started")

	return nil
}

// Stop asks the control loop to exit and waits up to a bounded grace
// period.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopGrace):
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
		}).Warn("Control loop did not exit within grace period")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
	}).Info("Synchronizer stopped")
}

// controlLoop recomputes the buffer depth once per tick. Any issue
// detection output is logged; an error in one tick never terminates
// the loop.
func (s *Synchronizer) controlLoop() {
	defer close(s.done)

	interval := s.config.TickInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Recalculate()

			if issues := s.DetectIssues(); len(issues) > 0 {
				s.mu.Lock()
				s.degradations++
				s.mu.Unlock()
				logrus.WithFields(logrus.Fields{
					"function": "controlLoop",
					"issues":   issues,
				}).Warn("Audio quality issues detected")
			}
		}
	}
}

// Recalculate applies the buffer sizing rules once and, when the
// result differs from the current depth, updates state and invokes the
// notification function. Called from the control loop each tick;
// exported so callers can trigger an immediate reassessment.
func (s *Synchronizer) Recalculate() {
	s.mu.Lock()

	latency := s.latency.mean(0)
	jitter := s.jitter.mean(0)
	loss := s.loss.mean(0)

	depth := s.bufferDepth
	maxLatencyMs := float64(s.config.MaxLatency) / float64(time.Millisecond)
	targetLatencyMs := float64(s.config.TargetLatency) / float64(time.Millisecond)
	jitterMs := float64(s.config.JitterThreshold) / float64(time.Millisecond)

	// Rules applied in fixed order: latency, jitter, loss.
	if latency > maxLatencyMs {
		depth -= 2
	} else if latency < targetLatencyMs*0.5 {
		depth++
	}
	if jitter > jitterMs {
		depth++
	}
	if loss > 5.0 {
		depth += 2
	} else if loss < 1.0 {
		depth--
	}
	depth = s.clamp(depth)

	if depth == s.bufferDepth {
		s.mu.Unlock()
		return
	}

	old := s.bufferDepth
	s.bufferDepth = depth
	s.adjustments++
	notify := s.notify
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Recalculate",
		"old_depth":    old,
		"new_depth":    depth,
		"latency_ms":   latency,
		"jitter_ms":    jitter,
		"loss_percent": loss,
	}).Info("Buffer depth adjusted")

	metrics.SetGauge(metrics.BufferDepth, float64(depth))
	metrics.AddCounter(metrics.BufferAdjustments, 1)

	if notify != nil {
		notify(depth)
	}
}

// clamp bounds a depth to [MinBuffer, MaxBuffer]. Caller holds s.mu.
func (s *Synchronizer) clamp(depth int) int {
	if depth < s.config.MinBuffer {
		return s.config.MinBuffer
	}
	if depth > s.config.MaxBuffer {
		return s.config.MaxBuffer
	}
	return depth
}

// overallScore blends normalized latency, jitter, and loss scores with
// the externally supplied quality samples into one 0-100 figure.
func (s *Synchronizer) overallScore() float64 {
	s.mu.Lock()
	latency := s.latency.mean(0)
	jitter := s.jitter.mean(0)
	loss := s.loss.mean(0)
	quality := s.quality.mean(100)
	s.mu.Unlock()

	maxLatencyMs := float64(s.config.MaxLatency) / float64(time.Millisecond)
	jitterMs := float64(s.config.JitterThreshold) / float64(time.Millisecond)

	latencyScore := math.Max(0, 100-latency/maxLatencyMs*100)
	jitterScore := math.Max(0, 100-jitter/jitterMs*100)
	lossScore := math.Max(0, 100-loss*10)

	return (latencyScore + jitterScore + lossScore + quality) / 4
}

// QualityAssessment maps the blended score onto the five quality bands.
func (s *Synchronizer) QualityAssessment() QualityLevel {
	score := s.overallScore()
	metrics.SetGauge(metrics.QualityScore, score)

	switch {
	case score >= 90:
		return QualityExcellent
	case score >= 75:
		return QualityGood
	case score >= 60:
		return QualityFair
	case score >= 40:
		return QualityPoor
	default:
		return QualityVeryPoor
	}
}

// DetectIssues lists the quality problems currently observable: high
// latency, high jitter, high loss, and low reported quality.
func (s *Synchronizer) DetectIssues() []string {
	s.mu.Lock()
	latency := s.latency.mean(0)
	jitter := s.jitter.mean(0)
	loss := s.loss.mean(0)
	quality := s.quality.mean(100)
	s.mu.Unlock()

	var issues []string
	if latency > float64(s.config.MaxLatency)/float64(time.Millisecond) {
		issues = append(issues, fmt.Sprintf("high latency: %.1fms", latency))
	}
	if jitter > float64(s.config.JitterThreshold)/float64(time.Millisecond) {
		issues = append(issues, fmt.Sprintf("high jitter: %.1fms", jitter))
	}
	if loss > 5.0 {
		issues = append(issues, fmt.Sprintf("high packet loss: %.1f%%", loss))
	}
	if quality < 70.0 {
		issues = append(issues, fmt.Sprintf("poor audio quality: %.1f/100", quality))
	}
	return issues
}

// ResetMeasurements clears all sample windows and counters. The buffer
// depth is left unchanged.
func (s *Synchronizer) ResetMeasurements() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latency.clear()
	s.jitter.clear()
	s.loss.clear()
	s.quality.clear()
	s.adjustments = 0
	s.degradations = 0

	logrus.WithFields(logrus.Fields{
		"function": "ResetMeasurements",
	}).Info("Synchronizer measurements reset")
}

// Stats returns a snapshot of the synchronizer state.
func (s *Synchronizer) Stats() Stats {
	quality := s.QualityAssessment()

	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Running:       s.running,
		LatencyMs:     s.latency.mean(0),
		JitterMs:      s.jitter.mean(0),
		LossPercent:   s.loss.mean(0),
		QualityScore:  s.quality.mean(100),
		BufferDepth:   s.bufferDepth,
		Adjustments:   s.adjustments,
		Degradations:  s.degradations,
		LatencyCount:  s.latency.len(),
		JitterCount:   s.jitter.len(),
		Quality:       quality,
		QualityLabel:  quality.String(),
		TargetLatency: s.config.TargetLatency,
		MaxLatency:    s.config.MaxLatency,
	}
}
