package voicewire

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every tunable of a voicewire session. Durations that
// bound the adaptive controller live here so the pipeline is configured
// in one place; component packages receive the slices they need.
type Config struct {
	// SendAddr is the local UDP address the transmitter binds for
	// sending (":0" for an ephemeral port).
	SendAddr string

	// ListenAddr is the local UDP address the receiver listens on.
	ListenAddr string

	// TargetAddr is the peer's receive address. May be empty at
	// construction and set later via SetTarget.
	TargetAddr string

	// SampleRate and Channels describe the session-wide PCM format.
	SampleRate int
	Channels   int

	// MaxPacketSize caps each datagram, header included.
	MaxPacketSize int

	// MinBuffer and MaxBuffer bound the playback buffer depth in
	// chunks.
	MinBuffer int
	MaxBuffer int

	// TargetLatency and MaxLatency steer the adaptive controller.
	TargetLatency time.Duration
	MaxLatency    time.Duration

	// JitterThreshold is the mean jitter above which the buffer grows.
	JitterThreshold time.Duration

	// ReassemblyTimeout bounds how long incomplete fragment sets are
	// retained before being counted as lost.
	ReassemblyTimeout time.Duration

	// TickInterval is the adaptive control loop period.
	TickInterval time.Duration
}

// DefaultConfig returns settings tuned for interactive voice on a LAN
// or reasonable WAN path.
func DefaultConfig() Config {
	return Config{
		SendAddr:          ":0",
		ListenAddr:        ":5001",
		SampleRate:        44100,
		Channels:          1,
		MaxPacketSize:     1400,
		MinBuffer:         3,
		MaxBuffer:         20,
		TargetLatency:     50 * time.Millisecond,
		MaxLatency:        200 * time.Millisecond,
		JitterThreshold:   10 * time.Millisecond,
		ReassemblyTimeout: time.Second,
		TickInterval:      time.Second,
	}
}

// ConfigFromEnv builds a Config from environment variables, falling
// back to DefaultConfig for anything unset. A .env file in the working
// directory is loaded first when present.
//
// Recognized variables: VOICEWIRE_SEND_ADDR, VOICEWIRE_LISTEN_ADDR,
// VOICEWIRE_TARGET_ADDR, VOICEWIRE_SAMPLE_RATE, VOICEWIRE_CHANNELS,
// VOICEWIRE_MAX_PACKET_SIZE, VOICEWIRE_MIN_BUFFER, VOICEWIRE_MAX_BUFFER,
// VOICEWIRE_TARGET_LATENCY, VOICEWIRE_MAX_LATENCY,
// VOICEWIRE_JITTER_THRESHOLD, VOICEWIRE_REASSEMBLY_TIMEOUT,
// VOICEWIRE_TICK_INTERVAL.
func ConfigFromEnv() Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "ConfigFromEnv",
			"error":    err.Error(),
		}).Warn("Could not load .env file, using environment as-is")
	}

	cfg := DefaultConfig()

	cfg.SendAddr = envString("VOICEWIRE_SEND_ADDR", cfg.SendAddr)
	cfg.ListenAddr = envString("VOICEWIRE_LISTEN_ADDR", cfg.ListenAddr)
	cfg.TargetAddr = envString("VOICEWIRE_TARGET_ADDR", cfg.TargetAddr)
	cfg.SampleRate = envInt("VOICEWIRE_SAMPLE_RATE", cfg.SampleRate)
	cfg.Channels = envInt("VOICEWIRE_CHANNELS", cfg.Channels)
	cfg.MaxPacketSize = envInt("VOICEWIRE_MAX_PACKET_SIZE", cfg.MaxPacketSize)
	cfg.MinBuffer = envInt("VOICEWIRE_MIN_BUFFER", cfg.MinBuffer)
	cfg.MaxBuffer = envInt("VOICEWIRE_MAX_BUFFER", cfg.MaxBuffer)
	cfg.TargetLatency = envDuration("VOICEWIRE_TARGET_LATENCY", cfg.TargetLatency)
	cfg.MaxLatency = envDuration("VOICEWIRE_MAX_LATENCY", cfg.MaxLatency)
	cfg.JitterThreshold = envDuration("VOICEWIRE_JITTER_THRESHOLD", cfg.JitterThreshold)
	cfg.ReassemblyTimeout = envDuration("VOICEWIRE_REASSEMBLY_TIMEOUT", cfg.ReassemblyTimeout)
	cfg.TickInterval = envDuration("VOICEWIRE_TICK_INTERVAL", cfg.TickInterval)

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "envInt",
			"key":      key,
			"value":    v,
		}).Warn("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "envDuration",
			"key":      key,
			"value":    v,
		}).Warn("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
