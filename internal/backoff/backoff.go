// Package backoff provides exponential backoff with full jitter, shared
// by the Forwarder uplink and the Receiver session state machines.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config configures exponential backoff.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// ForwarderUplink is the backoff policy spec.md §4.3 requires for the
// Forwarder uplink: base 500ms, cap 30s, full jitter.
var ForwarderUplink = Config{
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Multiplier:   2.0,
}

// ReceiverSession reuses the same policy for the Receiver's connection
// to the Server (§4.6: "same backoff policy as the Forwarder").
var ReceiverSession = ForwarderUplink

// Calculator calculates exponential backoff with full jitter. It owns
// its own RNG so concurrent calculators don't contend on the global
// math/rand lock, and so tests can seed it for determinism.
type Calculator struct {
	cfg Config
	rng *rand.Rand
	mu  sync.Mutex
}

// New creates a Calculator seeded from the current time.
func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// NewWithSeed creates a Calculator with a fixed seed, for deterministic tests.
func NewWithSeed(cfg Config, seed int64) *Calculator {
	return &Calculator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Calculate returns the delay for the given attempt number (0-indexed),
// using full jitter: a uniform random value in [0, min(max, base*mult^attempt)].
func (c *Calculator) Calculate(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	cap := float64(c.cfg.InitialDelay) * math.Pow(c.cfg.Multiplier, float64(attempt))
	if cap > float64(c.cfg.MaxDelay) {
		cap = float64(c.cfg.MaxDelay)
	}

	c.mu.Lock()
	delay := c.rng.Float64() * cap
	c.mu.Unlock()

	return time.Duration(delay)
}

// Reset is a no-op placeholder kept for symmetry with callers that
// track attempt counts externally; Calculator itself is stateless
// aside from the RNG, so attempt tracking lives in the caller's state
// machine (Uplink, Session), not here.
func (c *Calculator) Reset() {}
