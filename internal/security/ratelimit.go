// Package security implements the Security Guard described in spec.md §4.2:
// authentication, per-scope rate limiting, DDoS protection, optional message
// encryption, and security event logging.
package security

import (
	"math"
	"sync"
	"time"
)

// Algorithm names a rate-limiting algorithm (spec.md §4.2).
type Algorithm string

const (
	AlgorithmFixedWindow   Algorithm = "fixed"
	AlgorithmSlidingWindow Algorithm = "sliding"
	AlgorithmTokenBucket   Algorithm = "token"
)

// BucketConfig configures one rate-limit bucket.
type BucketConfig struct {
	Algorithm  Algorithm
	Limit      int           // max requests (fixed/sliding) or tokens refilled per Window (token)
	Window     time.Duration // window length (fixed/sliding) or refill period (token)
	Burst      int           // bucket capacity, only used by AlgorithmTokenBucket; defaults to Limit
	SoftBlockAfter float64   // multiplier of Limit after which the identifier is soft-blocked; 0 => 1.5
	SoftBlockFor   time.Duration
}

// CheckResult is the outcome of a rate-limit check (spec.md §4.2).
type CheckResult struct {
	Allowed     bool
	Remaining   int
	ResetAtMs   int64
	RetryAfterS float64
}

type bucketState struct {
	// fixed window
	windowStart int64
	count       int

	// sliding window
	lastRequest int64

	// token bucket
	tokens     float64
	lastRefill int64

	// soft-block (shared across algorithms)
	blockedUntil int64
}

// Limiter implements one rate-limit scope (global, connection, or user),
// each an independent bucket set keyed by identifier (spec.md §4.2: "Three
// independent buckets per scope").
type Limiter struct {
	mu      sync.Mutex
	cfg     BucketConfig
	buckets map[string]*bucketState
	now     func() time.Time
}

// NewLimiter constructs a Limiter for one scope.
func NewLimiter(cfg BucketConfig) *Limiter {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Limit
	}
	if cfg.SoftBlockAfter <= 0 {
		cfg.SoftBlockAfter = 1.5
	}
	if cfg.SoftBlockFor <= 0 {
		cfg.SoftBlockFor = cfg.Window
	}
	return &Limiter{cfg: cfg, buckets: make(map[string]*bucketState), now: time.Now}
}

// Check performs a non-blocking admission check for identifier (spec.md
// §4.2: "Each check call is non-blocking").
func (l *Limiter) Check(identifier string) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	nowMs := now.UnixMilli()
	b, ok := l.buckets[identifier]
	if !ok {
		b = &bucketState{lastRefill: nowMs, tokens: float64(l.cfg.Burst)}
		l.buckets[identifier] = b
	}

	if b.blockedUntil > nowMs {
		return CheckResult{
			Allowed:     false,
			Remaining:   0,
			ResetAtMs:   b.blockedUntil,
			RetryAfterS: float64(b.blockedUntil-nowMs) / 1000,
		}
	}

	var result CheckResult
	switch l.cfg.Algorithm {
	case AlgorithmSlidingWindow:
		result = l.checkSliding(b, nowMs)
	case AlgorithmTokenBucket:
		result = l.checkToken(b, nowMs)
	default:
		result = l.checkFixed(b, nowMs)
	}

	l.maybeSoftBlock(b, nowMs)
	return result
}

// The window counters keep incrementing past Limit so that the soft-block
// threshold (Limit * SoftBlockAfter) is observable on sustained abuse.

func (l *Limiter) checkFixed(b *bucketState, nowMs int64) CheckResult {
	windowMs := l.cfg.Window.Milliseconds()
	windowStart := (nowMs / windowMs) * windowMs
	if b.windowStart != windowStart {
		b.windowStart = windowStart
		b.count = 0
	}
	resetAt := windowStart + windowMs
	b.count++
	if b.count > l.cfg.Limit {
		return CheckResult{Allowed: false, Remaining: 0, ResetAtMs: resetAt, RetryAfterS: float64(resetAt-nowMs) / 1000}
	}
	return CheckResult{Allowed: true, Remaining: l.cfg.Limit - b.count, ResetAtMs: resetAt}
}

func (l *Limiter) checkSliding(b *bucketState, nowMs int64) CheckResult {
	windowMs := l.cfg.Window.Milliseconds()
	if b.lastRequest != 0 && nowMs-b.lastRequest > windowMs {
		b.count = 0
	}
	b.lastRequest = nowMs
	resetAt := nowMs + windowMs
	b.count++
	if b.count > l.cfg.Limit {
		return CheckResult{Allowed: false, Remaining: 0, ResetAtMs: resetAt, RetryAfterS: float64(windowMs) / 1000}
	}
	return CheckResult{Allowed: true, Remaining: l.cfg.Limit - b.count, ResetAtMs: resetAt}
}

func (l *Limiter) checkToken(b *bucketState, nowMs int64) CheckResult {
	elapsed := nowMs - b.lastRefill
	if elapsed > 0 {
		rate := float64(l.cfg.Limit) / float64(l.cfg.Window.Milliseconds())
		b.tokens = math.Min(float64(l.cfg.Burst), b.tokens+float64(elapsed)*rate)
		b.lastRefill = nowMs
	}
	if b.tokens < 1 {
		msPerToken := float64(l.cfg.Window.Milliseconds()) / float64(l.cfg.Limit)
		needed := (1 - b.tokens) * msPerToken
		return CheckResult{Allowed: false, Remaining: 0, ResetAtMs: nowMs + int64(math.Ceil(needed)), RetryAfterS: needed / 1000}
	}
	b.tokens--
	return CheckResult{Allowed: true, Remaining: int(b.tokens), ResetAtMs: nowMs + l.cfg.Window.Milliseconds()}
}

// maybeSoftBlock implements spec.md §4.2: "When a bucket count exceeds
// limit * 1.5, the identifier is soft-blocked for timeout_ms; subsequent
// checks deny immediately without examining the counter."
func (l *Limiter) maybeSoftBlock(b *bucketState, nowMs int64) {
	threshold := float64(l.cfg.Limit) * l.cfg.SoftBlockAfter
	if float64(b.count) > threshold {
		b.blockedUntil = nowMs + l.cfg.SoftBlockFor.Milliseconds()
	}
}

// Reset clears all state (including any soft-block) for identifier
// (spec.md §4.2: "Reset clears the soft-block").
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, identifier)
}

// SetClock overrides the time source, for deterministic tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
