package resilience

import (
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
)

// Predicate inspects a fault's context to decide whether recovery should be
// attempted at all (spec.md §4.7). A nil predicate always allows recovery.
type Predicate func(ctx map[string]interface{}) bool

// Policy is the recovery strategy registered for one error Kind.
type Policy struct {
	Retry     RetryConfig
	Predicate Predicate
}

// Recovery holds per-kind policies and deduplicates repeated errors within a
// rolling window to prevent log storms (spec.md §4.7).
type Recovery struct {
	mu          sync.Mutex
	policies    map[svcerr.Kind]Policy
	errorWindow time.Duration
	seen        map[string]time.Time
}

// NewRecovery constructs a Recovery with the given per-kind policies and
// dedup window.
func NewRecovery(policies map[svcerr.Kind]Policy, errorWindow time.Duration) *Recovery {
	if errorWindow <= 0 {
		errorWindow = 30 * time.Second
	}
	return &Recovery{
		policies:    policies,
		errorWindow: errorWindow,
		seen:        make(map[string]time.Time),
	}
}

// DefaultPolicies returns a reasonable default policy set covering every
// svcerr.Kind; fatal kinds get MaxAttempts=1 (i.e. no retry).
func DefaultPolicies() map[svcerr.Kind]Policy {
	transient := RetryConfig{MaxAttempts: 3, Strategy: BackoffExponential, InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.1}
	noRetry := RetryConfig{MaxAttempts: 1}
	return map[svcerr.Kind]Policy{
		svcerr.KindConnection:      {Retry: transient},
		svcerr.KindTimeout:         {Retry: transient},
		svcerr.KindProtocol:        {Retry: noRetry},
		svcerr.KindDevice:          {Retry: transient},
		svcerr.KindDeviceBusy:      {Retry: RetryConfig{MaxAttempts: 5, Strategy: BackoffLinear, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second}},
		svcerr.KindCommand:         {Retry: transient},
		svcerr.KindInvalidCommand:  {Retry: noRetry},
		svcerr.KindInvalidResponse: {Retry: RetryConfig{MaxAttempts: 2, Strategy: BackoffFixed, InitialDelay: 50 * time.Millisecond}},
		svcerr.KindResource:        {Retry: transient},
		svcerr.KindConfiguration:   {Retry: noRetry},
		svcerr.KindValidation:      {Retry: noRetry},
		svcerr.KindAuth:            {Retry: noRetry},
		svcerr.KindAuthorization:   {Retry: noRetry},
		svcerr.KindRateLimit:       {Retry: noRetry},
		svcerr.KindSecurity:        {Retry: noRetry},
		svcerr.KindUnknown:         {Retry: noRetry},
	}
}

// PolicyFor returns the registered policy for kind, or a no-retry default.
func (r *Recovery) PolicyFor(kind svcerr.Kind) Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[kind]; ok {
		return p
	}
	return Policy{Retry: RetryConfig{MaxAttempts: 1}}
}

// ShouldLog reports whether an error with this (kind, message) should be
// logged now, deduplicating identical errors within the error window.
func (r *Recovery) ShouldLog(kind svcerr.Kind, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := string(kind) + "|" + message
	now := time.Now()
	if last, ok := r.seen[key]; ok && now.Sub(last) < r.errorWindow {
		return false
	}
	r.seen[key] = now
	return true
}

// Sweep evicts dedup entries older than the error window; call periodically
// from the scheduler to bound memory.
func (r *Recovery) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-r.errorWindow)
	for k, t := range r.seen {
		if t.Before(cutoff) {
			delete(r.seen, k)
		}
	}
}
