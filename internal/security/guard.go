package security

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ThreatKind classifies a detected security threat (spec.md §4.2).
type ThreatKind string

const (
	ThreatBruteForce         ThreatKind = "brute_force"
	ThreatDDoS               ThreatKind = "ddos"
	ThreatRateLimit          ThreatKind = "rate_limit"
	ThreatSuspiciousPattern  ThreatKind = "suspicious_pattern"
	ThreatUnauthorizedAccess ThreatKind = "unauthorized_access"
)

// ThreatSeverity mirrors spec.md §4.7's severity ladder for threat records.
type ThreatSeverity string

const (
	SeverityWarning  ThreatSeverity = "warning"
	SeverityCritical ThreatSeverity = "critical"
)

// Threat is a retained security incident record (spec.md §4.2).
type Threat struct {
	ID        string
	Kind      ThreatKind
	Severity  ThreatSeverity
	Source    string
	CreatedAt time.Time
	ExpiresAt time.Time // zero => never auto-expires (critical kinds)
}

// Event is a security event log record. Authenticate records one for every
// authentication decision; CheckRate and RecordConnection record no events
// (they add a Threat on denial or breach instead).
type Event struct {
	ID        string
	Kind      string
	Source    string
	UserID    string
	Allowed   bool
	Reason    string
	Timestamp time.Time
}

// Scope names one of the three independent rate-limit scopes (spec.md §4.2).
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeConnection Scope = "connection"
	ScopeUser       Scope = "user"
)

// GuardConfig configures the Security Guard.
type GuardConfig struct {
	TokenSecret          string
	FailedLoginThreshold int
	BlacklistWindow      time.Duration
	BlacklistDuration    time.Duration
	ConnectionWindow     time.Duration
	MaxConnectionsPerSource int
	EncryptionEnabled    bool
	KeyGracePeriod       time.Duration
	MaxEvents            int

	Global     BucketConfig
	Connection BucketConfig
	User       BucketConfig
}

// DefaultGuardConfig returns sensible defaults matching spec.md §4.2's
// illustrative values.
func DefaultGuardConfig(secret string) GuardConfig {
	return GuardConfig{
		TokenSecret:             secret,
		FailedLoginThreshold:    5,
		BlacklistWindow:         60 * time.Second,
		BlacklistDuration:       time.Hour,
		ConnectionWindow:        10 * time.Second,
		MaxConnectionsPerSource: 20,
		EncryptionEnabled:       false,
		KeyGracePeriod:          5 * time.Minute,
		MaxEvents:               1000,
		Global:     BucketConfig{Algorithm: AlgorithmTokenBucket, Limit: 1000, Window: time.Second, Burst: 2000},
		Connection: BucketConfig{Algorithm: AlgorithmSlidingWindow, Limit: 50, Window: time.Second},
		User:       BucketConfig{Algorithm: AlgorithmFixedWindow, Limit: 200, Window: time.Minute},
	}
}

// Guard implements spec.md §4.2 in full: authentication, three-scope rate
// limiting, DDoS connection counting, optional encryption, and security
// event/threat logging.
type Guard struct {
	cfg  GuardConfig
	auth *Authenticator

	limiters map[Scope]*Limiter
	keyring  *Keyring

	mu              sync.Mutex
	failedAttempts  map[string][]time.Time
	blacklist       map[string]time.Time
	connectionLog   map[string][]time.Time
	threats         []Threat
	events          []Event

	now func() time.Time
}

// NewGuard constructs a Guard from cfg.
func NewGuard(cfg GuardConfig) (*Guard, error) {
	g := &Guard{
		cfg:  cfg,
		auth: NewAuthenticator(cfg.TokenSecret),
		limiters: map[Scope]*Limiter{
			ScopeGlobal:     NewLimiter(cfg.Global),
			ScopeConnection: NewLimiter(cfg.Connection),
			ScopeUser:       NewLimiter(cfg.User),
		},
		failedAttempts: make(map[string][]time.Time),
		blacklist:      make(map[string]time.Time),
		connectionLog:  make(map[string][]time.Time),
		now:            time.Now,
	}
	if cfg.EncryptionEnabled {
		kr, err := NewKeyring(cfg.KeyGracePeriod)
		if err != nil {
			return nil, err
		}
		g.keyring = kr
	}
	return g, nil
}

// Keyring exposes the encryption keyring (nil if encryption is disabled).
func (g *Guard) Keyring() *Keyring { return g.keyring }

// IsBlacklisted reports whether source is currently blacklisted (spec.md
// §4.2, S5: rejects session admission "synchronously for the entire
// blacklist_duration").
func (g *Guard) IsBlacklisted(source string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.blacklist[source]
	if !ok {
		return false
	}
	if g.now().After(until) {
		delete(g.blacklist, source)
		return false
	}
	return true
}

// Authenticate verifies a token for a session originating from source,
// enforcing the blacklist synchronously before any credential verification
// (spec.md §4.2: "during which new sessions are rejected synchronously").
func (g *Guard) Authenticate(source, token string) (*Principal, error) {
	if g.IsBlacklisted(source) {
		g.logEvent("auth", source, "", false, "source blacklisted")
		return nil, ErrBlacklisted
	}

	principal, err := g.auth.Verify(token)
	if err != nil {
		g.recordFailedLogin(source)
		g.logEvent("auth", source, "", false, err.Error())
		return nil, err
	}

	g.logEvent("auth", source, principal.UserID, true, "")
	return principal, nil
}

// ErrBlacklisted is returned when a source is currently blacklisted.
var ErrBlacklisted = fmt.Errorf("security: source is blacklisted")

// recordFailedLogin increments source's failed-attempt counter and
// blacklists it once the threshold is crossed within the blacklist window
// (spec.md §4.2, S5).
func (g *Guard) recordFailedLogin(source string) {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.cfg.BlacklistWindow)
	attempts := g.failedAttempts[source]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.failedAttempts[source] = kept

	if len(kept) >= g.cfg.FailedLoginThreshold {
		g.blacklist[source] = now.Add(g.cfg.BlacklistDuration)
		delete(g.failedAttempts, source)
		g.addThreatLocked(ThreatBruteForce, SeverityCritical, source, now, time.Time{})
	}
}

// RecordConnection counts a new connection from source within the DDoS
// connection window and blacklists the source on breach (spec.md §4.2:
// "Per-source connection counter over connection_window. On breach, the
// source is blacklisted for connection_window and a critical threat is
// created.").
func (g *Guard) RecordConnection(source string) error {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := now.Add(-g.cfg.ConnectionWindow)
	conns := g.connectionLog[source]
	kept := conns[:0]
	for _, t := range conns {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	g.connectionLog[source] = kept

	if len(kept) > g.cfg.MaxConnectionsPerSource {
		g.blacklist[source] = now.Add(g.cfg.ConnectionWindow)
		g.addThreatLocked(ThreatDDoS, SeverityCritical, source, now, time.Time{})
		return ErrDDoSDetected
	}
	return nil
}

// ErrDDoSDetected is returned by RecordConnection on breach.
var ErrDDoSDetected = fmt.Errorf("security: connection rate exceeds DDoS threshold")

// CheckRate performs a non-blocking rate-limit admission check for the
// given scope and identifier.
func (g *Guard) CheckRate(scope Scope, identifier string) CheckResult {
	limiter, ok := g.limiters[scope]
	if !ok {
		return CheckResult{Allowed: true}
	}
	result := limiter.Check(identifier)
	if !result.Allowed {
		g.mu.Lock()
		g.addThreatLocked(ThreatRateLimit, SeverityWarning, identifier, g.now(), g.now().Add(10*time.Minute))
		g.mu.Unlock()
	}
	return result
}

// addThreatLocked appends a threat; caller must hold g.mu.
func (g *Guard) addThreatLocked(kind ThreatKind, severity ThreatSeverity, source string, now, expiresAt time.Time) {
	g.threats = append(g.threats, Threat{
		ID:        uuid.NewString(),
		Kind:      kind,
		Severity:  severity,
		Source:    source,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
}

// logEvent appends a bounded security event log entry.
func (g *Guard) logEvent(kind, source, userID string, allowed bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		UserID:    userID,
		Allowed:   allowed,
		Reason:    reason,
		Timestamp: g.now(),
	})
	if len(g.events) > g.cfg.MaxEvents {
		g.events = g.events[len(g.events)-g.cfg.MaxEvents:]
	}
}

// Threats returns a snapshot of currently retained threats, evicting
// expired non-critical ones first (spec.md §4.2: "threats ... are retained
// in-memory with auto-expiry for non-critical kinds").
func (g *Guard) Threats() []Threat {
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.threats[:0]
	for _, th := range g.threats {
		if th.Severity != SeverityCritical && !th.ExpiresAt.IsZero() && now.After(th.ExpiresAt) {
			continue
		}
		kept = append(kept, th)
	}
	g.threats = kept

	out := make([]Threat, len(g.threats))
	copy(out, g.threats)
	return out
}

// Events returns a snapshot of the retained security event log.
func (g *Guard) Events() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.events))
	copy(out, g.events)
	return out
}

// SetClock overrides the time source, for deterministic tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
	for _, l := range g.limiters {
		l.SetClock(now)
	}
}
