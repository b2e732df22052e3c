package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("security: invalid token")
	ErrTokenExpired = errors.New("security: token expired")
)

// PermissionSet is the authenticated permission set carried by a Session
// (spec.md §3).
type PermissionSet struct {
	CanControl      bool
	CanConfigure    bool
	CanMonitor      bool
	AllowedPatterns map[string]bool
	IntensityCap    int
	TimeWindowStart string // "HH:MM", empty disables the check
	TimeWindowEnd   string
}

// Principal is the authenticated identity yielded by token verification.
type Principal struct {
	UserID      string
	Permissions PermissionSet
}

// Authenticator verifies short-lived signed credentials (spec.md §4.2:
// "Stateless: verifies a short-lived credential (signed token) against a
// configured secret").
type Authenticator struct {
	secret []byte
}

// NewAuthenticator constructs an Authenticator over an HMAC secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// tokenClaims mirrors the teacher's Supabase-derived claim shape, adapted to
// the gateway's permission model.
type tokenClaims struct {
	jwt.RegisteredClaims
	CanControl      bool     `json:"can_control"`
	CanConfigure    bool     `json:"can_configure"`
	CanMonitor      bool     `json:"can_monitor"`
	AllowedPatterns []string `json:"allowed_patterns"`
	IntensityCap    int      `json:"intensity_cap"`
	WindowStart     string   `json:"window_start,omitempty"`
	WindowEnd       string   `json:"window_end,omitempty"`
}

// Verify validates tokenString and returns the authenticated Principal.
func (a *Authenticator) Verify(tokenString string) (*Principal, error) {
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("security: token secret not configured")
	}

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	allowed := make(map[string]bool, len(claims.AllowedPatterns))
	for _, p := range claims.AllowedPatterns {
		allowed[strings.ToLower(p)] = true
	}

	return &Principal{
		UserID: claims.Subject,
		Permissions: PermissionSet{
			CanControl:      claims.CanControl,
			CanConfigure:    claims.CanConfigure,
			CanMonitor:      claims.CanMonitor,
			AllowedPatterns: allowed,
			IntensityCap:    claims.IntensityCap,
			TimeWindowStart: claims.WindowStart,
			TimeWindowEnd:   claims.WindowEnd,
		},
	}, nil
}

// Issue mints a token for subject with the given permission set and TTL.
// Exposed for tests and CLI tooling (spec.md §6 CLI surface is out-of-core,
// but authoring a local credential is useful for the simulator contract).
func (a *Authenticator) Issue(subject string, perms PermissionSet, ttl time.Duration) (string, error) {
	patterns := make([]string, 0, len(perms.AllowedPatterns))
	for p := range perms.AllowedPatterns {
		patterns = append(patterns, p)
	}
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		CanControl:      perms.CanControl,
		CanConfigure:    perms.CanConfigure,
		CanMonitor:      perms.CanMonitor,
		AllowedPatterns: patterns,
		IntensityCap:    perms.IntensityCap,
		WindowStart:     perms.TimeWindowStart,
		WindowEnd:       perms.TimeWindowEnd,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// WithinTimeWindow reports whether now's clock time falls within the
// principal's allowed time-of-day window (spec.md §3: "optional time-of-day
// window"). An empty window always permits.
func (p PermissionSet) WithinTimeWindow(now time.Time) bool {
	if p.TimeWindowStart == "" || p.TimeWindowEnd == "" {
		return true
	}
	clock := now.Format("15:04")
	if p.TimeWindowStart <= p.TimeWindowEnd {
		return clock >= p.TimeWindowStart && clock <= p.TimeWindowEnd
	}
	// window wraps midnight
	return clock >= p.TimeWindowStart || clock <= p.TimeWindowEnd
}
