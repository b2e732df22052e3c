package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucketBurstAndRecovery(t *testing.T) {
	// spec.md S2: limit=10, window=100ms, burst=15.
	limiter := NewLimiter(BucketConfig{Algorithm: AlgorithmTokenBucket, Limit: 10, Window: 100 * time.Millisecond, Burst: 15})
	clock := time.Now()
	limiter.SetClock(func() time.Time { return clock })

	allowed := 0
	for i := 0; i < 15; i++ {
		if limiter.Check("dev-1").Allowed {
			allowed++
		}
	}
	require.Equal(t, 15, allowed)

	// 16th immediately after should be denied with a positive retry-after.
	result := limiter.Check("dev-1")
	require.False(t, result.Allowed)
	require.Greater(t, result.RetryAfterS, 0.0)

	// 100ms later, tokens should have refilled to at least the base limit.
	clock = clock.Add(100 * time.Millisecond)
	allowedAfter := 0
	for i := 0; i < 10; i++ {
		if limiter.Check("dev-1").Allowed {
			allowedAfter++
		}
	}
	require.GreaterOrEqual(t, allowedAfter, 10)
}

func TestFixedWindowNeverExceedsLimit(t *testing.T) {
	limiter := NewLimiter(BucketConfig{Algorithm: AlgorithmFixedWindow, Limit: 5, Window: time.Second})
	allowed := 0
	for i := 0; i < 20; i++ {
		if limiter.Check("u1").Allowed {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, 5)
}

func TestSoftBlockEngagesOnSustainedOverrun(t *testing.T) {
	// spec.md §4.2: once the window counter exceeds limit * 1.5 the
	// identifier is soft-blocked and denied without examining the counter;
	// Reset clears the block.
	limiter := NewLimiter(BucketConfig{Algorithm: AlgorithmFixedWindow, Limit: 4, Window: time.Hour, SoftBlockFor: time.Minute})
	clock := time.Now()
	limiter.SetClock(func() time.Time { return clock })

	for i := 0; i < 7; i++ {
		limiter.Check("u1")
	}
	result := limiter.Check("u1")
	require.False(t, result.Allowed)

	// the soft-block outlives its own trigger evidence: still denied with
	// no remaining budget reported.
	blocked := limiter.Check("u1")
	require.False(t, blocked.Allowed)
	require.Greater(t, blocked.RetryAfterS, 0.0)

	limiter.Reset("u1")
	require.True(t, limiter.Check("u1").Allowed)
}

func TestBruteForceBlacklist(t *testing.T) {
	cfg := DefaultGuardConfig("test-secret-that-is-long-enough-aaaaaaaa")
	cfg.FailedLoginThreshold = 5
	cfg.BlacklistWindow = time.Minute
	cfg.BlacklistDuration = time.Hour
	g, err := NewGuard(cfg)
	require.NoError(t, err)

	clock := time.Now()
	g.SetClock(func() time.Time { return clock })

	for i := 0; i < 5; i++ {
		_, err := g.Authenticate("10.0.0.1", "not-a-real-token")
		require.Error(t, err)
	}

	require.True(t, g.IsBlacklisted("10.0.0.1"))
	_, err = g.Authenticate("10.0.0.1", "irrelevant")
	require.ErrorIs(t, err, ErrBlacklisted)

	threats := g.Threats()
	require.Len(t, threats, 1)
	require.Equal(t, ThreatBruteForce, threats[0].Kind)

	clock = clock.Add(time.Hour + time.Second)
	require.False(t, g.IsBlacklisted("10.0.0.1"))
}

func TestDDoSConnectionBreach(t *testing.T) {
	cfg := DefaultGuardConfig("test-secret-that-is-long-enough-aaaaaaaa")
	cfg.MaxConnectionsPerSource = 3
	cfg.ConnectionWindow = time.Second
	g, err := NewGuard(cfg)
	require.NoError(t, err)

	var lastErr error
	for i := 0; i < 5; i++ {
		lastErr = g.RecordConnection("203.0.113.5")
	}
	require.ErrorIs(t, lastErr, ErrDDoSDetected)
	require.True(t, g.IsBlacklisted("203.0.113.5"))
}

func TestKeyringEncryptDecryptAcrossRotation(t *testing.T) {
	kr, err := NewKeyring(50 * time.Millisecond)
	require.NoError(t, err)

	env1, err := kr.Encrypt([]byte("hello"))
	require.NoError(t, err)

	require.NoError(t, kr.Rotate())

	// old key still usable within the grace period
	plain, err := kr.Decrypt(env1)
	require.NoError(t, err)
	require.Equal(t, "hello", string(plain))

	env2, err := kr.Encrypt([]byte("world"))
	require.NoError(t, err)
	plain2, err := kr.Decrypt(env2)
	require.NoError(t, err)
	require.Equal(t, "world", string(plain2))
}

func TestKeyringUnknownKeyFails(t *testing.T) {
	kr, err := NewKeyring(time.Minute)
	require.NoError(t, err)
	_, err = kr.Decrypt(Envelope{KeyID: 99999, IV: make([]byte, 12), Payload: []byte("x")})
	require.ErrorIs(t, err, ErrUnknownKeyID)
}

func TestAuthenticatorIssueAndVerify(t *testing.T) {
	a := NewAuthenticator("a-secret-for-testing-purposes-only")
	perms := PermissionSet{CanControl: true, AllowedPatterns: map[string]bool{"wave": true}, IntensityCap: 80}
	token, err := a.Issue("user-1", perms, time.Minute)
	require.NoError(t, err)

	principal, err := a.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.UserID)
	require.True(t, principal.Permissions.CanControl)
	require.True(t, principal.Permissions.AllowedPatterns["wave"])
	require.Equal(t, 80, principal.Permissions.IntensityCap)
}
