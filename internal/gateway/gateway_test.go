package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
	"github.com/straticus1/aeimsLib-sub004/internal/security"
)

type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	written [][]byte
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	msg, ok := <-f.inbound
	if !ok {
		return nil, errConnClosed
	}
	return msg, nil
}

func (f *fakeConn) WriteMessage(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, payload)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeConn) lastWritten() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.written) == 0 {
		return nil, false
	}
	return f.written[len(f.written)-1], true
}

func (f *fakeConn) hasFrameType(frameType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, raw := range f.written {
		var frame Frame
		if json.Unmarshal(raw, &frame) == nil && frame.Type == frameType {
			return true
		}
	}
	return false
}

var errConnClosed = &connClosedError{}

type connClosedError struct{}

func (*connClosedError) Error() string { return "fake conn closed" }

func newTestGateway(t *testing.T, handler Handler) (*Gateway, *security.Guard) {
	t.Helper()
	guard, err := security.NewGuard(security.DefaultGuardConfig("a-secret-for-testing-purposes-only"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	// Long enough that a fake client which never pongs survives the test.
	cfg.PingInterval = 5 * time.Second
	cfg.PingTimeout = 5 * time.Second
	cfg.MaxConcurrentSessions = 2

	g := New(cfg, guard, scheduler.New(nil), nil, nil, handler)
	return g, guard
}

func issueToken(t *testing.T, guard *security.Guard, perms security.PermissionSet) string {
	t.Helper()
	auth := security.NewAuthenticator("a-secret-for-testing-purposes-only")
	_ = guard
	token, err := auth.Issue("user-1", perms, time.Hour)
	require.NoError(t, err)
	return token
}

func TestAdmitRejectsInvalidToken(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	conn := newFakeConn()
	_, err := g.Admit(context.Background(), conn, "1.2.3.4", "not-a-token")
	require.Error(t, err)
}

func TestAdmitAcceptsValidToken(t *testing.T) {
	g, guard := newTestGateway(t, nil)
	token := issueToken(t, guard, security.PermissionSet{CanControl: true})

	conn := newFakeConn()
	session, err := g.Admit(context.Background(), conn, "1.2.3.4", token)
	require.NoError(t, err)
	require.Equal(t, "user-1", session.UserID)
	require.Equal(t, 1, g.SessionCount())
}

func TestCapacityRejectionPrecedesAuth(t *testing.T) {
	g, guard := newTestGateway(t, nil)
	token := issueToken(t, guard, security.PermissionSet{})

	_, err := g.Admit(context.Background(), newFakeConn(), "1.1.1.1", token)
	require.NoError(t, err)
	_, err = g.Admit(context.Background(), newFakeConn(), "1.1.1.2", token)
	require.NoError(t, err)

	_, err = g.Admit(context.Background(), newFakeConn(), "1.1.1.3", "garbage-token-that-would-also-fail-auth")
	require.ErrorIs(t, err, ErrAtCapacity)
}

func TestSubscribeThenPublishReachesSession(t *testing.T) {
	g, guard := newTestGateway(t, nil)
	token := issueToken(t, guard, security.PermissionSet{})
	conn := newFakeConn()
	session, err := g.Admit(context.Background(), conn, "1.2.3.4", token)
	require.NoError(t, err)

	payload, _ := json.Marshal(subscribePayload{Filter: "device:d1"})
	conn.inbound <- mustMarshal(t, Frame{Type: FrameTypeSubscribe, Payload: payload})

	deadline := time.Now().Add(500 * time.Millisecond)
	for !session.Matches("device:d1") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, session.Matches("device:d1"))

	g.Publish("device:d1", Frame{Type: FrameTypeEvent})

	deadline = time.Now().Add(500 * time.Millisecond)
	for {
		if conn.hasFrameType(FrameTypeEvent) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for published frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUnknownHandlerErrorIsReportedNotFatalByDefault(t *testing.T) {
	g, guard := newTestGateway(t, func(ctx context.Context, session *Session, frame Frame) error {
		return unknownFrameType(frame.Type)
	})
	token := issueToken(t, guard, security.PermissionSet{})
	conn := newFakeConn()
	_, err := g.Admit(context.Background(), conn, "1.2.3.4", token)
	require.NoError(t, err)

	conn.inbound <- mustMarshal(t, Frame{Type: "control.vibrate"})

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, g.SessionCount())
}

func TestHeartbeatLostTerminatesSession(t *testing.T) {
	guard, err := security.NewGuard(security.DefaultGuardConfig("a-secret-for-testing-purposes-only"))
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PingTimeout = 10 * time.Millisecond
	g := New(cfg, guard, scheduler.New(nil), nil, nil, nil)

	token := issueToken(t, guard, security.PermissionSet{})
	conn := newFakeConn()
	_, err = g.Admit(context.Background(), conn, "1.2.3.4", token)
	require.NoError(t, err)
	require.Equal(t, 1, g.SessionCount())

	deadline := time.Now().Add(time.Second)
	for g.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, g.SessionCount())
}

func TestAdmitSendsWelcomeFrame(t *testing.T) {
	g, guard := newTestGateway(t, nil)
	token := issueToken(t, guard, security.PermissionSet{})
	conn := newFakeConn()
	_, err := g.Admit(context.Background(), conn, "1.2.3.4", token)
	require.NoError(t, err)

	deadline := time.Now().Add(500 * time.Millisecond)
	for !conn.hasFrameType(FrameTypeWelcome) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, conn.hasFrameType(FrameTypeWelcome))
}

func TestPingGetsPongWithEchoedID(t *testing.T) {
	g, guard := newTestGateway(t, nil)
	token := issueToken(t, guard, security.PermissionSet{})
	conn := newFakeConn()
	_, err := g.Admit(context.Background(), conn, "1.2.3.4", token)
	require.NoError(t, err)

	conn.inbound <- mustMarshal(t, Frame{ID: "req-42", Type: FrameTypePing})

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		conn.mu.Lock()
		for _, raw := range conn.written {
			var frame Frame
			if json.Unmarshal(raw, &frame) == nil && frame.Type == FrameTypePong && frame.ID == "req-42" {
				conn.mu.Unlock()
				return
			}
		}
		conn.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for correlated pong")
}

func TestSubscribeAcknowledged(t *testing.T) {
	g, guard := newTestGateway(t, nil)
	token := issueToken(t, guard, security.PermissionSet{})
	conn := newFakeConn()
	_, err := g.Admit(context.Background(), conn, "1.2.3.4", token)
	require.NoError(t, err)

	payload, _ := json.Marshal(subscribePayload{Filter: "device:d9"})
	conn.inbound <- mustMarshal(t, Frame{ID: "sub-1", Type: FrameTypeSubscribe, Payload: payload})

	deadline := time.Now().Add(500 * time.Millisecond)
	for !conn.hasFrameType(FrameTypeSubSuccess) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, conn.hasFrameType(FrameTypeSubSuccess))
}

func mustMarshal(t *testing.T, frame Frame) []byte {
	t.Helper()
	b, err := json.Marshal(frame)
	require.NoError(t, err)
	return b
}
