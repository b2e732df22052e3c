// Package gateway implements the Session Gateway (spec.md §4.1): connection
// admission, message framing and dispatch, heartbeat, and subscription
// fan-out.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/straticus1/aeimsLib-sub004/infrastructure/logging"
	"github.com/straticus1/aeimsLib-sub004/internal/metrics"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
	"github.com/straticus1/aeimsLib-sub004/internal/security"
	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
	"github.com/straticus1/aeimsLib-sub004/internal/telemetry"
)

// Handler processes one inbound business-level frame for session,
// returning a typed error on failure; the gateway classifies the error to
// decide whether it is merely reported back to the client or terminates
// the session (spec.md §4.1, §4.7). Replies the handler produces are sent
// through session.Enqueue, echoing the request frame's id.
type Handler func(ctx context.Context, session *Session, frame Frame) error

// Config configures the Session Gateway.
type Config struct {
	MaxConcurrentSessions int
	PingInterval          time.Duration
	PingTimeout           time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSessions: 10000,
		PingInterval:          30 * time.Second,
		PingTimeout:           10 * time.Second,
	}
}

// Gateway is the Session Gateway of spec.md §4.1.
type Gateway struct {
	cfg       Config
	guard     *security.Guard
	sched     *scheduler.Scheduler
	metrics   *metrics.Metrics
	log       *logging.Logger
	handler   Handler
	telemetry *telemetry.Pipeline

	mu       sync.Mutex
	sessions map[string]*Session
}

// SetTelemetry attaches the telemetry pipeline every inbound message and
// admission decision is tracked through (spec.md §2: "Telemetry Pipeline is
// written to from every other component"). Nil is a valid no-op, matching
// the metrics field's optionality.
func (g *Gateway) SetTelemetry(p *telemetry.Pipeline) {
	g.telemetry = p
}

// New constructs a Gateway. handler is invoked for every non-gateway-owned
// inbound frame type (i.e. anything other than ping/pong/subscribe/
// unsubscribe/auth-refresh).
func New(cfg Config, guard *security.Guard, sched *scheduler.Scheduler, m *metrics.Metrics, log *logging.Logger, handler Handler) *Gateway {
	return &Gateway{
		cfg:      cfg,
		guard:    guard,
		sched:    sched,
		metrics:  m,
		log:      log,
		handler:  handler,
		sessions: make(map[string]*Session),
	}
}

// ErrAtCapacity is returned by Admit when MaxConcurrentSessions is reached.
var ErrAtCapacity = svcerr.New(svcerr.CodeRateLimitExceeded, svcerr.KindResource, svcerr.SeverityWarning, svcerr.CategoryTransient, "gateway is at capacity")

// Admit authenticates a new connection and, on success, sends the welcome
// frame and starts its pumps and heartbeat. Capacity is checked before any
// auth work (spec.md §4.1: "capacity rejection happens before
// authentication is attempted"). The session's operations run under a
// context derived from parent that is cancelled when the session
// terminates (spec.md §5 cancellation).
func (g *Gateway) Admit(parent context.Context, conn Conn, source, token string) (*Session, error) {
	g.mu.Lock()
	if len(g.sessions) >= g.cfg.MaxConcurrentSessions {
		g.mu.Unlock()
		return nil, ErrAtCapacity
	}
	g.mu.Unlock()

	if err := g.guard.RecordConnection(source); err != nil {
		if g.metrics != nil {
			g.metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, svcerr.New(svcerr.CodeRateLimitExceeded, svcerr.KindSecurity, svcerr.SeverityWarning, svcerr.CategoryTransient, "connection rejected by ddos protection").WithDetails("source", source)
	}

	principal, err := g.guard.Authenticate(source, token)
	if err != nil {
		if g.metrics != nil {
			g.metrics.SessionsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, svcerr.Wrap(svcerr.CodeAuth, svcerr.KindAuth, svcerr.SeverityWarning, svcerr.CategoryPersistent, "authentication failed", err)
	}

	ctx, cancel := context.WithCancel(parent)
	session := newSession(principal.UserID, uuid.NewString(), uuid.NewString(), principal.Permissions, conn, cancel)

	g.mu.Lock()
	g.sessions[session.SessionID] = session
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SessionsActive.Inc()
		g.metrics.SessionsTotal.WithLabelValues("admitted").Inc()
	}

	welcome, _ := json.Marshal(map[string]interface{}{
		"session_id": session.SessionID,
		"user_id":    session.UserID,
	})
	session.Enqueue(Frame{ID: uuid.NewString(), Type: FrameTypeWelcome, Payload: welcome, Timestamp: time.Now().UnixMilli()})

	go g.writePump(session)
	go g.readPump(ctx, session)
	g.startHeartbeat(ctx, session)

	return session, nil
}

func (g *Gateway) writePump(session *Session) {
	for frame := range session.outbound {
		payload, err := json.Marshal(frame)
		if err != nil {
			continue
		}
		payload, err = g.sealMessage(payload)
		if err != nil {
			continue
		}
		if err := session.conn.WriteMessage(payload); err != nil {
			g.terminate(session, "write failed")
			return
		}
	}
}

// wireEnvelope is the on-the-wire shape of an encrypted message when the
// guard's keyring is enabled (spec.md §4.2: "Ciphertext carries {key_id,
// iv, payload}").
type wireEnvelope struct {
	KeyID   uint64 `json:"key_id"`
	IV      []byte `json:"iv"`
	Payload []byte `json:"payload"`
}

func (g *Gateway) sealMessage(plaintext []byte) ([]byte, error) {
	kr := g.guard.Keyring()
	if kr == nil {
		return plaintext, nil
	}
	env, err := kr.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{KeyID: env.KeyID, IV: env.IV, Payload: env.Payload})
}

func (g *Gateway) openMessage(raw []byte) ([]byte, error) {
	kr := g.guard.Keyring()
	if kr == nil {
		return raw, nil
	}
	var env wireEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return kr.Decrypt(security.Envelope{KeyID: env.KeyID, IV: env.IV, Payload: env.Payload})
}

func (g *Gateway) readPump(ctx context.Context, session *Session) {
	for {
		raw, err := session.conn.ReadMessage()
		if err != nil {
			g.terminate(session, "read failed")
			return
		}

		raw, err = g.openMessage(raw)
		if err != nil {
			session.Enqueue(errorFrame("", svcerr.ProtocolViolation("undecryptable frame")))
			continue
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			session.Enqueue(errorFrame("", svcerr.ProtocolViolation("malformed frame")))
			continue
		}

		start := time.Now()
		handleErr := g.dispatch(ctx, session, frame)
		if g.metrics != nil {
			outcome := "ok"
			if handleErr != nil {
				outcome = "error"
			}
			g.metrics.RecordMessage(frame.Type, outcome, time.Since(start))
		}
		if g.telemetry != nil {
			outcome := "ok"
			if handleErr != nil {
				outcome = "error"
			}
			g.telemetry.Track(telemetry.Point{
				Kind:        "message",
				Source:      frame.Type,
				TimestampMs: start.UnixMilli(),
				Values:      map[string]float64{"latency_ms": float64(time.Since(start).Milliseconds())},
				Context:     map[string]interface{}{"session_id": session.SessionID, "outcome": outcome},
			})
		}

		if handleErr == nil {
			continue
		}

		if terminatesSession(handleErr) {
			session.Enqueue(errorFrame(frame.ID, handleErr))
			g.terminate(session, handleErr.Error())
			return
		}
		session.Enqueue(errorFrame(frame.ID, handleErr))
	}
}

// globalRateScopeKey is the single shared identifier for the guard's
// global rate-limit scope (spec.md §4.2: "global" is process-wide, not
// per-identifier).
const globalRateScopeKey = "gateway"

func (g *Gateway) dispatch(ctx context.Context, session *Session, frame Frame) error {
	if result := g.guard.CheckRate(security.ScopeGlobal, globalRateScopeKey); !result.Allowed {
		return g.rateDenied(security.ScopeGlobal, "global rate limit exceeded")
	}
	if result := g.guard.CheckRate(security.ScopeConnection, session.ConnectionID); !result.Allowed {
		return g.rateDenied(security.ScopeConnection, "connection rate limit exceeded")
	}
	if result := g.guard.CheckRate(security.ScopeUser, session.UserID); !result.Allowed {
		return g.rateDenied(security.ScopeUser, "user rate limit exceeded")
	}

	switch frame.Type {
	case FrameTypePing:
		// A client-initiated ping doubles as liveness evidence.
		session.markPong()
		session.Enqueue(Frame{ID: frame.ID, Type: FrameTypePong, Timestamp: time.Now().UnixMilli()})
		return nil
	case FrameTypePong:
		session.markPong()
		return nil
	case FrameTypeSubscribe, FrameTypeUnsubscribe:
		var p subscribePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Filter == "" {
			return svcerr.Validation("malformed subscribe payload")
		}
		replyType := FrameTypeSubSuccess
		if frame.Type == FrameTypeSubscribe {
			session.Subscribe(p.Filter)
		} else {
			session.Unsubscribe(p.Filter)
			replyType = FrameTypeUnsubSuccess
		}
		ack, _ := json.Marshal(subscribePayload{Filter: p.Filter})
		session.Enqueue(Frame{ID: frame.ID, Type: replyType, Payload: ack, Timestamp: time.Now().UnixMilli()})
		return nil
	case FrameTypeAuthRefresh:
		return g.handleAuthRefresh(session, frame)
	default:
		if g.handler == nil {
			return unknownFrameType(frame.Type)
		}
		return g.handler(ctx, session, frame)
	}
}

func (g *Gateway) rateDenied(scope security.Scope, message string) error {
	if g.metrics != nil {
		g.metrics.RateLimitDenials.WithLabelValues(string(scope)).Inc()
	}
	return svcerr.RateLimited(message)
}

// handleAuthRefresh re-verifies a replacement credential and swaps the
// session's permission set in place (spec.md §4.1 auth-refresh). A failed
// refresh is an auth error and terminates the session.
func (g *Gateway) handleAuthRefresh(session *Session, frame Frame) error {
	var p authRefreshPayload
	if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Token == "" {
		return svcerr.Validation("malformed auth_refresh payload")
	}
	principal, err := g.guard.Authenticate(session.ConnectionID, p.Token)
	if err != nil {
		return svcerr.AuthFailed("credential refresh rejected")
	}
	session.setPermissions(principal.Permissions)
	welcome, _ := json.Marshal(map[string]interface{}{
		"session_id": session.SessionID,
		"user_id":    session.UserID,
	})
	session.Enqueue(Frame{ID: frame.ID, Type: FrameTypeWelcome, Payload: welcome, Timestamp: time.Now().UnixMilli()})
	return nil
}

// unknownFrameType builds the non-terminating rejection for an
// unrecognized frame type (spec.md §4.1: "Unknown kinds are rejected with a
// typed error but do not terminate the session").
func unknownFrameType(frameType string) *svcerr.GatewayError {
	return svcerr.New(svcerr.CodeProtocolError, svcerr.KindInvalidCommand, svcerr.SeverityWarning, svcerr.CategoryPersistent, "unrecognized frame type").
		WithDetails("type", frameType)
}

// terminatesSession reports whether err's classification warrants ending
// the connection outright rather than just echoing an error frame (spec.md
// §4.1: "auth, protocol-violation, and other fatal kinds terminate the
// session; the rest do not").
func terminatesSession(err error) bool {
	ge, ok := svcerr.As(err)
	if !ok {
		return false
	}
	switch ge.Kind {
	case svcerr.KindAuth, svcerr.KindProtocol:
		return true
	}
	return ge.Category == svcerr.CategoryFatal
}

func errorFrame(correlationID string, err error) Frame {
	code := string(svcerr.CodeInternal)
	var details map[string]interface{}
	if ge, ok := svcerr.As(err); ok {
		code = string(ge.Code)
		details = ge.Details
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"code":    code,
		"message": err.Error(),
		"details": details,
	})
	return Frame{ID: correlationID, Type: FrameTypeError, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

// startHeartbeat pings the session every PingInterval and terminates it if
// no pong arrives within PingTimeout (spec.md §4.1: "heartbeat-lost").
func (g *Gateway) startHeartbeat(ctx context.Context, session *Session) {
	g.sched.Every(ctx, g.cfg.PingInterval, func(ctx context.Context, tick time.Time) {
		if session.pongAge() > g.cfg.PingInterval+g.cfg.PingTimeout {
			g.terminate(session, "heartbeat-lost")
			return
		}
		session.Enqueue(Frame{ID: uuid.NewString(), Type: FrameTypePing, Timestamp: tick.UnixMilli()})
	})
}

// terminate closes session exactly once, releasing its resources and
// cancelling every operation started under its context.
func (g *Gateway) terminate(session *Session, reason string) {
	if !session.markClosed() {
		return
	}
	g.mu.Lock()
	delete(g.sessions, session.SessionID)
	g.mu.Unlock()

	_ = session.conn.Close()

	if g.metrics != nil {
		g.metrics.SessionsActive.Dec()
	}
	if g.log != nil {
		g.log.WithField("session_id", session.SessionID).WithField("reason", reason).Info("session terminated")
	}
}

// Publish forwards frame to every session currently subscribed to filter
// (spec.md §4.1 subscribe/unsubscribe fan-out).
func (g *Gateway) Publish(filter string, frame Frame) {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		if s.Matches(filter) {
			s.Enqueue(frame)
		}
	}
}

// SessionCount returns the current number of admitted sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
