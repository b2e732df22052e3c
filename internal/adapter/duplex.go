package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
)

// Frame is a length-delimited wire record exchanged with a Transport
// (spec.md §4.4 duplex-stream adapter).
type Frame struct {
	CorrelationID string
	Kind          string
	Payload       []byte
}

// Transport is the minimal duplex byte-stream contract a DuplexAdapter
// drives; production transports (TCP, TLS, unix socket) implement it, and
// tests substitute an in-memory fake.
type Transport interface {
	Open(ctx context.Context) error
	Close() error
	Write(ctx context.Context, frame Frame) error
	Inbound() <-chan Frame // closed when the transport is closed
}

// DuplexAdapter is the illustrative duplex-stream protocol adapter of
// spec.md §4.4: it opens the transport, starts a ping timer, dispatches
// response frames by correlation id, emits unsolicited frames as events,
// and reconnects transient failures up to MaxReconnectAttempts.
type DuplexAdapter struct {
	deviceID  string
	transport Transport
	cfg       Config
	sched     *scheduler.Scheduler

	mu                sync.Mutex
	connected         bool
	reconnectAttempts int
	pending           map[string]chan Result
	listeners         []Listener
	pingTask          *scheduler.Task
	readDone          chan struct{}
	status            Status
}

// NewDuplexAdapter constructs a DuplexAdapter for deviceID over transport.
func NewDuplexAdapter(deviceID string, transport Transport, cfg Config, sched *scheduler.Scheduler) *DuplexAdapter {
	return &DuplexAdapter{
		deviceID:  deviceID,
		transport: transport,
		cfg:       cfg,
		sched:     sched,
		pending:   make(map[string]chan Result),
	}
}

// Connect opens the transport and starts the ping timer and read loop.
func (a *DuplexAdapter) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	if err := a.transport.Open(connectCtx); err != nil {
		return svcerr.Wrap(svcerr.CodeDeviceDisconnected, svcerr.KindConnection, svcerr.SeverityWarning, svcerr.CategoryTransient, "connect failed", err)
	}

	a.mu.Lock()
	a.connected = true
	a.reconnectAttempts = 0
	a.readDone = make(chan struct{})
	a.mu.Unlock()

	a.pingTask = a.sched.Every(ctx, a.cfg.PingInterval, func(ctx context.Context, _ time.Time) {
		_ = a.transport.Write(ctx, Frame{Kind: "ping"})
	})

	go a.readLoop(ctx)

	a.emit(Event{Kind: EventConnected, DeviceID: a.deviceID, Timestamp: time.Now()})
	return nil
}

func (a *DuplexAdapter) readLoop(ctx context.Context) {
	defer close(a.readDone)
	for frame := range a.transport.Inbound() {
		a.dispatch(frame)
	}
	a.mu.Lock()
	alreadyDown := !a.connected
	a.mu.Unlock()
	if alreadyDown {
		// Disconnect (or a failed write) already handled this closure.
		return
	}
	a.handleDisconnect(ctx, fmt.Errorf("transport closed"))
}

func (a *DuplexAdapter) dispatch(frame Frame) {
	if frame.CorrelationID != "" {
		a.mu.Lock()
		ch, ok := a.pending[frame.CorrelationID]
		if ok {
			delete(a.pending, frame.CorrelationID)
		}
		a.mu.Unlock()
		if ok {
			var res struct {
				Success bool `json:"success"`
			}
			_ = json.Unmarshal(frame.Payload, &res)
			ch <- Result{CommandID: frame.CorrelationID, Success: res.Success}
			return
		}
	}
	a.emit(Event{Kind: EventStatusChanged, DeviceID: a.deviceID, Timestamp: time.Now(), Payload: map[string]interface{}{"kind": frame.Kind}})
}

// Disconnect stops timers, rejects pending sends, and closes the transport
// without scheduling a reconnect (an explicit caller-initiated disconnect).
func (a *DuplexAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	if a.pingTask != nil {
		a.pingTask.Cancel()
	}
	a.rejectPending(svcerr.DeviceDisconnected(a.deviceID))
	err := a.transport.Close()
	a.emit(Event{Kind: EventDisconnected, DeviceID: a.deviceID, Timestamp: time.Now()})
	return err
}

// handleDisconnect runs on an unsolicited transport closure: rejects
// in-flight sends and schedules a reconnect if attempts remain (spec.md
// §4.4 "Failure semantics": transient failures trigger disconnect +
// reconnect; S3).
func (a *DuplexAdapter) handleDisconnect(ctx context.Context, cause error) {
	a.mu.Lock()
	a.connected = false
	attempts := a.reconnectAttempts
	a.mu.Unlock()

	a.rejectPending(svcerr.DeviceDisconnected(a.deviceID))
	a.emit(Event{Kind: EventDisconnected, DeviceID: a.deviceID, Timestamp: time.Now(), Err: cause})

	if attempts >= a.cfg.MaxReconnectAttempts {
		a.emit(Event{Kind: EventError, DeviceID: a.deviceID, Timestamp: time.Now(), Err: fmt.Errorf("reconnect attempts exhausted")})
		return
	}

	a.sched.After(ctx, a.cfg.ReconnectDelay, func(ctx context.Context) {
		a.mu.Lock()
		a.reconnectAttempts++
		a.mu.Unlock()
		if err := a.Connect(ctx); err != nil {
			a.handleDisconnect(ctx, err)
		}
	})
}

func (a *DuplexAdapter) rejectPending(err *svcerr.GatewayError) {
	a.mu.Lock()
	pending := a.pending
	a.pending = make(map[string]chan Result)
	a.mu.Unlock()
	for id, ch := range pending {
		ch <- Result{CommandID: id, Success: false, Err: err}
	}
}

// Send encodes cmd as a frame, writes it, and waits for the matching
// response or ctx's deadline.
func (a *DuplexAdapter) Send(ctx context.Context, cmd Command) (Result, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return Result{}, svcerr.DeviceDisconnected(a.deviceID)
	}
	correlationID := cmd.ID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ch := make(chan Result, 1)
	a.pending[correlationID] = ch
	a.mu.Unlock()

	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()

	payload, _ := json.Marshal(cmd)
	if err := a.transport.Write(sendCtx, Frame{CorrelationID: correlationID, Kind: string(cmd.Kind), Payload: payload}); err != nil {
		a.mu.Lock()
		delete(a.pending, correlationID)
		a.mu.Unlock()
		go a.handleDisconnect(ctx, err)
		return Result{}, svcerr.Wrap(svcerr.CodeCommandFailed, svcerr.KindCommand, svcerr.SeverityError, svcerr.CategoryTransient, "write failed", err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-sendCtx.Done():
		a.mu.Lock()
		delete(a.pending, correlationID)
		a.mu.Unlock()
		return Result{}, svcerr.TimeoutErr("adapter.send")
	}
}

// Subscribe registers listener for adapter events and returns a function to
// remove it.
func (a *DuplexAdapter) Subscribe(listener Listener) func() {
	a.mu.Lock()
	idx := len(a.listeners)
	a.listeners = append(a.listeners, listener)
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx < len(a.listeners) {
			a.listeners[idx] = nil
		}
	}
}

func (a *DuplexAdapter) emit(evt Event) {
	a.mu.Lock()
	listeners := make([]Listener, len(a.listeners))
	copy(listeners, a.listeners)
	if evt.Kind == EventConnected {
		a.status.Connected = true
	}
	if evt.Kind == EventDisconnected {
		a.status.Connected = false
	}
	a.status.LastEventAt = evt.Timestamp
	if evt.Err != nil {
		a.status.LastError = evt.Err
	}
	a.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(evt)
		}
	}
}

// Status returns a point-in-time snapshot.
func (a *DuplexAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// ReconnectAttempts exposes the current reconnect attempt count, for tests.
func (a *DuplexAdapter) ReconnectAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reconnectAttempts
}
