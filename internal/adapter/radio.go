package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
)

// RadioLink is the minimal contract a short-range radio transport exposes:
// service/characteristic addressing with opcode+payload binary frames, and a
// separate unsolicited status-notification stream (spec.md §4.4: "a
// radio-link adapter addresses a service and characteristic, encodes
// commands as an opcode plus payload, and parses status notifications
// separately from command responses").
type RadioLink interface {
	Connect(ctx context.Context, service, characteristic string) error
	Disconnect(ctx context.Context) error
	Write(ctx context.Context, opcode byte, payload []byte) error
	Notifications() <-chan []byte // status-notification frames; closed on disconnect
}

// RadioOpcode maps a CommandKind to its wire opcode.
var RadioOpcode = map[CommandKind]byte{
	CommandVibrate:      0x01,
	CommandRotate:       0x02,
	CommandPosition:     0x03,
	CommandPatternStart: 0x10,
	CommandPatternStop:  0x11,
	CommandStop:         0x00,
}

// RadioAdapter is the illustrative radio-link protocol adapter of spec.md
// §4.4. Unlike DuplexAdapter it has no correlation ids: a command's result
// is synthesized from the write outcome, and notifications are parsed into
// status-change events independently.
type RadioAdapter struct {
	deviceID       string
	service        string
	characteristic string
	link           RadioLink
	cfg            Config

	mu        sync.Mutex
	connected bool
	listeners []Listener
	status    Status
}

// NewRadioAdapter constructs a RadioAdapter addressing service/characteristic
// over link.
func NewRadioAdapter(deviceID, service, characteristic string, link RadioLink, cfg Config) *RadioAdapter {
	return &RadioAdapter{deviceID: deviceID, service: service, characteristic: characteristic, link: link, cfg: cfg}
}

// Connect opens the radio link and starts the notification-parsing loop.
func (a *RadioAdapter) Connect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()

	if err := a.link.Connect(connectCtx, a.service, a.characteristic); err != nil {
		return svcerr.Wrap(svcerr.CodeDeviceDisconnected, svcerr.KindConnection, svcerr.SeverityWarning, svcerr.CategoryTransient, "radio connect failed", err)
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	go a.notifyLoop()

	a.emit(Event{Kind: EventConnected, DeviceID: a.deviceID, Timestamp: time.Now()})
	return nil
}

func (a *RadioAdapter) notifyLoop() {
	for frame := range a.link.Notifications() {
		status, err := parseStatusNotification(frame)
		if err != nil {
			a.emit(Event{Kind: EventError, DeviceID: a.deviceID, Timestamp: time.Now(), Err: err})
			continue
		}
		a.emit(Event{Kind: EventStatusChanged, DeviceID: a.deviceID, Timestamp: time.Now(), Status: status})
	}

	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	a.emit(Event{Kind: EventDisconnected, DeviceID: a.deviceID, Timestamp: time.Now()})
}

// parseStatusNotification decodes a single-byte status code notification,
// kept separate from command-response parsing per the adapter's contract.
func parseStatusNotification(frame []byte) (string, error) {
	if len(frame) < 1 {
		return "", svcerr.ProtocolViolation("radio: empty status notification")
	}
	switch frame[0] {
	case 0x00:
		return "idle", nil
	case 0x01:
		return "running", nil
	case 0x02:
		return "error", nil
	case 0x03:
		return "low_battery", nil
	default:
		return fmt.Sprintf("unknown(0x%02x)", frame[0]), nil
	}
}

// Disconnect closes the radio link.
func (a *RadioAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	err := a.link.Disconnect(ctx)
	a.emit(Event{Kind: EventDisconnected, DeviceID: a.deviceID, Timestamp: time.Now()})
	return err
}

// Send encodes cmd as an opcode+payload frame and writes it. Radio links
// have no response channel, so success reflects the write outcome only.
func (a *RadioAdapter) Send(ctx context.Context, cmd Command) (Result, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return Result{}, svcerr.DeviceDisconnected(a.deviceID)
	}

	opcode, ok := RadioOpcode[cmd.Kind]
	if !ok {
		return Result{}, svcerr.New(svcerr.CodeProtocolError, svcerr.KindInvalidCommand, svcerr.SeverityWarning, svcerr.CategoryPersistent, "unsupported radio command kind")
	}

	payload := encodeRadioPayload(cmd)
	sendCtx, cancel := context.WithTimeout(ctx, a.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	if err := a.link.Write(sendCtx, opcode, payload); err != nil {
		return Result{CommandID: cmd.ID, Success: false, Err: err, Latency: time.Since(start)}, err
	}
	return Result{CommandID: cmd.ID, Success: true, Latency: time.Since(start)}, nil
}

// encodeRadioPayload packs the command's numeric fields as a compact binary
// payload: the intensity, clamped to 0..255, as a two-byte big-endian value
// for vibrate/rotate/position, empty for
// stop/pattern control (pattern_ref travels out of band via PatternArgs).
func encodeRadioPayload(cmd Command) []byte {
	switch cmd.Kind {
	case CommandVibrate, CommandRotate, CommandPosition:
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(clampByte(cmd.Intensity)))
		return buf
	default:
		return nil
	}
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

// Subscribe registers listener for adapter events.
func (a *RadioAdapter) Subscribe(listener Listener) func() {
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

func (a *RadioAdapter) emit(evt Event) {
	a.mu.Lock()
	listeners := make([]Listener, len(a.listeners))
	copy(listeners, a.listeners)
	a.status.LastEventAt = evt.Timestamp
	if evt.Kind == EventConnected {
		a.status.Connected = true
	}
	if evt.Kind == EventDisconnected {
		a.status.Connected = false
	}
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
func (a *RadioAdapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}
