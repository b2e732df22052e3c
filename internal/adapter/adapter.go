// Package adapter defines the protocol-adapter contract (spec.md §4.4) and
// its two illustrative implementations plus a batching wrapper.
package adapter

import (
	"context"
	"time"
)

// EventKind names an adapter-emitted lifecycle event (spec.md §4.4).
type EventKind string

const (
	EventConnected     EventKind = "CONNECTED"
	EventDisconnected  EventKind = "DISCONNECTED"
	EventStatusChanged EventKind = "STATUS_CHANGED"
	EventError         EventKind = "ERROR"
)

// Event is emitted by an adapter to its subscribers.
type Event struct {
	Kind      EventKind
	DeviceID  string
	Timestamp time.Time
	Status    string
	Err       error
	Payload   map[string]interface{}
}

// CommandKind names the command kinds an adapter can carry (spec.md §3).
type CommandKind string

const (
	CommandVibrate     CommandKind = "vibrate"
	CommandRotate      CommandKind = "rotate"
	CommandPosition    CommandKind = "position"
	CommandPatternStart CommandKind = "pattern_start"
	CommandPatternStop  CommandKind = "pattern_stop"
	CommandStop         CommandKind = "stop"
)

// Command is the opaque-to-core command envelope (spec.md §3) as seen at
// the adapter boundary; the command processor attaches priority, sequence,
// and retry bookkeeping on top of this.
type Command struct {
	ID          string
	Kind        CommandKind
	Intensity   int // 0..100
	PatternRef  string
	PatternArgs map[string]interface{}
	DeadlineAt  time.Time
}

// Result is the outcome of dispatching a Command to an adapter.
type Result struct {
	CommandID string
	Success   bool
	Err       error
	Latency   time.Duration
}

// Status is a point-in-time adapter status snapshot (spec.md §4.4).
type Status struct {
	Connected         bool
	NetworkLatencyMs  float64
	ProcessingLatencyMs float64
	LastError         error
	LastEventAt       time.Time
}

// Listener receives adapter-emitted events.
type Listener func(Event)

// Adapter is the common protocol-adapter contract every transport
// implements (spec.md §4.4): connect, disconnect, send, subscribe, status.
// The adapter owns its own wire, heartbeat, reconnect, encoding, and
// decoding.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(ctx context.Context, cmd Command) (Result, error)
	Subscribe(listener Listener) (unsubscribe func())
	Status() Status
}

// Factory constructs an Adapter for a device at address with the given
// config, keyed by protocol tag (spec.md §4.3: "creates adapter ... via a
// protocol-adapter factory keyed by protocol tag").
type Factory func(address string, cfg Config) (Adapter, error)

// Config is adapter construction configuration, a subset of the device's
// per-device configuration relevant to the wire layer.
type Config struct {
	ConnectTimeout    time.Duration
	SendTimeout       time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	MaxReconnectAttempts int
	ReconnectDelay    time.Duration
	BatchSize         int
	BatchInterval     time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:       5 * time.Second,
		SendTimeout:          3 * time.Second,
		PingInterval:         10 * time.Second,
		PongTimeout:          3 * time.Second,
		MaxReconnectAttempts: 3,
		ReconnectDelay:       50 * time.Millisecond,
		BatchSize:            1,
		BatchInterval:        20 * time.Millisecond,
	}
}
