package gateway

import "encoding/json"

// Frame is the wire message shape exchanged with every session (spec.md §6:
// "{id, type, payload, timestamp}"). Replies echo the request's id as a
// correlation identifier.
type Frame struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Client request frame types (spec.md §6).
const (
	FrameTypePing        = "ping"
	FrameTypeCommand     = "device_command"
	FrameTypeStatusReq   = "device_status"
	FrameTypeSubscribe   = "subscribe_device"
	FrameTypeUnsubscribe = "unsubscribe_device"
	FrameTypeList        = "list_devices"
	FrameTypeAuthRefresh = "auth_refresh"
)

// Server reply frame types (spec.md §6). FrameTypeDeviceStatus shares its
// tag with the request; direction disambiguates.
const (
	FrameTypeWelcome        = "welcome"
	FrameTypePong           = "pong"
	FrameTypeCommandSuccess = "command_success"
	FrameTypeDeviceStatus   = "device_status"
	FrameTypeDeviceList     = "device_list"
	FrameTypeEvent          = "device_event"
	FrameTypeSubSuccess     = "subscription_success"
	FrameTypeUnsubSuccess   = "unsubscription_success"
	FrameTypeError          = "error"
)

// subscribePayload is the expected payload shape of a subscribe/unsubscribe
// frame: a device id or topic filter.
type subscribePayload struct {
	Filter string `json:"filter"`
}

// authRefreshPayload carries a replacement credential on an auth_refresh
// frame (spec.md §4.1).
type authRefreshPayload struct {
	Token string `json:"token"`
}
