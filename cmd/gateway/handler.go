package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/command"
	"github.com/straticus1/aeimsLib-sub004/internal/gateway"
	"github.com/straticus1/aeimsLib-sub004/internal/pattern"
	"github.com/straticus1/aeimsLib-sub004/internal/registry"
	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
)

// Frame type tags for the business-level messages the Session Gateway
// forwards to the handler. device_command, device_status, and list_devices
// are the client request types of spec.md §6; the pattern.* types are this
// gateway's control surface for the Pattern Engine.
const (
	frameTypePatternStart  = "pattern.start"
	frameTypePatternStop   = "pattern.stop"
	frameTypePatternModify = "pattern.modifier"
)

type commandRequest struct {
	DeviceID    string                 `json:"device_id"`
	Kind        adapter.CommandKind    `json:"kind"`
	Intensity   int                    `json:"intensity"`
	PatternRef  string                 `json:"pattern_ref,omitempty"`
	PatternArgs map[string]interface{} `json:"pattern_args,omitempty"`
	Priority    string                 `json:"priority"`
	Seq         int64                  `json:"seq,omitempty"`
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
}

type patternSpec struct {
	Type       string              `json:"type"` // constant|wave|ramp|pulse|escalation
	Kind       adapter.CommandKind `json:"kind"`
	DurationMs int64               `json:"duration_ms"`
	Value      float64             `json:"value"`
	Min        float64             `json:"min"`
	Max        float64             `json:"max"`
	PeriodMs   int64               `json:"period_ms"`
	From       float64             `json:"from"`
	To         float64             `json:"to"`
	OnMs       int64               `json:"on_ms"`
	OffMs      int64               `json:"off_ms"`
	Start      float64             `json:"start"`
	End        float64             `json:"end"`
	Step       float64             `json:"step"`
	StepMs     int64               `json:"step_ms"`
}

type patternStartRequest struct {
	DeviceID             string      `json:"device_id"`
	Pattern              patternSpec `json:"pattern"`
	MaxIntensity         float64     `json:"max_intensity"`
	MaxIntensityFraction float64     `json:"max_intensity_fraction"`
	MaxDurationMs        int64       `json:"max_duration_ms"`
	CooldownMs           int64       `json:"cooldown_ms"`
}

type patternModifierRequest struct {
	DeviceID string  `json:"device_id"`
	Kind     string  `json:"kind"` // media|biometric|spatial
	Value    float64 `json:"value"`
}

// businessHandler builds the gateway.Handler that dispatches authenticated,
// non-gateway-owned frames into the command processor, pattern engine, and
// registry. Successful operations reply through session.Enqueue with the
// request's id echoed as the correlation identifier (spec.md §6).
func businessHandler(processor *command.Processor, engine *pattern.Engine, reg *registry.Registry, limits *deviceLimitsStore) gateway.Handler {
	return func(ctx context.Context, session *gateway.Session, frame gateway.Frame) error {
		switch frame.Type {
		case gateway.FrameTypeCommand:
			return handleCommand(session, processor, frame)
		case gateway.FrameTypeStatusReq:
			return handleDeviceStatus(session, reg, frame)
		case gateway.FrameTypeList:
			return handleListDevices(session, reg, frame)
		case frameTypePatternStart:
			return handlePatternStart(session, engine, limits, frame)
		case frameTypePatternStop:
			return handlePatternStop(session, engine, frame)
		case frameTypePatternModify:
			return handlePatternModifier(session, engine, frame)
		default:
			return svcerr.New(svcerr.CodeProtocolError, svcerr.KindInvalidCommand, svcerr.SeverityWarning, svcerr.CategoryPersistent, "unrecognized frame type").
				WithDetails("type", frame.Type)
		}
	}
}

func reply(session *gateway.Session, requestID, frameType string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	session.Enqueue(gateway.Frame{ID: requestID, Type: frameType, Payload: raw, Timestamp: time.Now().UnixMilli()})
}

func handleCommand(session *gateway.Session, processor *command.Processor, frame gateway.Frame) error {
	var req commandRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return svcerr.Validation("malformed device_command payload")
	}
	perms := session.Permissions()
	if !perms.CanControl {
		return svcerr.AuthzDenied("session lacks control permission")
	}
	if perms.IntensityCap > 0 && req.Intensity > perms.IntensityCap {
		return svcerr.Validation("intensity exceeds the session's permitted cap")
	}
	if !perms.WithinTimeWindow(time.Now()) {
		return svcerr.AuthzDenied("session is outside its allowed time window")
	}
	if !session.AcceptSeq(req.Seq) {
		// A replayed command acks as success without touching the device.
		reply(session, frame.ID, gateway.FrameTypeCommandSuccess, map[string]string{"device_id": req.DeviceID, "deduplicated": "true"})
		return nil
	}

	done, err := processor.Submit(req.DeviceID, adapter.Command{
		Kind:        req.Kind,
		Intensity:   req.Intensity,
		PatternRef:  req.PatternRef,
		PatternArgs: req.PatternArgs,
	}, priorityFromString(req.Priority))
	if err != nil {
		return err
	}

	// Only the final outcome surfaces to the requester (spec.md §7);
	// internal retries stay invisible.
	go func(requestID, deviceID string) {
		outcome := <-done
		if outcome != nil {
			session.Enqueue(errorReply(requestID, outcome))
			return
		}
		reply(session, requestID, gateway.FrameTypeCommandSuccess, map[string]string{"device_id": deviceID})
	}(frame.ID, req.DeviceID)
	return nil
}

func errorReply(requestID string, err error) gateway.Frame {
	code := string(svcerr.CodeInternal)
	if ge, ok := svcerr.As(err); ok {
		code = string(ge.Code)
	}
	payload, _ := json.Marshal(map[string]string{"code": code, "message": err.Error()})
	return gateway.Frame{ID: requestID, Type: gateway.FrameTypeError, Payload: payload, Timestamp: time.Now().UnixMilli()}
}

func handleDeviceStatus(session *gateway.Session, reg *registry.Registry, frame gateway.Frame) error {
	var req deviceRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil || req.DeviceID == "" {
		return svcerr.Validation("malformed device_status payload")
	}
	if !session.Permissions().CanMonitor {
		return svcerr.AuthzDenied("session lacks monitor permission")
	}
	device, ok := reg.Get(req.DeviceID)
	if !ok {
		return svcerr.DeviceNotFound(req.DeviceID)
	}
	reply(session, frame.ID, gateway.FrameTypeDeviceStatus, deviceView(device))
	return nil
}

func handleListDevices(session *gateway.Session, reg *registry.Registry, frame gateway.Frame) error {
	if !session.Permissions().CanMonitor {
		return svcerr.AuthzDenied("session lacks monitor permission")
	}
	devices := reg.List()
	views := make([]map[string]interface{}, 0, len(devices))
	for _, d := range devices {
		views = append(views, deviceView(d))
	}
	reply(session, frame.ID, gateway.FrameTypeDeviceList, map[string]interface{}{"devices": views})
	return nil
}

func deviceView(d registry.Device) map[string]interface{} {
	return map[string]interface{}{
		"id":           d.ID,
		"kind":         d.Kind,
		"protocol":     d.Protocol,
		"status":       string(d.Status),
		"capabilities": d.Capabilities,
		"firmware":     d.Firmware,
		"last_seen":    d.LastSeen.UnixMilli(),
		"enabled":      d.Enabled,
	}
}

func priorityFromString(s string) command.Priority {
	switch s {
	case "critical":
		return command.PriorityCritical
	case "high":
		return command.PriorityHigh
	case "low":
		return command.PriorityLow
	default:
		return command.PriorityNormal
	}
}

func handlePatternStart(session *gateway.Session, engine *pattern.Engine, limitsStore *deviceLimitsStore, frame gateway.Frame) error {
	var req patternStartRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return svcerr.Validation("malformed pattern.start payload")
	}
	perms := session.Permissions()
	if !perms.CanControl {
		return svcerr.AuthzDenied("session lacks control permission")
	}
	if len(perms.AllowedPatterns) > 0 && !perms.AllowedPatterns[req.Pattern.Type] {
		return svcerr.AuthzDenied("pattern not permitted for session")
	}

	p, err := buildPattern(req.Pattern)
	if err != nil {
		return svcerr.Validation(err.Error())
	}

	deviceCfg, _ := limitsStore.get(req.DeviceID)

	limits := pattern.Limits{
		MaxIntensity:         req.MaxIntensity,
		MaxIntensityFraction: req.MaxIntensityFraction,
		MaxDuration:          time.Duration(req.MaxDurationMs) * time.Millisecond,
		CooldownPeriod:       time.Duration(req.CooldownMs) * time.Millisecond,
		DeviceIntensityCap:   float64(deviceCfg.IntensityCap),
	}
	if limits.MaxIntensity <= 0 && perms.IntensityCap > 0 {
		limits.MaxIntensity = float64(perms.IntensityCap)
	}
	if limits.CooldownPeriod <= 0 && deviceCfg.CooldownWindow > 0 {
		limits.CooldownPeriod = deviceCfg.CooldownWindow
	}
	if limits.MaxDuration <= 0 && deviceCfg.MaxSessionDuration > 0 {
		limits.MaxDuration = deviceCfg.MaxSessionDuration
	}

	if err := engine.StartPattern(req.DeviceID, p, limits); err != nil {
		return svcerr.New(svcerr.CodeDeviceBusy, svcerr.KindDeviceBusy, svcerr.SeverityInfo, svcerr.CategoryTransient, err.Error())
	}
	reply(session, frame.ID, gateway.FrameTypeCommandSuccess, map[string]string{"device_id": req.DeviceID})
	return nil
}

func handlePatternStop(session *gateway.Session, engine *pattern.Engine, frame gateway.Frame) error {
	var req deviceRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return svcerr.Validation("malformed pattern.stop payload")
	}
	engine.Stop(req.DeviceID)
	reply(session, frame.ID, gateway.FrameTypeCommandSuccess, map[string]string{"device_id": req.DeviceID})
	return nil
}

func handlePatternModifier(session *gateway.Session, engine *pattern.Engine, frame gateway.Frame) error {
	var req patternModifierRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		return svcerr.Validation("malformed pattern.modifier payload")
	}
	var kind pattern.ModifierKind
	switch req.Kind {
	case "media":
		kind = pattern.ModifierMedia
	case "biometric":
		kind = pattern.ModifierBiometric
	case "spatial":
		kind = pattern.ModifierSpatial
	default:
		return svcerr.Validation("unknown modifier kind")
	}
	engine.SetModifier(req.DeviceID, kind, req.Value)
	reply(session, frame.ID, gateway.FrameTypeCommandSuccess, map[string]string{"device_id": req.DeviceID})
	return nil
}

func buildPattern(spec patternSpec) (pattern.Pattern, error) {
	dur := time.Duration(spec.DurationMs) * time.Millisecond
	switch spec.Type {
	case "constant":
		return pattern.Constant{Value: spec.Value, Kind: spec.Kind, Dur: dur}, nil
	case "wave":
		return pattern.Wave{Min: spec.Min, Max: spec.Max, Period: time.Duration(spec.PeriodMs) * time.Millisecond, Kind: spec.Kind, Dur: dur}, nil
	case "ramp":
		return pattern.Ramp{From: spec.From, To: spec.To, Dur: dur, Kind: spec.Kind}, nil
	case "pulse":
		return pattern.Pulse{High: spec.Max, Low: spec.Min, OnDur: time.Duration(spec.OnMs) * time.Millisecond, OffDur: time.Duration(spec.OffMs) * time.Millisecond, Kind: spec.Kind, Dur: dur}, nil
	case "escalation":
		return pattern.Escalation{Start: spec.Start, End: spec.End, Step: spec.Step, StepInterval: time.Duration(spec.StepMs) * time.Millisecond, Kind: spec.Kind, Dur: dur}, nil
	default:
		return nil, fmt.Errorf("unknown pattern type %q", spec.Type)
	}
}
