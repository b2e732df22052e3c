// Package svcerr provides the unified error taxonomy surfaced to clients and
// used internally to drive recovery policy (spec.md §7, §4.7).
package svcerr

import (
	"errors"
	"fmt"
)

// Code is a client-facing error code string (spec.md §7).
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeAuth              Code = "AUTH_ERROR"
	CodeAuthz             Code = "AUTHZ_ERROR"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	CodeDeviceNotFound    Code = "DEVICE_NOT_FOUND"
	CodeDeviceDisconnected Code = "DEVICE_DISCONNECTED"
	CodeDeviceBusy        Code = "DEVICE_BUSY"
	CodeCommandFailed     Code = "COMMAND_FAILED"
	CodeProtocolError     Code = "PROTOCOL_ERROR"
	CodeTimeout           Code = "TIMEOUT"
	CodeCircuitOpen       Code = "CIRCUIT_OPEN"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Kind classifies the underlying fault for recovery-policy purposes
// (spec.md §4.7). It is a superset of the client-facing Code: several kinds
// (e.g. device-busy, invalid-command) can map to the same client Code.
type Kind string

const (
	KindConnection      Kind = "connection"
	KindTimeout         Kind = "timeout"
	KindProtocol        Kind = "protocol"
	KindDevice          Kind = "device"
	KindDeviceBusy      Kind = "device-busy"
	KindCommand         Kind = "command"
	KindInvalidCommand  Kind = "invalid-command"
	KindInvalidResponse Kind = "invalid-response"
	KindResource        Kind = "resource"
	KindConfiguration   Kind = "configuration"
	KindValidation      Kind = "validation"
	KindAuth            Kind = "auth"
	KindAuthorization   Kind = "authorization"
	KindRateLimit       Kind = "rate-limit"
	KindSecurity        Kind = "security"
	KindUnknown         Kind = "unknown"
)

// Severity orders fault severity (spec.md §4.7).
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category classifies whether a fault is worth retrying (spec.md §4.7).
type Category string

const (
	CategoryTransient  Category = "transient"
	CategoryPersistent Category = "persistent"
	CategoryFatal      Category = "fatal"
)

// GatewayError is the structured error type carried through the gateway and
// serialized to clients as {message, code, details?} (spec.md §6, §7).
type GatewayError struct {
	Code     Code
	Kind     Kind
	Severity Severity
	Category Category
	Message  string
	Details  map[string]interface{}
	Err      error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// WithDetails attaches a structured detail field and returns e for chaining.
func (e *GatewayError) WithDetails(key string, value interface{}) *GatewayError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs a GatewayError with explicit classification.
func New(code Code, kind Kind, severity Severity, category Category, message string) *GatewayError {
	return &GatewayError{Code: code, Kind: kind, Severity: severity, Category: category, Message: message}
}

// Wrap constructs a GatewayError wrapping an underlying cause.
func Wrap(code Code, kind Kind, severity Severity, category Category, message string, err error) *GatewayError {
	return &GatewayError{Code: code, Kind: kind, Severity: severity, Category: category, Message: message, Err: err}
}

// Constructors for the common cases used throughout the gateway.

func Validation(message string) *GatewayError {
	return New(CodeValidation, KindValidation, SeverityWarning, CategoryPersistent, message)
}

func AuthFailed(message string) *GatewayError {
	return New(CodeAuth, KindAuth, SeverityWarning, CategoryPersistent, message)
}

func AuthzDenied(message string) *GatewayError {
	return New(CodeAuthz, KindAuthorization, SeverityWarning, CategoryPersistent, message)
}

func RateLimited(message string) *GatewayError {
	return New(CodeRateLimitExceeded, KindRateLimit, SeverityInfo, CategoryTransient, message)
}

func DeviceNotFound(id string) *GatewayError {
	return New(CodeDeviceNotFound, KindDevice, SeverityWarning, CategoryPersistent, "device not found").
		WithDetails("device_id", id)
}

func DeviceDisconnected(id string) *GatewayError {
	return New(CodeDeviceDisconnected, KindConnection, SeverityWarning, CategoryTransient, "device disconnected").
		WithDetails("device_id", id)
}

func DeviceBusy(id string) *GatewayError {
	return New(CodeDeviceBusy, KindDeviceBusy, SeverityInfo, CategoryTransient, "device busy").
		WithDetails("device_id", id)
}

func CommandFailed(cause string, err error) *GatewayError {
	return Wrap(CodeCommandFailed, KindCommand, SeverityError, CategoryPersistent, "command failed", err).
		WithDetails("cause", cause)
}

func ProtocolViolation(message string) *GatewayError {
	return New(CodeProtocolError, KindProtocol, SeverityError, CategoryFatal, message)
}

func TimeoutErr(operation string) *GatewayError {
	return New(CodeTimeout, KindTimeout, SeverityWarning, CategoryTransient, "operation timed out").
		WithDetails("operation", operation)
}

func CircuitOpen(callSite string) *GatewayError {
	return New(CodeCircuitOpen, KindConnection, SeverityError, CategoryTransient, "circuit breaker open").
		WithDetails("call_site", callSite)
}

func Internal(message string, err error) *GatewayError {
	return Wrap(CodeInternal, KindUnknown, SeverityCritical, CategoryFatal, message, err)
}

// As extracts a *GatewayError from an error chain.
func As(err error) (*GatewayError, bool) {
	var ge *GatewayError
	ok := errors.As(err, &ge)
	return ge, ok
}

// IsFatal reports whether err is a GatewayError classified as fatal.
func IsFatal(err error) bool {
	ge, ok := As(err)
	return ok && ge.Category == CategoryFatal
}
