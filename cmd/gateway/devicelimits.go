package main

import (
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/command"
	"github.com/straticus1/aeimsLib-sub004/internal/registry"
)

// deviceSafetyConfig is the subset of a device's free-form Config map
// (spec.md §3: "per-device configuration (intensity cap, allowed pattern
// types, cooldown window, max session duration)") this gateway derives
// enforcement policy from.
type deviceSafetyConfig struct {
	IntensityCap       int
	AllowedPatterns    map[string]bool
	CooldownWindow     time.Duration
	MaxSessionDuration time.Duration
}

// parseDeviceSafetyConfig reads device.Config's free-form keys into the
// typed policy fields the command processor and pattern engine enforce.
func parseDeviceSafetyConfig(device registry.Device) deviceSafetyConfig {
	var out deviceSafetyConfig
	cfg := device.Config
	if cfg == nil {
		return out
	}
	if v, ok := numberFromConfig(cfg["intensity_cap"]); ok {
		out.IntensityCap = int(v)
	}
	if raw, ok := cfg["allowed_patterns"]; ok {
		if list, ok := raw.([]interface{}); ok {
			allowed := make(map[string]bool, len(list))
			for _, item := range list {
				if s, ok := item.(string); ok {
					allowed[s] = true
				}
			}
			if len(allowed) > 0 {
				out.AllowedPatterns = allowed
			}
		}
	}
	if v, ok := numberFromConfig(cfg["cooldown_ms"]); ok {
		out.CooldownWindow = time.Duration(v) * time.Millisecond
	}
	if v, ok := numberFromConfig(cfg["max_session_duration_ms"]); ok {
		out.MaxSessionDuration = time.Duration(v) * time.Millisecond
	}
	return out
}

func numberFromConfig(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// safetyLimits projects the parsed config into the Command Processor's
// pre-enqueue validation contract (spec.md §4.5).
func (c deviceSafetyConfig) safetyLimits() command.SafetyLimits {
	return command.SafetyLimits{IntensityCap: c.IntensityCap, AllowedPatterns: c.AllowedPatterns}
}

// deviceLimitsStore makes each device's safety config available to the
// frame handlers (cmd/gateway/handler.go), which run outside the registry's
// own lock, so pattern.Limits.DeviceIntensityCap reflects the device's
// actual configured cap rather than a hardcoded ceiling (spec.md §4.6, S4).
type deviceLimitsStore struct {
	mu   sync.Mutex
	data map[string]deviceSafetyConfig
}

func newDeviceLimitsStore() *deviceLimitsStore {
	return &deviceLimitsStore{data: make(map[string]deviceSafetyConfig)}
}

func (s *deviceLimitsStore) set(id string, cfg deviceSafetyConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = cfg
}

func (s *deviceLimitsStore) get(id string) (deviceSafetyConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.data[id]
	return cfg, ok
}

func (s *deviceLimitsStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
}
