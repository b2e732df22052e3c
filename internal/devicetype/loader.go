// Package devicetype loads per-device-type descriptor files from a
// directory (spec.md §6). Each `<type>.json` file describes one device
// family's catalog entry; this is an external, read-only collaborator
// surface — the gateway does not mutate these files.
//
// spec.md §9 flags that the original source sometimes read an entire
// directory through a single-file read API. This loader enumerates the
// directory with os.ReadDir and reads each `*.json` entry individually,
// which is the correct primitive for "read every file in a directory".
package devicetype

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Pricing describes the (illustrative, external) pricing shape a device-type
// descriptor may carry.
type Pricing struct {
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
	Period   string  `json:"period,omitempty"`
}

// Descriptor is the schema for one `<type>.json` file (spec.md §6).
type Descriptor struct {
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version"`
	Features     []string          `json:"features"`
	Pricing      Pricing           `json:"pricing"`
	Requirements map[string]string `json:"requirements,omitempty"`
}

var semverPattern = func(s string) bool {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				// allow a pre-release/build suffix on the patch segment only
				if p == parts[2] {
					break
				}
				return false
			}
		}
	}
	return true
}

// Validate checks the descriptor against the enumerated rules in spec.md §7
// (validation errors are per-request and must never destabilize the
// process).
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Type) == "" {
		return fmt.Errorf("devicetype: type is required")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("devicetype: name is required")
	}
	if !semverPattern(d.Version) {
		return fmt.Errorf("devicetype %s: version %q is not a valid semver", d.Type, d.Version)
	}
	if len(d.Features) == 0 {
		return fmt.Errorf("devicetype %s: at least one feature is required", d.Type)
	}
	return nil
}

// LoadDir enumerates dir and parses every `*.json` entry into a Descriptor,
// keyed by its declared Type. A malformed file is skipped with its error
// collected rather than aborting the whole load.
func LoadDir(dir string) (map[string]*Descriptor, []error) {
	out := make(map[string]*Descriptor)
	var errs []error

	entries, err := os.ReadDir(dir)
	if err != nil {
		return out, []error{fmt.Errorf("devicetype: read dir %s: %w", dir, err)}
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("devicetype: read %s: %w", path, err))
			continue
		}
		var d Descriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			errs = append(errs, fmt.Errorf("devicetype: parse %s: %w", path, err))
			continue
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out[d.Type] = &d
	}
	return out, errs
}
