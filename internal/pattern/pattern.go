// Package pattern implements the Pattern Engine (spec.md §4.6): pattern
// generators, the running-instance state machine, safety invariant
// enforcement, and external modifier composition.
package pattern

import (
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
)

// Pattern is the generator contract every pattern kind implements (spec.md
// §4.6): constant, wave, ramp, pulse, escalation, segment sequences, and
// parametric multi-dimension functions all satisfy it identically.
type Pattern interface {
	// Duration returns the pattern's total length, or zero if it loops
	// indefinitely.
	Duration() time.Duration
	IntensityAt(t time.Duration) float64
	TypeAt(t time.Duration) adapter.CommandKind
	MetadataAt(t time.Duration) map[string]interface{}
	Dimensions() []string
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Constant holds a single intensity for its whole duration.
type Constant struct {
	Value float64
	Kind  adapter.CommandKind
	Dur   time.Duration
}

func (c Constant) Duration() time.Duration                  { return c.Dur }
func (c Constant) IntensityAt(t time.Duration) float64       { return c.Value }
func (c Constant) TypeAt(t time.Duration) adapter.CommandKind { return c.Kind }
func (c Constant) MetadataAt(t time.Duration) map[string]interface{} { return nil }
func (c Constant) Dimensions() []string                      { return []string{"intensity"} }

// Wave oscillates sinusoidally between Min and Max with the given Period.
type Wave struct {
	Min, Max float64
	Period   time.Duration
	Kind     adapter.CommandKind
	Dur      time.Duration
}

func (w Wave) Duration() time.Duration { return w.Dur }
func (w Wave) IntensityAt(t time.Duration) float64 {
	if w.Period <= 0 {
		return w.Min
	}
	phase := float64(t%w.Period) / float64(w.Period) * 2 * 3.141592653589793
	mid := (w.Max + w.Min) / 2
	amp := (w.Max - w.Min) / 2
	return mid + amp*sin(phase)
}
func (w Wave) TypeAt(t time.Duration) adapter.CommandKind             { return w.Kind }
func (w Wave) MetadataAt(t time.Duration) map[string]interface{}      { return nil }
func (w Wave) Dimensions() []string                                   { return []string{"intensity"} }

// sin is a small Taylor-series sine to avoid pulling in math purely for a
// single call site; precision is ample for intensity shaping.
func sin(x float64) float64 {
	for x > 3.141592653589793 {
		x -= 2 * 3.141592653589793
	}
	for x < -3.141592653589793 {
		x += 2 * 3.141592653589793
	}
	x2 := x * x
	return x * (1 - x2/6*(1-x2/20*(1-x2/42)))
}

// Ramp interpolates linearly from From to To over Dur.
type Ramp struct {
	From, To float64
	Dur      time.Duration
	Kind     adapter.CommandKind
}

func (r Ramp) Duration() time.Duration { return r.Dur }
func (r Ramp) IntensityAt(t time.Duration) float64 {
	if r.Dur <= 0 {
		return r.To
	}
	frac := clamp(float64(t)/float64(r.Dur), 0, 1)
	return r.From + (r.To-r.From)*frac
}
func (r Ramp) TypeAt(t time.Duration) adapter.CommandKind        { return r.Kind }
func (r Ramp) MetadataAt(t time.Duration) map[string]interface{} { return nil }
func (r Ramp) Dimensions() []string                              { return []string{"intensity"} }

// Pulse alternates between High for OnDur and Low for OffDur.
type Pulse struct {
	High, Low      float64
	OnDur, OffDur  time.Duration
	Kind           adapter.CommandKind
	Dur            time.Duration
}

func (p Pulse) Duration() time.Duration { return p.Dur }
func (p Pulse) IntensityAt(t time.Duration) float64 {
	cycle := p.OnDur + p.OffDur
	if cycle <= 0 {
		return p.Low
	}
	pos := t % cycle
	if pos < p.OnDur {
		return p.High
	}
	return p.Low
}
func (p Pulse) TypeAt(t time.Duration) adapter.CommandKind        { return p.Kind }
func (p Pulse) MetadataAt(t time.Duration) map[string]interface{} { return nil }
func (p Pulse) Dimensions() []string                              { return []string{"intensity"} }

// Escalation steps intensity upward by Step every StepInterval, from Start
// to End.
type Escalation struct {
	Start, End, Step float64
	StepInterval     time.Duration
	Kind             adapter.CommandKind
	Dur              time.Duration
}

func (e Escalation) Duration() time.Duration { return e.Dur }
func (e Escalation) IntensityAt(t time.Duration) float64 {
	if e.StepInterval <= 0 {
		return e.Start
	}
	steps := float64(t / e.StepInterval)
	v := e.Start + steps*e.Step
	if e.Step >= 0 {
		return clamp(v, e.Start, e.End)
	}
	return clamp(v, e.End, e.Start)
}
func (e Escalation) TypeAt(t time.Duration) adapter.CommandKind        { return e.Kind }
func (e Escalation) MetadataAt(t time.Duration) map[string]interface{} { return nil }
func (e Escalation) Dimensions() []string                              { return []string{"intensity"} }

// Segment is one entry of a Sequence: pattern p runs for its own Duration
// starting at the sequence's cumulative offset.
type Segment struct {
	Pattern Pattern
}

// Sequence concatenates segments end to end (spec.md §4.6: "segment
// sequences").
type Sequence struct {
	Segments []Segment
}

func (s Sequence) Duration() time.Duration {
	var total time.Duration
	for _, seg := range s.Segments {
		total += seg.Pattern.Duration()
	}
	return total
}

// locate returns the segment active at t and the offset within it.
func (s Sequence) locate(t time.Duration) (Pattern, time.Duration) {
	for _, seg := range s.Segments {
		d := seg.Pattern.Duration()
		if d <= 0 || t < d {
			return seg.Pattern, t
		}
		t -= d
	}
	if len(s.Segments) == 0 {
		return Constant{}, 0
	}
	last := s.Segments[len(s.Segments)-1]
	return last.Pattern, last.Pattern.Duration()
}

func (s Sequence) IntensityAt(t time.Duration) float64 {
	p, off := s.locate(t)
	return p.IntensityAt(off)
}
func (s Sequence) TypeAt(t time.Duration) adapter.CommandKind {
	p, off := s.locate(t)
	return p.TypeAt(off)
}
func (s Sequence) MetadataAt(t time.Duration) map[string]interface{} {
	p, off := s.locate(t)
	return p.MetadataAt(off)
}
func (s Sequence) Dimensions() []string {
	seen := map[string]bool{}
	var out []string
	for _, seg := range s.Segments {
		for _, d := range seg.Pattern.Dimensions() {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// Parametric wraps an arbitrary multi-dimension function, for patterns that
// don't fit the fixed generator shapes (spec.md §4.6: "parametric
// multi-dimension functions").
type Parametric struct {
	Fn    func(t time.Duration) (intensity float64, kind adapter.CommandKind, metadata map[string]interface{})
	Dur   time.Duration
	Dims  []string
}

func (p Parametric) Duration() time.Duration { return p.Dur }
func (p Parametric) IntensityAt(t time.Duration) float64 {
	v, _, _ := p.Fn(t)
	return v
}
func (p Parametric) TypeAt(t time.Duration) adapter.CommandKind {
	_, k, _ := p.Fn(t)
	return k
}
func (p Parametric) MetadataAt(t time.Duration) map[string]interface{} {
	_, _, m := p.Fn(t)
	return m
}
func (p Parametric) Dimensions() []string { return p.Dims }
