package netdir

import (
	"maps"
	"time"
)

// NetParameters are the integer "params" of a consensus.
type NetParameters struct {
	values map[string]int64
}

// NewNetParameters copies m into a NetParameters.
func NewNetParameters(m map[string]int64) NetParameters {
	return NetParameters{values: maps.Clone(m)}
}

// Has reports whether the consensus set name.
func (p NetParameters) Has(name string) bool {
	_, ok := p.values[name]
	return ok
}

// Get returns the value of name clamped to [min, max], or def when unset.
func (p NetParameters) Get(name string, def, min, max int64) int64 {
	v, ok := p.values[name]
	if !ok {
		return def
	}
	return clamp(v, min, max)
}

// Millis returns a millisecond parameter as a Duration.
func (p NetParameters) Millis(name string, def time.Duration, min, max int64) time.Duration {
	return time.Duration(p.Get(name, def.Milliseconds(), min, max)) * time.Millisecond
}

// Map returns a copy of the raw parameters.
func (p NetParameters) Map() map[string]int64 {
	return maps.Clone(p.values)
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
