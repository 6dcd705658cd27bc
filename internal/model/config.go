package model

import (
	"fmt"
	"math"
	"strings"
)

// TraceMode selects how the coverage encoder records edge hits.
type TraceMode int

const (
	// TraceOnce records each edge at most once per run.
	TraceOnce TraceMode = iota
	// TraceHitCount increments a counter on every edge hit.
	TraceHitCount
)

func (m TraceMode) String() string {
	switch m {
	case TraceOnce:
		return "once"
	case TraceHitCount:
		return "hit_count"
	default:
		return fmt.Sprintf("trace_mode(%d)", int(m))
	}
}

// ParseTraceMode parses the lowercase wire form of a TraceMode. "hitcount"
// is accepted as an alias of "hit_count".
func ParseTraceMode(s string) (TraceMode, error) {
	switch strings.ToLower(s) {
	case "once":
		return TraceOnce, nil
	case "hit_count", "hitcount":
		return TraceHitCount, nil
	default:
		return 0, fmt.Errorf("no such trace mode %q", s)
	}
}

func (m TraceMode) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

func (m *TraceMode) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	parsed, err := ParseTraceMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// InputConfig is the configuration a fuzzer sends to initialize a
// harness session.
type InputConfig struct {
	Faults         FaultSet  `json:"faults"`
	TimeoutSeconds float64   `json:"timeout_seconds"`
	TraceMode      TraceMode `json:"trace_mode"`
}

// DefaultInputConfig mirrors the original module's Default impl: no
// faults configured, an effectively unbounded timeout, hit-count tracing.
func DefaultInputConfig() InputConfig {
	return InputConfig{
		Faults:         NewFaultSet(),
		TimeoutSeconds: math.MaxFloat64,
		TraceMode:      TraceHitCount,
	}
}

// WithFault returns a copy of cfg with fault added to the crash set.
func (cfg InputConfig) WithFault(fault Fault) InputConfig {
	cfg.Faults = cloneFaultSet(cfg.Faults)
	cfg.Faults.Add(fault)
	return cfg
}

// WithFaults returns a copy of cfg with every fault in faults added to
// the crash set.
func (cfg InputConfig) WithFaults(faults ...Fault) InputConfig {
	cfg.Faults = cloneFaultSet(cfg.Faults)
	for _, f := range faults {
		cfg.Faults.Add(f)
	}
	return cfg
}

// WithTimeoutSeconds returns a copy of cfg with the timeout set in seconds.
func (cfg InputConfig) WithTimeoutSeconds(seconds float64) InputConfig {
	cfg.TimeoutSeconds = seconds
	return cfg
}

// WithTimeoutMilliseconds returns a copy of cfg with the timeout set in
// milliseconds.
func (cfg InputConfig) WithTimeoutMilliseconds(ms float64) InputConfig {
	cfg.TimeoutSeconds = ms / 1000.0
	return cfg
}

// WithTimeoutMicroseconds returns a copy of cfg with the timeout set in
// microseconds.
func (cfg InputConfig) WithTimeoutMicroseconds(us float64) InputConfig {
	cfg.TimeoutSeconds = us / 1_000_000.0
	return cfg
}

// WithTraceMode returns a copy of cfg with the trace mode set.
func (cfg InputConfig) WithTraceMode(mode TraceMode) InputConfig {
	cfg.TraceMode = mode
	return cfg
}

// HasUnboundedTimeout reports whether cfg effectively disables the
// harness-side watchdog timer: a zero or negative timeout, or one too
// large to express as a time.Duration.
func (cfg InputConfig) HasUnboundedTimeout() bool {
	return cfg.TimeoutSeconds <= 0 || math.IsInf(cfg.TimeoutSeconds, 1) || cfg.TimeoutSeconds >= math.MaxInt64/1e9
}

func cloneFaultSet(s FaultSet) FaultSet {
	out := make(FaultSet, len(s))
	for f := range s {
		out[f] = struct{}{}
	}
	return out
}

// MapKind identifies the purpose of an entry in an OutputConfig.
type MapKind int

const (
	// MapCoverage is the shared coverage byte array.
	MapCoverage MapKind = iota
)

func (k MapKind) String() string {
	switch k {
	case MapCoverage:
		return "coverage"
	default:
		return fmt.Sprintf("map_kind(%d)", int(k))
	}
}

// MapEntry describes one shared-memory map handed back to the fuzzer,
// named by path so the fuzzer process can mmap it independently.
type MapEntry struct {
	Kind MapKind `json:"kind"`
	Path string  `json:"path"`
	Size int     `json:"size"`
}

// OutputConfig is the set of shared maps a harness session publishes
// after initialization.
type OutputConfig struct {
	Maps []MapEntry `json:"maps"`
}

// WithMap returns a copy of cfg with entry appended.
func (cfg OutputConfig) WithMap(entry MapEntry) OutputConfig {
	cfg.Maps = append(append([]MapEntry{}, cfg.Maps...), entry)
	return cfg
}

// Coverage removes and returns the coverage map entry from cfg, matching
// the original module's ownership-transfer semantics: a consumer that
// calls Coverage takes the entry out of the list. ok is false if no
// coverage entry is present.
func (cfg *OutputConfig) Coverage() (entry MapEntry, ok bool) {
	for i, m := range cfg.Maps {
		if m.Kind == MapCoverage {
			entry = m
			cfg.Maps = append(cfg.Maps[:i], cfg.Maps[i+1:]...)
			return entry, true
		}
	}
	return MapEntry{}, false
}
