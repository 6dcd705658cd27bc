package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceModeRoundTrip(t *testing.T) {
	for _, m := range []TraceMode{TraceOnce, TraceHitCount} {
		parsed, err := ParseTraceMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}

	_, err := ParseTraceMode("bogus")
	require.Error(t, err)

	// "hitcount" (no underscore) is accepted as an alias.
	parsed, err := ParseTraceMode("HitCount")
	require.NoError(t, err)
	require.Equal(t, TraceHitCount, parsed)
}

func TestTraceModeJSON(t *testing.T) {
	b, err := json.Marshal(TraceOnce)
	require.NoError(t, err)
	require.Equal(t, `"once"`, string(b))

	var m TraceMode
	require.NoError(t, json.Unmarshal([]byte(`"hit_count"`), &m))
	require.Equal(t, TraceHitCount, m)
}

func TestDefaultInputConfig(t *testing.T) {
	cfg := DefaultInputConfig()
	require.Empty(t, cfg.Faults)
	require.Equal(t, TraceHitCount, cfg.TraceMode)
	require.True(t, cfg.HasUnboundedTimeout())
}

func TestInputConfigBuilders(t *testing.T) {
	cfg := DefaultInputConfig().
		WithFault(FaultTriple).
		WithFaults(FaultPageFault, FaultGeneralProtection).
		WithTimeoutMilliseconds(1500).
		WithTraceMode(TraceOnce)

	require.True(t, cfg.Faults.Contains(FaultTriple))
	require.True(t, cfg.Faults.Contains(FaultPageFault))
	require.True(t, cfg.Faults.Contains(FaultGeneralProtection))
	require.Equal(t, 1.5, cfg.TimeoutSeconds)
	require.Equal(t, TraceOnce, cfg.TraceMode)
	require.False(t, cfg.HasUnboundedTimeout())

	// Builders must not mutate a shared base config.
	base := DefaultInputConfig()
	_ = base.WithFault(FaultTriple)
	require.False(t, base.Faults.Contains(FaultTriple))
}

func TestOutputConfigCoverageRemovesEntry(t *testing.T) {
	cfg := OutputConfig{}.WithMap(MapEntry{Kind: MapCoverage, Path: "/tmp/x", Size: 4096})

	entry, ok := cfg.Coverage()
	require.True(t, ok)
	require.Equal(t, "/tmp/x", entry.Path)
	require.Empty(t, cfg.Maps)

	_, ok = cfg.Coverage()
	require.False(t, ok)
}

func TestFaultSetHasNonTriple(t *testing.T) {
	s := NewFaultSet(FaultTriple)
	require.False(t, s.HasNonTriple())
	s.Add(FaultPageFault)
	require.True(t, s.HasNonTriple())
}
