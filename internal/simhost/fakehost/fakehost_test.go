package fakehost

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/confuse-fuzz/harness/internal/simhost"
)

func TestRegistersNumberAndRead(t *testing.T) {
	r := NewRegisters()
	r.Set("rsi", 0xdead)
	n, err := r.Number("rsi")
	require.NoError(t, err)
	v, err := r.Read(n)
	require.NoError(t, err)
	require.Equal(t, uint64(0xdead), v)

	_, err = r.Number("unknown")
	require.Error(t, err)
}

func TestHostCheckpointRoundTrip(t *testing.T) {
	h := New()
	cls, err := h.RegisterClass("confuse")
	require.NoError(t, err)
	require.NoError(t, h.RegisterAttribute(cls, "processor", simhost.AttrObjectOrNil))

	require.NoError(t, h.WritePhysicalMemory(0x100, []byte("origin")))
	require.NoError(t, h.SaveCheckpoint("origin", simhost.CheckpointFlags{Persistent: true}))

	require.NoError(t, h.WritePhysicalMemory(0x100, []byte("mutate")))
	require.Equal(t, []byte("mutate"), h.ReadPhysicalMemory(0x100, 6))

	require.NoError(t, h.RestoreCheckpoint("origin"))
	require.Equal(t, []byte("origin"), h.ReadPhysicalMemory(0x100, 6))

	err = h.RestoreCheckpoint("does-not-exist")
	require.Error(t, err)
}

func TestFireCallbacksRequireInstallation(t *testing.T) {
	h := New()
	proc := NewProcessor()
	require.Error(t, h.FireMagic(proc, 1))
	require.Error(t, h.FireCoreException(proc, 13))
	require.Error(t, h.FireTripleFault(proc))
	require.Error(t, h.FireSimulationStopped())
}

func TestRequestStopFiresSimulationStoppedCallback(t *testing.T) {
	h := New()
	var fired int
	require.NoError(t, h.OnSimulationStopped(func(ev simhost.Event) {
		fired++
		require.Equal(t, simhost.EventSimulationStopped, ev.Kind)
	}))

	require.NoError(t, h.RequestStop())
	require.Equal(t, 1, fired)

	require.NoError(t, h.FireSimulationStopped())
	require.Equal(t, 2, fired)
}
