package harness

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/confuse-fuzz/harness/internal/model"
	"github.com/confuse-fuzz/harness/internal/simhost"
	"github.com/confuse-fuzz/harness/internal/simhost/fakehost"
	"github.com/confuse-fuzz/harness/internal/wire"
)

type fixture struct {
	t        *testing.T
	coord    *Coordinator
	host     *fakehost.Host
	proc     *fakehost.Processor
	fuzzerCh *wire.Channel
}

func newFixture(t *testing.T, faults ...model.Fault) *fixture {
	t.Helper()
	return newFixtureWithOptions(t, nil, faults...)
}

// newFixtureWithOptions runs Install to completion: Initialize in,
// SharedMem out. Install returns before any Ready/Run exchange, since
// that handshake only happens once the guest's magic Start fires (see
// handleFirstStartLocked), so callers drive that themselves via
// startAndRun.
func newFixtureWithOptions(t *testing.T, extra []Option, faults ...model.Fault) *fixture {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { server.Close(); client.Close() })

	host := fakehost.New()
	opts := append([]Option{
		WithCoverageMapDir(t.TempDir()),
		WithCoverageMapSize(8),
	}, extra...)
	coord := New(host, wire.NewChannel(server), "confuse", opts...)

	f := &fixture{
		t:        t,
		coord:    coord,
		host:     host,
		proc:     fakehost.NewProcessor(),
		fuzzerCh: wire.NewChannel(client),
	}

	installErrCh := make(chan error, 1)
	go func() { installErrCh <- coord.Install(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.fuzzerCh.SendFuzzer(wire.FuzzerMessage{
		Type: wire.FuzzerInitialize,
		Initialize: &wire.InitializePayload{
			Input: model.DefaultInputConfig().WithFaults(faults...),
		},
	}))

	sharedMem, err := f.fuzzerCh.RecvHarness(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.HarnessSharedMem, sharedMem.Type)

	require.NoError(t, <-installErrCh)
	require.Equal(t, StateWaitStart, f.coord.State())

	return f
}

func (f *fixture) sendRun(t *testing.T, input []byte) {
	t.Helper()
	require.NoError(t, f.fuzzerCh.SendFuzzer(wire.FuzzerMessage{
		Type: wire.FuzzerRun,
		Run:  &wire.RunPayload{Input: input},
	}))
}

func (f *fixture) recvReady(t *testing.T) wire.ReadyPayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := f.fuzzerCh.RecvHarness(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.HarnessReady, msg.Type)
	require.NotNil(t, msg.Ready)
	return *msg.Ready
}

func (f *fixture) recvStopped(t *testing.T) wire.StoppedPayload {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := f.fuzzerCh.RecvHarness(ctx)
	require.NoError(t, err)
	require.Equal(t, wire.HarnessStopped, msg.Type)
	require.NotNil(t, msg.Stopped)
	return *msg.Stopped
}

// trigger runs fn (a host.Fire* call) in its own goroutine, since the
// coordinator's stop handling blocks on a channel send/receive while
// still holding its lock, and net.Pipe is unbuffered.
func (f *fixture) trigger(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

// startAndRun fires the guest's magic Start instruction, waits for the
// Ready that follows the origin checkpoint, sends input as the first
// Run, and waits for the Start callback to finish injecting it.
func (f *fixture) startAndRun(t *testing.T, input []byte) {
	t.Helper()
	trig := f.trigger(func() error { return f.host.FireMagic(f.proc, uint64(simhost.MagicStart)) })
	f.recvReady(t)
	f.sendRun(t, input)
	require.NoError(t, <-trig)
}

func TestHappyPathFirstIterationAndCleanShutdown(t *testing.T) {
	f := newFixture(t)

	f.proc.Regs.Set("rsi", 0x1000)
	f.proc.Regs.Set("rdi", 16)
	f.startAndRun(t, []byte("AAAA"))

	require.Equal(t, StateRunning, f.coord.State())
	require.Equal(t, []byte("AAAA"), f.host.ReadPhysicalMemory(0x1000, 4))

	trig := f.trigger(func() error { return f.host.FireMagic(f.proc, uint64(simhost.MagicStop)) })
	stopped := f.recvStopped(t)
	require.Equal(t, model.StopNormal, stopped.Kind)
	require.Equal(t, StateStopped, f.coord.State())

	require.NoError(t, f.fuzzerCh.SendFuzzer(wire.FuzzerMessage{Type: wire.FuzzerStop}))
	require.NoError(t, <-trig)

	select {
	case <-f.coord.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down")
	}
	require.NoError(t, f.coord.Err())
	require.Equal(t, StateShutdown, f.coord.State())
}

func TestRunAfterStopRestoresOriginAndReinjects(t *testing.T) {
	f := newFixture(t, model.FaultPageFault)

	f.proc.Regs.Set("rsi", 0x2000)
	f.proc.Regs.Set("rdi", 8)
	f.startAndRun(t, []byte("AAAA"))

	trig := f.trigger(func() error { return f.host.FireMagic(f.proc, uint64(simhost.MagicStop)) })
	stopped := f.recvStopped(t)
	require.Equal(t, model.StopNormal, stopped.Kind)

	// Stopped only accepts Reset (then Ready) or Stop; Reset precedes
	// every subsequent Run.
	require.NoError(t, f.fuzzerCh.SendFuzzer(wire.FuzzerMessage{Type: wire.FuzzerReset}))
	f.recvReady(t)
	f.sendRun(t, []byte("BBBB"))
	require.NoError(t, <-trig)

	require.Equal(t, StateRunning, f.coord.State())
	require.Equal(t, []byte("BBBB"), f.host.ReadPhysicalMemory(0x2000, 4))
}

func TestCrashPathReportsConfiguredFault(t *testing.T) {
	f := newFixture(t, model.FaultPageFault)

	f.proc.Regs.Set("rsi", 0x3000)
	f.proc.Regs.Set("rdi", 8)
	f.startAndRun(t, []byte("AAAA"))

	trig := f.trigger(func() error { return f.host.FireCoreException(f.proc, 14) }) // page fault vector
	stopped := f.recvStopped(t)
	require.Equal(t, model.StopCrash, stopped.Kind)
	require.NotNil(t, stopped.Fault)
	require.Equal(t, model.FaultPageFault, *stopped.Fault)

	require.NoError(t, f.fuzzerCh.SendFuzzer(wire.FuzzerMessage{Type: wire.FuzzerStop}))
	require.NoError(t, <-trig)
}

func TestTripleFaultSelectiveInstallation(t *testing.T) {
	// Only FaultTriple is configured: the core exception callback must
	// not even be installed, since no non-triple fault is configured.
	f := newFixture(t, model.FaultTriple)

	f.proc.Regs.Set("rsi", 0x4000)
	f.proc.Regs.Set("rdi", 8)
	f.startAndRun(t, []byte("AAAA"))

	err := f.host.FireCoreException(f.proc, 13)
	require.Error(t, err, "core exception callback should not be installed when no non-triple fault is configured")

	trig := f.trigger(func() error { return f.host.FireTripleFault(f.proc) })
	stopped := f.recvStopped(t)
	require.Equal(t, model.StopCrash, stopped.Kind)
	require.Equal(t, model.FaultTriple, *stopped.Fault)

	require.NoError(t, f.fuzzerCh.SendFuzzer(wire.FuzzerMessage{Type: wire.FuzzerStop}))
	require.NoError(t, <-trig)
}

func TestCoreExceptionOutsideConfiguredSetIsIgnored(t *testing.T) {
	f := newFixture(t, model.FaultPageFault)

	f.proc.Regs.Set("rsi", 0x5000)
	f.proc.Regs.Set("rdi", 8)
	f.startAndRun(t, []byte("AAAA"))

	// General protection fault (vector 13) is a known vector but not in
	// the configured crash set, so the simulator just continues.
	require.NoError(t, f.host.FireCoreException(f.proc, 13))
	require.Equal(t, StateRunning, f.coord.State())
}

func TestProtocolViolationResetInsteadOfRunInWaitStart(t *testing.T) {
	f := newFixture(t)

	trig := f.trigger(func() error { return f.host.FireMagic(f.proc, uint64(simhost.MagicStart)) })
	f.recvReady(t)
	require.NoError(t, f.fuzzerCh.SendFuzzer(wire.FuzzerMessage{Type: wire.FuzzerReset}))
	require.NoError(t, <-trig)

	require.Error(t, f.coord.Err())
	require.True(t, errors.Is(f.coord.Err(), ErrProtocol))
	require.Equal(t, StateShutdown, f.coord.State())
}

func TestProtocolViolationBareRunInStoppedWithoutReset(t *testing.T) {
	f := newFixture(t)

	f.proc.Regs.Set("rsi", 0x1000)
	f.proc.Regs.Set("rdi", 16)
	f.startAndRun(t, []byte("AAAA"))

	trig := f.trigger(func() error { return f.host.FireMagic(f.proc, uint64(simhost.MagicStop)) })
	f.recvStopped(t)

	// A bare Run immediately after Stopped, without an intervening
	// Reset, is a protocol violation.
	f.sendRun(t, []byte("BBBB"))
	require.NoError(t, <-trig)

	require.Error(t, f.coord.Err())
	require.True(t, errors.Is(f.coord.Err(), ErrProtocol))
	require.Equal(t, StateShutdown, f.coord.State())
}

func TestInputSizePolicyTruncate(t *testing.T) {
	f := newFixtureWithOptions(t, []Option{WithInputSizePolicy(SizePolicyTruncate)})

	f.proc.Regs.Set("rsi", 0x6000)
	f.proc.Regs.Set("rdi", 4) // buffer only fits 4 bytes
	f.startAndRun(t, []byte("AAAAAAAA"))

	require.Equal(t, StateRunning, f.coord.State())
	require.Equal(t, []byte("AAAA"), f.host.ReadPhysicalMemory(0x6000, 4))
}

func TestInputSizePolicyReject(t *testing.T) {
	f := newFixtureWithOptions(t, []Option{WithInputSizePolicy(SizePolicyReject)})

	f.proc.Regs.Set("rsi", 0x7000)
	f.proc.Regs.Set("rdi", 4) // buffer only fits 4 bytes

	trig := f.trigger(func() error { return f.host.FireMagic(f.proc, uint64(simhost.MagicStart)) })
	f.recvReady(t)
	f.sendRun(t, []byte("AAAAAAAA"))
	require.NoError(t, <-trig)

	err := f.coord.Err()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrOutOfRange))
	require.Equal(t, StateShutdown, f.coord.State())
}

func TestRecordCoverage(t *testing.T) {
	f := newFixture(t)

	f.proc.Regs.Set("rsi", 0x1000)
	f.proc.Regs.Set("rdi", 16)
	f.startAndRun(t, []byte("AAAA"))

	require.NoError(t, f.coord.RecordCoverage(0x1234))
}
