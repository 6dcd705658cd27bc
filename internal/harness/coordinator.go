// Package harness implements the coordinator that runs inside the
// simulator process: it bootstraps the control channel, drives the
// Bootstrapping -> WaitStart -> Running -> Stopped FSM, classifies
// simulator stops into crashes/timeouts/normal exits, records coverage,
// and replays inputs from a single origin checkpoint.
package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/confuse-fuzz/harness/internal/classify"
	"github.com/confuse-fuzz/harness/internal/covmap"
	"github.com/confuse-fuzz/harness/internal/model"
	"github.com/confuse-fuzz/harness/internal/simhost"
	"github.com/confuse-fuzz/harness/internal/trace"
	"github.com/confuse-fuzz/harness/internal/wire"
)

const (
	originCheckpoint = "origin"

	regInputAddr    = "rsi"
	regInputMaxSize = "rdi"
)

// Coordinator is the process-wide singleton that drives one fuzzing
// session. Every exported method is safe for concurrent use; a single
// mutex serializes callback handling, and is held across an entire
// callback body (including the blocking IPC receive while awaiting the
// fuzzer's next command in the Stopped state) so that only one logical
// step of the protocol is ever in flight.
type Coordinator struct {
	host      simhost.Host
	ch        *wire.Channel
	className string

	covDir     string
	covSize    int
	sizePolicy InputSizePolicy
	log        zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	state        State
	finished     bool
	err          error
	classifier   *classify.Classifier
	cov          *covmap.Map
	enc          *trace.Encoder
	inputCfg     model.InputConfig
	outputCfg    model.OutputConfig
	pendingInput []byte
	inputAddr    uint64
	inputMax     int
	originSaved  bool
	timer        *time.Timer

	// pendingStop is set by an event callback (magic stop, core
	// exception, triple fault, timeout) to flag why a stop was
	// requested, and is consumed and cleared only by
	// onSimulationStopped once the simulator has actually halted. A nil
	// value means no stop is outstanding.
	pendingStop *model.StopReason
}

// New constructs a Coordinator for the simulator class named className,
// bound to host and communicating over ch. Call Install to run the
// bootstrap handshake before the simulator starts executing guest code.
func New(host simhost.Host, ch *wire.Channel, className string, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		host:      host,
		ch:        ch,
		className: className,
		covDir:    "",
		covSize:   covmap.DefaultSize,
		log:       defaultLogger(),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateBootstrapping,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Done returns a channel closed once the coordinator's session has
// ended, successfully or not.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the session, or nil if it ended
// cleanly (or has not ended yet).
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the coordinator's current FSM state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Install runs the bootstrap sequence: it registers the simulator
// class and attributes, blocks for the fuzzer's Initialize message,
// builds the coverage map, installs callbacks, and reports the
// coverage map's location. It returns once the simulator callbacks are
// installed; the caller is expected to resume the simulator so the
// guest can execute up to its first magic Start instruction. The
// Ready/Run handshake only happens once that Start fires (see
// handleFirstStartLocked), since only then has the origin checkpoint
// that Ready's promises depend on actually been taken.
func (c *Coordinator) Install(ctx context.Context) error {
	c.mu.Lock()

	cls, err := c.host.RegisterClass(c.className)
	if err != nil {
		return c.abortLocked(fmt.Errorf("register class: %w: %w", ErrBootstrap, err))
	}
	if err := c.host.RegisterAttribute(cls, "processor", simhost.AttrObjectOrNil); err != nil {
		return c.abortLocked(fmt.Errorf("register processor attribute: %w: %w", ErrBootstrap, err))
	}
	if err := c.host.RegisterAttribute(cls, "signal", simhost.AttrInteger); err != nil {
		return c.abortLocked(fmt.Errorf("register signal attribute: %w: %w", ErrBootstrap, err))
	}

	initMsg, err := c.ch.RecvFuzzer(ctx)
	if err != nil {
		return c.abortLocked(fmt.Errorf("receive initialize: %w: %w", ErrBootstrap, err))
	}
	if initMsg.Type != wire.FuzzerInitialize || initMsg.Initialize == nil {
		return c.abortLocked(fmt.Errorf("expected %q as first message, got %q: %w", wire.FuzzerInitialize, initMsg.Type, ErrProtocol))
	}
	c.inputCfg = initMsg.Initialize.Input
	c.classifier = classify.New(c.inputCfg.Faults)

	cov, err := covmap.New(c.covDir, c.covSizeOrDefault())
	if err != nil {
		return c.abortLocked(fmt.Errorf("create coverage map: %w: %w", ErrBootstrap, err))
	}
	c.cov = cov
	c.enc = trace.New(cov, c.inputCfg.TraceMode)
	c.outputCfg = c.outputCfg.WithMap(model.MapEntry{
		Kind: model.MapCoverage,
		Path: cov.Path(),
		Size: cov.Len(),
	})

	if err := c.host.OnMagicInstruction(c.onMagicInstruction); err != nil {
		return c.abortLocked(fmt.Errorf("install magic instruction callback: %w: %w", ErrBootstrap, err))
	}
	if c.inputCfg.Faults.HasNonTriple() {
		if err := c.host.OnCoreException(c.onCoreException); err != nil {
			return c.abortLocked(fmt.Errorf("install core exception callback: %w: %w", ErrBootstrap, err))
		}
	}
	if c.inputCfg.Faults.Contains(model.FaultTriple) {
		if err := c.host.OnTripleFault(c.onTripleFault); err != nil {
			return c.abortLocked(fmt.Errorf("install triple fault callback: %w: %w", ErrBootstrap, err))
		}
	}
	if err := c.host.OnSimulationStopped(c.onSimulationStopped); err != nil {
		return c.abortLocked(fmt.Errorf("install simulation stopped callback: %w: %w", ErrBootstrap, err))
	}

	sharedMem := wire.HarnessMessage{
		Type:      wire.HarnessSharedMem,
		SharedMem: &wire.SharedMemPayload{Entry: model.MapEntry{Kind: model.MapCoverage, Path: cov.Path(), Size: cov.Len()}},
	}
	if err := c.ch.SendHarness(sharedMem); err != nil {
		return c.abortLocked(fmt.Errorf("send shared_mem: %w: %w", ErrBootstrap, err))
	}

	c.state = StateWaitStart
	c.log.Info().Str("state", c.state.String()).Msg("callbacks installed, awaiting guest start")
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) covSizeOrDefault() int {
	if c.covSize <= 0 {
		return covmap.DefaultSize
	}
	return c.covSize
}

// onMagicInstruction handles the guest's magic instruction: Start takes
// the origin checkpoint and runs the Ready/Run handshake the first
// time it fires; Stop flags a normal stop and requests one. Start is
// not itself a reported stop (it's the one magic value the guest hits
// before the fuzzer even knows the session is running), so it bypasses
// the pendingStop/onSimulationStopped indirection that every other
// stop condition goes through.
func (c *Coordinator) onMagicInstruction(ev simhost.Event) {
	c.mu.Lock()
	reason, ok := c.classifier.Magic(ev.MagicValue)
	if !ok {
		c.log.Warn().Uint64("value", ev.MagicValue).Msg("magic instruction carried unrecognized value")
		c.unlockAndResume()
		return
	}
	switch reason.Kind {
	case model.StopMagicStart:
		if c.originSaved {
			c.log.Warn().Msg("duplicate start signal after origin checkpoint already taken")
			c.unlockAndResume()
			return
		}
		c.handleFirstStartLocked(ev)
	case model.StopMagicStop:
		c.pendingStop = &model.StopReason{Kind: model.StopNormal}
		c.mu.Unlock()
		if err := c.host.RequestStop(); err != nil {
			c.log.Warn().Err(err).Msg("request stop for magic stop failed")
		}
	default:
		c.unlockAndResume()
	}
}

// handleFirstStartLocked saves the origin checkpoint, reads the
// guest's declared input buffer, and runs the WaitStart handshake in
// the order spec'd: snapshot, then read registers, then Ready, then
// block for the fuzzer's first Run. Called with the lock held; it
// always releases it before returning.
func (c *Coordinator) handleFirstStartLocked(ev simhost.Event) {
	if err := c.host.SaveCheckpoint(originCheckpoint, simhost.CheckpointFlags{Persistent: true, UserVisible: true}); err != nil {
		c.abortLocked(fmt.Errorf("save origin checkpoint: %w: %w", ErrSimulator, err))
		return
	}
	c.originSaved = true
	addr, maxSize, err := readInputBufferDescriptor(ev.Processor)
	if err != nil {
		c.abortLocked(fmt.Errorf("read input buffer descriptor: %w: %w", ErrSimulator, err))
		return
	}
	c.inputAddr = addr
	c.inputMax = maxSize

	ready := wire.HarnessMessage{Type: wire.HarnessReady, Ready: &wire.ReadyPayload{Output: c.outputCfg}}
	if err := c.ch.SendHarness(ready); err != nil {
		c.abortLocked(fmt.Errorf("send ready: %w", err))
		return
	}

	msg, err := c.ch.RecvFuzzer(c.ctx)
	if err != nil {
		c.abortLocked(fmt.Errorf("receive first command: %w", err))
		return
	}
	if msg.Type != wire.FuzzerRun || msg.Run == nil {
		c.abortLocked(fmt.Errorf("expected %q as first command in %s, got %q: %w", wire.FuzzerRun, c.state, msg.Type, ErrProtocol))
		return
	}

	c.pendingInput = msg.Run.Input
	data, err := c.applySizePolicyLocked(c.pendingInput)
	if err != nil {
		c.abortLocked(err)
		return
	}
	if err := c.host.WritePhysicalMemory(addr, data); err != nil {
		c.abortLocked(fmt.Errorf("write input: %w: %w", ErrSimulator, err))
		return
	}

	c.state = StateRunning
	c.armTimeoutLocked()
	c.unlockAndResume()
}

// onCoreException classifies a CPU exception event and, if the vector
// is in the configured fault set, flags a crash stop and requests one.
// The actual report-and-await-next-command work happens later, in
// onSimulationStopped, once the simulator has actually halted.
func (c *Coordinator) onCoreException(ev simhost.Event) {
	c.mu.Lock()
	reason, ok := c.classifier.CoreException(ev.Vector)
	if !ok {
		c.unlockAndResume()
		return
	}
	c.pendingStop = &reason
	c.mu.Unlock()
	if err := c.host.RequestStop(); err != nil {
		c.log.Warn().Err(err).Msg("request stop for core exception failed")
	}
}

// onTripleFault flags a crash stop for a triple fault and requests
// one. This callback is only installed when FaultTriple is configured.
func (c *Coordinator) onTripleFault(ev simhost.Event) {
	c.mu.Lock()
	reason, ok := c.classifier.TripleFault()
	if !ok {
		c.unlockAndResume()
		return
	}
	c.pendingStop = &reason
	c.mu.Unlock()
	if err := c.host.RequestStop(); err != nil {
		c.log.Warn().Err(err).Msg("request stop for triple fault failed")
	}
}

// onTimeoutFired is invoked by the harness-side watchdog timer when an
// iteration runs longer than the configured timeout. It flags a
// timeout stop and requests one; onSimulationStopped reports it once
// the simulator has actually halted.
func (c *Coordinator) onTimeoutFired() {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.pendingStop = &model.StopReason{Kind: model.StopTimeout}
	c.mu.Unlock()
	if err := c.host.RequestStop(); err != nil {
		c.log.Warn().Err(err).Msg("request stop for timeout failed")
	}
}

// onSimulationStopped is the sole consumer of pendingStop: it fires
// once the simulator has actually halted following a RequestStop, and
// is where the flagged reason is reported to the fuzzer. A callback
// that fires with no pending reason is unexpected (nothing asked for a
// stop) and is logged and ignored rather than acted on.
func (c *Coordinator) onSimulationStopped(ev simhost.Event) {
	c.mu.Lock()
	if c.pendingStop == nil {
		c.log.Warn().Msg("simulation stopped callback fired with no pending stop reason")
		c.mu.Unlock()
		return
	}
	reason := *c.pendingStop
	c.pendingStop = nil
	c.handleStopLocked(reason)
}

// handleStopLocked reports a stop to the fuzzer and blocks, still
// holding the lock, until the fuzzer sends its next command. Per the
// Stopped state's protocol, only two commands are valid here: Reset
// (restore the origin checkpoint, forget the previous coverage edge,
// and send Ready) or Stop (end the session). A bare Run is only valid
// once a Reset's Ready has been sent, which this method then also
// blocks for. Called with the lock held; it always releases it before
// returning.
func (c *Coordinator) handleStopLocked(reason model.StopReason) {
	c.cancelTimeoutLocked()
	c.state = StateStopped

	payload := wire.StoppedPayload{Kind: reason.Kind}
	if reason.Kind == model.StopCrash {
		f := reason.Fault
		payload.Fault = &f
	}
	if err := c.ch.SendHarness(wire.HarnessMessage{Type: wire.HarnessStopped, Stopped: &payload}); err != nil {
		c.abortLocked(fmt.Errorf("send stopped: %w", err))
		return
	}

	msg, err := c.ch.RecvFuzzer(c.ctx)
	if err != nil {
		c.abortLocked(fmt.Errorf("receive command in stopped state: %w", err))
		return
	}
	switch msg.Type {
	case wire.FuzzerReset:
		if err := c.host.RestoreCheckpoint(originCheckpoint); err != nil {
			c.abortLocked(fmt.Errorf("restore origin checkpoint: %w: %w", ErrSimulator, err))
			return
		}
		c.enc.ResetPrevLoc()
		if err := c.ch.SendHarness(wire.HarnessMessage{Type: wire.HarnessReady, Ready: &wire.ReadyPayload{Output: c.outputCfg}}); err != nil {
			c.abortLocked(fmt.Errorf("send ready: %w", err))
			return
		}
	case wire.FuzzerStop:
		c.mu.Unlock()
		c.shutdown()
		return
	default:
		c.abortLocked(fmt.Errorf("unexpected command %q in stopped state, expected %q or %q: %w", msg.Type, wire.FuzzerReset, wire.FuzzerStop, ErrProtocol))
		return
	}

	// Reset's Ready has been sent; the only valid next command is Run.
	msg, err = c.ch.RecvFuzzer(c.ctx)
	if err != nil {
		c.abortLocked(fmt.Errorf("receive command after reset: %w", err))
		return
	}
	if msg.Type != wire.FuzzerRun || msg.Run == nil {
		c.abortLocked(fmt.Errorf("expected %q after reset, got %q: %w", wire.FuzzerRun, msg.Type, ErrProtocol))
		return
	}
	c.pendingInput = msg.Run.Input
	data, err := c.applySizePolicyLocked(c.pendingInput)
	if err != nil {
		c.abortLocked(err)
		return
	}
	if err := c.host.WritePhysicalMemory(c.inputAddr, data); err != nil {
		c.abortLocked(fmt.Errorf("write input: %w: %w", ErrSimulator, err))
		return
	}
	c.state = StateRunning
	c.armTimeoutLocked()
	c.unlockAndResume()
}

// RecordCoverage folds pc into the coverage map. It is exposed so a
// concrete simulator binding can drive coverage recording from its own
// instrumentation hook, outside the callback-driven FSM transitions
// above.
func (c *Coordinator) RecordCoverage(pc uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return fmt.Errorf("harness: record coverage before bootstrap complete")
	}
	return c.enc.Record(pc)
}

func (c *Coordinator) applySizePolicyLocked(data []byte) ([]byte, error) {
	if c.inputMax <= 0 || len(data) <= c.inputMax {
		return data, nil
	}
	switch c.sizePolicy {
	case SizePolicyReject:
		return nil, fmt.Errorf("input size %d exceeds buffer size %d: %w", len(data), c.inputMax, ErrOutOfRange)
	default:
		return data[:c.inputMax], nil
	}
}

func (c *Coordinator) armTimeoutLocked() {
	if c.inputCfg.HasUnboundedTimeout() {
		return
	}
	d := time.Duration(c.inputCfg.TimeoutSeconds * float64(time.Second))
	c.timer = time.AfterFunc(d, c.onTimeoutFired)
}

func (c *Coordinator) cancelTimeoutLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// unlockAndResume releases the lock and asks the host to resume
// execution. Call sites hold the lock on entry and must not touch
// Coordinator state afterward.
func (c *Coordinator) unlockAndResume() {
	c.mu.Unlock()
	if err := c.host.ContinueSimulation(); err != nil {
		c.abort(fmt.Errorf("continue simulation: %w: %w", ErrSimulator, err))
	}
}

// abortLocked releases the lock and ends the session with err. It
// always returns with the lock released.
func (c *Coordinator) abortLocked(err error) error {
	c.mu.Unlock()
	c.abort(err)
	return err
}

func (c *Coordinator) abort(err error) {
	c.log.Error().Err(err).Msg("session aborted")
	c.finish(err)
}

func (c *Coordinator) shutdown() {
	c.log.Info().Msg("session shut down by fuzzer request")
	c.finish(nil)
}

func (c *Coordinator) finish(err error) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.err = err
	c.state = StateShutdown
	c.cancelTimeoutLocked()
	c.mu.Unlock()

	c.cancel()
	c.ch.Close()
	if c.cov != nil {
		c.cov.Close()
	}
	close(c.done)
}

func readInputBufferDescriptor(proc simhost.Processor) (addr uint64, maxSize int, err error) {
	ir := proc.IntRegister()
	addrNum, err := ir.Number(regInputAddr)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve %s: %w", regInputAddr, err)
	}
	addr, err = ir.Read(addrNum)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", regInputAddr, err)
	}
	sizeNum, err := ir.Number(regInputMaxSize)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve %s: %w", regInputMaxSize, err)
	}
	sizeVal, err := ir.Read(sizeNum)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", regInputMaxSize, err)
	}
	return addr, int(sizeVal), nil
}
