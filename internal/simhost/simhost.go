// Package simhost defines the abstract boundary between the harness
// coordinator and the simulator it runs inside. No concrete binding to
// a real simulator is implemented here; see the fakehost subpackage for
// a scriptable stand-in used by tests and the self-test entrypoint.
package simhost

import "github.com/confuse-fuzz/harness/internal/model"

// AttrType tags the shape of an attribute registered on the harness's
// simulator class, following the simulator's own argument-spec strings.
type AttrType string

const (
	// AttrObjectOrNil accepts an object reference or nil ("o|n").
	AttrObjectOrNil AttrType = "o|n"
	// AttrInteger accepts an integer value ("i").
	AttrInteger AttrType = "i"
)

// ClassHandle identifies the harness's registered simulator class.
type ClassHandle struct {
	Name string
}

// CheckpointFlags controls how a micro-checkpoint is created.
type CheckpointFlags struct {
	// Persistent marks the checkpoint as surviving a full simulator
	// configuration save/restore, not just an in-session restore.
	Persistent bool
	// UserVisible marks the checkpoint as one a user could select
	// interactively, as opposed to an internal bookkeeping snapshot.
	UserVisible bool
}

// Processor is the subset of simulator processor-object behavior the
// coordinator depends on.
type Processor interface {
	// IntRegister returns the integer register interface for this
	// processor, used to read arguments to the magic instruction.
	IntRegister() IntRegister
}

// IntRegister reads named integer registers off a processor, e.g. "rsi"
// and "rdi" to decode magic-instruction arguments on x86-64.
type IntRegister interface {
	// Number resolves a register name to its interface-specific index.
	Number(name string) (int, error)
	// Read returns the current value of the register at number.
	Read(number int) (uint64, error)
}

// Event is delivered to the coordinator's callback handlers by whichever
// Host implementation is installed.
type Event struct {
	// Kind distinguishes which callback fired.
	Kind EventKind
	// Processor is the processor object the event occurred on.
	Processor Processor
	// MagicValue is the immediate operand of the magic instruction, for
	// EventMagicInstruction.
	MagicValue uint64
	// Vector is the CPU exception vector, for EventCoreException.
	Vector int
}

// EventKind distinguishes the callback that produced an Event.
type EventKind int

const (
	EventMagicInstruction EventKind = iota
	EventCoreException
	EventTripleFault
	EventSimulationStopped
)

// Host is the abstract simulator adapter the coordinator is installed
// onto. A concrete implementation binds these methods to a real
// simulator's API; fakehost provides an in-memory stand-in.
type Host interface {
	// RegisterClass registers the harness's simulator class and returns
	// a handle to it.
	RegisterClass(name string) (ClassHandle, error)
	// RegisterAttribute registers a gettable/settable attribute on cls.
	RegisterAttribute(cls ClassHandle, name string, typ AttrType) error

	// OnMagicInstruction installs a callback invoked whenever the guest
	// executes the harness's magic instruction.
	OnMagicInstruction(fn func(Event)) error
	// OnCoreException installs a callback invoked on CPU exceptions.
	// The coordinator only installs this when the configured fault set
	// contains a non-triple fault.
	OnCoreException(fn func(Event)) error
	// OnTripleFault installs a callback invoked on a triple fault. The
	// coordinator only installs this when FaultTriple is configured.
	OnTripleFault(fn func(Event)) error
	// OnSimulationStopped installs a callback invoked once the simulator
	// has actually halted following a RequestStop (or an internal stop
	// condition reached during a magic-instruction callback). This is
	// the only place a pending stop reason is consumed and acted on;
	// the event callbacks above only flag why a stop was requested.
	OnSimulationStopped(fn func(Event)) error

	// SaveCheckpoint creates a named micro-checkpoint of the current
	// simulator state.
	SaveCheckpoint(name string, flags CheckpointFlags) error
	// RestoreCheckpoint restores a previously saved checkpoint,
	// discarding any checkpoints taken after it.
	RestoreCheckpoint(name string) error

	// WritePhysicalMemory writes data into the guest's physical address
	// space starting at addr.
	WritePhysicalMemory(addr uint64, data []byte) error

	// ContinueSimulation resumes execution after a callback returns.
	ContinueSimulation() error
	// RequestStop asks the simulator to stop as soon as possible,
	// delivering a subsequent event or unblocking whatever is waiting
	// on the stop.
	RequestStop() error
}

// Magic is the immediate operand values the guest's magic instruction
// may carry, matching model.Signal's semantics on the attribute side.
type Magic uint64

const (
	MagicStart Magic = 1
	MagicStop  Magic = 2
)

// FaultForVector is a convenience wrapper over model.FaultFromVector for
// callers that only have simhost types in scope.
func FaultForVector(vector int) (model.Fault, bool) {
	return model.FaultFromVector(vector)
}
