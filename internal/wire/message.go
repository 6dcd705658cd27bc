// Package wire defines the typed, bidirectional message protocol
// exchanged between the harness coordinator and the external fuzzer
// process, and a Channel that frames those messages as JSON over a
// net.Conn.
package wire

import "github.com/confuse-fuzz/harness/internal/model"

// HarnessMessage is a message sent from the harness to the fuzzer.
// Exactly one of the pointer fields is non-nil, tagged by Type.
type HarnessMessage struct {
	Type string `json:"type"`

	SharedMem *SharedMemPayload `json:"shared_mem,omitempty"`
	Ready     *ReadyPayload     `json:"ready,omitempty"`
	Stopped   *StoppedPayload   `json:"stopped,omitempty"`
}

const (
	HarnessSharedMem = "shared_mem"
	HarnessReady     = "ready"
	HarnessStopped   = "stopped"
)

// SharedMemPayload tells the fuzzer where to find a shared map.
type SharedMemPayload struct {
	Entry model.MapEntry `json:"entry"`
}

// ReadyPayload reports the output configuration once initialization is
// complete: every shared map the session publishes, including the
// coverage map.
type ReadyPayload struct {
	Output model.OutputConfig `json:"output"`
}

// StoppedPayload reports why the simulator stopped. Kind is restricted
// to Normal, Crash, or Timeout on the wire: MagicStart/MagicStop never
// themselves cross the boundary, they are resolved by the coordinator
// into either a Run continuation or a Stopped message.
type StoppedPayload struct {
	Kind  model.StopKind `json:"kind"`
	Fault *model.Fault   `json:"fault,omitempty"`
}

// FuzzerMessage is a message sent from the fuzzer to the harness, tagged
// by Type. Initialize and Run messages carry their payload in the
// matching pointer field; Reset and Stop messages are identified by Type
// alone, and the coordinator does not read the Reset or Stop fields.
type FuzzerMessage struct {
	Type string `json:"type"`

	Initialize *InitializePayload `json:"initialize,omitempty"`
	Run        *RunPayload        `json:"run,omitempty"`
	Reset      *struct{}          `json:"reset,omitempty"`
	Stop       *struct{}          `json:"stop,omitempty"`
}

const (
	FuzzerInitialize = "initialize"
	FuzzerRun        = "run"
	FuzzerReset      = "reset"
	FuzzerStop       = "stop"
)

// InitializePayload carries the fuzzer's requested session configuration.
type InitializePayload struct {
	Input model.InputConfig `json:"input"`
}

// RunPayload carries the input bytes to inject for the next iteration.
type RunPayload struct {
	Input []byte `json:"input"`
}
