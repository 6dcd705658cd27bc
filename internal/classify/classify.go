// Package classify maps raw simulator events to StopReasons, given the
// set of faults a session has configured as crashes.
package classify

import (
	"github.com/confuse-fuzz/harness/internal/model"
	"github.com/confuse-fuzz/harness/internal/simhost"
)

// Classifier is a stateless mapping from simhost events to StopReasons.
// It holds no simulator handle and is safe for concurrent use.
type Classifier struct {
	faults model.FaultSet
}

// New builds a Classifier over the given crash fault set.
func New(faults model.FaultSet) *Classifier {
	return &Classifier{faults: faults}
}

// Magic classifies a magic-instruction event by its operand value.
// ok is false for an operand this coordinator assigns no meaning to.
func (c *Classifier) Magic(value uint64) (reason model.StopReason, ok bool) {
	switch simhost.Magic(value) {
	case simhost.MagicStart:
		return model.StopReason{Kind: model.StopMagicStart}, true
	case simhost.MagicStop:
		return model.StopReason{Kind: model.StopMagicStop}, true
	default:
		return model.StopReason{}, false
	}
}

// CoreException classifies a CPU exception event by vector. ok is false
// when the vector does not map to a known fault, or maps to one that is
// not in the configured crash set.
func (c *Classifier) CoreException(vector int) (reason model.StopReason, ok bool) {
	fault, known := model.FaultFromVector(vector)
	if !known || !c.faults.Contains(fault) {
		return model.StopReason{}, false
	}
	return model.StopReason{Kind: model.StopCrash, Fault: fault}, true
}

// TripleFault classifies a triple-fault event. ok is false unless
// FaultTriple is in the configured crash set.
func (c *Classifier) TripleFault() (reason model.StopReason, ok bool) {
	if !c.faults.Contains(model.FaultTriple) {
		return model.StopReason{}, false
	}
	return model.StopReason{Kind: model.StopCrash, Fault: model.FaultTriple}, true
}

// Timeout builds the StopReason for a harness-side watchdog firing.
func (c *Classifier) Timeout() model.StopReason {
	return model.StopReason{Kind: model.StopTimeout}
}
