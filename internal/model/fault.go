// Package model holds the data types shared between the harness
// coordinator and its wire protocol: faults, trace modes, and the
// input/output configuration exchanged at bootstrap.
package model

import "fmt"

// Fault identifies a category of guest failure the coordinator can be
// configured to treat as a crash. Triple is reported through a dedicated
// simulator hook; the rest are looked up by CPU exception vector.
type Fault int

const (
	FaultTriple Fault = iota
	FaultDivideError
	FaultInvalidOpcode
	FaultGeneralProtection
	FaultPageFault
	FaultStackSegment
	FaultMachineCheck
)

func (f Fault) String() string {
	switch f {
	case FaultTriple:
		return "triple"
	case FaultDivideError:
		return "divide_error"
	case FaultInvalidOpcode:
		return "invalid_opcode"
	case FaultGeneralProtection:
		return "general_protection"
	case FaultPageFault:
		return "page_fault"
	case FaultStackSegment:
		return "stack_segment"
	case FaultMachineCheck:
		return "machine_check"
	default:
		return fmt.Sprintf("fault(%d)", int(f))
	}
}

// vectorFaults maps an x86 exception vector number to the Fault it
// represents when it is not the triple-fault case.
var vectorFaults = map[int]Fault{
	0:  FaultDivideError,
	6:  FaultInvalidOpcode,
	12: FaultStackSegment,
	13: FaultGeneralProtection,
	14: FaultPageFault,
	18: FaultMachineCheck,
}

// FaultFromVector looks up the Fault corresponding to a CPU exception
// vector. ok is false for vectors this coordinator does not recognize.
func FaultFromVector(vector int) (f Fault, ok bool) {
	f, ok = vectorFaults[vector]
	return f, ok
}

// FaultSet is a set of Faults a fuzzing campaign treats as crashes.
type FaultSet map[Fault]struct{}

// NewFaultSet builds a FaultSet from zero or more faults.
func NewFaultSet(faults ...Fault) FaultSet {
	s := make(FaultSet, len(faults))
	for _, f := range faults {
		s[f] = struct{}{}
	}
	return s
}

// Add inserts fault into the set.
func (s FaultSet) Add(fault Fault) {
	s[fault] = struct{}{}
}

// Contains reports whether fault is a member of the set.
func (s FaultSet) Contains(fault Fault) bool {
	_, ok := s[fault]
	return ok
}

// HasNonTriple reports whether the set contains any fault other than
// FaultTriple. The coordinator uses this to decide whether the
// core-exception callback needs to be installed at all.
func (s FaultSet) HasNonTriple() bool {
	for f := range s {
		if f != FaultTriple {
			return true
		}
	}
	return false
}
