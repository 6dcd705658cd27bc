// Package fakehost provides a scriptable, in-memory implementation of
// simhost.Host for use in tests and the self-test command-line
// entrypoint, standing in for a real simulator binding.
package fakehost

import (
	"errors"
	"fmt"
	"sync"

	"github.com/confuse-fuzz/harness/internal/simhost"
)

// Registers is a minimal named-register file, enough to model the
// "rsi"/"rdi" argument registers the coordinator reads off the magic
// instruction's processor.
type Registers struct {
	mu     sync.Mutex
	values map[string]uint64
	order  []string
}

// NewRegisters builds a Registers with rsi and rdi preregistered.
func NewRegisters() *Registers {
	r := &Registers{values: map[string]uint64{}}
	r.order = append(r.order, "rsi", "rdi")
	r.values["rsi"] = 0
	r.values["rdi"] = 0
	return r
}

// Set assigns a register's value by name, registering it if unseen.
func (r *Registers) Set(name string, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[name]; !ok {
		r.order = append(r.order, name)
	}
	r.values[name] = value
}

// Number resolves name to its stable index.
func (r *Registers) Number(name string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, n := range r.order {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("fakehost: unknown register %q", name)
}

// Read returns the value at number.
func (r *Registers) Read(number int) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if number < 0 || number >= len(r.order) {
		return 0, fmt.Errorf("fakehost: register number %d out of range", number)
	}
	return r.values[r.order[number]], nil
}

var _ simhost.IntRegister = (*Registers)(nil)

// Processor is a fake simhost.Processor backed by Registers.
type Processor struct {
	Regs *Registers
}

// NewProcessor builds a Processor with a fresh register file.
func NewProcessor() *Processor {
	return &Processor{Regs: NewRegisters()}
}

func (p *Processor) IntRegister() simhost.IntRegister {
	return p.Regs
}

var _ simhost.Processor = (*Processor)(nil)

// Checkpoint captures the bytes of physical memory that have been
// written at the time it was taken, so RestoreCheckpoint can roll back
// writes made after it.
type checkpoint struct {
	mem map[uint64]byte
}

// Host is a scriptable, in-memory simhost.Host. It models physical
// memory as a sparse byte map and checkpoints as snapshots of that map,
// which is sufficient to exercise the coordinator's save/restore/inject
// protocol without a real simulator.
type Host struct {
	mu sync.Mutex

	class         simhost.ClassHandle
	attrs         map[string]simhost.AttrType
	onMagic       func(simhost.Event)
	onCore        func(simhost.Event)
	onTriple      func(simhost.Event)
	onStopped     func(simhost.Event)
	mem           map[uint64]byte
	checkpoints   map[string]checkpoint
	stopRequested bool
	continued     int
}

// New builds an empty fake Host.
func New() *Host {
	return &Host{
		attrs:       map[string]simhost.AttrType{},
		mem:         map[uint64]byte{},
		checkpoints: map[string]checkpoint{},
	}
}

func (h *Host) RegisterClass(name string) (simhost.ClassHandle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.class = simhost.ClassHandle{Name: name}
	return h.class, nil
}

func (h *Host) RegisterAttribute(cls simhost.ClassHandle, name string, typ simhost.AttrType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cls.Name != h.class.Name {
		return fmt.Errorf("fakehost: unknown class %q", cls.Name)
	}
	h.attrs[name] = typ
	return nil
}

func (h *Host) OnMagicInstruction(fn func(simhost.Event)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMagic = fn
	return nil
}

func (h *Host) OnCoreException(fn func(simhost.Event)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCore = fn
	return nil
}

func (h *Host) OnTripleFault(fn func(simhost.Event)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTriple = fn
	return nil
}

func (h *Host) OnSimulationStopped(fn func(simhost.Event)) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStopped = fn
	return nil
}

func (h *Host) SaveCheckpoint(name string, _ simhost.CheckpointFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := make(map[uint64]byte, len(h.mem))
	for k, v := range h.mem {
		snap[k] = v
	}
	h.checkpoints[name] = checkpoint{mem: snap}
	return nil
}

func (h *Host) RestoreCheckpoint(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp, ok := h.checkpoints[name]
	if !ok {
		return fmt.Errorf("fakehost: no such checkpoint %q", name)
	}
	h.mem = make(map[uint64]byte, len(cp.mem))
	for k, v := range cp.mem {
		h.mem[k] = v
	}
	return nil
}

func (h *Host) WritePhysicalMemory(addr uint64, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range data {
		h.mem[addr+uint64(i)] = b
	}
	return nil
}

// ReadPhysicalMemory is a test helper to observe what was written.
func (h *Host) ReadPhysicalMemory(addr uint64, n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = h.mem[addr+uint64(i)]
	}
	return out
}

func (h *Host) ContinueSimulation() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.continued++
	return nil
}

// RequestStop marks a stop as requested and, modeling a simulator that
// halts immediately rather than at some future instruction boundary,
// synchronously fires the installed simulation-stopped callback so
// tests and the self-test driver see the same two-phase flag-then-act
// sequence a real simulator binding would deliver asynchronously.
func (h *Host) RequestStop() error {
	h.mu.Lock()
	h.stopRequested = true
	fn := h.onStopped
	h.mu.Unlock()
	if fn != nil {
		fn(simhost.Event{Kind: simhost.EventSimulationStopped})
	}
	return nil
}

// FireSimulationStopped invokes the installed simulation-stopped
// callback directly, for tests that want to exercise the
// Core_Simulation_Stopped path without going through RequestStop.
func (h *Host) FireSimulationStopped() error {
	h.mu.Lock()
	fn := h.onStopped
	h.mu.Unlock()
	if fn == nil {
		return errors.New("fakehost: no simulation stopped callback installed")
	}
	fn(simhost.Event{Kind: simhost.EventSimulationStopped})
	return nil
}

// FireMagic invokes the installed magic instruction callback, if any,
// as a test/driver stimulus.
func (h *Host) FireMagic(proc simhost.Processor, value uint64) error {
	h.mu.Lock()
	fn := h.onMagic
	h.mu.Unlock()
	if fn == nil {
		return errors.New("fakehost: no magic instruction callback installed")
	}
	fn(simhost.Event{Kind: simhost.EventMagicInstruction, Processor: proc, MagicValue: value})
	return nil
}

// FireCoreException invokes the installed core exception callback, if
// any.
func (h *Host) FireCoreException(proc simhost.Processor, vector int) error {
	h.mu.Lock()
	fn := h.onCore
	h.mu.Unlock()
	if fn == nil {
		return errors.New("fakehost: no core exception callback installed")
	}
	fn(simhost.Event{Kind: simhost.EventCoreException, Processor: proc, Vector: vector})
	return nil
}

// FireTripleFault invokes the installed triple fault callback, if any.
func (h *Host) FireTripleFault(proc simhost.Processor) error {
	h.mu.Lock()
	fn := h.onTriple
	h.mu.Unlock()
	if fn == nil {
		return errors.New("fakehost: no triple fault callback installed")
	}
	fn(simhost.Event{Kind: simhost.EventTripleFault, Processor: proc})
	return nil
}

var _ simhost.Host = (*Host)(nil)
