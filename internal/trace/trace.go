// Package trace implements the AFL-style edge-hash coverage encoder:
// each program-counter value is folded into a map index together with
// the previous location, so that the encoding records edges rather than
// just nodes.
package trace

import (
	"github.com/confuse-fuzz/harness/internal/covmap"
	"github.com/confuse-fuzz/harness/internal/model"
)

// Encoder folds PC values into edge hits in a covmap.Map. It is not
// safe for concurrent use; the coordinator serializes all calls to it
// under its own lock.
type Encoder struct {
	m       *covmap.Map
	mode    model.TraceMode
	prevLoc uint64
	mask    uint64
}

// New builds an Encoder over m using the given trace mode. m's length
// must be a power of two.
func New(m *covmap.Map, mode model.TraceMode) *Encoder {
	return &Encoder{
		m:    m,
		mode: mode,
		mask: uint64(m.Len() - 1),
	}
}

// Record folds pc into the map: cur = ((pc>>4) ^ (pc<<8)) & mask,
// idx = cur ^ prevLoc, then either increments m[idx] (TraceHitCount) or
// sets it to 1 on first hit (TraceOnce); prevLoc is then set to cur>>1.
func (e *Encoder) Record(pc uint64) error {
	cur := ((pc >> 4) ^ (pc << 8)) & e.mask
	idx := int(cur ^ e.prevLoc)
	var err error
	switch e.mode {
	case model.TraceOnce:
		_, err = e.m.SetOnce(idx)
	default:
		_, err = e.m.Increment(idx)
	}
	e.prevLoc = cur >> 1
	return err
}

// Reset zeroes the backing map and forgets the previous location. This
// is an explicit operation distinct from a simulator snapshot restore:
// restoring a checkpoint never implicitly clears recorded coverage.
func (e *Encoder) Reset() {
	e.m.Reset()
	e.prevLoc = 0
}

// ResetPrevLoc forgets the previous location without touching the
// coverage map itself. The fuzzer-driven Reset wire command uses this:
// it must leave accumulated coverage in place (the map is only ever
// cleared by the explicit full Reset above) but still must not let an
// edge computed before the restore pair up with one computed after it.
func (e *Encoder) ResetPrevLoc() {
	e.prevLoc = 0
}

// SetMode changes the trace mode used by subsequent Record calls.
func (e *Encoder) SetMode(mode model.TraceMode) {
	e.mode = mode
}
