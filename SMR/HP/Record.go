package HP

import (
	"sync/atomic"
	"unsafe"

	Go_SMR "github.com/g-m-twostay/go-smr"
)

// Disposer frees a retired pointer. It must not panic and must not touch the engine.
type Disposer func(unsafe.Pointer)

type retired struct {
	p       unsafe.Pointer
	dispose Disposer
}

// record is one thread's slice of the engine: the hazard slot array published to scanners and the private retired buffer. Records are pushed onto the collector's list once and never unlinked; ownership cycles through the owner id, 0 meaning free for reuse.
type record struct {
	next     *record        //immutable after the publishing CAS.
	owner    Go_SMR.AtomicUint //attaching thread's id, 0 when the record is up for grabs.
	free     Go_SMR.AtomicFlag //true when the retired buffer is known drained; lets HelpScan skip the record cheaply.
	hzp      []unsafe.Pointer  //hazard slots, single writer (owner), read by every scanner.
	slotUsed []bool            //owner-only guard bookkeeping.
	retired  []retired         //owner-only (or help-scan claimant) bounded buffer.
}

func newRecord(hazards, retiredCap int) *record {
	return &record{
		hzp:      make([]unsafe.Pointer, hazards),
		slotUsed: make([]bool, hazards),
		retired:  make([]retired, 0, retiredCap),
	}
}

func (r *record) loadSlot(i int) unsafe.Pointer {
	return atomic.LoadPointer(&r.hzp[i])
}

func (r *record) setSlot(i int, p unsafe.Pointer) {
	atomic.StorePointer(&r.hzp[i], p)
}

func (r *record) clearSlots() {
	for i := range r.hzp {
		r.setSlot(i, nil)
		r.slotUsed[i] = false
	}
}
