package HRC

import (
	"sync/atomic"
	"unsafe"

	Go_SMR "github.com/g-m-twostay/go-smr"
)

// ThreadGC is a thread's attachment to the collector and the container-facing surface of the scheme. Not thread-safe; exactly one goroutine may use it between Attach and Detach.
type ThreadGC struct {
	c   *Collector
	rec *record
}

// Detach releases the record. Retired nodes not yet reclaimed stay behind for help-scan.
func (t *ThreadGC) Detach() {
	t.rec.clearSlots()
	t.rec.owner.Store(0)
	t.rec = nil
}

// AcquireGuard takes one free hazard slot; panics on exhaustion, see HP.ThreadGC.AcquireGuard.
func (t *ThreadGC) AcquireGuard() *Guard {
	for i, used := range t.rec.slotUsed {
		if !used {
			t.rec.slotUsed[i] = true
			return &Guard{t: t, i: i}
		}
	}
	panic("HRC: no free hazard slot; collector sized too small for this container")
}

// DerefLink reads the marked word in link and publishes its address into g, retrying until the published address belongs to the current word. Returns the marked word; the address part is safe to dereference while g holds it.
func (t *ThreadGC) DerefLink(link *unsafe.Pointer, g *Guard) unsafe.Pointer {
	r := t.rec
	for {
		m := atomic.LoadPointer(link)
		r.setSlot(g.i, Go_SMR.MarkAddr(m))
		if atomic.LoadPointer(link) == m {
			return m
		}
	}
}

// StoreRef writes the marked word m into link, moving one counted reference from the old address to the new. Only legal on links no other thread updates concurrently (private fields, nodes not yet published, teardown).
func (t *ThreadGC) StoreRef(link *unsafe.Pointer, m unsafe.Pointer) {
	old := atomic.LoadPointer(link)
	atomic.StorePointer(link, m)
	if p := Go_SMR.MarkAddr(m); p != nil {
		base(p).incRef()
	}
	if q := Go_SMR.MarkAddr(old); q != nil {
		base(q).decRef()
	}
}

// CASRef installs des into link iff it still holds exp, adjusting reference counts of both addresses on success. Mark bits take part in the comparison.
func (t *ThreadGC) CASRef(link *unsafe.Pointer, exp, des unsafe.Pointer) bool {
	if !atomic.CompareAndSwapPointer(link, exp, des) {
		return false
	}
	if p := Go_SMR.MarkAddr(des); p != nil {
		base(p).incRef()
	}
	if q := Go_SMR.MarkAddr(exp); q != nil {
		base(q).decRef()
	}
	return true
}

// RetireNode hands the logically deleted n to the engine; Terminate and Dispose run during a later scan once n is unguarded with no counted references.
func (t *ThreadGC) RetireNode(n Node) {
	nb := n.Base()
	nb.deleted.Store(true)
	nb.trace.Store(false)
	if !t.rec.place(nb) {
		t.relievePressure()
		if !t.rec.place(nb) {
			panic("HRC: retired buffer exhausted")
		}
	}
	if t.rec.full() {
		t.relievePressure()
	}
}

// relievePressure is the ladder the scheme prescribes when the retired array fills: local cleanup, scan, global cleanup, scan.
func (t *ThreadGC) relievePressure() {
	t.CleanUpLocal()
	t.c.scan(t)
	if t.rec.full() {
		t.c.cleanUpAll(t)
		t.c.scan(t)
	}
}

// CleanUpLocal runs the container's CleanUp on every node in the caller's own retired array.
func (t *ThreadGC) CleanUpLocal() {
	for i := range t.rec.arr {
		if p := t.rec.arr[i].load(); p != nil {
			nodeOf(p).CleanUp(t)
		}
	}
}

// Scan forces a reclamation pass.
func (t *ThreadGC) Scan() {
	t.c.scan(t)
}

// CleanUpAll lets the container skip deleted successors in every thread's retired nodes.
func (t *ThreadGC) CleanUpAll() {
	t.c.cleanUpAll(t)
}

// HelpScan adopts orphaned retired nodes.
func (t *ThreadGC) HelpScan() {
	t.c.helpScan(t)
}

// Guard is scoped ownership of one hazard slot.
type Guard struct {
	t *ThreadGC
	i int
}

// Assign publishes p directly; only for pointers that cannot change concurrently.
func (g *Guard) Assign(p unsafe.Pointer) {
	g.t.rec.setSlot(g.i, p)
}

func (g *Guard) Clear() {
	g.Assign(nil)
}

func (g *Guard) Release() {
	g.Clear()
	g.t.rec.slotUsed[g.i] = false
	g.t = nil
}
