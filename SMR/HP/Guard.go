package HP

import (
	"sort"
	"sync/atomic"
	"unsafe"
)

// ThreadGC is a thread's attachment to the collector. Not thread-safe; exactly one goroutine may use it between Attach and Detach.
type ThreadGC struct {
	c   *Collector
	rec *record
}

// Detach releases the record for reuse. Hazard slots are cleared; retired entries not yet reclaimed stay behind and are drained by another thread's help-scan.
func (t *ThreadGC) Detach() {
	t.rec.clearSlots()
	t.rec.owner.Store(0)
	t.rec = nil
}

// AcquireGuard takes ownership of one free hazard slot. Running out means the container holds more simultaneous guards than the collector was sized for, a bug, so it panics.
func (t *ThreadGC) AcquireGuard() *Guard {
	for i, used := range t.rec.slotUsed {
		if !used {
			t.rec.slotUsed[i] = true
			return &Guard{t: t, i: i}
		}
	}
	panic("HP: no free hazard slot; collector sized too small for this container")
}

// Retire hands p to the engine. Its disposer runs during some later scan, once no thread publishes p. At capacity the caller's buffer is scanned, then help-scanned if still full.
func (t *ThreadGC) Retire(p unsafe.Pointer, dispose Disposer) {
	r := t.rec
	r.retired = append(r.retired, retired{p, dispose})
	if len(r.retired) >= t.c.maxRetired {
		t.c.scan(r)
		if len(r.retired) >= t.c.maxRetired {
			t.c.helpScan(t)
			t.c.scan(r)
		}
	}
}

// Scan forces a reclamation pass outside of retire pressure.
func (t *ThreadGC) Scan() {
	t.c.scan(t.rec)
}

// HelpScan drains orphaned records into this thread's buffer.
func (t *ThreadGC) HelpScan() {
	t.c.helpScan(t)
}

// Guard is scoped ownership of one hazard slot.
type Guard struct {
	t *ThreadGC
	i int
}

// Protect loads *addr, publishes it, and re-loads until the published value is the current one. The returned pointer is safe to dereference until the guard moves or is released.
func (g *Guard) Protect(addr *unsafe.Pointer) unsafe.Pointer {
	r := g.t.rec
	for {
		p := atomic.LoadPointer(addr)
		r.setSlot(g.i, p)
		if atomic.LoadPointer(addr) == p {
			return p
		}
	}
}

// Assign publishes p directly; only for pointers that cannot change concurrently.
func (g *Guard) Assign(p unsafe.Pointer) {
	g.t.rec.setSlot(g.i, p)
}

func (g *Guard) Clear() {
	g.Assign(nil)
}

// Release clears the slot and returns it to the thread's pool.
func (g *Guard) Release() {
	g.Clear()
	g.t.rec.slotUsed[g.i] = false
	g.t = nil
}

func sortRetired(rs []retired) {
	sort.Slice(rs, func(i, j int) bool { return uintptr(rs[i].p) < uintptr(rs[j].p) })
}

// searchRetired finds a by address in rs, masking the scan's low mark bit so already marked entries keep the order.
func searchRetired(rs []retired, a uintptr) (int, bool) {
	i := sort.Search(len(rs), func(i int) bool { return uintptr(rs[i].p)&^1 >= a })
	return i, i < len(rs) && uintptr(rs[i].p)&^1 == a
}
