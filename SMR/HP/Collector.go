// Package HP implements Michael's hazard pointer reclamation scheme: a fixed array of published pointers per thread, a bounded retired buffer, and a scan that frees retired pointers absent from every published slot.
package HP

import (
	"sync/atomic"
	"unsafe"

	Go_SMR "github.com/g-m-twostay/go-smr"
	"github.com/g-m-twostay/go-smr/SMR"
)

// Collector is the engine singleton shared by all threads using HP-managed structures.
type Collector struct {
	head       unsafe.Pointer //*record, lock-free push list of every thread record ever allocated.
	hazards    int
	maxThreads int
	maxRetired int
	scanType   SMR.ScanType
	ids        Go_SMR.AtomicUint

	allocRec, reuseRec, scanCalls, helpScanCalls, freed, deferred Go_SMR.AtomicUint
}

// New sizes a collector. Zero arguments pick the defaults; retiredCap is floored at hazards*maxThreads*2 so a scan always reclaims at least one entry per round.
func New(hazards, maxThreads, retiredCap int, scan SMR.ScanType) *Collector {
	if hazards <= 0 {
		hazards = SMR.DefHazardsPerThread
	}
	if maxThreads <= 0 {
		maxThreads = SMR.DefMaxThreads
	}
	if floor := hazards * maxThreads * 2; retiredCap < floor {
		retiredCap = floor
	}
	return &Collector{hazards: hazards, maxThreads: maxThreads, maxRetired: retiredCap, scanType: scan}
}

// HazardsPerThread is the configured slot count; containers assert against it.
func (c *Collector) HazardsPerThread() int {
	return c.hazards
}

func (c *Collector) loadHead() *record {
	return (*record)(atomic.LoadPointer(&c.head))
}

func (c *Collector) push(r *record) {
	for {
		old := atomic.LoadPointer(&c.head)
		r.next = (*record)(old)
		if atomic.CompareAndSwapPointer(&c.head, old, unsafe.Pointer(r)) {
			return
		}
	}
}

// Attach claims a thread record for the calling goroutine, reusing a free one before allocating. The returned handle is owned by this goroutine only.
func (c *Collector) Attach() *ThreadGC {
	id := c.ids.Add(1)
	for r := c.loadHead(); r != nil; r = r.next {
		if !r.owner.CompareAndSwap(0, id) {
			continue
		}
		r.free.Store(false)
		c.reuseRec.Add(1)
		return &ThreadGC{c: c, rec: r}
	}
	r := newRecord(c.hazards, c.maxRetired)
	r.owner.Store(id)
	c.push(r)
	c.allocRec.Add(1)
	return &ThreadGC{c: c, rec: r}
}

// DetachAll force-detaches every record still owned; only safe when no other thread runs engine operations, e.g. test teardown.
func (c *Collector) DetachAll() {
	for r := c.loadHead(); r != nil; r = r.next {
		if r.owner.Load() != 0 {
			r.clearSlots()
			r.owner.Store(0)
		}
	}
}

// scan runs the configured reclamation pass over rec's retired buffer. rec must be owned by the caller.
func (c *Collector) scan(rec *record) {
	c.scanCalls.Add(1)
	if c.scanType == SMR.Classic {
		c.classicScan(rec)
	} else {
		c.inplaceScan(rec)
	}
}

func (c *Collector) classicScan(rec *record) {
	plist := make([]uintptr, 0, c.maxThreads*c.hazards)
	for r := c.loadHead(); r != nil; r = r.next {
		for i := 0; i < c.hazards; i++ {
			if h := r.loadSlot(i); h != nil {
				plist = append(plist, uintptr(h))
			}
		}
	}
	SMR.SortAddrs(plist)
	src := rec.retired
	rec.retired = rec.retired[:0]
	for _, rp := range src {
		if SMR.SearchAddr(plist, uintptr(rp.p)) {
			rec.retired = append(rec.retired, rp) //kept entries land at indices already read, so src aliasing is fine.
			c.deferred.Add(1)
		} else {
			rp.dispose(rp.p)
			c.freed.Add(1)
		}
	}
}

// inplaceScan avoids the scratch slice by sorting the retired buffer and marking survivors with the low pointer bit. Falls back to classicScan if any retired address already carries the bit.
func (c *Collector) inplaceScan(rec *record) {
	for _, rp := range rec.retired {
		if uintptr(rp.p)&1 != 0 {
			c.classicScan(rec)
			return
		}
	}
	sortRetired(rec.retired)
	for r := c.loadHead(); r != nil; r = r.next {
		for i := 0; i < c.hazards; i++ {
			h := r.loadSlot(i)
			if h == nil {
				continue
			}
			if j, ok := searchRetired(rec.retired, uintptr(h)); ok {
				rec.retired[j].p = unsafe.Pointer(uintptr(rec.retired[j].p) | 1)
			}
		}
	}
	keep := 0
	for _, rp := range rec.retired {
		if uintptr(rp.p)&1 != 0 {
			rp.p = unsafe.Pointer(uintptr(rp.p) &^ 1)
			rec.retired[keep] = rp
			keep++
			c.deferred.Add(1)
		} else {
			rp.dispose(rp.p)
			c.freed.Add(1)
		}
	}
	rec.retired = rec.retired[:keep]
}

// helpScan adopts the retired buffers of records whose owner detached, so obligations of exited threads still drain.
func (c *Collector) helpScan(t *ThreadGC) {
	c.helpScanCalls.Add(1)
	for r := c.loadHead(); r != nil; r = r.next {
		if r.free.Load() {
			continue
		}
		if r.owner.Load() != 0 || !r.owner.CompareAndSwap(0, t.rec.owner.Load()) {
			continue
		}
		for _, rp := range r.retired {
			t.rec.retired = append(t.rec.retired, rp)
			if len(t.rec.retired) >= c.maxRetired {
				c.scan(t.rec)
			}
		}
		r.retired = r.retired[:0]
		r.free.Store(true)
		r.owner.Store(0)
	}
}

// State is a snapshot of the collector, in the spirit of the scheme's internal statistics.
type State struct {
	Records, Used, Retired, OrphanRetired int
	AllocRec, ReuseRec                    uint
	ScanCalls, HelpScanCalls              uint
	Freed, Deferred                       uint
}

func (c *Collector) State() State {
	s := State{
		AllocRec:      c.allocRec.Load(),
		ReuseRec:      c.reuseRec.Load(),
		ScanCalls:     c.scanCalls.Load(),
		HelpScanCalls: c.helpScanCalls.Load(),
		Freed:         c.freed.Load(),
		Deferred:      c.deferred.Load(),
	}
	for r := c.loadHead(); r != nil; r = r.next {
		s.Records++
		s.Retired += len(r.retired)
		if r.owner.Load() != 0 {
			s.Used++
		} else if !r.free.Load() {
			s.OrphanRetired += len(r.retired)
		}
	}
	return s
}
