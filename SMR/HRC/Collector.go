package HRC

import (
	"sync/atomic"
	"unsafe"

	Go_SMR "github.com/g-m-twostay/go-smr"
	"github.com/g-m-twostay/go-smr/SMR"
)

// slot is one cell of a record's retired array. Unlike the HP buffer it is traversed by other threads during CleanUpAll, so every field is atomic and the done/claim pair fences cleanup against a concurrent free.
type slot struct {
	node  unsafe.Pointer //*NodeBase of the retired node; nil when the cell is empty.
	done  Go_SMR.AtomicFlag
	claim Go_SMR.AtomicInt
}

func (s *slot) load() unsafe.Pointer {
	return atomic.LoadPointer(&s.node)
}

func (s *slot) store(p unsafe.Pointer) {
	atomic.StorePointer(&s.node, p)
}

type record struct {
	next     *record
	owner    Go_SMR.AtomicUint
	free     Go_SMR.AtomicFlag
	hzp      []unsafe.Pointer
	slotUsed []bool
	arr      []slot //fixed capacity; cells are reused in place.
	count    int    //occupied cells, maintained by the owner or a help-scan claimant.
}

func newRecord(hazards, retiredCap int) *record {
	return &record{
		hzp:      make([]unsafe.Pointer, hazards),
		slotUsed: make([]bool, hazards),
		arr:      make([]slot, retiredCap),
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

func (r *record) full() bool {
	return r.count >= len(r.arr)
}

// place parks nb in an empty cell. done must be lowered before the node becomes visible to CleanUpAll walkers.
func (r *record) place(nb *NodeBase) bool {
	if r.full() {
		return false
	}
	for i := range r.arr {
		if r.arr[i].load() == nil {
			r.arr[i].done.Store(false)
			r.arr[i].store(unsafe.Pointer(nb))
			r.count++
			return true
		}
	}
	return false
}

// Collector is the HRC engine singleton.
type Collector struct {
	head       unsafe.Pointer //*record
	hazards    int
	maxThreads int
	retiredCap int
	ids        Go_SMR.AtomicUint

	allocRec, reuseRec, scanCalls, helpScanCalls, cleanUpAllCalls, freed, deferred Go_SMR.AtomicUint
}

// New sizes the engine. maxLinks is the number of counted links a managed node carries, maxTransient the number of live links that may transiently point at a deleted node; together with the hazard count they bound each thread's retired array the way the scheme requires for progress. Zero arguments pick defaults; the default hazard count includes two extra slots consumed by CleanUp callbacks.
func New(hazards, maxThreads, maxLinks, maxTransient int) *Collector {
	if hazards <= 0 {
		hazards = SMR.DefHazardsPerThread + 2
	}
	if maxThreads <= 0 {
		maxThreads = SMR.DefMaxThreads
	}
	if maxLinks <= 0 {
		maxLinks = SMR.DefMaxNodeLinks
	}
	if maxTransient <= 0 {
		maxTransient = SMR.DefMaxTransientLinks
	}
	return &Collector{
		hazards:    hazards,
		maxThreads: maxThreads,
		retiredCap: maxThreads * (hazards + maxLinks + maxTransient + 1),
	}
}

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

// Attach claims a record for the calling goroutine; see HP.Collector.Attach.
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
	r := newRecord(c.hazards, c.retiredCap)
	r.owner.Store(id)
	c.push(r)
	c.allocRec.Add(1)
	return &ThreadGC{c: c, rec: r}
}

// scan is the three stage reclamation pass over t's own retired array.
func (c *Collector) scan(t *ThreadGC) {
	c.scanCalls.Add(1)
	rec := t.rec

	// Stage 1: mark every retired node currently at rc==0 as traced, rolling back if the count moved under us.
	for i := range rec.arr {
		p := rec.arr[i].load()
		if p == nil {
			continue
		}
		nb := base(p)
		if nb.rc.Load() == 0 && nb.trace.CompareAndSwap(false, true) && nb.rc.Load() != 0 {
			nb.trace.Store(false)
		}
	}

	// Stage 2: snapshot all hazard slots.
	plist := make([]uintptr, 0, c.maxThreads*c.hazards)
	for r := c.loadHead(); r != nil; r = r.next {
		for i := 0; i < c.hazards; i++ {
			if h := r.loadSlot(i); h != nil {
				plist = append(plist, uintptr(h))
			}
		}
	}
	SMR.SortAddrs(plist)

	// Stage 3: free every retired node that is unguarded with rc==0 and trace still up; the done/claim pair keeps a concurrent CleanUpAll from touching a node mid-destruction.
	for i := range rec.arr {
		s := &rec.arr[i]
		p := s.load()
		if p == nil {
			continue
		}
		nb := base(p)
		if nb.rc.Load() == 0 && nb.trace.Load() && !SMR.SearchAddr(plist, uintptr(p)) {
			s.store(nil)
			if s.done.CompareAndSwap(false, true) {
				if s.claim.Load() == 0 {
					n := nb.self
					n.Terminate(t, false)
					n.Dispose()
					s.done.Store(false)
					rec.count--
					c.freed.Add(1)
					continue
				}
				s.done.Store(false)
			}
			nb.trace.Store(false)
			s.store(p) //couldn't free this round; push back.
			c.deferred.Add(1)
		} else {
			nb.trace.Store(false)
		}
	}
}

// cleanUpAll walks every record's retired array letting the container skip deleted successors, raising the claim counter so the node cannot be destroyed mid-callback.
func (c *Collector) cleanUpAll(t *ThreadGC) {
	c.cleanUpAllCalls.Add(1)
	for r := c.loadHead(); r != nil; r = r.next {
		for i := range r.arr {
			s := &r.arr[i]
			p := s.load()
			if p == nil || s.done.Load() {
				continue
			}
			s.claim.Add(1)
			if !s.done.Load() && p == s.load() {
				nodeOf(p).CleanUp(t)
			}
			s.claim.Add(-1)
		}
	}
}

// helpScan adopts retired nodes of detached records into t's array.
func (c *Collector) helpScan(t *ThreadGC) {
	if t.rec.full() {
		return
	}
	c.helpScanCalls.Add(1)
	myID := t.rec.owner.Load()
	for r := c.loadHead(); r != nil; r = r.next {
		if r.owner.Load() != 0 || !r.owner.CompareAndSwap(0, myID) {
			continue
		}
		if !r.free.Load() {
			for i := range r.arr {
				p := r.arr[i].load()
				if p == nil {
					continue
				}
				if t.rec.full() {
					t.relievePressure()
				}
				if !t.rec.place(base(p)) {
					panic("HRC: retired buffer exhausted during help-scan")
				}
				r.arr[i].store(nil)
				r.count--
			}
			r.free.Store(true)
		}
		r.owner.Store(0)
	}
}

// DetachAll force-detaches every record still owned; only safe when no other thread runs engine operations.
func (c *Collector) DetachAll() {
	for r := c.loadHead(); r != nil; r = r.next {
		if r.owner.Load() != 0 {
			r.clearSlots()
			r.owner.Store(0)
		}
	}
}

// State is a snapshot of the collector's counters.
type State struct {
	Records, Used, Retired                  int
	AllocRec, ReuseRec                      uint
	ScanCalls, HelpScanCalls, CleanUpCalls  uint
	Freed, Deferred                         uint
}

func (c *Collector) State() State {
	s := State{
		AllocRec:      c.allocRec.Load(),
		ReuseRec:      c.reuseRec.Load(),
		ScanCalls:     c.scanCalls.Load(),
		HelpScanCalls: c.helpScanCalls.Load(),
		CleanUpCalls:  c.cleanUpAllCalls.Load(),
		Freed:         c.freed.Load(),
		Deferred:      c.deferred.Load(),
	}
	for r := c.loadHead(); r != nil; r = r.next {
		s.Records++
		if r.owner.Load() != 0 {
			s.Used++
		}
		for i := range r.arr {
			if r.arr[i].load() != nil {
				s.Retired++
			}
		}
	}
	return s
}
