/*
Package Bags implements the Sundell et al. lock-free concurrent bag on top of the HRC reclamation engine.

The bag is an unordered multiset of machine words. Every registered thread owns a list of blocks reachable from its entry in the shared head array; producers append into their own newest block, consumers drain their own list backward and fall back to stealing from other threads' blocks. Emptiness is detected with the notifyAdd protocol: a stealer votes a block empty only if its bit survived a full no-progress lap, and every Add clears all votes on the block first.

# Linearizability
Add and TryRemoveAny are linearizable. A false TryRemoveAny proves the bag was empty at some instant between invocation and return.

# Thread model
Threads register with InitThread using a stable index below the bag's capacity and operate through the returned handle, which is owned by exactly one goroutine. The handle's private block references are counted references, so blocks a thread still looks at are never reclaimed under it.
*/
package Bags

import (
	"sync/atomic"
	"unsafe"

	Go_SMR "github.com/g-m-twostay/go-smr"
	"github.com/g-m-twostay/go-smr/SMR/HRC"
)

const (
	cacheLine = 64
	// Most guards a single bag operation can hold at once: two in TryRemoveAny, one in TryStealBlock, two in NextStealBlock, two in a nested CleanUp.
	bagHazards = 7
)

// Bag is a lock-free unordered multiset of uintptr values. One distinguished sentinel value marks empty slots and cannot be stored.
type Bag struct {
	gc        *HRC.Collector
	heads     []unsafe.Pointer //heads[t] is the newest block of thread t; written by t and by any thread helping an unlink.
	sentinel  uintptr
	blockSize int
	threads   int
	disposed  Go_SMR.AtomicUint
}

// New creates a bag for at most numThreads registered threads. blockMul scales the slot array in cache lines, minimum 1. gc must have been sized with enough hazard pointers for the bag's operations.
func New(gc *HRC.Collector, sentinel uintptr, numThreads, blockMul int) *Bag {
	if numThreads <= 0 {
		panic("Bags: numThreads must be positive")
	}
	if blockMul <= 0 {
		blockMul = 1
	}
	if gc.HazardsPerThread() < bagHazards {
		panic("Bags: collector needs at least 7 hazard pointers per thread")
	}
	return &Bag{
		gc:        gc,
		heads:     make([]unsafe.Pointer, numThreads),
		sentinel:  sentinel,
		blockSize: blockMul * cacheLine / int(unsafe.Sizeof(uintptr(0))),
		threads:   numThreads,
	}
}

// Disposed counts blocks physically reclaimed so far.
func (b *Bag) Disposed() uint {
	return b.disposed.Load()
}

// ThreadState is one thread's handle to the bag. Owned by a single goroutine; all bag operations go through it. The block pointer fields hold counted references managed with StoreRef.
type ThreadState struct {
	bag        *Bag
	t          *HRC.ThreadGC
	id         int
	block      unsafe.Pointer //*Block, our newest block.
	head       int
	stealBlock unsafe.Pointer //*Block, cursor into the current victim's list.
	stealPrev  unsafe.Pointer //*Block, predecessor of stealBlock during a walk.
	stealHead  int
	stealIndex int //victim thread index.
	foundAdd   bool
}

// InitThread registers the calling thread under the stable index id and must precede any other operation by that thread. id out of range is fatal.
func (b *Bag) InitThread(id int, t *HRC.ThreadGC) *ThreadState {
	if id < 0 || id >= b.threads {
		panic("Bags: thread index out of range")
	}
	ts := &ThreadState{bag: b, t: t, id: id, head: b.blockSize, stealHead: b.blockSize}
	g := t.AcquireGuard()
	m := t.DerefLink(&b.heads[id], g)
	t.StoreRef(&ts.block, Go_SMR.MarkAddr(m))
	g.Release()
	return ts
}

// Fini drops the handle's counted references. The thread's published values stay in the bag for others to remove or steal.
func (ts *ThreadState) Fini() {
	ts.t.StoreRef(&ts.block, nil)
	ts.t.StoreRef(&ts.stealBlock, nil)
	ts.t.StoreRef(&ts.stealPrev, nil)
	ts.bag = nil
}

// Add publishes v into the thread's own list, allocating a new head block when the current one has no free slot left. Total; never blocks on other threads.
func (ts *ThreadState) Add(v uintptr) {
	b, t := ts.bag, ts.t
	if v == b.sentinel {
		panic("Bags: value equals the sentinel")
	}
	head := ts.head
	block := (*Block)(ts.block)
	for {
		if head == b.blockSize {
			nblk := b.newBlock()
			t.StoreRef(&nblk.next, unsafe.Pointer(block))
			t.StoreRef(&b.heads[ts.id], unsafe.Pointer(nblk))
			t.StoreRef(&ts.block, unsafe.Pointer(nblk))
			block = nblk
			head = 0
		} else if atomic.LoadUintptr(&block.data[head]) == b.sentinel {
			block.notify.Reset() //invalidate all empty votes before the value becomes visible.
			atomic.StoreUintptr(&block.data[head], v)
			ts.head = head + 1
			return
		} else {
			head++ //a consumer stole this slot back; skip it.
		}
	}
}

// TryRemoveAny removes and returns some value. ok is false only if the bag was empty at some instant during the call: every registered block survived a full stealing lap with this thread's vote intact.
func (ts *ThreadState) TryRemoveAny() (v uintptr, ok bool) {
	b, t := ts.bag, ts.t
	head := ts.head - 1
	block := (*Block)(ts.block)
	round := 0

	g0, g1 := t.AcquireGuard(), t.AcquireGuard()
	defer g0.Release()
	defer g1.Release()

	for {
		if block == nil || (head < 0 && Go_SMR.MarkNull(atomic.LoadPointer(&block.next))) {
			// Local list exhausted; steal. One inner pass visits every victim; a pass counts only when no block showed a concurrent Add.
			for round <= b.threads {
				for i := 0; ; {
					if v, ok = ts.tryStealBlock(round); ok {
						return
					}
					if ts.foundAdd {
						round, i = 0, 0
					} else if ts.stealBlock == nil {
						i++
					}
					if i >= b.threads {
						break
					}
				}
				round++
			}
			return 0, false
		}

		if head < 0 {
			// Drained the newest block; mark it removed and unlink every removed block off our head.
			mark1Block(block)
			for {
				g0.Assign(unsafe.Pointer(block))
				next := t.DerefLink(&block.next, g1)
				if Go_SMR.Marked(next, 2) {
					mark1Block((*Block)(Go_SMR.MarkAddr(next)))
				}
				if !Go_SMR.Marked(next, 1) {
					break
				}
				nxt := (*Block)(Go_SMR.MarkAddr(next))
				if nxt != nil {
					nxt.notify.Reset()
				}
				if t.CASRef(&b.heads[ts.id], unsafe.Pointer(block), Go_SMR.MarkAddr(next)) {
					t.RetireNode(block)
					block = nxt
					if block == nil {
						break
					}
				} else {
					m := t.DerefLink(&b.heads[ts.id], g0)
					block = (*Block)(Go_SMR.MarkAddr(m))
				}
			}
			t.StoreRef(&ts.block, unsafe.Pointer(block))
			ts.head = b.blockSize
			head = b.blockSize - 1
			continue
		}

		data := atomic.LoadUintptr(&block.data[head])
		if data == b.sentinel {
			head--
		} else if atomic.CompareAndSwapUintptr(&block.data[head], data, b.sentinel) {
			ts.head = head
			return data, true
		}
	}
}

// tryStealBlock attempts one removal from the current victim block, maintaining the notifyAdd vote: place the vote on round 1, treat a cleared vote on later rounds as a concurrent Add.
func (ts *ThreadState) tryStealBlock(round int) (uintptr, bool) {
	b, t := ts.bag, ts.t
	head := ts.stealHead
	block := (*Block)(ts.stealBlock)
	ts.foundAdd = false

	g := t.AcquireGuard()
	defer g.Release()

	if block == nil {
		m := t.DerefLink(&b.heads[ts.stealIndex], g)
		t.StoreRef(&ts.stealBlock, Go_SMR.MarkAddr(m))
		block = (*Block)(Go_SMR.MarkAddr(m))
		ts.stealHead, head = 0, 0
	}
	if head == b.blockSize {
		block = ts.nextStealBlock(block)
		head = 0
	}
	if block == nil {
		ts.stealIndex = (ts.stealIndex + 1) % b.threads
		ts.stealHead = 0
		t.StoreRef(&ts.stealBlock, nil)
		t.StoreRef(&ts.stealPrev, nil)
		return 0, false
	}

	if round == 1 {
		block.notify.Up(ts.id)
	} else if round > 1 && !block.notify.Get(ts.id) {
		ts.foundAdd = true
	}

	for {
		if head == b.blockSize {
			ts.stealHead = head
			return 0, false
		}
		data := atomic.LoadUintptr(&block.data[head])
		if data == b.sentinel {
			head++
		} else if atomic.CompareAndSwapUintptr(&block.data[head], data, b.sentinel) {
			ts.stealHead = head
			return data, true
		}
	}
}

// nextStealBlock advances the steal cursor one block down the victim's list, helping pending unlinks on the way. Losing a race restarts the walk from the victim's head until the cursor block is reached again; reaching it a second time flags it removal pending so the lap terminates.
func (ts *ThreadState) nextStealBlock(block *Block) *Block {
	b, t := ts.bag, ts.t
	start := (*Block)(ts.stealBlock)
	g0, g1 := t.AcquireGuard(), t.AcquireGuard()
	defer g0.Release()
	defer g1.Release()

	var next unsafe.Pointer
	for {
		if block == nil {
			m := t.DerefLink(&b.heads[ts.stealIndex], g0)
			block = (*Block)(Go_SMR.MarkAddr(m))
			break
		}
		g0.Assign(unsafe.Pointer(block))
		next = t.DerefLink(&block.next, g1)
		if Go_SMR.Marked(next, 2) {
			mark1Block((*Block)(Go_SMR.MarkAddr(next)))
		}

		if ts.stealPrev == nil || Go_SMR.MarkNull(next) {
			if Go_SMR.Marked(next, 1) {
				nxt := (*Block)(Go_SMR.MarkAddr(next))
				if nxt != nil {
					nxt.notify.Reset()
				}
				if t.CASRef(&b.heads[ts.stealIndex], unsafe.Pointer(block), Go_SMR.MarkAddr(next)) {
					t.RetireNode(block)
				} else {
					t.StoreRef(&ts.stealPrev, nil)
					m := t.DerefLink(&b.heads[ts.stealIndex], g0)
					block = (*Block)(Go_SMR.MarkAddr(m))
					continue
				}
			} else {
				t.StoreRef(&ts.stealPrev, unsafe.Pointer(block))
			}
		} else {
			prev := (*Block)(ts.stealPrev)
			if Go_SMR.Marked(next, 1) {
				// Unlink block from its predecessor, carrying the pending bits over on both sides.
				ptag := uintptr(0)
				if Go_SMR.Marked(atomic.LoadPointer(&prev.next), 2) {
					ptag = 2
				}
				ntag := uintptr(0)
				if Go_SMR.Marked(next, 2) {
					ntag = 2
				}
				if t.CASRef(&prev.next, Go_SMR.MarkPack(unsafe.Pointer(block), ptag), Go_SMR.MarkPack(Go_SMR.MarkAddr(next), ntag)) {
					t.RetireNode(block)
				} else {
					t.StoreRef(&ts.stealPrev, nil)
					m := t.DerefLink(&b.heads[ts.stealIndex], g0)
					block = (*Block)(Go_SMR.MarkAddr(m))
					continue
				}
			} else if block == start {
				// Lapped the list back to the cursor: flag it removal pending, then removed, and go again.
				if atomic.CompareAndSwapPointer(&prev.next, unsafe.Pointer(block), Go_SMR.MarkPack(unsafe.Pointer(block), 2)) {
					mark1Block(block)
					continue
				}
				t.StoreRef(&ts.stealPrev, nil)
				m := t.DerefLink(&b.heads[ts.stealIndex], g0)
				block = (*Block)(Go_SMR.MarkAddr(m))
				continue
			} else {
				t.StoreRef(&ts.stealPrev, unsafe.Pointer(block))
			}
		}

		if block == start || (*Block)(Go_SMR.MarkAddr(next)) == start {
			block = (*Block)(Go_SMR.MarkAddr(next))
			break
		}
		block = (*Block)(Go_SMR.MarkAddr(next))
	}
	t.StoreRef(&ts.stealBlock, unsafe.Pointer(block))
	return block
}
