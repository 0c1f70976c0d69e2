package Bags

import (
	"sync/atomic"
	"unsafe"

	Go_SMR "github.com/g-m-twostay/go-smr"
	"github.com/g-m-twostay/go-smr/SMR/HRC"
)

// Block is one cache-line sized chunk of a thread's list. It is an HRC managed node; next carries the pointer to the older block plus the removal marks: bit 1 means the block is logically removed, bit 2 means a stealing lap flagged its removal as pending.
type Block struct {
	HRC.NodeBase                   //must stay first, the engine casts through it.
	next         unsafe.Pointer    //marked *Block, atomic.
	data         []uintptr         //slots; sentinel means empty. Owner publishes values, any consumer CASes them back to sentinel.
	notify       Go_SMR.AtomicBits //notifyAdd vector, bit per registered thread.
	bag          *Bag
}

func (b *Bag) newBlock() *Block {
	blk := &Block{data: make([]uintptr, b.blockSize), notify: Go_SMR.NewBits(b.threads), bag: b}
	blk.Init(blk)
	if b.sentinel != 0 {
		for i := range blk.data {
			blk.data[i] = b.sentinel
		}
	}
	return blk
}

// CleanUp swings next past consecutively removed successors so retired blocks never chain up reclamation. Runs on logically removed blocks only, so bit 1 is kept up on every word installed.
func (blk *Block) CleanUp(t *HRC.ThreadGC) {
	g0, g1 := t.AcquireGuard(), t.AcquireGuard()
	for {
		m := t.DerefLink(&blk.next, g0)
		nxt := (*Block)(Go_SMR.MarkAddr(m))
		if nxt == nil || !nxt.Deleted() {
			break
		}
		m2 := t.DerefLink(&nxt.next, g1)
		t.CASRef(&blk.next, m, Go_SMR.MarkWith(m2, Go_SMR.MarkTag(m2)|1))
	}
	g1.Release()
	g0.Release()
}

// Terminate drops the block's outgoing reference right before the free.
func (blk *Block) Terminate(t *HRC.ThreadGC, concurrent bool) {
	end := Go_SMR.MarkPack(nil, 1)
	if !concurrent {
		t.StoreRef(&blk.next, end)
		return
	}
	for {
		m := atomic.LoadPointer(&blk.next)
		if t.CASRef(&blk.next, m, end) {
			return
		}
	}
}

func (blk *Block) Dispose() {
	blk.bag.disposed.Add(1)
}

// mark1Block raises the logically-removed bit on blk's next, preserving the pending bit. Tail blocks (nil next) stay unmarked.
func mark1Block(blk *Block) {
	for {
		m := atomic.LoadPointer(&blk.next)
		if Go_SMR.MarkNull(m) || Go_SMR.Marked(m, 1) {
			return
		}
		tag := uintptr(1)
		if Go_SMR.Marked(m, 2) {
			tag = 3
		}
		if atomic.CompareAndSwapPointer(&blk.next, m, Go_SMR.MarkWith(m, tag)) {
			return
		}
	}
}
