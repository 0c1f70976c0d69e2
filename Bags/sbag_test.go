package Bags

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/g-m-twostay/go-smr/SMR/HRC"
)

func newTestBag(sentinel uintptr, threads int) (*Bag, *HRC.Collector) {
	gc := HRC.New(0, threads, 1, 64)
	return New(gc, sentinel, threads, 1), gc
}

func TestBagSingleThread(t *testing.T) {
	b, gc := newTestBag(0, 1)
	ts := b.InitThread(0, gc.Attach())
	const n = 100
	for i := uintptr(1); i <= n; i++ {
		ts.Add(i)
	}
	seen := make(map[uintptr]bool, n)
	for i := 0; i < n; i++ {
		v, ok := ts.TryRemoveAny()
		if !ok {
			t.Fatalf("empty after %d removals, want %d", i, n)
		}
		if v == 0 || v > n || seen[v] {
			t.Fatalf("bad or duplicate value %d", v)
		}
		seen[v] = true
	}
	if _, ok := ts.TryRemoveAny(); ok {
		t.Fatal("removal from a drained bag succeeded")
	}
	ts.Fini()
}

func TestBagEmpty(t *testing.T) {
	b, gc := newTestBag(0, 2)
	ts := b.InitThread(0, gc.Attach())
	if v, ok := ts.TryRemoveAny(); ok {
		t.Fatalf("fresh bag returned %d", v)
	}
	ts.Fini()
}

func TestBagSPSC(t *testing.T) {
	const n = 1 << 20
	b, gc := newTestBag(0, 2)
	got := make([]atomic.Uint32, n)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ts := b.InitThread(0, gc.Attach())
		for i := uintptr(1); i <= n; i++ {
			ts.Add(i)
		}
		ts.Fini()
	}()
	go func() {
		defer wg.Done()
		ts := b.InitThread(1, gc.Attach())
		for taken := 0; taken < n; {
			if v, ok := ts.TryRemoveAny(); ok {
				got[v-1].Add(1)
				taken++
			} else {
				runtime.Gosched()
			}
		}
		if _, ok := ts.TryRemoveAny(); ok {
			t.Error("value left after full drain")
		}
		ts.Fini()
	}()
	wg.Wait()
	for i := range got {
		if got[i].Load() != 1 {
			t.Fatalf("value %d consumed %d times", i+1, got[i].Load())
		}
	}
}

func TestBagMPMC(t *testing.T) {
	const (
		producers = 2
		consumers = 2
		each      = 10000
		total     = producers * each
	)
	b, gc := newTestBag(0, producers+consumers)
	got := make([]atomic.Uint32, total)
	var taken atomic.Int64
	var wg sync.WaitGroup
	wg.Add(producers + consumers)
	for p := 0; p < producers; p++ {
		go func(id int) {
			defer wg.Done()
			ts := b.InitThread(id, gc.Attach())
			for i := 0; i < each; i++ {
				ts.Add(uintptr(id*each + i + 1))
			}
			ts.Fini()
		}(p)
	}
	for c := 0; c < consumers; c++ {
		go func(id int) {
			defer wg.Done()
			ts := b.InitThread(id, gc.Attach())
			for taken.Load() < total {
				if v, ok := ts.TryRemoveAny(); ok {
					got[v-1].Add(1)
					taken.Add(1)
				} else {
					runtime.Gosched()
				}
			}
			ts.Fini()
		}(producers + c)
	}
	wg.Wait()
	for i := range got {
		if got[i].Load() != 1 {
			t.Fatalf("value %d consumed %d times", i+1, got[i].Load())
		}
	}
}

// With a nonzero sentinel the zero value round-trips; storing the sentinel itself is rejected.
func TestBagSentinel(t *testing.T) {
	b, gc := newTestBag(^uintptr(0), 1)
	ts := b.InitThread(0, gc.Attach())
	defer ts.Fini()
	ts.Add(0)
	if v, ok := ts.TryRemoveAny(); !ok || v != 0 {
		t.Fatalf("zero value did not round-trip: %d %t", v, ok)
	}
	defer func() {
		if recover() == nil {
			t.Error("adding the sentinel must panic")
		}
	}()
	ts.Add(^uintptr(0))
}

func TestBagThreadIndexChecked(t *testing.T) {
	b, gc := newTestBag(0, 2)
	defer func() {
		if recover() == nil {
			t.Error("out of range index must panic")
		}
	}()
	b.InitThread(2, gc.Attach())
}

// Draining a long list hands every emptied block to the engine and the engine frees them.
func TestBagBlockReclamation(t *testing.T) {
	const n = 1 << 14
	b, gc := newTestBag(0, 1)
	ts := b.InitThread(0, gc.Attach())
	for i := uintptr(1); i <= n; i++ {
		ts.Add(i)
	}
	for removed := 0; ; removed++ {
		if _, ok := ts.TryRemoveAny(); !ok {
			if removed != n {
				t.Fatalf("drained %d values, want %d", removed, n)
			}
			break
		}
	}
	if b.Disposed() == 0 {
		t.Error("no block was physically reclaimed under retire pressure")
	}
	ts.Fini()
}

// Values added by a detached thread stay stealable by the rest.
func TestBagStealAfterFini(t *testing.T) {
	b, gc := newTestBag(0, 2)
	p := b.InitThread(0, gc.Attach())
	const n = 50
	for i := uintptr(1); i <= n; i++ {
		p.Add(i)
	}
	p.Fini()

	c := b.InitThread(1, gc.Attach())
	defer c.Fini()
	seen := make(map[uintptr]bool, n)
	for i := 0; i < n; i++ {
		v, ok := c.TryRemoveAny()
		if !ok {
			t.Fatalf("stole only %d of %d values", i, n)
		}
		if seen[v] {
			t.Fatalf("value %d stolen twice", v)
		}
		seen[v] = true
	}
	if _, ok := c.TryRemoveAny(); ok {
		t.Fatal("extra value after stealing everything")
	}
}

func BenchmarkBagAddRemove(b *testing.B) {
	bag, gc := newTestBag(0, 1)
	ts := bag.InitThread(0, gc.Attach())
	defer ts.Fini()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ts.Add(uintptr(i + 1))
		ts.TryRemoveAny()
	}
}
