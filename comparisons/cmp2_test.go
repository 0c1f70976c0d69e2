package comparisons

import (
	"testing"

	"github.com/g-m-twostay/go-smr/SMR"
	"github.com/google/btree"
	"github.com/petar/GoLLRB/llrb"
)

// The scan intersects retired addresses with the hazard snapshot through a sorted slice and binary
// search; these benchmarks pit that choice against tree sets over the same addresses
// (https://github.com/google/btree, https://github.com/petar/GoLLRB).
const hazardSetSize = 1 << 10

func addrs() []uintptr {
	a := make([]uintptr, hazardSetSize)
	for i := range a {
		a[i] = uintptr(i * 64)
	}
	return a
}

func BenchmarkHazardSet_SortedSlice(b *testing.B) {
	a := addrs()
	SMR.SortAddrs(a)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !SMR.SearchAddr(a, uintptr(i%hazardSetSize)*64) {
			b.Fatal("address lost")
		}
	}
}

func BenchmarkHazardSet_BTree(b *testing.B) {
	t := btree.NewOrderedG[uint64](8)
	for _, a := range addrs() {
		t.ReplaceOrInsert(uint64(a))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !t.Has(uint64(i%hazardSetSize) * 64) {
			b.Fatal("address lost")
		}
	}
}

type addrItem uintptr

func (x addrItem) Less(than llrb.Item) bool {
	return x < than.(addrItem)
}

func BenchmarkHazardSet_LLRB(b *testing.B) {
	t := llrb.New()
	for _, a := range addrs() {
		t.ReplaceOrInsert(addrItem(a))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !t.Has(addrItem(i % hazardSetSize * 64)) {
			b.Fatal("address lost")
		}
	}
}

func TestHazardSetSearch(t *testing.T) {
	a := addrs()
	SMR.SortAddrs(a)
	if !SMR.SearchAddr(a, 64) || SMR.SearchAddr(a, 65) {
		t.Fatal("SearchAddr membership wrong")
	}
}
