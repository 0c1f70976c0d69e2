package Go_SMR

import (
	"testing"
	"unsafe"
)

func TestMarkRoundTrip(t *testing.T) {
	v := new(uint64)
	p := unsafe.Pointer(v)
	for tag := uintptr(0); tag < 1<<MarkBits; tag++ {
		m := MarkPack(p, tag)
		if MarkAddr(m) != p {
			t.Errorf("tag %d: address not preserved", tag)
		}
		if MarkTag(m) != tag {
			t.Errorf("tag %d: got %d", tag, MarkTag(m))
		}
	}
	if MarkPack(p, 0) != p {
		t.Error("zero tag must be the plain pointer")
	}
}

func TestMarkBitsAndNull(t *testing.T) {
	v := new(uint64)
	m := MarkPack(unsafe.Pointer(v), 3)
	if !Marked(m, 1) || !Marked(m, 2) || Marked(m, 3) {
		t.Error("bit tests wrong for tag 3")
	}
	if MarkNull(m) {
		t.Error("non-nil address reported null")
	}
	if !MarkNull(MarkPack(nil, 1)) {
		t.Error("nil address with tag must be null")
	}
	if got := MarkWith(m, 2); Marked(got, 1) || !Marked(got, 2) {
		t.Error("MarkWith did not replace the tag")
	}
}

func TestAtomicBits(t *testing.T) {
	const n = 70 //spans two words on 64-bit.
	bs := NewBits(n)
	if bs.Len() < n {
		t.Fatalf("len %d < %d", bs.Len(), n)
	}
	for i := 0; i < n; i += 7 {
		bs.Up(i)
	}
	for i := 0; i < n; i++ {
		if bs.Get(i) != (i%7 == 0) {
			t.Errorf("bit %d wrong", i)
		}
	}
	bs.Down(0)
	if bs.Get(0) {
		t.Error("Down failed")
	}
	bs.Reset()
	for i := 0; i < n; i++ {
		if bs.Get(i) {
			t.Errorf("bit %d survived Reset", i)
		}
	}
}

func TestAtomicFlag(t *testing.T) {
	var f AtomicFlag
	if f.Load() {
		t.Error("zero value must be down")
	}
	if !f.CompareAndSwap(false, true) || !f.Load() {
		t.Error("CAS up failed")
	}
	if f.CompareAndSwap(false, true) {
		t.Error("CAS must fail when already up")
	}
	f.Store(false)
	if f.Load() {
		t.Error("Store down failed")
	}
}
