package Go_SMR

import (
	"math/bits"
	"sync/atomic"
)

func NewBits(size int) AtomicBits {
	return AtomicBits{bits: make([]uintptr, (size+bits.UintSize-1)/bits.UintSize)}
}

// AtomicBits is a fixed-size bit vector whose bits are set and cleared atomically. Bit i is owned by thread i; clearing the whole vector is a multi-word operation and is only atomic per word.
type AtomicBits struct {
	bits []uintptr
}

func (u AtomicBits) Len() int {
	return len(u.bits) * bits.UintSize
}

func (u AtomicBits) Get(i int) bool {
	return (atomic.LoadUintptr(&u.bits[i/bits.UintSize])>>(i%bits.UintSize))&1 == 1
}

func (u AtomicBits) Up(i int) {
	atomic.OrUintptr(&u.bits[i/bits.UintSize], 1<<(i%bits.UintSize))
}

func (u AtomicBits) Down(i int) {
	atomic.AndUintptr(&u.bits[i/bits.UintSize], ^(uintptr(1) << (i % bits.UintSize)))
}

func (u AtomicBits) Reset() {
	for i := range u.bits {
		atomic.StoreUintptr(&u.bits[i], 0)
	}
}
