// Package HRC implements Gidenstam's reclamation scheme: hazard pointers for local references plus per-node reference counts for links inside the structure, so containers whose nodes point at each other (possibly through marked links) can be reclaimed safely.
package HRC

import (
	"unsafe"

	Go_SMR "github.com/g-m-twostay/go-smr"
)

// Node is implemented by every managed container node. The three callbacks are the container's part of the reclamation protocol: CleanUp swings the node's links past deleted successors, Terminate neuters the links right before the free (concurrent=true when other threads may still race on them), Dispose is the physical free and runs exactly once.
type Node interface {
	Base() *NodeBase
	CleanUp(*ThreadGC)
	Terminate(t *ThreadGC, concurrent bool)
	Dispose()
}

// NodeBase carries the engine's per-node state. Embed it as the FIRST field of the node struct and call Init once after allocation; the engine casts between the node pointer and *NodeBase, so any other layout is a bug.
type NodeBase struct {
	rc      Go_SMR.AtomicUint //count of globally reachable counted references; hazard-published and private uncounted references don't appear here.
	trace   Go_SMR.AtomicFlag //set by a scan that observed rc==0; cleared by every rc increment and by a scan that keeps the node.
	deleted Go_SMR.AtomicFlag
	self    Node
}

func (b *NodeBase) Init(self Node) {
	b.self = self
}

func (b *NodeBase) Base() *NodeBase {
	return b
}

func (b *NodeBase) Deleted() bool {
	return b.deleted.Load()
}

// RefCount is the current count of counted references; it may change before the caller looks at it.
func (b *NodeBase) RefCount() uint {
	return b.rc.Load()
}

func (b *NodeBase) incRef() {
	b.rc.Add(1)
	b.trace.Store(false)
}

func (b *NodeBase) decRef() {
	b.rc.Add(^uint(0))
}

func base(p unsafe.Pointer) *NodeBase {
	return (*NodeBase)(p)
}

func nodeOf(p unsafe.Pointer) Node {
	return (*NodeBase)(p).self
}
