package raknet

import (
	"slices"
)

const (
	// maxSplitCount is the maximum number of fragments a single packet may be
	// split into. With the minimum MTU size this still allows packets of
	// roughly 180 KB, far beyond anything a client sends legitimately.
	maxSplitCount = 512
	// maxParallelSplits is the maximum number of packets a connection may
	// have in reassembly at once. Starting another split beyond this evicts
	// the oldest pending one.
	maxParallelSplits = 16
)

// splitBank reassembles split packets from their fragments. The memory a
// remote end can occupy through it is bounded: fragment counts are capped and
// the pending assemblies are evicted oldest-first when too many packets are
// in reassembly at the same time.
type splitBank struct {
	pending map[uint16]*splitAssembly
	// order holds the split IDs of pending assemblies in the order their
	// first fragment arrived, so the oldest can be evicted.
	order []uint16
}

// splitAssembly is a single packet in reassembly. fragments has one slot per
// fragment; have counts the slots filled so far.
type splitAssembly struct {
	fragments [][]byte
	have      uint32
}

// newSplitBank returns an initialised split bank.
func newSplitBank() *splitBank {
	return &splitBank{pending: make(map[uint16]*splitAssembly)}
}

// put stores the fragment passed under its split ID. If the fragment
// completed its packet, the reassembled content is returned. An error is
// returned for fragment fields that no legitimate sender produces.
func (bank *splitBank) put(id uint16, count, index uint32, content []byte) ([]byte, error) {
	if count == 0 || count > maxSplitCount {
		return nil, violationf("split count %v exceeds the maximum %v", count, maxSplitCount)
	}
	if index >= count {
		return nil, violationf("split index %v is out of range (0 - %v)", index, count-1)
	}
	asm, ok := bank.pending[id]
	if !ok {
		if len(bank.pending) >= maxParallelSplits {
			bank.evict()
		}
		asm = &splitAssembly{fragments: make([][]byte, count)}
		bank.pending[id] = asm
		bank.order = append(bank.order, id)
	}
	if count != uint32(len(asm.fragments)) {
		return nil, violationf("split count %v does not match earlier fragments (%v)", count, len(asm.fragments))
	}
	if asm.fragments[index] == nil {
		asm.have++
	}
	asm.fragments[index] = content

	if asm.have < count {
		return nil, nil
	}
	bank.remove(id)
	return slices.Concat(asm.fragments...), nil
}

// evict drops the pending assembly whose first fragment arrived longest ago.
// The fragments it held are lost.
func (bank *splitBank) evict() {
	if len(bank.order) == 0 {
		return
	}
	bank.remove(bank.order[0])
}

// remove deletes the assembly with the split ID passed.
func (bank *splitBank) remove(id uint16) {
	delete(bank.pending, id)
	if i := slices.Index(bank.order, id); i >= 0 {
		bank.order = slices.Delete(bank.order, i, i+1)
	}
}

// size returns the number of packets currently in reassembly.
func (bank *splitBank) size() int {
	return len(bank.pending)
}
