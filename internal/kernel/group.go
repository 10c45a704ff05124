package kernel

import "sync"

// barrier is a reusable rendezvous point for the SIMD groups of one
// execution group. Every party must call Wait the same number of times.
type barrier struct {
	mu      sync.Mutex
	cond    *sync.Cond
	parties int
	waiting int
	phase   uint64
}

func newBarrier(parties int) *barrier {
	b := &barrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all parties of the current phase have arrived.
func (b *barrier) Wait() {
	if b.parties <= 1 {
		return
	}

	b.mu.Lock()
	phase := b.phase
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.phase++
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for phase == b.phase {
		b.cond.Wait()
	}
	b.mu.Unlock()
}

// groupShared is the fast memory of one execution group: the A, B and C
// staging tiles plus the register files of its SIMD groups. It is checked
// out from the kernel's pool for exactly one group and never shared between
// concurrently running groups.
type groupShared struct {
	a   []float32 // M x K, row-major
	b   []float32 // K x N, row-major
	c   []float32 // M x N, row-major
	bar *barrier

	// Per SIMD group: lane accumulators and A/B register fragments.
	acc   [][]float32
	frags [][]float32
}

func newGroupShared(s TileShape) *groupShared {
	na, nb, nc := s.StagingElems()
	rows, cols := s.WarpTile()
	warps := s.Warps()

	sh := &groupShared{
		a:     make([]float32, na),
		b:     make([]float32, nb),
		c:     make([]float32, nc),
		bar:   newBarrier(warps),
		acc:   make([][]float32, warps),
		frags: make([][]float32, warps),
	}
	for w := 0; w < warps; w++ {
		sh.acc[w] = make([]float32, rows*cols)
		sh.frags[w] = make([]float32, int(s.ThreadM+s.ThreadN))
	}
	return sh
}
