package kernel

import (
	"fmt"
	"math"
)

// MaxThreadsPerGroup is the largest execution group a variant may request.
const MaxThreadsPerGroup = 1024

// TileShape is the fixed tiling geometry of one kernel variant.
//
//   - M, N, K: output tile rows, output tile columns and depth slice.
//   - WarpsM, WarpsN: grid of SIMD groups partitioning the output tile.
//   - UnrollK: depth steps issued per inner-loop iteration.
//   - ThreadM, ThreadN: register block computed by each lane.
type TileShape struct {
	M, N, K        uint32
	WarpsM, WarpsN uint32
	UnrollK        uint32
	ThreadM        uint32
	ThreadN        uint32
}

// DefaultTileShape is the <32, 128, 16, 2, 4, 1, 2, 4> variant.
var DefaultTileShape = TileShape{
	M: 32, N: 128, K: 16,
	WarpsM: 2, WarpsN: 4,
	UnrollK: 1,
	ThreadM: 2, ThreadN: 4,
}

// Validate checks that the shape partitions evenly down to lane register
// blocks and fits in one execution group.
func (s TileShape) Validate() error {
	fields := []struct {
		name string
		v    uint32
	}{
		{"M", s.M}, {"N", s.N}, {"K", s.K},
		{"WarpsM", s.WarpsM}, {"WarpsN", s.WarpsN},
		{"UnrollK", s.UnrollK},
		{"ThreadM", s.ThreadM}, {"ThreadN", s.ThreadN},
	}
	for _, f := range fields {
		if f.v == 0 {
			return fmt.Errorf("tile shape %s: %s must be positive", s, f.name)
		}
	}

	if s.M%s.WarpsM != 0 {
		return fmt.Errorf("tile shape %s: M %d not divisible by WarpsM %d", s, s.M, s.WarpsM)
	}
	if s.N%s.WarpsN != 0 {
		return fmt.Errorf("tile shape %s: N %d not divisible by WarpsN %d", s, s.N, s.WarpsN)
	}
	if wm := s.M / s.WarpsM; wm%s.ThreadM != 0 {
		return fmt.Errorf("tile shape %s: warp rows %d not divisible by ThreadM %d", s, wm, s.ThreadM)
	}
	if wn := s.N / s.WarpsN; wn%s.ThreadN != 0 {
		return fmt.Errorf("tile shape %s: warp cols %d not divisible by ThreadN %d", s, wn, s.ThreadN)
	}
	if s.K%s.UnrollK != 0 {
		return fmt.Errorf("tile shape %s: K %d not divisible by UnrollK %d", s, s.K, s.UnrollK)
	}

	if threads := s.ThreadsPerGroup(); threads > MaxThreadsPerGroup {
		return fmt.Errorf("tile shape %s: %d threads per group exceeds maximum %d", s, threads, MaxThreadsPerGroup)
	}
	if uint64(s.M)*uint64(s.N) > math.MaxInt32 {
		return fmt.Errorf("tile shape %s: tile too large", s)
	}
	return nil
}

// Warps returns the number of SIMD groups per execution group.
func (s TileShape) Warps() int {
	return int(s.WarpsM * s.WarpsN)
}

// WarpTile returns the output sub-tile owned by one SIMD group.
func (s TileShape) WarpTile() (rows, cols int) {
	return int(s.M / s.WarpsM), int(s.N / s.WarpsN)
}

// LanesPerWarp returns how many lanes share one SIMD group.
func (s TileShape) LanesPerWarp() int {
	rows, cols := s.WarpTile()
	return (rows / int(s.ThreadM)) * (cols / int(s.ThreadN))
}

// ThreadsPerGroup is the execution-thread count a launch must provide.
func (s TileShape) ThreadsPerGroup() int {
	return s.Warps() * s.LanesPerWarp()
}

// StagingElems returns the element counts of the shared A, B and C tiles.
func (s TileShape) StagingElems() (a, b, c int) {
	return int(s.M * s.K), int(s.K * s.N), int(s.M * s.N)
}

// Grid returns the number of tiles needed to cover an m x n output.
func (s TileShape) Grid(m, n int) (tilesM, tilesN int) {
	return ceilDiv(m, int(s.M)), ceilDiv(n, int(s.N))
}

func (s TileShape) String() string {
	return fmt.Sprintf("<%d,%d,%d,%d,%d,%d,%d,%d>",
		s.M, s.N, s.K, s.WarpsM, s.WarpsN, s.UnrollK, s.ThreadM, s.ThreadN)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
