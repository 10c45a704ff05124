package kernel

import (
	"math"
	"math/bits"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-mmul/internal/dtype"
)

// Layout addresses one batched matrix in a flat buffer. Element (b, r, c) of
// the stored matrix lives at Offset + b*BatchStride + r*RowStride + c*ColStride.
type Layout struct {
	Offset      int
	RowStride   int
	ColStride   int
	BatchStride int
	// Batches is the number of matrices stored in the buffer. Zero means the
	// launch batch count; one with a zero BatchStride broadcasts a single
	// matrix to every batch index.
	Batches int
}

// RowMajor returns a dense row-major layout for count stacked rows x cols matrices.
func RowMajor(rows, cols int) Layout {
	return Layout{RowStride: cols, ColStride: 1, BatchStride: rows * cols}
}

func (l Layout) index(b, r, c int) int {
	return l.Offset + b*l.BatchStride + r*l.RowStride + c*l.ColStride
}

// checkedIndex is index for non-negative coordinates and layout components.
// ok is false when the result does not fit in an int.
func (l Layout) checkedIndex(b, r, c int) (idx int, ok bool) {
	idx = l.Offset
	for _, t := range [...][2]int{{b, l.BatchStride}, {r, l.RowStride}, {c, l.ColStride}} {
		p, fits := mulNonNeg(int64(t[0]), int64(t[1]))
		if !fits || p > int64(math.MaxInt-idx) {
			return 0, false
		}
		idx += int(p)
	}
	return idx, true
}

// mulNonNeg multiplies two non-negative values, reporting overflow.
func mulNonNeg(a, b int64) (int64, bool) {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return 0, false
	}
	return int64(lo), true
}

// Matrix is a caller-owned buffer in slow memory.
type Matrix[T any] struct {
	Data   []T
	Layout Layout
}

// QuantParams dequantizes an integer operand:
//
//	real = (raw - zero[c]) * scale[c]
//
// where scale[c] is Scales[c]*Scale (a zero Scale counts as 1 when Scales is
// set) and zero[c] is ZeroPoints[c] when set, ZeroPoint otherwise. The
// channel c is the row of logical A or the column of logical B.
type QuantParams struct {
	Scale      float32
	Scales     []float32
	ZeroPoint  int16
	ZeroPoints []int16
}

func (q *QuantParams) scaleAt(c int) float32 {
	if q.Scales == nil {
		return q.Scale
	}
	if q.Scale == 0 {
		return q.Scales[c]
	}
	return q.Scales[c] * q.Scale
}

func (q *QuantParams) zeroAt(c int) int16 {
	if q.ZeroPoints == nil {
		return q.ZeroPoint
	}
	return q.ZeroPoints[c]
}

// Operand is an A or B input. Quant must be set exactly when T is an
// integer type.
type Operand[T dtype.Element] struct {
	Matrix[T]
	Quant *QuantParams
}

// Outputs lists the destination buffers; every non-nil one is written.
type Outputs struct {
	Wide   *Matrix[float32]
	Narrow *Matrix[float16.Float16]
}

// BatchParams describes the batched problem. A is M x K and B is K x N after
// applying the transpose flags.
type BatchParams struct {
	Count  int
	M      int
	N      int
	K      int
	TransA bool
	TransB bool
}

// FLOPs returns the multiply-add operation count of the whole launch. It is
// zero when any dimension is below one and saturates at math.MaxInt64.
func (p BatchParams) FLOPs() int64 {
	if p.Count < 1 || p.M < 1 || p.N < 1 || p.K < 1 {
		return 0
	}
	f := int64(2)
	for _, d := range [...]int{p.Count, p.M, p.N, p.K} {
		var ok bool
		if f, ok = mulNonNeg(f, int64(d)); !ok {
			return math.MaxInt64
		}
	}
	return f
}

// ThreadGroupSize is the three-component execution group size supplied by
// the dispatch layer.
type ThreadGroupSize struct {
	X, Y, Z uint16
}

// Threads returns X*Y*Z.
func (t ThreadGroupSize) Threads() int {
	return int(t.X) * int(t.Y) * int(t.Z)
}

// ThreadGroupFor returns the group size matching a tile shape: one row of
// lanes per SIMD group.
func ThreadGroupFor(s TileShape) ThreadGroupSize {
	return ThreadGroupSize{X: uint16(s.LanesPerWarp()), Y: uint16(s.Warps()), Z: 1}
}

// LaunchParams is everything one kernel launch reads or writes.
type LaunchParams[TA, TB dtype.Element] struct {
	Batch BatchParams
	A     Operand[TA]
	B     Operand[TB]
	Out   Outputs
	Group ThreadGroupSize
}
