// Package reference computes batched matrix products the slow, obvious way.
// It is the oracle the tiled kernel is checked against.
package reference

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/23skdu/longbow-mmul/internal/dtype"
	"github.com/23skdu/longbow-mmul/internal/kernel"
	"github.com/23skdu/longbow-mmul/internal/simd"
)

// Dense returns batch b of an operand as a dense row-major rows x cols
// matrix of real values. rows and cols are the logical (post-transpose)
// dimensions; the quantization channel is the row, or the column when
// channelIsCol is set.
func Dense[T dtype.Element](op kernel.Operand[T], b, rows, cols int, trans, channelIsCol bool) []float32 {
	widen := dtype.Widener[T]()
	l := op.Layout
	out := make([]float32, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			r, c := i, j
			if trans {
				r, c = j, i
			}
			v := widen(op.Data[l.Offset+b*l.BatchStride+r*l.RowStride+c*l.ColStride])
			if q := op.Quant; q != nil {
				ch := i
				if channelIsCol {
					ch = j
				}
				v = dtype.Dequantize(v, zeroAt(q, ch), scaleAt(q, ch))
			}
			out[i*cols+j] = v
		}
	}
	return out
}

func scaleAt(q *kernel.QuantParams, ch int) float32 {
	switch {
	case q.Scales == nil:
		return q.Scale
	case q.Scale == 0:
		return q.Scales[ch]
	default:
		return q.Scales[ch] * q.Scale
	}
}

func zeroAt(q *kernel.QuantParams, ch int) int16 {
	if q.ZeroPoints != nil {
		return q.ZeroPoints[ch]
	}
	return q.ZeroPoint
}

// Operands returns the dequantized A (M x K) and B (K x N) of batch b.
func Operands[TA, TB dtype.Element](p kernel.LaunchParams[TA, TB], b int) (a, bm []float32) {
	bp := p.Batch
	a = Dense(p.A, b, bp.M, bp.K, bp.TransA, false)
	bm = Dense(p.B, b, bp.K, bp.N, bp.TransB, true)
	return a, bm
}

// MatMul returns the dense Count x M x N product accumulated in float32 with
// k ascending, the rounding sequence the tiled kernel reproduces exactly.
func MatMul[TA, TB dtype.Element](p kernel.LaunchParams[TA, TB]) []float32 {
	bp := p.Batch
	out := make([]float32, bp.Count*bp.M*bp.N)
	col := make([]float32, bp.K)
	for b := 0; b < bp.Count; b++ {
		a, bm := Operands(p, b)
		for i := 0; i < bp.M; i++ {
			row := a[i*bp.K : (i+1)*bp.K]
			for j := 0; j < bp.N; j++ {
				simd.Gather(col, bm, j, bp.N, bp.K)
				out[(b*bp.M+i)*bp.N+j] = simd.DotProduct(row, col)
			}
		}
	}
	return out
}

// Wide returns the dense Count x M x N product computed in float64 through
// BLAS, along with the element-wise magnitude |A|·|B| that bounds the
// rounding error of any summation order.
func Wide[TA, TB dtype.Element](p kernel.LaunchParams[TA, TB]) (want, magnitude []float64) {
	bp := p.Batch
	want = make([]float64, bp.Count*bp.M*bp.N)
	magnitude = make([]float64, len(want))

	for b := 0; b < bp.Count; b++ {
		a32, b32 := Operands(p, b)
		a := general(bp.M, bp.K, a32, false)
		bm := general(bp.K, bp.N, b32, false)
		absA := general(bp.M, bp.K, a32, true)
		absB := general(bp.K, bp.N, b32, true)

		off := b * bp.M * bp.N
		c := blas64.General{Rows: bp.M, Cols: bp.N, Stride: bp.N, Data: want[off : off+bp.M*bp.N]}
		cAbs := blas64.General{Rows: bp.M, Cols: bp.N, Stride: bp.N, Data: magnitude[off : off+bp.M*bp.N]}
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, a, bm, 0, c)
		blas64.Gemm(blas.NoTrans, blas.NoTrans, 1, absA, absB, 0, cAbs)
	}
	return want, magnitude
}

func general(rows, cols int, data []float32, abs bool) blas64.General {
	g := blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: make([]float64, len(data))}
	for i, v := range data {
		if abs {
			g.Data[i] = math.Abs(float64(v))
		} else {
			g.Data[i] = float64(v)
		}
	}
	return g
}

// MaxRelErr returns the largest |got - want| / max(magnitude, floor) and the
// index where it occurs.
func MaxRelErr(got []float32, want, magnitude []float64, floor float64) (float64, int) {
	worst, at := 0.0, -1
	for i := range want {
		den := math.Max(magnitude[i], floor)
		e := math.Abs(float64(got[i])-want[i]) / den
		if e > worst || at < 0 {
			worst, at = e, i
		}
	}
	return worst, at
}

// Extract copies an output matrix with arbitrary layout into a dense
// Count x M x N slice.
func Extract[T any](m *kernel.Matrix[T], bp kernel.BatchParams) []T {
	l := m.Layout
	out := make([]T, bp.Count*bp.M*bp.N)
	for b := 0; b < bp.Count; b++ {
		for i := 0; i < bp.M; i++ {
			for j := 0; j < bp.N; j++ {
				out[(b*bp.M+i)*bp.N+j] = m.Data[l.Offset+b*l.BatchStride+i*l.RowStride+j*l.ColStride]
			}
		}
	}
	return out
}
