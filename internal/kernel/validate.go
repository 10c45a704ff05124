package kernel

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-mmul/internal/dtype"
)

// Pre-launch validation errors. Launch itself never reports these: a launch
// with parameters that fail Validate has undefined results.
var (
	ErrInvalidShape           = errors.New("invalid problem shape")
	ErrShapeMismatch          = errors.New("buffer does not match problem shape")
	ErrBatchMismatch          = errors.New("batch count mismatch")
	ErrInvalidStride          = errors.New("invalid stride")
	ErrOutputOverlap          = errors.New("output batch regions overlap")
	ErrMissingQuantization    = errors.New("integer operand without quantization parameters")
	ErrQuantizationSize       = errors.New("quantization buffer does not match channel dimension")
	ErrUnexpectedQuantization = errors.New("quantization parameters on a float operand")
	ErrMultipleQuantized      = errors.New("more than one quantized operand")
	ErrNoOutput               = errors.New("no output buffer")
	ErrThreadGroupSize        = errors.New("thread group size does not match tile shape")
)

// Validate checks every launch precondition for a kernel built with the
// given tile shape. It is the only place shape, batch, stride and
// quantization errors are detected.
func Validate[TA, TB dtype.Element](shape TileShape, p LaunchParams[TA, TB]) error {
	bp := p.Batch
	if bp.Count < 1 || bp.M < 1 || bp.N < 1 || bp.K < 1 {
		return fmt.Errorf("%w: count=%d m=%d n=%d k=%d", ErrInvalidShape, bp.Count, bp.M, bp.N, bp.K)
	}

	if got, want := p.Group.Threads(), shape.ThreadsPerGroup(); got != want {
		return fmt.Errorf("%w: got %dx%dx%d=%d threads, variant %s needs %d",
			ErrThreadGroupSize, p.Group.X, p.Group.Y, p.Group.Z, got, shape, want)
	}

	aRows, aCols := bp.M, bp.K
	if bp.TransA {
		aRows, aCols = aCols, aRows
	}
	if err := checkMatrix("A", p.A.Layout, len(p.A.Data), aRows, aCols, bp.Count); err != nil {
		return err
	}
	bRows, bCols := bp.K, bp.N
	if bp.TransB {
		bRows, bCols = bCols, bRows
	}
	if err := checkMatrix("B", p.B.Layout, len(p.B.Data), bRows, bCols, bp.Count); err != nil {
		return err
	}

	ta, tb := dtype.Of[TA](), dtype.Of[TB]()
	if ta.IsInteger() && tb.IsInteger() {
		return fmt.Errorf("%w: A is %s and B is %s", ErrMultipleQuantized, ta, tb)
	}
	if err := checkQuant("A", ta, p.A.Quant, bp.M); err != nil {
		return err
	}
	if err := checkQuant("B", tb, p.B.Quant, bp.N); err != nil {
		return err
	}

	if p.Out.Wide == nil && p.Out.Narrow == nil {
		return ErrNoOutput
	}
	if o := p.Out.Wide; o != nil {
		if err := checkOutput("wide output", o.Layout, len(o.Data), bp); err != nil {
			return err
		}
	}
	if o := p.Out.Narrow; o != nil {
		if err := checkOutput("narrow output", o.Layout, len(o.Data), bp); err != nil {
			return err
		}
	}
	return nil
}

func checkMatrix(name string, l Layout, length, rows, cols, count int) error {
	if l.Offset < 0 || l.RowStride < 0 || l.ColStride < 0 || l.BatchStride < 0 {
		return fmt.Errorf("%w: %s layout %+v has a negative component", ErrInvalidStride, name, l)
	}

	switch {
	case l.Batches == 0, l.Batches == count:
	case l.Batches == 1 && l.BatchStride == 0:
		// broadcast
	default:
		return fmt.Errorf("%w: %s holds %d matrices (batch stride %d), launch has %d",
			ErrBatchMismatch, name, l.Batches, l.BatchStride, count)
	}

	last, ok := l.checkedIndex(count-1, rows-1, cols-1)
	if !ok {
		return fmt.Errorf("%w: %s index for %d x %d x %d overflows (layout %+v)",
			ErrShapeMismatch, name, count, rows, cols, l)
	}
	if last >= length {
		return fmt.Errorf("%w: %s needs index %d for %d x %d x %d, buffer has %d elements",
			ErrShapeMismatch, name, last, count, rows, cols, length)
	}
	return nil
}

func checkOutput(name string, l Layout, length int, bp BatchParams) error {
	if l.Batches != 0 && l.Batches != bp.Count {
		return fmt.Errorf("%w: %s holds %d matrices, launch has %d", ErrBatchMismatch, name, l.Batches, bp.Count)
	}
	if err := checkMatrix(name, l, length, bp.M, bp.N, bp.Count); err != nil {
		return err
	}

	rows, cols := bp.M, bp.N
	if (rows > 1 && l.RowStride == 0) || (cols > 1 && l.ColStride == 0) {
		return fmt.Errorf("%w: %s strides %d/%d alias elements", ErrInvalidStride, name, l.RowStride, l.ColStride)
	}
	if rows > 1 && cols > 1 &&
		l.RowStride < (cols-1)*l.ColStride+1 &&
		l.ColStride < (rows-1)*l.RowStride+1 {
		return fmt.Errorf("%w: %s rows and columns interleave (row stride %d, col stride %d)",
			ErrInvalidStride, name, l.RowStride, l.ColStride)
	}

	// checkMatrix bounds every term below by length, so none of these overflow.
	if bp.Count > 1 {
		extent := (rows-1)*l.RowStride + (cols-1)*l.ColStride + 1
		if l.BatchStride < extent {
			return fmt.Errorf("%w: %s batch stride %d smaller than matrix extent %d",
				ErrOutputOverlap, name, l.BatchStride, extent)
		}
	}
	return nil
}

func checkQuant(name string, t dtype.Type, q *QuantParams, channels int) error {
	if !t.IsInteger() {
		if q != nil {
			return fmt.Errorf("%w: %s is %s", ErrUnexpectedQuantization, name, t)
		}
		return nil
	}

	if q == nil || (q.Scales == nil && q.Scale == 0) {
		return fmt.Errorf("%w: %s is %s", ErrMissingQuantization, name, t)
	}
	if q.Scales != nil && len(q.Scales) != channels {
		return fmt.Errorf("%w: %s has %d scales, want %d", ErrQuantizationSize, name, len(q.Scales), channels)
	}
	if q.ZeroPoints != nil && len(q.ZeroPoints) != channels {
		return fmt.Errorf("%w: %s has %d zero points, want %d", ErrQuantizationSize, name, len(q.ZeroPoints), channels)
	}
	return nil
}
