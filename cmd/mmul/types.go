package main

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/x448/float16"

	"github.com/23skdu/longbow-mmul/internal/dispatch"
	"github.com/23skdu/longbow-mmul/internal/dtype"
	"github.com/23skdu/longbow-mmul/internal/kernel"
)

// pairRunner runs work for one operand element-type pair chosen at runtime.
type pairRunner interface {
	multiply(ctx context.Context, d *dispatch.Dispatcher, req *MatmulRequest) (*MatmulResponse, error)
	bench(ctx context.Context, d *dispatch.Dispatcher, cfg benchConfig, v dispatch.Variant) (benchRow, error)
	sweep(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error
}

type typed[TA, TB dtype.Element] struct{}

func runnerFor(a, b dtype.Type) (pairRunner, error) {
	switch a {
	case dtype.Float32:
		return runnerForB[float32](b)
	case dtype.Float16:
		return runnerForB[float16.Float16](b)
	case dtype.Int16:
		return runnerForB[int16](b)
	case dtype.Int8:
		return runnerForB[int8](b)
	}
	return nil, fmt.Errorf("%w: A type %v", errBadRequest, a)
}

func runnerForB[TA dtype.Element](b dtype.Type) (pairRunner, error) {
	switch b {
	case dtype.Float32:
		return typed[TA, float32]{}, nil
	case dtype.Float16:
		return typed[TA, float16.Float16]{}, nil
	case dtype.Int16:
		return typed[TA, int16]{}, nil
	case dtype.Int8:
		return typed[TA, int8]{}, nil
	}
	return nil, fmt.Errorf("%w: B type %v", errBadRequest, b)
}

// typePairs lists every pair the kernel accepts: at most one integer operand.
func typePairs() [][2]dtype.Type {
	all := []dtype.Type{dtype.Float32, dtype.Float16, dtype.Int16, dtype.Int8}
	var pairs [][2]dtype.Type
	for _, a := range all {
		for _, b := range all {
			if a.IsInteger() && b.IsInteger() {
				continue
			}
			pairs = append(pairs, [2]dtype.Type{a, b})
		}
	}
	return pairs
}

// randomOperand fills count stored rows x cols matrices with values typical
// for the element type. Integer operands get quantization parameters with
// one scale per channel.
func randomOperand[T dtype.Element](r *rand.Rand, count, rows, cols, channels int) kernel.Operand[T] {
	n := count * rows * cols
	op := kernel.Operand[T]{Matrix: kernel.Matrix[T]{Layout: kernel.RowMajor(rows, cols)}}

	switch dtype.Of[T]() {
	case dtype.Int8:
		raw := make([]int8, n)
		for i := range raw {
			raw[i] = int8(r.IntN(256) - 128)
		}
		op.Data = any(raw).([]T)
		op.Quant = channelQuant(r, channels, 0.01, 8)
	case dtype.Int16:
		raw := make([]int16, n)
		for i := range raw {
			raw[i] = int16(r.IntN(4001) - 2000)
		}
		op.Data = any(raw).([]T)
		op.Quant = channelQuant(r, channels, 0.0005, 100)
	default:
		vals := make([]float32, n)
		for i := range vals {
			vals[i] = r.Float32()*2 - 1
		}
		op.Data = dtype.Convert[T](vals)
	}
	return op
}

func channelQuant(r *rand.Rand, channels int, scale float32, zeroSpan int) *kernel.QuantParams {
	q := &kernel.QuantParams{
		Scale:      scale,
		Scales:     make([]float32, channels),
		ZeroPoints: make([]int16, channels),
	}
	for c := range q.Scales {
		q.Scales[c] = 0.5 + r.Float32()
		q.ZeroPoints[c] = int16(r.IntN(2*zeroSpan+1) - zeroSpan)
	}
	return q
}

func typeName[T dtype.Element]() string { return dtype.Of[T]().String() }
