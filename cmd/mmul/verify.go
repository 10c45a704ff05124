package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-mmul/internal/dispatch"
	"github.com/23skdu/longbow-mmul/internal/dtype"
	"github.com/23skdu/longbow-mmul/internal/kernel"
	"github.com/23skdu/longbow-mmul/internal/reference"
)

var errMismatch = errors.New("result mismatch")

type scenario struct {
	name string
	run  func(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error
}

func scenarios() []scenario {
	return []scenario{
		{"f32 batched 2x64x32 by 2x32x64", verifyBatchedF32},
		{"i8 by f32 quantized 48x48x48", verifyQuantizedInt8},
		{"edge tiles 33x130x17 strided output", verifyEdgeTiles},
		{"dual output", verifyDualOutput},
		{"missing quantization rejected", verifyRejectsMissingQuant},
	}
}

// runVerify runs every scenario and sweeps random problems over each
// accepted type pair. It returns the number of failures.
func runVerify(ctx context.Context, d *dispatch.Dispatcher, seed uint64, sweeps int) int {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	failed := 0

	for _, sc := range scenarios() {
		start := time.Now()
		if err := sc.run(ctx, d, r); err != nil {
			failed++
			log.Error().Err(err).Str("scenario", sc.name).Msg("FAIL")
			continue
		}
		log.Info().Str("scenario", sc.name).Dur("elapsed", time.Since(start)).Msg("PASS")
	}

	for _, pair := range typePairs() {
		run, err := runnerFor(pair[0], pair[1])
		if err != nil {
			failed++
			log.Error().Err(err).Msg("FAIL")
			continue
		}
		for i := 0; i < sweeps; i++ {
			if err := run.sweep(ctx, d, r); err != nil {
				failed++
				log.Error().Err(err).Stringer("a", pair[0]).Stringer("b", pair[1]).Int("iter", i).Msg("FAIL")
			}
		}
		log.Info().Stringer("a", pair[0]).Stringer("b", pair[1]).Int("problems", sweeps).Msg("Sweep done")
	}
	return failed
}

func compareExact(got, want []float32) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: %d results, want %d", errMismatch, len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			return fmt.Errorf("%w: element %d is %v, want %v", errMismatch, i, got[i], want[i])
		}
	}
	return nil
}

func compareWide[TA, TB dtype.Element](got []float32, p kernel.LaunchParams[TA, TB], tol float64) error {
	want, mag := reference.Wide(p)
	worst, at := reference.MaxRelErr(got, want, mag, 1e-6)
	if worst > tol {
		return fmt.Errorf("%w: relative error %.3g at element %d exceeds %.3g", errMismatch, worst, at, tol)
	}
	return nil
}

func compareNarrow(wide []float32, narrow []float16.Float16) error {
	for i, w := range wide {
		if h := float16.Fromfloat32(w); narrow[i] != h {
			return fmt.Errorf("%w: narrow element %d is %v, want %v", errMismatch, i, narrow[i], h)
		}
	}
	return nil
}

func launchParams[TA, TB dtype.Element](p dispatch.Problem[TA, TB]) kernel.LaunchParams[TA, TB] {
	return kernel.LaunchParams[TA, TB]{Batch: p.Batch, A: p.A, B: p.B, Out: p.Out}
}

func wideOut(count, m, n int) *kernel.Matrix[float32] {
	return &kernel.Matrix[float32]{Data: make([]float32, count*m*n), Layout: kernel.RowMajor(m, n)}
}

func verifyBatchedF32(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error {
	const count, m, n, k = 2, 64, 64, 32
	p := dispatch.Problem[float32, float32]{
		Batch: kernel.BatchParams{Count: count, M: m, N: n, K: k},
		A:     randomOperand[float32](r, count, m, k, m),
		B:     randomOperand[float32](r, count, k, n, n),
		Out:   kernel.Outputs{Wide: wideOut(count, m, n)},
	}
	if _, err := dispatch.Run(ctx, d, p); err != nil {
		return err
	}
	return compareExact(p.Out.Wide.Data, reference.MatMul(launchParams(p)))
}

func verifyQuantizedInt8(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error {
	const m, n, k, stride = 48, 48, 48, 64
	const pad = float32(-7777)

	a := randomOperand[int8](r, 1, m, k, m)
	a.Quant = &kernel.QuantParams{Scale: 0.01, ZeroPoint: 128}
	out := &kernel.Matrix[float32]{
		Data:   make([]float32, m*stride),
		Layout: kernel.Layout{RowStride: stride, ColStride: 1},
	}
	for i := range out.Data {
		out.Data[i] = pad
	}
	p := dispatch.Problem[int8, float32]{
		Batch: kernel.BatchParams{Count: 1, M: m, N: n, K: k},
		A:     a,
		B:     randomOperand[float32](r, 1, k, n, n),
		Out:   kernel.Outputs{Wide: out},
	}
	if _, err := dispatch.Run(ctx, d, p); err != nil {
		return err
	}

	got := reference.Extract(out, p.Batch)
	if err := compareWide(got, launchParams(p), 1e-2); err != nil {
		return err
	}
	for i := 0; i < m; i++ {
		for j := n; j < stride; j++ {
			if v := out.Data[i*stride+j]; v != pad {
				return fmt.Errorf("%w: padding at row %d col %d overwritten with %v", errMismatch, i, j, v)
			}
		}
	}
	return nil
}

func verifyEdgeTiles(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error {
	const count, m, n, k, stride = 2, 33, 130, 17, 136
	p := dispatch.Problem[float16.Float16, float32]{
		Batch: kernel.BatchParams{Count: count, M: m, N: n, K: k},
		A:     randomOperand[float16.Float16](r, count, m, k, m),
		B:     randomOperand[float32](r, count, k, n, n),
		Out: kernel.Outputs{Wide: &kernel.Matrix[float32]{
			Data:   make([]float32, count*m*stride),
			Layout: kernel.Layout{RowStride: stride, ColStride: 1, BatchStride: m * stride},
		}},
	}
	// Prefer the widest tile so both edges are partial.
	if _, err := d.Lookup("t32x128"); err == nil {
		p.Variant = "t32x128"
	}
	if _, err := dispatch.Run(ctx, d, p); err != nil {
		return err
	}
	return compareExact(reference.Extract(p.Out.Wide, p.Batch), reference.MatMul(launchParams(p)))
}

func verifyDualOutput(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error {
	const count, m, n, k = 3, 24, 40, 56
	p := dispatch.Problem[float32, int16]{
		Batch: kernel.BatchParams{Count: count, M: m, N: n, K: k},
		A:     randomOperand[float32](r, count, m, k, m),
		B:     randomOperand[int16](r, count, k, n, n),
		Out: kernel.Outputs{
			Wide:   wideOut(count, m, n),
			Narrow: &kernel.Matrix[float16.Float16]{Data: make([]float16.Float16, count*m*n), Layout: kernel.RowMajor(m, n)},
		},
	}
	if _, err := dispatch.Run(ctx, d, p); err != nil {
		return err
	}
	if err := compareExact(p.Out.Wide.Data, reference.MatMul(launchParams(p))); err != nil {
		return err
	}
	return compareNarrow(p.Out.Wide.Data, p.Out.Narrow.Data)
}

func verifyRejectsMissingQuant(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error {
	const m, n, k = 8, 8, 8
	a := randomOperand[int8](r, 1, m, k, m)
	a.Quant = nil
	out := wideOut(1, m, n)
	p := dispatch.Problem[int8, float32]{
		Batch: kernel.BatchParams{Count: 1, M: m, N: n, K: k},
		A:     a,
		B:     randomOperand[float32](r, 1, k, n, n),
		Out:   kernel.Outputs{Wide: out},
	}
	_, err := dispatch.Run(ctx, d, p)
	if !errors.Is(err, kernel.ErrMissingQuantization) {
		return fmt.Errorf("expected %v, got %v", kernel.ErrMissingQuantization, err)
	}
	for i, v := range out.Data {
		if v != 0 {
			return fmt.Errorf("%w: rejected launch wrote element %d", errMismatch, i)
		}
	}
	return nil
}

// sweep runs one random problem with random transposes through the
// dispatcher and checks both outputs.
func (typed[TA, TB]) sweep(ctx context.Context, d *dispatch.Dispatcher, r *rand.Rand) error {
	count, m, n, k := 1+r.IntN(3), 1+r.IntN(80), 1+r.IntN(150), 1+r.IntN(70)
	transA, transB := r.IntN(2) == 1, r.IntN(2) == 1

	aRows, aCols := m, k
	if transA {
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if transB {
		bRows, bCols = n, k
	}

	p := dispatch.Problem[TA, TB]{
		Batch: kernel.BatchParams{Count: count, M: m, N: n, K: k, TransA: transA, TransB: transB},
		A:     randomOperand[TA](r, count, aRows, aCols, m),
		B:     randomOperand[TB](r, count, bRows, bCols, n),
		Out: kernel.Outputs{
			Wide:   wideOut(count, m, n),
			Narrow: &kernel.Matrix[float16.Float16]{Data: make([]float16.Float16, count*m*n), Layout: kernel.RowMajor(m, n)},
		},
	}
	res, err := dispatch.Run(ctx, d, p)
	if err != nil {
		return err
	}

	lp := launchParams(p)
	if err := compareExact(p.Out.Wide.Data, reference.MatMul(lp)); err != nil {
		return fmt.Errorf("%s %dx%dx%dx%d: %w", res.Kernel, count, m, n, k, err)
	}
	if err := compareWide(p.Out.Wide.Data, lp, 1e-4); err != nil {
		return fmt.Errorf("%s %dx%dx%dx%d: %w", res.Kernel, count, m, n, k, err)
	}
	return compareNarrow(p.Out.Wide.Data, p.Out.Narrow.Data)
}
