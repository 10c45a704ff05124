package dispatch

import (
	"context"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-mmul/internal/kernel"
	"github.com/23skdu/longbow-mmul/internal/reference"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	return 0
}

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 4
	d, err := New(cfg)
	require.NoError(t, err)
	return d
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrNoVariants)

	_, err = New(Config{Variants: []Variant{{Name: "bad", Shape: kernel.TileShape{M: 3}}}})
	assert.Error(t, err)

	v := DefaultVariants()[0]
	_, err = New(Config{Variants: []Variant{v, v}})
	assert.Error(t, err)
}

func TestDefaultVariantsValid(t *testing.T) {
	for _, v := range DefaultVariants() {
		assert.NoError(t, v.Shape.Validate(), v.Name)
	}
}

func TestSelect(t *testing.T) {
	d := newDispatcher(t)
	tests := []struct {
		m, n, k int
		want    string
	}{
		{1, 1, 1, "t16"},
		{16, 16, 16, "t16"},
		{32, 32, 16, "t32"},
		{64, 64, 64, "t64"},
		{32, 128, 16, "t32x128"},
		{32, 256, 16, "t32x128"},
		{64, 256, 32, "t64"},
		{48, 48, 16, "t16"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%dx%d", tt.m, tt.n, tt.k), func(t *testing.T) {
			assert.Equal(t, tt.want, d.Select(tt.m, tt.n, tt.k).Name)
		})
	}
}

func TestSelectCaches(t *testing.T) {
	d := newDispatcher(t)
	hits := selectionCache.WithLabelValues("hit")
	misses := selectionCache.WithLabelValues("miss")
	startHits, startMisses := getMetricValue(hits), getMetricValue(misses)

	first := d.Select(100, 200, 300)
	second := d.Select(100, 200, 300)

	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, getMetricValue(hits)-startHits)
	assert.Equal(t, 1.0, getMetricValue(misses)-startMisses)
}

func TestSelectCacheBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCachedShapes = 3
	d, err := New(cfg)
	require.NoError(t, err)

	for m := 1; m <= 10; m++ {
		d.Select(m, 8, 8)
	}
	assert.Equal(t, 3, d.selections.Size())

	// Uncached shapes still select the same variant.
	assert.Equal(t, d.Select(1, 8, 8), d.Select(1, 8, 8))
	assert.Equal(t, "t16", d.Select(10, 8, 8).Name)
	assert.Equal(t, 3, d.selections.Size())
}

func TestKernelForCaches(t *testing.T) {
	d := newDispatcher(t)
	v := DefaultVariants()[1]

	k1, err := KernelFor[float32, int8](d, v)
	require.NoError(t, err)
	k2, err := KernelFor[float32, int8](d, v)
	require.NoError(t, err)
	assert.Same(t, k1, k2)

	k3, err := KernelFor[float16.Float16, int8](d, v)
	require.NoError(t, err)
	assert.Equal(t, "mmul_f16_i8_32x32x16", k3.Name())
}

func TestRun(t *testing.T) {
	d := newDispatcher(t)
	const count, m, n, k = 2, 40, 72, 24

	a := make([]float32, count*m*k)
	for i := range a {
		a[i] = float32(i%13) * 0.25
	}
	b := make([]int8, count*k*n)
	for i := range b {
		b[i] = int8(i%17 - 8)
	}

	p := Problem[float32, int8]{
		Batch: kernel.BatchParams{Count: count, M: m, N: n, K: k},
		A:     kernel.Operand[float32]{Matrix: kernel.Matrix[float32]{Data: a, Layout: kernel.RowMajor(m, k)}},
		B: kernel.Operand[int8]{
			Matrix: kernel.Matrix[int8]{Data: b, Layout: kernel.RowMajor(k, n)},
			Quant:  &kernel.QuantParams{Scale: 0.125, ZeroPoint: 1},
		},
		Out: kernel.Outputs{
			Wide:   &kernel.Matrix[float32]{Data: make([]float32, count*m*n), Layout: kernel.RowMajor(m, n)},
			Narrow: &kernel.Matrix[float16.Float16]{Data: make([]float16.Float16, count*m*n), Layout: kernel.RowMajor(m, n)},
		},
	}

	res, err := Run(context.Background(), d, p)
	require.NoError(t, err)
	assert.Equal(t, d.Select(m, n, k), res.Variant)
	assert.Equal(t, p.Batch.FLOPs(), res.FLOPs)

	want := reference.MatMul(kernel.LaunchParams[float32, int8]{Batch: p.Batch, A: p.A, B: p.B})
	assert.Equal(t, want, p.Out.Wide.Data)
	for i, w := range want {
		require.Equal(t, float16.Fromfloat32(w), p.Out.Narrow.Data[i])
	}
}

func TestRunForcedVariant(t *testing.T) {
	d := newDispatcher(t)
	p := Problem[float32, float32]{
		Batch:   kernel.BatchParams{Count: 1, M: 3, N: 3, K: 3},
		A:       kernel.Operand[float32]{Matrix: kernel.Matrix[float32]{Data: make([]float32, 9), Layout: kernel.RowMajor(3, 3)}},
		B:       kernel.Operand[float32]{Matrix: kernel.Matrix[float32]{Data: make([]float32, 9), Layout: kernel.RowMajor(3, 3)}},
		Out:     kernel.Outputs{Wide: &kernel.Matrix[float32]{Data: make([]float32, 9), Layout: kernel.RowMajor(3, 3)}},
		Variant: "t64",
	}
	res, err := Run(context.Background(), d, p)
	require.NoError(t, err)
	assert.Equal(t, "t64", res.Variant.Name)
	assert.Equal(t, 1, res.Groups)

	p.Variant = "nope"
	_, err = Run(context.Background(), d, p)
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestRunValidationFailure(t *testing.T) {
	d := newDispatcher(t)
	failures := validationFailures.WithLabelValues("missing_quantization")
	start := getMetricValue(failures)

	p := Problem[int8, float32]{
		Batch: kernel.BatchParams{Count: 1, M: 4, N: 4, K: 4},
		A:     kernel.Operand[int8]{Matrix: kernel.Matrix[int8]{Data: make([]int8, 16), Layout: kernel.RowMajor(4, 4)}},
		B:     kernel.Operand[float32]{Matrix: kernel.Matrix[float32]{Data: make([]float32, 16), Layout: kernel.RowMajor(4, 4)}},
		Out:   kernel.Outputs{Wide: &kernel.Matrix[float32]{Data: make([]float32, 16), Layout: kernel.RowMajor(4, 4)}},
	}
	_, err := Run(context.Background(), d, p)
	assert.ErrorIs(t, err, kernel.ErrMissingQuantization)
	assert.True(t, IsValidation(err))
	assert.Equal(t, 1.0, getMetricValue(failures)-start)

	p.Batch.M = 0
	_, err = Run(context.Background(), d, p)
	assert.ErrorIs(t, err, kernel.ErrInvalidShape)
}

func TestRunCancelled(t *testing.T) {
	d := newDispatcher(t)
	p := Problem[float32, float32]{
		Batch: kernel.BatchParams{Count: 1, M: 64, N: 64, K: 8},
		A:     kernel.Operand[float32]{Matrix: kernel.Matrix[float32]{Data: make([]float32, 64*8), Layout: kernel.RowMajor(64, 8)}},
		B:     kernel.Operand[float32]{Matrix: kernel.Matrix[float32]{Data: make([]float32, 8*64), Layout: kernel.RowMajor(8, 64)}},
		Out:   kernel.Outputs{Wide: &kernel.Matrix[float32]{Data: make([]float32, 64*64), Layout: kernel.RowMajor(64, 64)}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, d, p)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsValidation(err))
}
