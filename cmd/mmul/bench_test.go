package main

import (
	"bytes"
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mmul/internal/dispatch"
	"github.com/23skdu/longbow-mmul/internal/dtype"
)

func testDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	cfg := dispatch.DefaultConfig()
	cfg.Workers = 2
	d, err := dispatch.New(cfg)
	require.NoError(t, err)
	return d
}

func TestBenchReport(t *testing.T) {
	d := testDispatcher(t)
	pair, err := runnerFor(dtype.Float32, dtype.Int8)
	require.NoError(t, err)

	cfg := benchConfig{Batch: 2, M: 20, N: 20, K: 20, Duration: time.Millisecond, Seed: 7}
	var human bytes.Buffer
	rows, err := runBench(context.Background(), d, pair, cfg, &human)
	require.NoError(t, err)
	require.Len(t, rows, len(d.Variants()))
	for _, row := range rows {
		assert.Equal(t, "f32", row.AType)
		assert.Equal(t, "i8", row.BType)
		assert.GreaterOrEqual(t, row.Iterations, int64(1))
		assert.Contains(t, human.String(), row.Shape)
	}

	rec := benchRecord(memory.NewGoAllocator(), rows)
	defer rec.Release()

	var buf bytes.Buffer
	require.NoError(t, writeArrowStream(&buf, rec))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()

	require.True(t, reader.Next())
	got := reader.Record()
	assert.Equal(t, int64(len(rows)), got.NumRows())
	assert.True(t, got.Schema().Equal(benchSchema))

	variants := got.Column(0).(*array.String)
	iters := got.Column(9).(*array.Int64)
	for i, row := range rows {
		assert.Equal(t, row.Variant, variants.Value(i))
		assert.Equal(t, row.Iterations, iters.Value(i))
	}
	assert.False(t, reader.Next())
}

func TestBenchRejectsIntegerPair(t *testing.T) {
	d := testDispatcher(t)
	pair, err := runnerFor(dtype.Int8, dtype.Int16)
	require.NoError(t, err)

	cfg := benchConfig{Batch: 1, M: 4, N: 4, K: 4, Duration: time.Millisecond}
	_, err = runBench(context.Background(), d, pair, cfg, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestRunnerFor(t *testing.T) {
	_, err := runnerFor(dtype.Invalid, dtype.Float32)
	assert.ErrorIs(t, err, errBadRequest)
	_, err = runnerFor(dtype.Float32, dtype.Invalid)
	assert.ErrorIs(t, err, errBadRequest)

	assert.Len(t, typePairs(), 12)
}

func TestRandomOperand(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 1))
	op := randomOperand[int16](r, 2, 3, 4, 3)
	assert.Len(t, op.Data, 24)
	require.NotNil(t, op.Quant)
	assert.Len(t, op.Quant.Scales, 3)
	assert.Len(t, op.Quant.ZeroPoints, 3)

	f := randomOperand[float32](r, 1, 3, 4, 3)
	assert.Len(t, f.Data, 12)
	assert.Nil(t, f.Quant)
}

func TestVerify(t *testing.T) {
	d := testDispatcher(t)
	assert.Equal(t, 0, runVerify(context.Background(), d, 3, 2))
}
