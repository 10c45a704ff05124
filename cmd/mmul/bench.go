package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/23skdu/longbow-mmul/internal/dispatch"
	"github.com/23skdu/longbow-mmul/internal/kernel"
)

type benchConfig struct {
	Batch, M, N, K int
	Duration       time.Duration
	Seed           uint64
}

// benchRow is one line of the benchmark report.
type benchRow struct {
	Variant    string
	Shape      string
	Kernel     string
	AType      string
	BType      string
	Batch      int
	M, N, K    int
	Iterations int64
	Seconds    float64
	GFLOPS     float64
}

func (typed[TA, TB]) bench(ctx context.Context, d *dispatch.Dispatcher, cfg benchConfig, v dispatch.Variant) (benchRow, error) {
	r := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	p := dispatch.Problem[TA, TB]{
		Batch:   kernel.BatchParams{Count: cfg.Batch, M: cfg.M, N: cfg.N, K: cfg.K},
		A:       randomOperand[TA](r, cfg.Batch, cfg.M, cfg.K, cfg.M),
		B:       randomOperand[TB](r, cfg.Batch, cfg.K, cfg.N, cfg.N),
		Out:     kernel.Outputs{Wide: wideOut(cfg.Batch, cfg.M, cfg.N)},
		Variant: v.Name,
	}

	// Warm up: builds the kernel and fills the staging pool.
	res, err := dispatch.Run(ctx, d, p)
	if err != nil {
		return benchRow{}, err
	}

	var (
		iters   int64
		elapsed time.Duration
	)
	deadline := time.Now().Add(cfg.Duration)
	for iters == 0 || time.Now().Before(deadline) {
		res, err = dispatch.Run(ctx, d, p)
		if err != nil {
			return benchRow{}, err
		}
		elapsed += res.Elapsed
		iters++
	}

	seconds := elapsed.Seconds()
	gflops := 0.0
	if seconds > 0 {
		gflops = float64(res.FLOPs) * float64(iters) / seconds / 1e9
	}
	return benchRow{
		Variant:    v.Name,
		Shape:      v.Shape.String(),
		Kernel:     res.Kernel,
		AType:      typeName[TA](),
		BType:      typeName[TB](),
		Batch:      cfg.Batch,
		M:          cfg.M,
		N:          cfg.N,
		K:          cfg.K,
		Iterations: iters,
		Seconds:    seconds,
		GFLOPS:     gflops,
	}, nil
}

// runBench measures every configured variant on one problem.
func runBench(ctx context.Context, d *dispatch.Dispatcher, run pairRunner, cfg benchConfig, human io.Writer) ([]benchRow, error) {
	p := message.NewPrinter(language.English)
	var rows []benchRow
	for _, v := range d.Variants() {
		row, err := run.bench(ctx, d, cfg, v)
		if err != nil {
			return rows, fmt.Errorf("variant %s: %w", v.Name, err)
		}
		rows = append(rows, row)

		log.Info().
			Str("variant", row.Variant).
			Str("kernel", row.Kernel).
			Int64("iterations", row.Iterations).
			Float64("gflops", row.GFLOPS).
			Msg("Benchmark complete")
		p.Fprintf(human, "%-8s %-24s %12d iters %10.2f GFLOP/s (%d FLOPs per launch)\n",
			row.Variant, row.Shape, row.Iterations, row.GFLOPS,
			kernel.BatchParams{Count: row.Batch, M: row.M, N: row.N, K: row.K}.FLOPs())
	}
	return rows, nil
}

var benchSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "variant", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.BinaryTypes.String},
		{Name: "kernel", Type: arrow.BinaryTypes.String},
		{Name: "a_type", Type: arrow.BinaryTypes.String},
		{Name: "b_type", Type: arrow.BinaryTypes.String},
		{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
		{Name: "m", Type: arrow.PrimitiveTypes.Int32},
		{Name: "n", Type: arrow.PrimitiveTypes.Int32},
		{Name: "k", Type: arrow.PrimitiveTypes.Int32},
		{Name: "iterations", Type: arrow.PrimitiveTypes.Int64},
		{Name: "seconds", Type: arrow.PrimitiveTypes.Float64},
		{Name: "gflops", Type: arrow.PrimitiveTypes.Float64},
	},
	nil,
)

// benchRecord converts the report into one Arrow record batch.
func benchRecord(mem memory.Allocator, rows []benchRow) arrow.RecordBatch {
	strs := make([]*array.StringBuilder, 5)
	for i := range strs {
		strs[i] = array.NewStringBuilder(mem)
		defer strs[i].Release()
	}
	ints := make([]*array.Int32Builder, 4)
	for i := range ints {
		ints[i] = array.NewInt32Builder(mem)
		defer ints[i].Release()
	}
	iters := array.NewInt64Builder(mem)
	defer iters.Release()
	secs := array.NewFloat64Builder(mem)
	defer secs.Release()
	gflops := array.NewFloat64Builder(mem)
	defer gflops.Release()

	for _, row := range rows {
		strs[0].Append(row.Variant)
		strs[1].Append(row.Shape)
		strs[2].Append(row.Kernel)
		strs[3].Append(row.AType)
		strs[4].Append(row.BType)
		ints[0].Append(int32(row.Batch))
		ints[1].Append(int32(row.M))
		ints[2].Append(int32(row.N))
		ints[3].Append(int32(row.K))
		iters.Append(row.Iterations)
		secs.Append(row.Seconds)
		gflops.Append(row.GFLOPS)
	}

	cols := make([]arrow.Array, 0, len(benchSchema.Fields()))
	for _, b := range strs {
		cols = append(cols, b.NewArray())
	}
	for _, b := range ints {
		cols = append(cols, b.NewArray())
	}
	cols = append(cols, iters.NewArray(), secs.NewArray(), gflops.NewArray())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(benchSchema, cols, int64(len(rows)))
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
