package kernel

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-mmul/internal/dtype"
	"github.com/23skdu/longbow-mmul/internal/simd"
)

var tracer = otel.Tracer("mmul-kernel")

// Kernel is one compiled variant of the tiled batched matmul: the operand
// element types and the tile shape are fixed when it is built.
type Kernel[TA, TB dtype.Element] struct {
	shape   TileShape
	name    string
	workers int

	widenA func(TA) float32
	widenB func(TB) float32

	// Derived from shape.
	tm, tn, tk int
	thM, thN   int
	unroll     int
	warps      int
	warpsN     int
	warpRows   int
	warpCols   int
	laneCols   int
	lanes      int
	threads    int

	shared sync.Pool

	// afterGroup, when set, runs after each completed execution group.
	afterGroup func()
}

// New builds a kernel variant. workers bounds how many execution groups run
// at once; zero or less uses GOMAXPROCS.
func New[TA, TB dtype.Element](shape TileShape, workers int) (*Kernel[TA, TB], error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	warpRows, warpCols := shape.WarpTile()
	k := &Kernel[TA, TB]{
		shape:    shape,
		name:     fmt.Sprintf("mmul_%s_%s_%dx%dx%d", dtype.Of[TA](), dtype.Of[TB](), shape.M, shape.N, shape.K),
		workers:  workers,
		widenA:   dtype.Widener[TA](),
		widenB:   dtype.Widener[TB](),
		tm:       int(shape.M),
		tn:       int(shape.N),
		tk:       int(shape.K),
		thM:      int(shape.ThreadM),
		thN:      int(shape.ThreadN),
		unroll:   int(shape.UnrollK),
		warpsN:   int(shape.WarpsN),
		warpRows: warpRows,
		warpCols: warpCols,
		laneCols: warpCols / int(shape.ThreadN),
		lanes:    shape.LanesPerWarp(),
		threads:  shape.ThreadsPerGroup(),
		warps:    shape.Warps(),
	}
	k.shared.New = func() any {
		stagingAllocs.Inc()
		return newGroupShared(shape)
	}
	return k, nil
}

// Name identifies the variant, e.g. mmul_f32_i8_32x128x16.
func (k *Kernel[TA, TB]) Name() string { return k.name }

// Shape returns the tile shape the variant was built with.
func (k *Kernel[TA, TB]) Shape() TileShape { return k.shape }

// ThreadGroup returns the group size a launch of this variant must supply.
func (k *Kernel[TA, TB]) ThreadGroup() ThreadGroupSize { return ThreadGroupFor(k.shape) }

// ValidateAndLaunch runs Validate and, if it passes, Launch.
func (k *Kernel[TA, TB]) ValidateAndLaunch(ctx context.Context, p LaunchParams[TA, TB]) error {
	if err := Validate(k.shape, p); err != nil {
		return err
	}
	return k.Launch(ctx, p)
}

// Launch computes C[b] = A[b]·B[b] for every batch index and writes each
// requested output. Parameters are not checked; call Validate first.
//
// Execution groups run concurrently in no defined order. Cancelling ctx
// stops groups that have not started yet. Groups already finished keep
// their output, and Launch returns the context error.
func (k *Kernel[TA, TB]) Launch(ctx context.Context, p LaunchParams[TA, TB]) error {
	bp := p.Batch
	ctx, span := tracer.Start(ctx, "kernel.Launch", trace.WithAttributes(
		attribute.String("variant", k.name),
		attribute.Int("batch", bp.Count),
		attribute.Int("m", bp.M),
		attribute.Int("n", bp.N),
		attribute.Int("k", bp.K),
	))
	defer span.End()

	start := time.Now()
	l := k.newLaunch(&p)

	tilesM, tilesN := k.shape.Grid(bp.M, bp.N)
	perBatch := tilesM * tilesN
	total := bp.Count * perBatch

	var completed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.workers)
	for id := 0; id < total; id++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t := id % perBatch
			k.runGroup(l, id/perBatch, (t/tilesN)*k.tm, (t%tilesN)*k.tn)
			completed.Add(1)
			if k.afterGroup != nil {
				k.afterGroup()
			}
			return nil
		})
	}
	err := g.Wait()
	if err == nil && completed.Load() < int64(total) {
		err = ctx.Err()
	}

	groupsTotal.WithLabelValues(k.name).Add(float64(completed.Load()))
	if err != nil {
		launchesTotal.WithLabelValues(k.name, "aborted").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch aborted")
		return err
	}

	launchesTotal.WithLabelValues(k.name, "ok").Inc()
	launchDuration.WithLabelValues(k.name).Observe(time.Since(start).Seconds())
	flopsTotal.WithLabelValues(k.name).Add(float64(bp.FLOPs()))
	return nil
}

// launch holds per-launch state shared read-only by every group. The
// transpose and quantization branches are resolved here, once.
type launch struct {
	p      BatchParams
	fetchA func(b, i, kk int) float32
	fetchB func(b, kk, j int) float32
	wide   *Matrix[float32]
	narrow *Matrix[float16.Float16]
}

func (k *Kernel[TA, TB]) newLaunch(p *LaunchParams[TA, TB]) *launch {
	return &launch{
		p:      p.Batch,
		fetchA: fetcher(&p.A, k.widenA, p.Batch.TransA, false),
		fetchB: fetcher(&p.B, k.widenB, p.Batch.TransB, true),
		wide:   p.Out.Wide,
		narrow: p.Out.Narrow,
	}
}

// fetcher returns a reader for logical element (row, col) of batch b of an
// operand, widened and dequantized. A transposed operand is read through a
// layout with swapped strides. The quantization channel is the logical row
// for A and the logical column for B.
func fetcher[T dtype.Element](op *Operand[T], widen func(T) float32, trans, channelIsCol bool) func(b, row, col int) float32 {
	data, l, q := op.Data, op.Layout, op.Quant
	if trans {
		l.RowStride, l.ColStride = l.ColStride, l.RowStride
	}
	at := func(b, row, col int) T {
		return data[l.index(b, row, col)]
	}
	if q == nil {
		return func(b, row, col int) float32 {
			return widen(at(b, row, col))
		}
	}
	if channelIsCol {
		return func(b, row, col int) float32 {
			return dtype.Dequantize(widen(at(b, row, col)), q.zeroAt(col), q.scaleAt(col))
		}
	}
	return func(b, row, col int) float32 {
		return dtype.Dequantize(widen(at(b, row, col)), q.zeroAt(row), q.scaleAt(row))
	}
}

// runGroup executes one execution group: the output tile at (row0, col0) of
// batch b, with one goroutine per SIMD group.
func (k *Kernel[TA, TB]) runGroup(l *launch, b, row0, col0 int) {
	sh := k.shared.Get().(*groupShared)
	defer k.shared.Put(sh)

	if k.warps == 1 {
		k.runWarp(l, sh, 0, b, row0, col0)
		return
	}

	var wg sync.WaitGroup
	for w := 0; w < k.warps; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			k.runWarp(l, sh, w, b, row0, col0)
		}(w)
	}
	wg.Wait()
}

func (k *Kernel[TA, TB]) runWarp(l *launch, sh *groupShared, w, b, row0, col0 int) {
	acc := sh.acc[w]
	clear(acc)
	aFrag := sh.frags[w][:k.thM]
	bFrag := sh.frags[w][k.thM:]
	warpRow := (w / k.warpsN) * k.warpRows
	warpCol := (w % k.warpsN) * k.warpCols

	for k0 := 0; k0 < l.p.K; k0 += k.tk {
		depth := min(k.tk, l.p.K-k0)

		k.stageA(l, sh.a, w, b, row0, k0)
		k.stageB(l, sh.b, w, b, k0, col0)
		sh.bar.Wait() // staging complete

		k.accumulate(sh, acc, aFrag, bFrag, warpRow, warpCol, depth)
		sh.bar.Wait() // staging tiles free for the next slice
	}

	k.spill(sh.c, acc, warpRow, warpCol)
	sh.bar.Wait() // C tile complete
	k.store(l, sh.c, w, b, row0, col0)
}

// stageA copies the M x K slice of A at (row0, k0) into staging. Threads of
// the group take elements in a strided pattern; elements outside the matrix
// are staged as zero.
func (k *Kernel[TA, TB]) stageA(l *launch, dst []float32, w, b, row0, k0 int) {
	total := k.tm * k.tk
	for e0 := w * k.lanes; e0 < total; e0 += k.threads {
		end := min(e0+k.lanes, total)
		for e := e0; e < end; e++ {
			i, kk := row0+e/k.tk, k0+e%k.tk
			if i >= l.p.M || kk >= l.p.K {
				dst[e] = 0
				continue
			}
			dst[e] = l.fetchA(b, i, kk)
		}
	}
}

// stageB copies the K x N slice of B at (k0, col0) into staging.
func (k *Kernel[TA, TB]) stageB(l *launch, dst []float32, w, b, k0, col0 int) {
	total := k.tk * k.tn
	for e0 := w * k.lanes; e0 < total; e0 += k.threads {
		end := min(e0+k.lanes, total)
		for e := e0; e < end; e++ {
			kk, j := k0+e/k.tn, col0+e%k.tn
			if kk >= l.p.K || j >= l.p.N {
				dst[e] = 0
				continue
			}
			dst[e] = l.fetchB(b, kk, j)
		}
	}
}

// accumulate runs every lane of one SIMD group over the valid depth of the
// staged slice. Depth steps are issued unroll at a time, in ascending order.
func (k *Kernel[TA, TB]) accumulate(sh *groupShared, acc, aFrag, bFrag []float32, warpRow, warpCol, depth int) {
	block := k.thM * k.thN
	for lane := 0; lane < k.lanes; lane++ {
		r0 := warpRow + (lane/k.laneCols)*k.thM
		c0 := warpCol + (lane%k.laneCols)*k.thN
		regs := acc[lane*block : lane*block+block]

		kk := 0
		for ; kk+k.unroll <= depth; kk += k.unroll {
			for u := 0; u < k.unroll; u++ {
				k.step(sh, regs, aFrag, bFrag, r0, c0, kk+u)
			}
		}
		for ; kk < depth; kk++ {
			k.step(sh, regs, aFrag, bFrag, r0, c0, kk)
		}
	}
}

func (k *Kernel[TA, TB]) step(sh *groupShared, regs, aFrag, bFrag []float32, r0, c0, kk int) {
	simd.Gather(aFrag, sh.a, r0*k.tk+kk, k.tk, k.thM)
	copy(bFrag, sh.b[kk*k.tn+c0:kk*k.tn+c0+k.thN])
	simd.OuterAccumulate(regs, aFrag, bFrag)
}

// spill writes each lane's register block into the shared C tile.
func (k *Kernel[TA, TB]) spill(c, acc []float32, warpRow, warpCol int) {
	block := k.thM * k.thN
	for lane := 0; lane < k.lanes; lane++ {
		r0 := warpRow + (lane/k.laneCols)*k.thM
		c0 := warpCol + (lane%k.laneCols)*k.thN
		regs := acc[lane*block : lane*block+block]
		for r := 0; r < k.thM; r++ {
			copy(c[(r0+r)*k.tn+c0:(r0+r)*k.tn+c0+k.thN], regs[r*k.thN:(r+1)*k.thN])
		}
	}
}

// store writes the C tile to every requested output. Lanes whose element
// falls outside the M x N matrix skip the write.
func (k *Kernel[TA, TB]) store(l *launch, c []float32, w, b, row0, col0 int) {
	rows := min(k.tm, l.p.M-row0)
	cols := min(k.tn, l.p.N-col0)
	total := k.tm * k.tn
	for e0 := w * k.lanes; e0 < total; e0 += k.threads {
		end := min(e0+k.lanes, total)
		for e := e0; e < end; e++ {
			i, j := e/k.tn, e%k.tn
			if i >= rows || j >= cols {
				continue
			}
			v := c[e]
			if o := l.wide; o != nil {
				o.Data[o.Layout.index(b, row0+i, col0+j)] = v
			}
			if o := l.narrow; o != nil {
				o.Data[o.Layout.index(b, row0+i, col0+j)] = float16.Fromfloat32(v)
			}
		}
	}
}
