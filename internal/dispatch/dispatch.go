// Package dispatch sits in front of the tiled kernel: it owns the registry of
// compiled variants, picks one per problem shape, sizes the execution group,
// validates the launch and runs it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-mmul/internal/cache"
	"github.com/23skdu/longbow-mmul/internal/dtype"
	"github.com/23skdu/longbow-mmul/internal/kernel"
)

var (
	ErrNoVariants     = errors.New("no kernel variants configured")
	ErrUnknownVariant = errors.New("unknown kernel variant")
)

// Variant is a named tile shape.
type Variant struct {
	Name  string
	Shape kernel.TileShape
}

// DefaultVariants returns the built-in variant set, smallest tile first.
func DefaultVariants() []Variant {
	return []Variant{
		{Name: "t16", Shape: kernel.TileShape{M: 16, N: 16, K: 16, WarpsM: 1, WarpsN: 1, UnrollK: 1, ThreadM: 2, ThreadN: 2}},
		{Name: "t32", Shape: kernel.TileShape{M: 32, N: 32, K: 16, WarpsM: 2, WarpsN: 2, UnrollK: 1, ThreadM: 2, ThreadN: 2}},
		{Name: "t64", Shape: kernel.TileShape{M: 64, N: 64, K: 32, WarpsM: 2, WarpsN: 2, UnrollK: 2, ThreadM: 4, ThreadN: 4}},
		{Name: "t32x128", Shape: kernel.DefaultTileShape},
	}
}

// Config controls a Dispatcher.
type Config struct {
	// Workers bounds concurrently running execution groups per launch.
	Workers  int
	Variants []Variant
	// MaxCachedShapes caps how many problem shapes keep their selection.
	// Shapes past the cap are selected on every call.
	MaxCachedShapes int
}

const defaultMaxCachedShapes = 4096

func DefaultConfig() Config {
	return Config{
		Workers:         runtime.GOMAXPROCS(0),
		Variants:        DefaultVariants(),
		MaxCachedShapes: defaultMaxCachedShapes,
	}
}

type shapeKey struct{ m, n, k int }

type kernelKey struct {
	variant string
	a, b    dtype.Type
}

// Dispatcher selects and runs kernel variants. It is safe for concurrent use.
type Dispatcher struct {
	cfg        Config
	byName     map[string]Variant
	selections *cache.Map[shapeKey, Variant]
	kernels    *cache.Map[kernelKey, any]
}

// New checks every configured variant and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Variants) == 0 {
		return nil, ErrNoVariants
	}
	byName := make(map[string]Variant, len(cfg.Variants))
	for _, v := range cfg.Variants {
		if err := v.Shape.Validate(); err != nil {
			return nil, fmt.Errorf("variant %q: %w", v.Name, err)
		}
		if _, dup := byName[v.Name]; dup {
			return nil, fmt.Errorf("duplicate variant name %q", v.Name)
		}
		byName[v.Name] = v
	}
	if cfg.MaxCachedShapes < 1 {
		cfg.MaxCachedShapes = defaultMaxCachedShapes
	}
	return &Dispatcher{
		cfg:        cfg,
		byName:     byName,
		selections: cache.NewMap[shapeKey, Variant](),
		kernels:    cache.NewMap[kernelKey, any](),
	}, nil
}

// Variants returns the configured variants in registration order.
func (d *Dispatcher) Variants() []Variant {
	return append([]Variant(nil), d.cfg.Variants...)
}

// Lookup returns the variant registered under name.
func (d *Dispatcher) Lookup(name string) (Variant, error) {
	v, ok := d.byName[name]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
	return v, nil
}

// Select returns the variant that wastes the least padded work on an
// m x n x k problem. Ties go to the larger output tile.
func (d *Dispatcher) Select(m, n, k int) Variant {
	key := shapeKey{m, n, k}
	if v, ok := d.selections.Get(key); ok {
		selectionCache.WithLabelValues("hit").Inc()
		return v
	}
	selectionCache.WithLabelValues("miss").Inc()

	best := d.cfg.Variants[0]
	bestWaste := paddedWaste(best.Shape, m, n, k)
	for _, v := range d.cfg.Variants[1:] {
		w := paddedWaste(v.Shape, m, n, k)
		if w < bestWaste || (w == bestWaste && tileArea(v.Shape) > tileArea(best.Shape)) {
			best, bestWaste = v, w
		}
	}

	// Concurrent misses may overshoot the cap by a few entries.
	if d.selections.Size() < d.cfg.MaxCachedShapes {
		d.selections.Put(key, best)
	}
	log.Debug().
		Str("variant", best.Name).
		Str("shape", best.Shape.String()).
		Int("m", m).Int("n", n).Int("k", k).
		Int64("waste", bestWaste).
		Msg("Selected kernel variant")
	return best
}

func paddedWaste(s kernel.TileShape, m, n, k int) int64 {
	tilesM, tilesN := s.Grid(m, n)
	slices := (k + int(s.K) - 1) / int(s.K)
	padded := int64(tilesM*int(s.M)) * int64(tilesN*int(s.N)) * int64(slices*int(s.K))
	return padded - int64(m)*int64(n)*int64(k)
}

func tileArea(s kernel.TileShape) uint32 { return s.M * s.N }

// KernelFor returns the compiled kernel for a variant and element-type pair,
// building it on first use.
func KernelFor[TA, TB dtype.Element](d *Dispatcher, v Variant) (*kernel.Kernel[TA, TB], error) {
	key := kernelKey{variant: v.Name, a: dtype.Of[TA](), b: dtype.Of[TB]()}
	k, loaded, err := d.kernels.GetOrCreate(key, func() (any, error) {
		return kernel.New[TA, TB](v.Shape, d.cfg.Workers)
	})
	if err != nil {
		return nil, err
	}
	if !loaded {
		kernelBuilds.Inc()
		log.Debug().Str("variant", v.Name).Stringer("a", key.a).Stringer("b", key.b).Msg("Built kernel")
	}
	return k.(*kernel.Kernel[TA, TB]), nil
}

// Problem is one batched multiply to dispatch. Variant optionally forces a
// variant by name; empty selects by shape.
type Problem[TA, TB dtype.Element] struct {
	Batch   kernel.BatchParams
	A       kernel.Operand[TA]
	B       kernel.Operand[TB]
	Out     kernel.Outputs
	Variant string
}

// Result describes a completed dispatch.
type Result struct {
	Variant Variant
	Kernel  string
	Groups  int
	FLOPs   int64
	Elapsed time.Duration
}

// Run selects a variant, fills in the execution group size, validates the
// launch and runs it. Validation errors wrap the kernel sentinels.
func Run[TA, TB dtype.Element](ctx context.Context, d *Dispatcher, p Problem[TA, TB]) (Result, error) {
	var (
		v   Variant
		err error
	)
	if p.Variant != "" {
		if v, err = d.Lookup(p.Variant); err != nil {
			return Result{}, err
		}
	} else {
		if p.Batch.M < 1 || p.Batch.N < 1 || p.Batch.K < 1 {
			validationFailures.WithLabelValues(Reason(kernel.ErrInvalidShape)).Inc()
			return Result{}, fmt.Errorf("%w: m=%d n=%d k=%d", kernel.ErrInvalidShape, p.Batch.M, p.Batch.N, p.Batch.K)
		}
		v = d.Select(p.Batch.M, p.Batch.N, p.Batch.K)
	}

	k, err := KernelFor[TA, TB](d, v)
	if err != nil {
		return Result{}, err
	}

	lp := kernel.LaunchParams[TA, TB]{
		Batch: p.Batch,
		A:     p.A,
		B:     p.B,
		Out:   p.Out,
		Group: k.ThreadGroup(),
	}
	if err := kernel.Validate(v.Shape, lp); err != nil {
		validationFailures.WithLabelValues(Reason(err)).Inc()
		return Result{Variant: v, Kernel: k.Name()}, fmt.Errorf("validate %s: %w", k.Name(), err)
	}

	start := time.Now()
	if err := k.Launch(ctx, lp); err != nil {
		return Result{Variant: v, Kernel: k.Name()}, fmt.Errorf("launch %s: %w", k.Name(), err)
	}

	tilesM, tilesN := v.Shape.Grid(p.Batch.M, p.Batch.N)
	return Result{
		Variant: v,
		Kernel:  k.Name(),
		Groups:  p.Batch.Count * tilesM * tilesN,
		FLOPs:   p.Batch.FLOPs(),
		Elapsed: time.Since(start),
	}, nil
}

var reasons = []struct {
	err  error
	name string
}{
	{kernel.ErrInvalidShape, "invalid_shape"},
	{kernel.ErrShapeMismatch, "shape_mismatch"},
	{kernel.ErrBatchMismatch, "batch_mismatch"},
	{kernel.ErrInvalidStride, "invalid_stride"},
	{kernel.ErrOutputOverlap, "output_overlap"},
	{kernel.ErrMissingQuantization, "missing_quantization"},
	{kernel.ErrQuantizationSize, "quantization_size"},
	{kernel.ErrUnexpectedQuantization, "unexpected_quantization"},
	{kernel.ErrMultipleQuantized, "multiple_quantized"},
	{kernel.ErrNoOutput, "no_output"},
	{kernel.ErrThreadGroupSize, "thread_group_size"},
}

// Reason maps a validation error to a short metric label.
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.name
		}
	}
	return "other"
}

// IsValidation reports whether err came from launch validation.
func IsValidation(err error) bool {
	return err != nil && Reason(err) != "other"
}
