package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-mmul/internal/dispatch"
	"github.com/23skdu/longbow-mmul/internal/dtype"
)

var (
	mode       = flag.String("mode", "verify", "Run mode: verify, bench or serve")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	workers    = flag.Int("workers", 0, "Execution groups run concurrently per launch (0 = GOMAXPROCS)")
	configPath = flag.String("config", "", "YAML dispatcher config (workers, variants)")
	debug      = flag.Bool("debug", false, "Enable debug logging")

	listenAddr = flag.String("listen", ":8080", "Address to listen on in serve mode")
	maxFLOPs   = flag.Int64("max-flops", 1<<34, "Admission limit on FLOPs in flight across serve requests")

	batch      = flag.Int("batch", 8, "Bench batch count")
	dimM       = flag.Int("m", 256, "Bench rows of A and C")
	dimN       = flag.Int("n", 256, "Bench columns of B and C")
	dimK       = flag.Int("k", 256, "Bench shared dimension")
	aType      = flag.String("a-type", "f32", "Bench element type of A (f32, f16, i16, i8)")
	bType      = flag.String("b-type", "f32", "Bench element type of B (f32, f16, i16, i8)")
	duration   = flag.Duration("duration", 2*time.Second, "Bench time per variant")
	reportPath = flag.String("report", "", "Bench Arrow IPC report path (default stdout)")

	seed   = flag.Uint64("seed", 1, "Random seed for verify and bench data")
	sweeps = flag.Int("sweeps", 20, "Random problems per type pair in verify mode")
)

func main() {
	os.Exit(run())
}

func run() int {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	cfg := dispatch.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = dispatch.LoadConfigFile(*configPath); err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load dispatcher config")
		}
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	d, err := dispatch.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create dispatcher")
	}
	log.Info().Int("workers", cfg.Workers).Int("variants", len(cfg.Variants)).Msg("Dispatcher ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch *mode {
	case "serve":
		startServer(*listenAddr, dispatchMultiplier{d: d}, *maxFLOPs)

	case "verify":
		start := time.Now()
		failed := runVerify(ctx, d, *seed, *sweeps)
		if failed > 0 {
			log.Error().Int("failed", failed).Msg("Verification failed")
			return 1
		}
		log.Info().Dur("elapsed", time.Since(start)).Msg("All checks passed")

	case "bench":
		if err := bench(ctx, d); err != nil {
			log.Error().Err(err).Msg("Benchmark failed")
			return 1
		}

	default:
		log.Error().Str("mode", *mode).Msg("Unknown mode")
		return 2
	}
	return 0
}

func bench(ctx context.Context, d *dispatch.Dispatcher) error {
	a, err := dtype.Parse(*aType)
	if err != nil {
		return err
	}
	b, err := dtype.Parse(*bType)
	if err != nil {
		return err
	}
	pair, err := runnerFor(a, b)
	if err != nil {
		return err
	}

	cfg := benchConfig{Batch: *batch, M: *dimM, N: *dimN, K: *dimK, Duration: *duration, Seed: *seed}
	log.Info().
		Stringer("a", a).Stringer("b", b).
		Int("batch", cfg.Batch).Int("m", cfg.M).Int("n", cfg.N).Int("k", cfg.K).
		Dur("duration", cfg.Duration).
		Msg("Starting benchmark")

	rows, err := runBench(ctx, d, pair, cfg, os.Stderr)
	if err != nil {
		return err
	}

	rec := benchRecord(memory.NewGoAllocator(), rows)
	defer rec.Release()

	var out io.Writer = os.Stdout
	if *reportPath != "" {
		f, err := os.Create(*reportPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := writeArrowStream(out, rec); err != nil {
		return err
	}
	if *reportPath != "" {
		log.Info().Str("path", *reportPath).Int("rows", len(rows)).Msg("Wrote benchmark report")
	}
	return nil
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("mmul"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
