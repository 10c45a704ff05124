package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/x448/float16"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-mmul/internal/dispatch"
	"github.com/23skdu/longbow-mmul/internal/dtype"
	"github.com/23skdu/longbow-mmul/internal/kernel"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmul_server_requests_total",
		Help: "Matmul requests by HTTP status code",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mmul_server_request_duration_seconds",
		Help:    "Time spent processing matmul requests",
		Buckets: prometheus.DefBuckets,
	})

	inflightFLOPs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mmul_server_inflight_flops",
		Help: "FLOPs admitted and not yet finished",
	})
)

var errBadRequest = errors.New("bad request")

// Tensor is one operand on the wire. Exactly the payload field matching Type
// is read; F16 carries IEEE half-precision bit patterns.
type Tensor struct {
	Type       string    `cbor:"type" json:"type"`
	F32        []float32 `cbor:"f32,omitempty" json:"f32,omitempty"`
	F16        []uint16  `cbor:"f16,omitempty" json:"f16,omitempty"`
	I16        []int16   `cbor:"i16,omitempty" json:"i16,omitempty"`
	I8         []int8    `cbor:"i8,omitempty" json:"i8,omitempty"`
	Scale      float32   `cbor:"scale,omitempty" json:"scale,omitempty"`
	Scales     []float32 `cbor:"scales,omitempty" json:"scales,omitempty"`
	ZeroPoint  int16     `cbor:"zero_point,omitempty" json:"zero_point,omitempty"`
	ZeroPoints []int16   `cbor:"zero_points,omitempty" json:"zero_points,omitempty"`
	// Transposed means the buffer stores the logical matrix transposed.
	Transposed bool `cbor:"transposed,omitempty" json:"transposed,omitempty"`
	// Broadcast means the buffer holds one matrix used for every batch.
	Broadcast bool `cbor:"broadcast,omitempty" json:"broadcast,omitempty"`
}

// MatmulRequest asks for C[b] = A[b]·B[b] over a batch of row-major matrices.
type MatmulRequest struct {
	Batch int    `cbor:"batch" json:"batch"`
	M     int    `cbor:"m" json:"m"`
	N     int    `cbor:"n" json:"n"`
	K     int    `cbor:"k" json:"k"`
	A     Tensor `cbor:"a" json:"a"`
	B     Tensor `cbor:"b" json:"b"`
	// Output is "f32" (default), "f16" or "both".
	Output  string `cbor:"output,omitempty" json:"output,omitempty"`
	Variant string `cbor:"variant,omitempty" json:"variant,omitempty"`
}

// FLOPs is the admission weight of the request.
func (r *MatmulRequest) FLOPs() int64 {
	return kernel.BatchParams{Count: r.Batch, M: r.M, N: r.N, K: r.K}.FLOPs()
}

type MatmulResponse struct {
	RequestID     string    `cbor:"request_id" json:"request_id"`
	Variant       string    `cbor:"variant" json:"variant"`
	Kernel        string    `cbor:"kernel" json:"kernel"`
	Batch         int       `cbor:"batch" json:"batch"`
	M             int       `cbor:"m" json:"m"`
	N             int       `cbor:"n" json:"n"`
	F32           []float32 `cbor:"f32,omitempty" json:"f32,omitempty"`
	F16           []uint16  `cbor:"f16,omitempty" json:"f16,omitempty"`
	ElapsedMicros int64     `cbor:"elapsed_us" json:"elapsed_us"`
}

// Multiplier executes decoded requests.
type Multiplier interface {
	Multiply(ctx context.Context, req *MatmulRequest) (*MatmulResponse, error)
}

type dispatchMultiplier struct {
	d *dispatch.Dispatcher
}

func (m dispatchMultiplier) Multiply(ctx context.Context, req *MatmulRequest) (*MatmulResponse, error) {
	a, err := dtype.Parse(req.A.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	b, err := dtype.Parse(req.B.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	run, err := runnerFor(a, b)
	if err != nil {
		return nil, err
	}
	return run.multiply(ctx, m.d, req)
}

func (typed[TA, TB]) multiply(ctx context.Context, d *dispatch.Dispatcher, req *MatmulRequest) (*MatmulResponse, error) {
	bp := kernel.BatchParams{
		Count:  req.Batch,
		M:      req.M,
		N:      req.N,
		K:      req.K,
		TransA: req.A.Transposed,
		TransB: req.B.Transposed,
	}
	p := dispatch.Problem[TA, TB]{
		Batch:   bp,
		A:       wireOperand[TA](req.A, bp.M, bp.K, bp.TransA),
		B:       wireOperand[TB](req.B, bp.K, bp.N, bp.TransB),
		Variant: req.Variant,
	}

	if bp.FLOPs() == math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d x %d x %d x %d is too large", errBadRequest, bp.Count, bp.M, bp.N, bp.K)
	}

	resp := &MatmulResponse{Batch: req.Batch, M: req.M, N: req.N}
	size := 0
	if bp.Count > 0 && bp.M > 0 && bp.N > 0 && bp.K > 0 {
		size = bp.Count * bp.M * bp.N
	}
	switch req.Output {
	case "", "f32":
		p.Out.Wide = &kernel.Matrix[float32]{Data: make([]float32, size), Layout: kernel.RowMajor(bp.M, bp.N)}
	case "f16":
		p.Out.Narrow = &kernel.Matrix[float16.Float16]{Data: make([]float16.Float16, size), Layout: kernel.RowMajor(bp.M, bp.N)}
	case "both":
		p.Out.Wide = &kernel.Matrix[float32]{Data: make([]float32, size), Layout: kernel.RowMajor(bp.M, bp.N)}
		p.Out.Narrow = &kernel.Matrix[float16.Float16]{Data: make([]float16.Float16, size), Layout: kernel.RowMajor(bp.M, bp.N)}
	default:
		return nil, fmt.Errorf("%w: output %q", errBadRequest, req.Output)
	}

	res, err := dispatch.Run(ctx, d, p)
	if err != nil {
		return nil, err
	}

	resp.Variant = res.Variant.Name
	resp.Kernel = res.Kernel
	resp.ElapsedMicros = res.Elapsed.Microseconds()
	if p.Out.Wide != nil {
		resp.F32 = p.Out.Wide.Data
	}
	if p.Out.Narrow != nil {
		resp.F16 = make([]uint16, len(p.Out.Narrow.Data))
		for i, h := range p.Out.Narrow.Data {
			resp.F16[i] = h.Bits()
		}
	}
	return resp, nil
}

// wireOperand builds a kernel operand for a logical rows x cols matrix from
// its wire form. Shape errors are left to launch validation.
func wireOperand[T dtype.Element](t Tensor, rows, cols int, trans bool) kernel.Operand[T] {
	if trans {
		rows, cols = cols, rows
	}
	layout := kernel.RowMajor(rows, cols)
	if t.Broadcast {
		layout.BatchStride, layout.Batches = 0, 1
	}

	op := kernel.Operand[T]{Matrix: kernel.Matrix[T]{Data: wireData[T](t), Layout: layout}}
	if t.Scale != 0 || t.Scales != nil || t.ZeroPoint != 0 || t.ZeroPoints != nil {
		op.Quant = &kernel.QuantParams{
			Scale:      t.Scale,
			Scales:     t.Scales,
			ZeroPoint:  t.ZeroPoint,
			ZeroPoints: t.ZeroPoints,
		}
	}
	return op
}

func wireData[T dtype.Element](t Tensor) []T {
	var data any
	switch dtype.Of[T]() {
	case dtype.Float32:
		data = t.F32
	case dtype.Float16:
		h := make([]float16.Float16, len(t.F16))
		for i, bits := range t.F16 {
			h[i] = float16.Frombits(bits)
		}
		data = h
	case dtype.Int16:
		data = t.I16
	case dtype.Int8:
		data = t.I8
	}
	return data.([]T)
}

type Server struct {
	mult     Multiplier
	sem      *semaphore.Weighted
	maxFLOPs int64
}

func NewServer(mult Multiplier, maxFLOPs int64) *Server {
	return &Server{
		mult:     mult,
		sem:      semaphore.NewWeighted(maxFLOPs),
		maxFLOPs: maxFLOPs,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/matmul", s.handleMatmul)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, mult Multiplier, maxFLOPs int64) {
	srv := NewServer(mult, maxFLOPs)

	log.Info().Str("addr", addr).Int64("max_flops", maxFLOPs).Msg("Starting mmul server")
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("mmul-server")

func (s *Server) handleMatmul(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleMatmul")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	}()
	fail := func(status int, msg string, err error) {
		code = status
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("%s: %v", msg, err), status)
	}

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	reqID := r.Header.Get("X-Request-ID")
	if reqID == "" {
		reqID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", reqID)
	useJSON := isJSON(r.Header.Get("Content-Type"))

	var req MatmulRequest
	var err error
	if useJSON {
		err = json.NewDecoder(r.Body).Decode(&req)
	} else {
		err = cbor.NewDecoder(r.Body).Decode(&req)
	}
	if err != nil {
		fail(http.StatusBadRequest, "Bad Request (decode)", err)
		return
	}
	span.SetAttributes(
		attribute.String("request_id", reqID),
		attribute.Int("batch", req.Batch),
		attribute.Int("m", req.M),
		attribute.Int("n", req.N),
		attribute.Int("k", req.K),
		attribute.String("a_type", req.A.Type),
		attribute.String("b_type", req.B.Type),
	)

	// Admission control
	weight := req.FLOPs()
	if weight > s.maxFLOPs {
		fail(http.StatusServiceUnavailable, "Server busy", fmt.Errorf("request needs %d FLOPs, limit is %d", weight, s.maxFLOPs))
		return
	}
	if weight < 1 {
		weight = 1
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Str("request_id", reqID).Msg("Failed to acquire semaphore")
		fail(http.StatusServiceUnavailable, "Server busy", err)
		return
	}
	inflightFLOPs.Add(float64(weight))
	defer func() {
		inflightFLOPs.Sub(float64(weight))
		s.sem.Release(weight)
	}()

	resp, err := s.mult.Multiply(ctx, &req)
	switch {
	case err == nil:
	case errors.Is(err, errBadRequest):
		fail(http.StatusBadRequest, "Bad Request", err)
		return
	case dispatch.IsValidation(err), errors.Is(err, dispatch.ErrUnknownVariant):
		fail(http.StatusUnprocessableEntity, "Invalid matmul", err)
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		fail(http.StatusServiceUnavailable, "Cancelled", err)
		return
	default:
		log.Error().Err(err).Str("request_id", reqID).Msg("Matmul failed")
		fail(http.StatusInternalServerError, "Matmul failed", err)
		return
	}

	resp.RequestID = reqID
	log.Debug().
		Str("request_id", reqID).
		Str("kernel", resp.Kernel).
		Int64("elapsed_us", resp.ElapsedMicros).
		Msg("Matmul done")

	var body []byte
	if useJSON {
		body, err = json.Marshal(resp)
		w.Header().Set("Content-Type", "application/json")
	} else {
		body, err = cbor.Marshal(resp)
		w.Header().Set("Content-Type", "application/cbor")
	}
	if err != nil {
		fail(http.StatusInternalServerError, "Encode response", err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
