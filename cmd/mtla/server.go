package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-mtla/internal/cache"
	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/export"
	"github.com/23skdu/longbow-mtla/internal/mtla"
	"github.com/23skdu/longbow-mtla/internal/scoring"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtla_requests_total",
		Help: "Score requests by transport and outcome",
	}, []string{"transport", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mtla_request_duration_seconds",
		Help:    "Time spent processing score requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"transport"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mtla_cache_lookups_total",
		Help: "Result cache lookups",
	}, []string{"result"})
)

var tracer = otel.Tracer("mtla-server")

// Scorer computes score tensors.
type Scorer interface {
	Score(ctx context.Context, req scoring.Request) ([]float32, error)
}

// ScoreResponse is the body returned by POST /scores (CBOR, or JSON with
// ?format=json).
type ScoreResponse struct {
	Params mtla.Params `cbor:"params" json:"params"`
	Policy string      `cbor:"policy" json:"policy"`
	Scores []float32   `cbor:"scores" json:"scores"`
}

type Server struct {
	scorer  Scorer
	cache   cache.ScoreCache
	alloc   memory.Allocator
	sem     *semaphore.Weighted
	limit   int64
	maxBody int64
	decMode cbor.DecMode
}

// NewServer admits at most maxCells output cells at a time. A nil cache
// disables result caching.
func NewServer(scorer Scorer, c cache.ScoreCache, maxCells int64) *Server {
	maxBody := bodyLimit(maxCells)
	// Every CBOR array element takes at least one byte.
	elements := int(min(maxBody, math.MaxInt32))
	decMode, err := cbor.DecOptions{MaxArrayElements: max(elements, 16)}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decode options: %v", err))
	}
	return &Server{
		scorer:  scorer,
		cache:   c,
		alloc:   memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(maxCells),
		limit:   maxCells,
		maxBody: maxBody,
		decMode: decMode,
	}
}

// bodyLimit bounds a POST /scores body: Q and K as float32 CBOR items with
// cols up to rows fit in 10 bytes per admitted cell, plus 1 MiB of slack.
func bodyLimit(maxCells int64) int64 {
	const slack = 1 << 20
	if maxCells <= 0 {
		return slack
	}
	if maxCells > (math.MaxInt64-slack)/16 {
		return math.MaxInt64
	}
	return 16*maxCells + slack
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/scores", s.handleScores)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// score runs req under admission control and the result cache.
func (s *Server) score(ctx context.Context, req scoring.Request) ([]float32, error) {
	policy, err := req.Validate()
	if err != nil {
		return nil, err
	}
	req.Policy = policy.Name()

	var key string
	if s.cache != nil {
		payload, err := cbor.Marshal(req)
		if err != nil {
			return nil, err
		}
		key = cache.Key(payload)
		if scores, ok := s.cache.Get(key); ok {
			cacheLookups.WithLabelValues("hit").Inc()
			return scores, nil
		}
		cacheLookups.WithLabelValues("miss").Inc()
	}

	weight := req.Cells()
	if weight > s.limit {
		return nil, fmt.Errorf("%w: %d cells exceeds the server limit of %d", device.ErrOutOfMemory, weight, s.limit)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	defer s.sem.Release(weight)

	scores, err := s.scorer.Score(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(key, scores)
	}
	return scores, nil
}

// httpStatus maps score errors to HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, mtla.ErrInvalidShape), errors.Is(err, mtla.ErrBufferAliasing):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrOutOfMemory):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleScores(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScores")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	}()

	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestID)
	span.SetAttributes(attribute.String("request_id", requestID))
	logger := log.With().Str("request_id", requestID).Logger()

	code := http.StatusOK
	defer func() {
		requestsTotal.WithLabelValues("http", fmt.Sprint(code)).Inc()
	}()

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	var req scoring.Request
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := s.decMode.NewDecoder(body).Decode(&req); err != nil {
		span.RecordError(err)
		code = http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		http.Error(w, fmt.Sprintf("CBOR decode: %v", err), code)
		return
	}

	span.SetAttributes(
		attribute.Int("batch_size", req.Params.BatchSize),
		attribute.Int("rows", req.Params.Rows),
		attribute.Int("cols", req.Params.Cols),
		attribute.Int("window", req.Params.Window),
	)

	scores, err := s.score(ctx, req)
	if err != nil {
		span.RecordError(err)
		code = httpStatus(err)
		logger.Error().Err(err).Int("status", code).Msg("Score request failed")
		http.Error(w, err.Error(), code)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "arrow" {
		rec, err := export.NewRecordBatchBuilder(s.alloc).BuildScores(scores, req.Params.BatchSize, req.Params.Rows)
		if err != nil {
			code = http.StatusInternalServerError
			http.Error(w, err.Error(), code)
			return
		}
		defer rec.Release()
		w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
		if err := export.WriteStream(w, rec); err != nil {
			logger.Error().Err(err).Msg("Failed to write arrow stream")
		}
		return
	}

	policy, _ := mtla.ParsePolicy(req.Policy)
	resp := ScoreResponse{Params: req.Params, Policy: policy.Name(), Scores: scores}
	contentType := "application/cbor"
	marshal := cbor.Marshal
	if format == "json" {
		contentType = "application/json"
		marshal = json.Marshal
	}
	out, err := marshal(resp)
	if err != nil {
		code = http.StatusInternalServerError
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(out)
	logger.Debug().Int("cells", len(scores)).Str("format", contentType).Msg("Served scores")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// serve runs the HTTP and Flight servers named in opts until ctx is done or
// one of them fails.
func serve(ctx context.Context, opts options, scorer *scoring.Scorer) error {
	var c cache.ScoreCache
	if opts.CacheSize > 0 {
		c = cache.NewMapCache(opts.CacheSize)
	}
	srv := NewServer(scorer, c, opts.MaxCells)
	log.Info().Int64("max_cells", opts.MaxCells).Int("cache_size", opts.CacheSize).Msg("Admission control")

	g, ctx := errgroup.WithContext(ctx)

	if opts.ListenAddr != "" {
		httpServer := &http.Server{
			Addr:              opts.ListenAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		g.Go(func() error {
			log.Info().Str("addr", opts.ListenAddr).Msg("Starting mtla HTTP server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if opts.FlightAddr != "" {
		fs, err := newFlightServer(opts.FlightAddr, srv)
		if err != nil {
			return err
		}
		g.Go(func() error {
			log.Info().Str("addr", fs.Addr().String()).Msg("Starting mtla Flight server")
			return fs.Serve()
		})
		g.Go(func() error {
			<-ctx.Done()
			fs.Shutdown()
			return nil
		})
	}

	return g.Wait()
}
