package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-mtla/internal/client"
	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/export"
	"github.com/23skdu/longbow-mtla/internal/mtla"
	"github.com/23skdu/longbow-mtla/internal/scoring"
	"github.com/23skdu/longbow-mtla/internal/simd"
)

type options struct {
	Rows      int
	Cols      int
	Window    int
	BatchSize int
	Fill      float64
	Sentinel  float64
	Policy    string
	Workers   int

	Backend  string
	MaxBytes string

	Format   string
	Verify   bool
	ShowMask bool

	ServerAddr  string
	ListenAddr  string
	FlightAddr  string
	MaxCells    int64
	CacheSize   int
	Duration    time.Duration
	Concurrency int

	ConfigPath string
	LogLevel   string
	EnableOTel bool
	CPUProfile string
}

func (o options) params() mtla.Params {
	return mtla.Params{Cols: o.Cols, Rows: o.Rows, BatchSize: o.BatchSize, Window: o.Window}
}

// request builds the driver's constant-filled request.
func (o options) request() scoring.Request {
	p := o.params()
	n := p.InputShape().Elements()
	if n < 0 {
		n = 0
	}
	q := make([]float32, n)
	for i := range q {
		q[i] = float32(o.Fill)
	}
	k := make([]float32, n)
	copy(k, q)
	return scoring.Request{
		Header: scoring.Header{Params: p, Policy: o.Policy, Sentinel: float32(o.Sentinel)},
		Q:      q,
		K:      k,
	}
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("mtla", flag.ContinueOnError)
	fs.IntVar(&o.Rows, "rows", 24, "Sequence length (rows of Q and K)")
	fs.IntVar(&o.Cols, "cols", 4, "Head dimension (columns of Q and K)")
	fs.IntVar(&o.Window, "window", 6, "Attention window")
	fs.IntVar(&o.BatchSize, "batch", 2, "Batch size")
	fs.Float64Var(&o.Fill, "fill", 1.0, "Value to fill Q and K with")
	fs.Float64Var(&o.Sentinel, "sentinel", 0, "Value left in masked cells")
	fs.StringVar(&o.Policy, "policy", "symmetric", "Masking policy (symmetric, causal, strided)")
	fs.IntVar(&o.Workers, "workers", 0, "Kernel workers (0 = number of CPUs)")
	fs.StringVar(&o.Backend, "backend", "cpu", "Device backend")
	fs.StringVar(&o.MaxBytes, "max-bytes", "0", "Device memory limit for admission control (e.g. 4GB, 512MB)")
	fs.StringVar(&o.Format, "format", "text", "Output format: text, json or arrow")
	fs.BoolVar(&o.Verify, "verify", false, "Check results against the dense reference")
	fs.BoolVar(&o.ShowMask, "mask", false, "Print the policy fan-in table and exit")
	fs.StringVar(&o.ServerAddr, "server", "", "Remote mtla Flight server (e.g. localhost:9090)")
	fs.StringVar(&o.ListenAddr, "listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	fs.StringVar(&o.FlightAddr, "flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	fs.Int64Var(&o.MaxCells, "max-cells", 1<<24, "Maximum score cells computed concurrently by the servers")
	fs.IntVar(&o.CacheSize, "cache-size", 1024, "Result cache entries (0 disables)")
	fs.DurationVar(&o.Duration, "duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	fs.IntVar(&o.Concurrency, "concurrency", 4, "Concurrent launches during a soak test")
	fs.StringVar(&o.ConfigPath, "config", "", "YAML config file")
	fs.StringVar(&o.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&o.EnableOTel, "otel", false, "Enable OpenTelemetry tracing (stdout)")
	fs.StringVar(&o.CPUProfile, "cpuprofile", "", "Write cpu profile to file")

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	cfg, err := LoadConfig(o.ConfigPath)
	if err != nil {
		return o, err
	}
	cfg.apply(&o, setFlags(fs))
	return o, nil
}

func parseBytes(s string) int64 {
	// 4GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	_, _ = fmt.Sscanf(s, "%d%s", &val, &unit)

	switch strings.ToUpper(unit) {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("Invalid arguments")
	}

	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", opts.LogLevel).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	if opts.EnableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if opts.CPUProfile != "" {
		f, err := os.Create(opts.CPUProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if opts.ShowMask {
		policy, err := mtla.ParsePolicy(opts.Policy)
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid policy")
		}
		printMask(os.Stdout, policy, opts.Rows, opts.Window)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := device.NewBackend(device.Config{
		Name:     opts.Backend,
		Workers:  opts.Workers,
		MaxBytes: parseBytes(opts.MaxBytes),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create backend")
	}
	log.Info().
		Str("backend", backend.Name()).
		Int("workers", backend.Workers()).
		Str("max_bytes", opts.MaxBytes).
		Strs("simd", simd.Features()).
		Str("blas", device.BLASImplementation()).
		Msg("Device ready")
	scorer := scoring.NewScorer(backend)

	// Server Mode
	if opts.ListenAddr != "" || opts.FlightAddr != "" {
		if err := serve(ctx, opts, scorer); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	score := scorer.Score
	if opts.ServerAddr != "" {
		fc, err := client.NewFlightClient(opts.ServerAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create flight client")
		}
		defer func() {
			if err := fc.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()
		log.Info().Str("addr", opts.ServerAddr).Msg("Scoring on remote Flight server")
		score = fc.Scores
	}

	if opts.Duration > 0 {
		if err := soak(ctx, score, opts); err != nil {
			log.Fatal().Err(err).Msg("Soak test failed")
		}
		return
	}

	if err := runDriver(ctx, score, opts, os.Stdout); err != nil {
		log.Fatal().Err(err).Msg("Driver failed")
	}
}

// scoreFunc computes one request, locally or over Flight.
type scoreFunc func(ctx context.Context, req scoring.Request) ([]float32, error)

var errVerify = errors.New("verification failed")

// runDriver runs one constant-filled launch and writes the result to w.
func runDriver(ctx context.Context, score scoreFunc, opts options, w io.Writer) error {
	req := opts.request()
	start := time.Now()
	scores, err := score(ctx, req)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	p := req.Params
	log.Info().
		Str("policy", opts.Policy).
		Str("shape", p.OutputShape().String()).
		Dur("elapsed", elapsed).
		Msg("Computed scores")

	if opts.Verify {
		policy, err := mtla.ParsePolicy(opts.Policy)
		if err != nil {
			return err
		}
		want := mtla.Reference(req.Q, req.K, p, policy, req.Sentinel)
		if bad := mismatches(scores, want); bad > 0 {
			return fmt.Errorf("%w: %d of %d cells differ from the reference", errVerify, bad, len(want))
		}
		log.Info().Int("cells", len(want)).Msg("Verified against dense reference")
	}

	switch opts.Format {
	case "text":
		printScores(w, scores, p)
		return nil
	case "json":
		policy, err := mtla.ParsePolicy(opts.Policy)
		if err != nil {
			return err
		}
		return json.NewEncoder(w).Encode(ScoreResponse{Params: p, Policy: policy.Name(), Scores: scores})
	case "arrow":
		rec, err := export.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildScores(scores, p.BatchSize, p.Rows)
		if err != nil {
			return err
		}
		defer rec.Release()
		return export.WriteStream(w, rec)
	default:
		return fmt.Errorf("unknown output format %q", opts.Format)
	}
}

func mismatches(got, want []float32) int {
	if len(got) != len(want) {
		return max(len(got), len(want))
	}
	bad := 0
	for i := range want {
		if got[i] != want[i] && !(math.IsNaN(float64(got[i])) && math.IsNaN(float64(want[i]))) {
			bad++
		}
	}
	return bad
}

func printScores(w io.Writer, scores []float32, p mtla.Params) {
	for b := 0; b < p.BatchSize; b++ {
		fmt.Fprintf(w, "batch %d:\n", b)
		for i := 0; i < p.Rows; i++ {
			row := scores[(b*p.Rows+i)*p.Rows : (b*p.Rows+i+1)*p.Rows]
			for j, v := range row {
				if j > 0 {
					fmt.Fprint(w, ", ")
				}
				fmt.Fprintf(w, "%g", v)
			}
			fmt.Fprintln(w)
		}
	}
}

// printMask writes the fan-in of every (query, key) cell; 0 is masked.
func printMask(w io.Writer, policy mtla.Policy, rows, window int) {
	fmt.Fprintf(w, "%s window=%d:\n", policy.Name(), window)
	for i := 0; i < rows; i++ {
		for j := 0; j < rows; j++ {
			if j > 0 {
				fmt.Fprint(w, " ")
			}
			n := 0
			if mtla.Allows(policy, i, j, rows, window) {
				n = policy.Fanin(i, j, window)
			}
			fmt.Fprintf(w, "%d", n)
		}
		fmt.Fprintln(w)
	}
}

// soak runs concurrent launches until opts.Duration has passed.
func soak(ctx context.Context, score scoreFunc, opts options) error {
	log.Info().Str("duration", opts.Duration.String()).Int("concurrency", opts.Concurrency).Msg("Starting soak test")
	req := opts.request()
	cells := req.Cells()

	ctx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	start := time.Now()
	var launches atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < max(1, opts.Concurrency); w++ {
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := score(ctx, req); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				if n := launches.Add(1); n%100 == 0 {
					elapsed := time.Since(start)
					log.Info().
						Str("elapsed", elapsed.Round(time.Second).String()).
						Int64("launches", n).
						Float64("cells_per_sec", float64(n*cells)/elapsed.Seconds()).
						Msg("Soak test progress")
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := launches.Load()
	totalElapsed := time.Since(start)
	log.Info().
		Int64("launches", total).
		Dur("total_time", totalElapsed).
		Float64("avg_cells_per_sec", float64(total*cells)/totalElapsed.Seconds()).
		Msg("Soak test complete")
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
			semconv.ServiceNameKey.String("mtla"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
