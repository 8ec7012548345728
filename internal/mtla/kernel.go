// Package mtla implements the masked local-attention score kernel: for each
// batch element it writes Q·Kᵀ into the cells of a (rows × rows) score
// matrix selected by a masking Policy and leaves every other cell untouched.
package mtla

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/simd"
)

const opName = "mtla_matmul"

var tracer = otel.Tracer("mtla-kernel")

// Kernel is a configured score kernel. The zero value uses the Symmetric
// policy and the backend's worker count.
type Kernel struct {
	Policy  Policy
	Workers int
}

// Matmul enqueues the symmetric windowed score kernel on queue and returns
// without waiting for it. O[b,i,j] is overwritten for |i-j| <= window only.
// Q and K are (batchSize, rows, cols); out is (batchSize, rows, rows).
func Matmul(q, k, out *device.Buffer, cols, rows, batchSize, window int, queue *device.Queue) error {
	p := Params{Cols: cols, Rows: rows, BatchSize: batchSize, Window: window}
	return Kernel{Policy: Symmetric{}}.Launch(context.Background(), q, k, out, p, queue)
}

// Launch validates the launch and enqueues it on queue. Validation errors
// are returned before any work is enqueued; execution errors surface at the
// queue's next synchronization. ctx only scopes tracing.
func (kn Kernel) Launch(ctx context.Context, q, k, out *device.Buffer, p Params, queue *device.Queue) error {
	policy := kn.Policy
	if policy == nil {
		policy = Symmetric{}
	}

	ctx, span := tracer.Start(ctx, "mtla.Launch", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("policy", policy.Name()),
		attribute.Int("cols", p.Cols),
		attribute.Int("rows", p.Rows),
		attribute.Int("batch_size", p.BatchSize),
		attribute.Int("window", p.Window),
	)

	if err := validateLaunch(q, k, out, p, queue); err != nil {
		launchFailures.WithLabelValues(errorKind(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	workers := kn.Workers
	if workers <= 0 {
		workers = queue.Backend().Workers()
	}

	qd, kd, od := q.Raw(), k.Raw(), out.Raw()
	link := trace.LinkFromContext(ctx)
	err := queue.Enqueue(opName, func() error {
		_, exec := tracer.Start(context.Background(), "mtla.Execute",
			trace.WithSpanKind(trace.SpanKindConsumer), trace.WithLinks(link))
		defer exec.End()

		start := time.Now()
		cells, err := run(qd, kd, od, p, policy, workers)
		exec.SetAttributes(attribute.Int64("cells", cells))
		if err != nil {
			exec.RecordError(err)
			exec.SetStatus(codes.Error, err.Error())
			return err
		}
		kernelDuration.WithLabelValues(policy.Name()).Observe(time.Since(start).Seconds())
		cellsWritten.Add(float64(cells))
		return nil
	})
	if err != nil {
		launchFailures.WithLabelValues(errorKind(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	launches.WithLabelValues(policy.Name()).Inc()
	log.Debug().
		Uint64("queue", queue.ID()).
		Str("policy", policy.Name()).
		Int("batch_size", p.BatchSize).
		Int("rows", p.Rows).
		Int("cols", p.Cols).
		Int("window", p.Window).
		Msg("Enqueued score kernel")
	return nil
}

// run computes every unmasked cell. Work is split into contiguous bands of
// (batch, query row) pairs, one band per worker; bands never share an
// output row, so workers write disjoint cells. A panicking worker is
// reported as ErrDevice once every band has finished.
func run(qd, kd, od []uint16, p Params, policy Policy, workers int) (int64, error) {
	totalRows := p.BatchSize * p.Rows
	if workers > totalRows {
		workers = totalRows
	}
	if workers < 1 {
		workers = 1
	}
	rowsPerWorker := (totalRows + workers - 1) / workers

	var cells atomic.Int64
	var failed atomic.Pointer[error]
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := startRow + rowsPerWorker
		if startRow >= totalRows {
			break
		}
		if endRow > totalRows {
			endRow = totalRows
		}

		wg.Add(1)
		go func(sRow, eRow int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					err := fmt.Errorf("%w: kernel worker panic: %v", ErrDevice, r)
					failed.CompareAndSwap(nil, &err)
				}
			}()
			var n int64
			for r := sRow; r < eRow; r++ {
				n += scoreRow(qd, kd, od, r/p.Rows, r%p.Rows, p, policy)
			}
			cells.Add(n)
		}(startRow, endRow)
	}
	wg.Wait()

	if err := failed.Load(); err != nil {
		return cells.Load(), *err
	}
	return cells.Load(), nil
}

// scoreRow writes the unmasked cells of output row (b, i).
func scoreRow(qd, kd, od []uint16, b, i int, p Params, policy Policy) int64 {
	cols, rows := p.Cols, p.Rows
	qRow := qd[(b*rows+i)*cols : (b*rows+i+1)*cols]
	keys := kd[b*rows*cols : (b+1)*rows*cols]
	oRow := od[(b*rows+i)*rows : (b*rows+i+1)*rows]

	var written int64
	lo, hi := policy.Band(i, rows, p.Window)
	for j := lo; j < hi; j++ {
		var acc float32
		switch n := policy.Fanin(i, j, p.Window); n {
		case 0:
			continue
		case 1:
			acc = simd.DotBF16(qRow, keys[j*cols:(j+1)*cols])
		default:
			acc = simd.DotBF16Pooled(qRow, keys[(j-n+1)*cols:(j+1)*cols])
		}
		oRow[j] = device.Float32ToBFloat16(acc)
		written++
	}
	return written
}
