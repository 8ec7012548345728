// Package scoring runs score kernel requests from host data end to end:
// upload, launch, download, synchronize.
package scoring

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/mtla"
)

var tracer = otel.Tracer("mtla-scoring")

// Header carries everything about a request except the tensors. It travels
// as the Flight descriptor command.
type Header struct {
	Params   mtla.Params `cbor:"params"`
	Policy   string      `cbor:"policy,omitempty"`
	Sentinel float32     `cbor:"sentinel,omitempty"`
}

// Request is one batched score computation. Q and K are flat
// (batch, rows, cols) tensors.
type Request struct {
	Header
	Q []float32 `cbor:"q"`
	K []float32 `cbor:"k"`
}

// Validate checks the request without touching a device.
func (r Request) Validate() (mtla.Policy, error) {
	policy, err := mtla.ParsePolicy(r.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mtla.ErrInvalidShape, err)
	}
	if err := r.Params.Validate(); err != nil {
		return nil, err
	}
	want := r.Params.InputShape().Elements()
	if len(r.Q) != want || len(r.K) != want {
		return nil, fmt.Errorf("%w: q has %d and k has %d values, want %d for shape %s",
			mtla.ErrInvalidShape, len(r.Q), len(r.K), want, r.Params.InputShape())
	}
	return policy, nil
}

// Cells is the size of the output tensor.
func (r Request) Cells() int64 {
	return int64(r.Params.OutputShape().Elements())
}

// Scorer executes requests on one backend. Each request gets its own queue
// and buffers, so concurrent calls are independent.
type Scorer struct {
	backend device.Backend
}

func NewScorer(backend device.Backend) *Scorer {
	return &Scorer{backend: backend}
}

// Backend returns the device the scorer runs on.
func (s *Scorer) Backend() device.Backend {
	return s.backend
}

// Score returns the flat (batch, rows, rows) score tensor; masked cells hold
// req.Sentinel. Cancelling ctx aborts queued work.
func (s *Scorer) Score(ctx context.Context, req Request) ([]float32, error) {
	ctx, span := tracer.Start(ctx, "Scorer.Score")
	defer span.End()

	policy, err := req.Validate()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := req.Params
	span.SetAttributes(
		attribute.String("policy", policy.Name()),
		attribute.Int("batch_size", p.BatchSize),
		attribute.Int("rows", p.Rows),
		attribute.Int("window", p.Window),
	)

	var buffers []*device.Buffer
	alloc := func(shape device.Shape) (*device.Buffer, error) {
		b, err := s.backend.GetBuffer(shape)
		if err == nil {
			buffers = append(buffers, b)
		}
		return b, err
	}

	queue := s.backend.NewQueue()
	defer func() {
		// Close waits for anything still running before buffers go back to the pool.
		if err := queue.Close(); err != nil {
			log.Debug().Err(err).Uint64("queue", queue.ID()).Msg("Unreported queue error at close")
		}
		for _, b := range buffers {
			b.Release()
		}
	}()

	q, err := alloc(p.InputShape())
	if err != nil {
		return nil, err
	}
	k, err := alloc(p.InputShape())
	if err != nil {
		return nil, err
	}
	out, err := alloc(p.OutputShape())
	if err != nil {
		return nil, err
	}

	if err := queue.CopyFromHost(q, req.Q); err != nil {
		return nil, err
	}
	if err := queue.CopyFromHost(k, req.K); err != nil {
		return nil, err
	}
	if req.Sentinel != 0 {
		if err := queue.Fill(out, req.Sentinel); err != nil {
			return nil, err
		}
	}
	if err := (mtla.Kernel{Policy: policy}).Launch(ctx, q, k, out, p, queue); err != nil {
		return nil, err
	}
	scores := make([]float32, p.OutputShape().Elements())
	if err := queue.CopyToHost(out, scores); err != nil {
		return nil, err
	}

	if err := queue.SynchronizeContext(ctx); err != nil {
		if ctx.Err() != nil {
			queue.Abort()
		}
		span.RecordError(err)
		return nil, err
	}
	return scores, nil
}
