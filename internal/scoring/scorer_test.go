package scoring

import (
	"context"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/mtla"
)

func ones(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func TestScorer_Score(t *testing.T) {
	backend := device.NewCPUBackend()
	s := NewScorer(backend)

	p := mtla.Params{Cols: 4, Rows: 24, BatchSize: 2, Window: 6}
	n := p.InputShape().Elements()
	scores, err := s.Score(context.Background(), Request{
		Header: Header{Params: p},
		Q:      ones(n),
		K:      ones(n),
	})
	require.NoError(t, err)
	require.Len(t, scores, p.OutputShape().Elements())

	for b := 0; b < p.BatchSize; b++ {
		for i := 0; i < p.Rows; i++ {
			for j := 0; j < p.Rows; j++ {
				want := float32(0)
				if mtla.InWindow(i, j, p.Window) {
					want = 4
				}
				assert.Equal(t, want, scores[(b*p.Rows+i)*p.Rows+j])
			}
		}
	}

	allocated, _ := backend.GetMemoryUsage()
	assert.Equal(t, int64(0), allocated, "buffers released")
}

func TestScorer_SentinelAndPolicy(t *testing.T) {
	s := NewScorer(device.NewCPUBackend())
	p := mtla.Params{Cols: 2, Rows: 6, BatchSize: 1, Window: 1}
	q := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	k := []float32{1, 0, 0, 1, 1, 1, 2, 0, 0, 2, 1, -1}

	scores, err := s.Score(context.Background(), Request{
		Header: Header{Params: p, Policy: "causal", Sentinel: -100},
		Q:      q,
		K:      k,
	})
	require.NoError(t, err)
	assert.Equal(t, mtla.Reference(q, k, p, mtla.Causal{}, -100), scores)
}

func TestScorer_Validation(t *testing.T) {
	s := NewScorer(device.NewCPUBackend())
	p := mtla.Params{Cols: 2, Rows: 3, BatchSize: 1, Window: 1}

	_, err := s.Score(context.Background(), Request{Header: Header{Params: p}, Q: ones(6), K: ones(5)})
	assert.ErrorIs(t, err, mtla.ErrInvalidShape)

	_, err = s.Score(context.Background(), Request{Header: Header{Params: p, Policy: "bogus"}, Q: ones(6), K: ones(6)})
	assert.ErrorIs(t, err, mtla.ErrInvalidShape)

	_, err = s.Score(context.Background(), Request{Header: Header{Params: mtla.Params{Cols: 2, Rows: 3, BatchSize: 1, Window: -2}}, Q: ones(6), K: ones(6)})
	assert.ErrorIs(t, err, mtla.ErrInvalidShape)

	// Rows*Cols wraps to zero, which would otherwise match empty inputs.
	half := 1 << (bits.UintSize / 2)
	wrapped := Request{Header: Header{Params: mtla.Params{Cols: half, Rows: half, BatchSize: 1, Window: 1}}}
	_, err = wrapped.Validate()
	assert.ErrorIs(t, err, mtla.ErrInvalidShape)
	_, err = s.Score(context.Background(), wrapped)
	assert.ErrorIs(t, err, mtla.ErrInvalidShape)
}

func TestScorer_OutOfMemory(t *testing.T) {
	backend := device.NewCPUBackendWithConfig(device.Config{MaxBytes: 100})
	s := NewScorer(backend)
	p := mtla.Params{Cols: 4, Rows: 24, BatchSize: 1, Window: 2}
	n := p.InputShape().Elements()

	_, err := s.Score(context.Background(), Request{Header: Header{Params: p}, Q: ones(n), K: ones(n)})
	assert.ErrorIs(t, err, device.ErrOutOfMemory)
	assert.ErrorIs(t, err, mtla.ErrDevice)

	allocated, _ := backend.GetMemoryUsage()
	assert.Equal(t, int64(0), allocated)
}

func TestScorer_Cancelled(t *testing.T) {
	s := NewScorer(device.NewCPUBackend())
	p := mtla.Params{Cols: 4, Rows: 8, BatchSize: 1, Window: 2}
	n := p.InputShape().Elements()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Score(ctx, Request{Header: Header{Params: p}, Q: ones(n), K: ones(n)})
	assert.ErrorIs(t, err, context.Canceled)
}
