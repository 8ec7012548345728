package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-mtla/internal/cache"
	"github.com/23skdu/longbow-mtla/internal/client"
	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/mtla"
	"github.com/23skdu/longbow-mtla/internal/scoring"
)

func startFlight(t *testing.T, maxCells int64) *client.FlightClient {
	t.Helper()
	srv := NewServer(scoring.NewScorer(device.NewCPUBackend()), cache.NewMapCache(4), maxCells)
	fs, err := newFlightServer("localhost:0", srv)
	require.NoError(t, err)
	go func() {
		_ = fs.Serve()
	}()
	t.Cleanup(fs.Shutdown)

	fc, err := client.NewFlightClient(fs.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = fc.Close() })
	return fc
}

func TestFlightServer_DoExchange(t *testing.T) {
	fc := startFlight(t, 1<<20)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, policy := range []string{"symmetric", "causal", "strided"} {
		t.Run(policy, func(t *testing.T) {
			opts := options{Rows: 24, Cols: 4, Window: 6, BatchSize: 2, Fill: 1, Sentinel: -3, Policy: policy}
			req := opts.request()

			scores, err := fc.Scores(ctx, req)
			require.NoError(t, err)

			p, err := mtla.ParsePolicy(policy)
			require.NoError(t, err)
			assert.Equal(t, mtla.Reference(req.Q, req.K, req.Params, p, -3), scores)
		})
	}
}

func TestFlightServer_ResourceExhausted(t *testing.T) {
	fc := startFlight(t, 10)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := options{Rows: 8, Cols: 2, Window: 1, BatchSize: 1, Fill: 1}
	_, err := fc.Scores(ctx, opts.request())
	require.Error(t, err)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}
