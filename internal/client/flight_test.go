package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-mtla/internal/export"
	"github.com/23skdu/longbow-mtla/internal/mtla"
	"github.com/23skdu/longbow-mtla/internal/scoring"
)

// mockFlightServer answers DoExchange with a record of constant scores.
type mockFlightServer struct {
	flight.BaseFlightServer
	value  float32
	fail   bool
	calls  atomic.Int32
	header scoring.Header
}

func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	s.calls.Add(1)
	if s.fail {
		return status.Error(codes.Unavailable, "down")
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	if err := cbor.Unmarshal(reader.LatestFlightDescriptor().Cmd, &s.header); err != nil {
		return err
	}
	p := s.header.Params

	var writer *flight.Writer
	for reader.Next() {
		scores := make([]float32, p.OutputShape().Elements())
		for i := range scores {
			scores[i] = s.value
		}
		rec, err := export.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildScores(scores, p.BatchSize, p.Rows)
		if err != nil {
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream)
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	if writer != nil {
		return writer.Close()
	}
	return reader.Err()
}

func startServer(t *testing.T, svc flight.FlightServer) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(svc)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func request() scoring.Request {
	p := mtla.Params{Cols: 2, Rows: 3, BatchSize: 2, Window: 1}
	n := p.InputShape().Elements()
	return scoring.Request{
		Header: scoring.Header{Params: p, Policy: "causal", Sentinel: -1},
		Q:      make([]float32, n),
		K:      make([]float32, n),
	}
}

func TestFlightClient_Scores(t *testing.T) {
	mock := &mockFlightServer{value: 2.5}
	addr := startServer(t, mock)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	req := request()
	scores, err := client.Scores(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, scores, req.Params.OutputShape().Elements())
	for _, v := range scores {
		assert.Equal(t, float32(2.5), v)
	}
	assert.Equal(t, req.Header, mock.header, "header travels in the descriptor")
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_InvalidRequestSkipsServer(t *testing.T) {
	mock := &mockFlightServer{}
	addr := startServer(t, mock)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	req := request()
	req.K = req.K[:1]
	_, err = client.Scores(context.Background(), req)
	assert.ErrorIs(t, err, mtla.ErrInvalidShape)
	assert.Equal(t, int32(0), mock.calls.Load())
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_BreakerOpens(t *testing.T) {
	mock := &mockFlightServer{fail: true}
	addr := startServer(t, mock)

	client, err := NewFlightClientWithBreaker(addr, NewCircuitBreaker(2, time.Minute))
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		_, err := client.Scores(ctx, request())
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrCircuitOpen))
	}
	assert.Equal(t, StateOpen, client.Breaker().State())

	calls := mock.calls.Load()
	_, err = client.Scores(ctx, request())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, calls, mock.calls.Load(), "open breaker fails fast")
}
