package client

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-mtla/internal/export"
	"github.com/23skdu/longbow-mtla/internal/scoring"
)

// FlightClient requests score tensors from an mtla Flight server.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	alloc   memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
// Five consecutive failures open the breaker for 30 seconds.
func NewFlightClient(addr string) (*FlightClient, error) {
	return NewFlightClientWithBreaker(addr, NewCircuitBreaker(5, 30*time.Second))
}

func NewFlightClientWithBreaker(addr string, breaker *CircuitBreaker) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: breaker,
		alloc:   memory.NewGoAllocator(),
	}, nil
}

// Breaker exposes the client's circuit breaker.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// Scores sends one request over DoExchange and returns the flat score tensor.
// The header travels CBOR-encoded in the descriptor command; Q and K travel
// as a single inputs record.
func (c *FlightClient) Scores(ctx context.Context, req scoring.Request) ([]float32, error) {
	if _, err := req.Validate(); err != nil {
		return nil, err
	}
	var scores []float32
	err := c.breaker.Do(func() error {
		var err error
		scores, err = c.exchange(ctx, req)
		return err
	})
	if err != nil {
		log.Debug().Err(err).Str("breaker", c.breaker.State().String()).Msg("Flight score request failed")
		return nil, err
	}
	return scores, nil
}

func (c *FlightClient) exchange(ctx context.Context, req scoring.Request) ([]float32, error) {
	cmd, err := cbor.Marshal(req.Header)
	if err != nil {
		return nil, err
	}
	rec, err := export.NewRecordBatchBuilder(c.alloc).BuildInputs(req.Q, req.K, req.Params.Cols)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(c.alloc))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  cmd,
	})
	if err := writer.Write(rec); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	scores := make([]float32, 0, req.Params.OutputShape().Elements())
	for reader.Next() {
		got, rows, err := export.ReadScores(reader.Record())
		if err != nil {
			return nil, err
		}
		if rows != req.Params.Rows {
			return nil, fmt.Errorf("%w: server returned %d score columns, want %d", export.ErrSchema, rows, req.Params.Rows)
		}
		scores = append(scores, got...)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	if len(scores) != req.Params.OutputShape().Elements() {
		return nil, fmt.Errorf("%w: server returned %d scores, want %d", export.ErrSchema, len(scores), req.Params.OutputShape().Elements())
	}
	return scores, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
