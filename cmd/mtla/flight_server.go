package main

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-mtla/internal/device"
	"github.com/23skdu/longbow-mtla/internal/export"
	"github.com/23skdu/longbow-mtla/internal/mtla"
	"github.com/23skdu/longbow-mtla/internal/scoring"
)

// MTLAFlightServer answers DoExchange calls. The descriptor command holds a
// CBOR scoring.Header; each inputs record the client sends is scored and
// answered with one scores record.
type MTLAFlightServer struct {
	flight.BaseFlightServer
	server *Server
	alloc  memory.Allocator
}

func NewMTLAFlightServer(server *Server) *MTLAFlightServer {
	return &MTLAFlightServer{
		server: server,
		alloc:  memory.NewGoAllocator(),
	}
}

// grpcStatus maps score errors to gRPC status codes.
func grpcStatus(err error) error {
	switch {
	case errors.Is(err, mtla.ErrInvalidShape), errors.Is(err, mtla.ErrBufferAliasing), errors.Is(err, export.ErrSchema):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, device.ErrOutOfMemory):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *MTLAFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) (err error) {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("flight").Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("flight", status.Code(err).String()).Inc()
		if err != nil {
			span.RecordError(err)
		}
	}()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD || len(desc.Cmd) == 0 {
		return status.Error(codes.InvalidArgument, "DoExchange requires a CMD descriptor carrying the request header")
	}
	var hdr scoring.Header
	if err := cbor.Unmarshal(desc.Cmd, &hdr); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode request header: %v", err)
	}
	span.SetAttributes(
		attribute.Int("batch_size", hdr.Params.BatchSize),
		attribute.Int("rows", hdr.Params.Rows),
		attribute.Int("window", hdr.Params.Window),
	)

	builder := export.NewRecordBatchBuilder(s.alloc)
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	batches := 0
	for reader.Next() {
		q, k, _, err := export.ReadInputs(reader.Record())
		if err != nil {
			return grpcStatus(err)
		}
		req := scoring.Request{Header: hdr, Q: q, K: k}
		scores, err := s.server.score(ctx, req)
		if err != nil {
			return grpcStatus(err)
		}

		out, err := builder.BuildScores(scores, hdr.Params.BatchSize, hdr.Params.Rows)
		if err != nil {
			return grpcStatus(err)
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
		batches++
	}
	if err := reader.Err(); err != nil {
		return err
	}
	log.Debug().Int("batches", batches).Msg("DoExchange complete")
	return nil
}

// newFlightServer creates the gRPC server and binds addr; Serve starts it.
func newFlightServer(addr string, server *Server) (flight.Server, error) {
	fs := flight.NewServerWithMiddleware(nil)
	fs.RegisterFlightService(NewMTLAFlightServer(server))
	if err := fs.Init(addr); err != nil {
		return nil, err
	}
	return fs, nil
}
