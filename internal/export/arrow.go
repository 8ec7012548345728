// Package export converts score kernel inputs and outputs to and from Arrow
// record batches.
package export

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

var ErrSchema = errors.New("unexpected arrow schema")

// ScoresSchema is {batch: int32, query: int32, scores: fixed_size_list<float32>[rows]}.
func ScoresSchema(rows int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "batch", Type: arrow.PrimitiveTypes.Int32},
			{Name: "query", Type: arrow.PrimitiveTypes.Int32},
			{Name: "scores", Type: arrow.FixedSizeListOf(int32(rows), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// InputsSchema is {q, k: fixed_size_list<float32>[cols]}, one row per
// (batch, position) pair.
func InputsSchema(cols int) *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "q", Type: arrow.FixedSizeListOf(int32(cols), arrow.PrimitiveTypes.Float32)},
			{Name: "k", Type: arrow.FixedSizeListOf(int32(cols), arrow.PrimitiveTypes.Float32)},
		},
		nil,
	)
}

// RecordBatchBuilder creates Arrow RecordBatches from flat score and input tensors.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// BuildScores converts a flat (batch, rows, rows) score tensor into one
// record row per (batch, query) pair.
func (b *RecordBatchBuilder) BuildScores(scores []float32, batch, rows int) (arrow.RecordBatch, error) {
	if rows <= 0 || len(scores) != batch*rows*rows {
		return nil, fmt.Errorf("score tensor of %d values does not match batch=%d rows=%d", len(scores), batch, rows)
	}

	batchBuilder := array.NewInt32Builder(b.mem)
	defer batchBuilder.Release()
	queryBuilder := array.NewInt32Builder(b.mem)
	defer queryBuilder.Release()
	scoreBuilder := array.NewFixedSizeListBuilder(b.mem, int32(rows), arrow.PrimitiveTypes.Float32)
	defer scoreBuilder.Release()
	valueBuilder := scoreBuilder.ValueBuilder().(*array.Float32Builder)

	for bi := 0; bi < batch; bi++ {
		for i := 0; i < rows; i++ {
			batchBuilder.Append(int32(bi))
			queryBuilder.Append(int32(i))
			scoreBuilder.Append(true)
			start := (bi*rows + i) * rows
			valueBuilder.AppendValues(scores[start:start+rows], nil)
		}
	}

	cols := []arrow.Array{batchBuilder.NewArray(), queryBuilder.NewArray(), scoreBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(ScoresSchema(rows), cols, int64(batch*rows)), nil
}

// BuildInputs packs flat (batch, rows, cols) Q and K tensors into a record.
func (b *RecordBatchBuilder) BuildInputs(q, k []float32, cols int) (arrow.RecordBatch, error) {
	if cols <= 0 || len(q) != len(k) || len(q)%cols != 0 {
		return nil, fmt.Errorf("q (%d) and k (%d) are not matching multiples of cols=%d", len(q), len(k), cols)
	}
	n := len(q) / cols

	arrays := make([]arrow.Array, 0, 2)
	defer func() {
		for _, a := range arrays {
			a.Release()
		}
	}()
	for _, data := range [][]float32{q, k} {
		lb := array.NewFixedSizeListBuilder(b.mem, int32(cols), arrow.PrimitiveTypes.Float32)
		vb := lb.ValueBuilder().(*array.Float32Builder)
		for r := 0; r < n; r++ {
			lb.Append(true)
			vb.AppendValues(data[r*cols:(r+1)*cols], nil)
		}
		arrays = append(arrays, lb.NewArray())
		lb.Release()
	}

	return array.NewRecordBatch(InputsSchema(cols), arrays, int64(n)), nil
}

// ReadInputs unpacks the q and k columns of a record built by BuildInputs.
func ReadInputs(rec arrow.RecordBatch) (q, k []float32, cols int, err error) {
	q, cols, err = readFixedSizeList(rec, "q")
	if err != nil {
		return nil, nil, 0, err
	}
	k, kCols, err := readFixedSizeList(rec, "k")
	if err != nil {
		return nil, nil, 0, err
	}
	if kCols != cols {
		return nil, nil, 0, fmt.Errorf("%w: q has %d cols, k has %d", ErrSchema, cols, kCols)
	}
	return q, k, cols, nil
}

// ReadScores flattens the scores column of a record built by BuildScores.
func ReadScores(rec arrow.RecordBatch) ([]float32, int, error) {
	return readFixedSizeList(rec, "scores")
}

func readFixedSizeList(rec arrow.RecordBatch, name string) ([]float32, int, error) {
	indices := rec.Schema().FieldIndices(name)
	if len(indices) == 0 {
		return nil, 0, fmt.Errorf("%w: missing column %q", ErrSchema, name)
	}
	fsl, ok := rec.Column(indices[0]).(*array.FixedSizeList)
	if !ok {
		return nil, 0, fmt.Errorf("%w: column %q is %s, want fixed_size_list", ErrSchema, name, rec.Column(indices[0]).DataType())
	}
	width := int(fsl.DataType().(*arrow.FixedSizeListType).Len())
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, 0, fmt.Errorf("%w: column %q does not hold float32 values", ErrSchema, name)
	}

	out := make([]float32, 0, fsl.Len()*width)
	raw := values.Float32Values()
	for i := 0; i < fsl.Len(); i++ {
		start, end := fsl.ValueOffsets(i)
		out = append(out, raw[start:end]...)
	}
	return out, width, nil
}

// WriteStream writes records as an Arrow IPC stream.
func WriteStream(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// ReadStream reads every record of an Arrow IPC stream. Callers release
// the returned records.
func ReadStream(r io.Reader, mem memory.Allocator) ([]arrow.RecordBatch, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var recs []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range recs {
			rec.Release()
		}
		return nil, err
	}
	return recs, nil
}
