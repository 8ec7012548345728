package export

import (
	"bytes"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildScores(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	t.Run("Mismatch", func(t *testing.T) {
		_, err := builder.BuildScores([]float32{1, 2, 3}, 1, 2)
		assert.Error(t, err)
	})

	t.Run("Valid input", func(t *testing.T) {
		// batch=2, rows=2
		scores := []float32{
			1, 2,
			3, 4,

			5, 6,
			7, 8,
		}
		rb, err := builder.BuildScores(scores, 2, 2)
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(4), rb.NumRows())
		assert.Equal(t, int64(3), rb.NumCols())
		assert.Equal(t, "scores", rb.ColumnName(2))

		batches := rb.Column(0).(*array.Int32)
		queries := rb.Column(1).(*array.Int32)
		assert.Equal(t, []int32{0, 0, 1, 1}, batches.Int32Values())
		assert.Equal(t, []int32{0, 1, 0, 1}, queries.Int32Values())

		got, rows, err := ReadScores(rb)
		require.NoError(t, err)
		assert.Equal(t, 2, rows)
		assert.Equal(t, scores, got)
	})
}

func TestBuildInputs(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)
	builder := NewRecordBatchBuilder(pool)

	q := []float32{1, 2, 3, 4, 5, 6}
	k := []float32{6, 5, 4, 3, 2, 1}
	rb, err := builder.BuildInputs(q, k, 3)
	require.NoError(t, err)
	defer rb.Release()

	assert.Equal(t, int64(2), rb.NumRows())
	gotQ, gotK, cols, err := ReadInputs(rb)
	require.NoError(t, err)
	assert.Equal(t, 3, cols)
	assert.Equal(t, q, gotQ)
	assert.Equal(t, k, gotK)

	_, err = builder.BuildInputs(q, k[:3], 3)
	assert.Error(t, err)
}

func TestReadInputs_Schema(t *testing.T) {
	pool := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: "q", Type: arrow.PrimitiveTypes.Float32}}, nil)
	b := array.NewFloat32Builder(pool)
	defer b.Release()
	b.AppendValues([]float32{1, 2}, nil)
	a := b.NewArray()
	defer a.Release()
	rb := array.NewRecordBatch(schema, []arrow.Array{a}, 2)
	defer rb.Release()

	_, _, _, err := ReadInputs(rb)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestStreamRoundTrip(t *testing.T) {
	pool := memory.NewGoAllocator()
	builder := NewRecordBatchBuilder(pool)
	scores := []float32{4, 0, 4, 4}
	rb, err := builder.BuildScores(scores, 1, 2)
	require.NoError(t, err)
	defer rb.Release()

	var buf bytes.Buffer
	require.NoError(t, WriteStream(&buf, rb))

	recs, err := ReadStream(&buf, pool)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	defer recs[0].Release()

	got, rows, err := ReadScores(recs[0])
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
	assert.Equal(t, scores, got)
}
