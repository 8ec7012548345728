package device

import (
	"errors"
	"math"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBFloat16Conversion(t *testing.T) {
	t.Run("Exact", func(t *testing.T) {
		for _, v := range []float32{0, 1, -1, 2, 4, 0.5, 256, -3} {
			assert.Equal(t, v, BFloat16ToFloat32(Float32ToBFloat16(v)), "value %v", v)
		}
		assert.Equal(t, uint16(0x3F80), Float32ToBFloat16(1))
		assert.Equal(t, uint16(0xC000), Float32ToBFloat16(-2))
	})

	t.Run("RoundToNearestEven", func(t *testing.T) {
		// 1 + 2^-8 sits exactly between 1 and 1 + 2^-7: ties go to the even mantissa.
		assert.Equal(t, uint16(0x3F80), Float32ToBFloat16(1+1.0/256))
		// Slightly above the tie rounds up.
		assert.Equal(t, uint16(0x3F81), Float32ToBFloat16(1+1.0/256+1.0/4096))
		// 1 + 3*2^-8 is a tie with an odd lower neighbour: rounds up to even.
		assert.Equal(t, uint16(0x3F82), Float32ToBFloat16(1+3.0/256))
	})

	t.Run("Special", func(t *testing.T) {
		nan := BFloat16ToFloat32(Float32ToBFloat16(float32(math.NaN())))
		assert.True(t, math.IsNaN(float64(nan)))
		assert.Equal(t, uint16(0x7F80), Float32ToBFloat16(float32(math.Inf(1))))
		assert.Equal(t, uint16(0xFF80), Float32ToBFloat16(float32(math.Inf(-1))))
		assert.Equal(t, uint16(0x8000), Float32ToBFloat16(float32(math.Copysign(0, -1))))
	})
}

func TestCPUBackend_Buffers(t *testing.T) {
	backend := NewCPUBackend()

	t.Run("NewBuffer", func(t *testing.T) {
		shape := Shape{Batch: 2, Rows: 2, Cols: 3}
		data := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
		buf, err := backend.NewBuffer(shape, data)
		require.NoError(t, err)
		defer buf.Release()

		assert.Equal(t, shape, buf.Shape())
		assert.Equal(t, int64(24), buf.Bytes())
		assert.Equal(t, data, buf.ToHost())
		assert.Equal(t, float32(12), buf.At(1, 1, 2))
		assert.Equal(t, float32(4), buf.At(0, 1, 0))
	})

	t.Run("ShapeMismatch", func(t *testing.T) {
		_, err := backend.NewBuffer(Shape{Batch: 1, Rows: 2, Cols: 2}, []float32{1, 2, 3})
		assert.ErrorIs(t, err, ErrShapeMismatch)
		assert.ErrorIs(t, err, ErrDevice)
	})

	t.Run("InvalidShape", func(t *testing.T) {
		_, err := backend.GetBuffer(Shape{Batch: 0, Rows: 2, Cols: 2})
		assert.ErrorIs(t, err, ErrDevice)
	})

	t.Run("OverflowingShape", func(t *testing.T) {
		half := 1 << (bits.UintSize / 2)
		assert.False(t, Shape{Batch: 1, Rows: half, Cols: half}.Valid())
		assert.False(t, Shape{Batch: 2, Rows: 1, Cols: math.MaxInt / 2}.Valid())
		assert.True(t, Shape{Batch: 1, Rows: 1, Cols: math.MaxInt / 2}.Valid())

		_, err := backend.GetBuffer(Shape{Batch: 1, Rows: half, Cols: half})
		assert.ErrorIs(t, err, ErrDevice)
	})

	t.Run("Overlaps", func(t *testing.T) {
		a, err := backend.GetBuffer(Shape{Batch: 1, Rows: 4, Cols: 4})
		require.NoError(t, err)
		b, err := backend.GetBuffer(Shape{Batch: 1, Rows: 4, Cols: 4})
		require.NoError(t, err)

		assert.True(t, a.Overlaps(a))
		assert.False(t, a.Overlaps(b))
		assert.False(t, a.Overlaps(nil))

		view := &Buffer{backend: backend, data: a.data[8:], shape: Shape{Batch: 1, Rows: 2, Cols: 4}}
		assert.True(t, a.Overlaps(view))
		assert.True(t, view.Overlaps(a))
		assert.False(t, view.Overlaps(b))
	})
}

func TestCPUBackend_MemoryLimit(t *testing.T) {
	backend := NewCPUBackendWithConfig(Config{MaxBytes: 64})

	a, err := backend.GetBuffer(Shape{Batch: 1, Rows: 4, Cols: 4}) // 32 bytes
	require.NoError(t, err)
	b, err := backend.GetBuffer(Shape{Batch: 1, Rows: 4, Cols: 4})
	require.NoError(t, err)

	_, err = backend.GetBuffer(Shape{Batch: 1, Rows: 1, Cols: 1})
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.True(t, errors.Is(err, ErrDevice))

	allocated, total := backend.GetMemoryUsage()
	assert.Equal(t, int64(64), allocated)
	assert.Equal(t, int64(64), total)

	a.Release()
	b.Release()
	// Double release is a no-op.
	b.Release()

	allocated, _ = backend.GetMemoryUsage()
	assert.Equal(t, int64(0), allocated)

	c, err := backend.GetBuffer(Shape{Batch: 1, Rows: 1, Cols: 1})
	require.NoError(t, err)
	c.Release()
}

func TestNewBackend(t *testing.T) {
	b, err := NewBackend(Config{Name: "cpu", Workers: 3})
	require.NoError(t, err)
	assert.Equal(t, "CPU", b.Name())
	assert.Equal(t, 3, b.Workers())

	_, err = NewBackend(Config{Name: "cuda"})
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = NewBackend(Config{Name: "tpu"})
	assert.ErrorIs(t, err, ErrDevice)
}

func TestBLASImplementation(t *testing.T) {
	assert.Contains(t, []string{"gonum", "netlib"}, BLASImplementation())
}
