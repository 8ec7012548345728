package device

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unsafe"
)

var (
	// ErrDevice is the root of every failure raised by a backend or an
	// execution queue.
	ErrDevice = errors.New("device error")

	ErrOutOfMemory   = fmt.Errorf("%w: out of device memory", ErrDevice)
	ErrQueueClosed   = fmt.Errorf("%w: execution queue closed", ErrDevice)
	ErrAborted       = fmt.Errorf("%w: execution queue aborted", ErrDevice)
	ErrUnsupported   = fmt.Errorf("%w: backend not supported", ErrDevice)
	ErrShapeMismatch = fmt.Errorf("%w: host slice does not match buffer shape", ErrDevice)
)

// Shape describes a batch of row-major matrices.
type Shape struct {
	Batch int
	Rows  int
	Cols  int
}

// Elements returns the total element count.
func (s Shape) Elements() int {
	return s.Batch * s.Rows * s.Cols
}

// Bytes returns the storage size in bytes for bfloat16 elements.
func (s Shape) Bytes() int64 {
	return int64(s.Elements()) * 2
}

// Valid reports whether every dimension is positive and the byte size
// fits in an int.
func (s Shape) Valid() bool {
	if s.Batch <= 0 || s.Rows <= 0 || s.Cols <= 0 {
		return false
	}
	n := 2
	for _, d := range []int{s.Batch, s.Rows, s.Cols} {
		if math.MaxInt/n < d {
			return false
		}
		n *= d
	}
	return true
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d, %d, %d)", s.Batch, s.Rows, s.Cols)
}

// Buffer is a device-resident bfloat16 tensor of shape (batch, rows, cols).
// Kernels address the raw storage directly; everything else should go
// through a Queue so reads and writes are ordered against kernel launches.
type Buffer struct {
	backend Backend
	data    []uint16
	shape   Shape
}

// Shape returns the buffer dimensions.
func (b *Buffer) Shape() Shape {
	return b.shape
}

// Backend returns the backend that owns the buffer.
func (b *Buffer) Backend() Backend {
	return b.backend
}

// Address returns the raw device address of the first element.
func (b *Buffer) Address() uintptr {
	if len(b.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b.data)))
}

// Bytes returns the size of the buffer in bytes.
func (b *Buffer) Bytes() int64 {
	return int64(len(b.data)) * 2
}

// Raw exposes the underlying storage. Kernels only.
func (b *Buffer) Raw() []uint16 {
	return b.data
}

// Overlaps reports whether the two buffers share any device memory.
func (b *Buffer) Overlaps(other *Buffer) bool {
	if b == nil || other == nil || len(b.data) == 0 || len(other.data) == 0 {
		return false
	}
	aStart, bStart := b.Address(), other.Address()
	aEnd, bEnd := aStart+uintptr(b.Bytes()), bStart+uintptr(other.Bytes())
	return aStart < bEnd && bStart < aEnd
}

// At reads element (batch, i, j) without synchronization.
func (b *Buffer) At(batch, i, j int) float32 {
	idx := (batch*b.shape.Rows+i)*b.shape.Cols + j
	return BFloat16ToFloat32(b.data[idx])
}

// ToHost copies the buffer to a float32 slice. The read is not ordered
// against pending queue work; synchronize first or use Queue.CopyToHost.
func (b *Buffer) ToHost() []float32 {
	out := make([]float32, len(b.data))
	BFloat16ToFloat32Slice(out, b.data)
	return out
}

// CopyFromFloat32 synchronously uploads host data into the buffer.
func (b *Buffer) CopyFromFloat32(data []float32) error {
	if len(data) != len(b.data) {
		return fmt.Errorf("%w: got %d elements for shape %s", ErrShapeMismatch, len(data), b.shape)
	}
	Float32ToBFloat16Slice(b.data, data)
	return nil
}

// Release returns the buffer to its backend pool.
func (b *Buffer) Release() {
	if b.backend != nil {
		b.backend.PutBuffer(b)
	}
}

// Backend allocates device memory and creates execution queues.
type Backend interface {
	Name() string

	// NewBuffer allocates a buffer, optionally initialised from host data.
	NewBuffer(shape Shape, data []float32) (*Buffer, error)

	// GetBuffer gets a zeroed buffer from the pool or allocates a new one.
	GetBuffer(shape Shape) (*Buffer, error)

	// PutBuffer returns a buffer to the pool.
	PutBuffer(b *Buffer)

	// NewQueue creates an ordered execution queue on this device.
	NewQueue() *Queue

	// Workers is the number of parallel execution units a kernel may use.
	Workers() int

	// GetMemoryUsage returns allocated bytes and the configured limit (0 = unlimited).
	GetMemoryUsage() (allocated int64, total int64)
}

// Config selects and sizes a backend.
type Config struct {
	Name     string
	Workers  int
	MaxBytes int64
}

// NewBackend creates the backend named in cfg. Only the CPU backend is
// built into this binary.
func NewBackend(cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Name) {
	case "", "cpu":
		return NewCPUBackendWithConfig(cfg), nil
	case "cuda", "metal":
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Name)
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnsupported, cfg.Name)
	}
}
