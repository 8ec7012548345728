package device

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// CPUBackend keeps "device" memory in host RAM and runs kernels on goroutines.
type CPUBackend struct {
	pool      sync.Pool
	workers   int
	maxBytes  int64
	allocated atomic.Int64
}

func NewCPUBackend() *CPUBackend {
	return NewCPUBackendWithConfig(Config{})
}

// NewCPUBackendWithConfig creates a CPU backend. Workers <= 0 means one per
// CPU; MaxBytes <= 0 disables admission control.
func NewCPUBackendWithConfig(cfg Config) *CPUBackend {
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &CPUBackend{
		pool: sync.Pool{
			New: func() interface{} {
				return new([]uint16)
			},
		},
		workers:  workers,
		maxBytes: cfg.MaxBytes,
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Workers() int {
	return b.workers
}

func (b *CPUBackend) NewBuffer(shape Shape, data []float32) (*Buffer, error) {
	buf, err := b.GetBuffer(shape)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := buf.CopyFromFloat32(data); err != nil {
			b.PutBuffer(buf)
			return nil, err
		}
	}
	return buf, nil
}

func (b *CPUBackend) GetBuffer(shape Shape) (*Buffer, error) {
	if !shape.Valid() {
		return nil, fmt.Errorf("%w: invalid buffer shape %s", ErrDevice, shape)
	}
	size := shape.Bytes()
	if b.maxBytes > 0 {
		if after := b.allocated.Add(size); after > b.maxBytes {
			b.allocated.Add(-size)
			return nil, fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfMemory, size, after-size, b.maxBytes)
		}
	} else {
		b.allocated.Add(size)
	}
	allocatedBytes.Add(float64(size))

	n := shape.Elements()
	slot := b.pool.Get().(*[]uint16)
	data := *slot
	if cap(data) < n {
		poolMisses.Inc()
		data = make([]uint16, n)
	} else {
		poolHits.Inc()
		data = data[:n]
		clear(data)
	}

	return &Buffer{
		backend: b,
		data:    data,
		shape:   shape,
	}, nil
}

func (b *CPUBackend) PutBuffer(buf *Buffer) {
	if buf == nil || buf.backend != Backend(b) || buf.data == nil {
		return // Don't pool foreign or already released buffers
	}

	size := buf.Bytes()
	b.allocated.Add(-size)
	allocatedBytes.Sub(float64(size))

	data := buf.data
	buf.data = nil
	buf.shape = Shape{}
	b.pool.Put(&data)
}

func (b *CPUBackend) NewQueue() *Queue {
	q := newQueue(b)
	log.Debug().Uint64("queue", q.ID()).Str("backend", b.Name()).Msg("Created execution queue")
	return q
}

func (b *CPUBackend) GetMemoryUsage() (int64, int64) {
	return b.allocated.Load(), b.maxBytes
}
