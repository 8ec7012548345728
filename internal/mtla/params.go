package mtla

import (
	"errors"
	"fmt"
	"math"

	"github.com/23skdu/longbow-mtla/internal/device"
)

var (
	// ErrInvalidShape reports non-positive dimensions, a negative window,
	// a nil buffer or buffers whose shapes disagree with the parameters.
	ErrInvalidShape = errors.New("invalid shape")

	// ErrBufferAliasing reports an output buffer sharing memory with an input.
	ErrBufferAliasing = errors.New("buffer aliasing")

	// ErrDevice reports queue or backend failures.
	ErrDevice = device.ErrDevice
)

// Params are the shape parameters of one launch.
type Params struct {
	Cols      int `cbor:"cols" json:"cols" yaml:"cols"`
	Rows      int `cbor:"rows" json:"rows" yaml:"rows"`
	BatchSize int `cbor:"batch_size" json:"batch_size" yaml:"batch_size"`
	Window    int `cbor:"window" json:"window" yaml:"window"`
}

// Validate checks the scalar parameters.
func (p Params) Validate() error {
	switch {
	case p.Cols <= 0:
		return fmt.Errorf("%w: cols must be positive, got %d", ErrInvalidShape, p.Cols)
	case p.Rows <= 0:
		return fmt.Errorf("%w: rows must be positive, got %d", ErrInvalidShape, p.Rows)
	case p.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidShape, p.BatchSize)
	case p.Window < 0:
		return fmt.Errorf("%w: window must be non-negative, got %d", ErrInvalidShape, p.Window)
	}
	// Both tensors are addressed as flat bfloat16 slices, so every extent and
	// its byte size must fit in an int.
	for _, s := range []device.Shape{p.InputShape(), p.OutputShape()} {
		if !fits(s.Batch, s.Rows, s.Cols, 2) {
			return fmt.Errorf("%w: shape %s overflows the address space", ErrInvalidShape, s)
		}
	}
	return nil
}

// fits reports whether the product of the positive factors fits in an int.
func fits(factors ...int) bool {
	n := 1
	for _, f := range factors {
		if math.MaxInt/n < f {
			return false
		}
		n *= f
	}
	return true
}

// InputShape is the shape of Q and K.
func (p Params) InputShape() device.Shape {
	return device.Shape{Batch: p.BatchSize, Rows: p.Rows, Cols: p.Cols}
}

// OutputShape is the shape of O.
func (p Params) OutputShape() device.Shape {
	return device.Shape{Batch: p.BatchSize, Rows: p.Rows, Cols: p.Rows}
}

func validateLaunch(q, k, out *device.Buffer, p Params, queue *device.Queue) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, b := range []struct {
		name string
		buf  *device.Buffer
		want device.Shape
	}{
		{"q", q, p.InputShape()},
		{"k", k, p.InputShape()},
		{"out", out, p.OutputShape()},
	} {
		if b.buf == nil {
			return fmt.Errorf("%w: %s buffer is nil", ErrInvalidShape, b.name)
		}
		if got := b.buf.Shape(); got != b.want {
			return fmt.Errorf("%w: %s buffer has shape %s, want %s", ErrInvalidShape, b.name, got, b.want)
		}
	}
	if out.Overlaps(q) {
		return fmt.Errorf("%w: out overlaps q", ErrBufferAliasing)
	}
	if out.Overlaps(k) {
		return fmt.Errorf("%w: out overlaps k", ErrBufferAliasing)
	}
	if queue == nil {
		return fmt.Errorf("%w: no execution queue", ErrDevice)
	}
	if queue.Closed() {
		return device.ErrQueueClosed
	}
	for _, b := range []*device.Buffer{q, k, out} {
		if b.Backend() != queue.Backend() {
			return fmt.Errorf("%w: buffer is not resident on the queue's device", ErrDevice)
		}
	}
	return nil
}

// errorKind labels a launch error for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidShape):
		return "invalid_shape"
	case errors.Is(err, ErrBufferAliasing):
		return "buffer_aliasing"
	case errors.Is(err, ErrDevice):
		return "device"
	default:
		return "unknown"
	}
}
