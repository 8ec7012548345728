package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var queueIDs atomic.Uint64

// Event completes once every operation enqueued before it has finished.
type Event struct {
	done chan struct{}
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// Done reports whether the event has completed.
func (e *Event) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the event completes or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type op struct {
	name  string
	fn    func() error
	event *Event
}

// Queue is an ordered execution queue. Operations run one after another in
// submission order on a dedicated goroutine; a single operation (such as a
// kernel launch) may fan out internally. Enqueue never blocks on execution.
//
// Failures inside operations are recorded and reported by the next
// Synchronize; the first failure since the last synchronization wins.
type Queue struct {
	id      uint64
	backend Backend

	mu     sync.Mutex
	cond   *sync.Cond
	ops    []op
	closed bool
	err    error

	exited chan struct{}
}

func newQueue(b Backend) *Queue {
	q := &Queue{
		id:      queueIDs.Add(1),
		backend: b,
		exited:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// ID identifies the queue in logs.
func (q *Queue) ID() uint64 {
	return q.id
}

// Backend returns the device the queue executes on.
func (q *Queue) Backend() Backend {
	return q.backend
}

// Closed reports whether the queue stopped accepting work.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Enqueue appends fn to the queue and returns immediately.
func (q *Queue) Enqueue(name string, fn func() error) error {
	return q.push(op{name: name, fn: fn})
}

func (q *Queue) push(o op) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ops = append(q.ops, o)
	queuePending.Inc()
	q.cond.Signal()
	return nil
}

// Record returns an event that completes after all work enqueued so far.
// On a closed queue the event is already complete.
func (q *Queue) Record() *Event {
	ev := newEvent()
	if err := q.push(op{name: "event", event: ev}); err != nil {
		close(ev.done)
	}
	return ev
}

// Synchronize waits for all enqueued work and returns the first device
// error raised since the previous synchronization.
func (q *Queue) Synchronize() error {
	return q.SynchronizeContext(context.Background())
}

// SynchronizeContext is Synchronize with a deadline on the wait. Giving up
// the wait does not cancel queued work; use Abort for that.
func (q *Queue) SynchronizeContext(ctx context.Context) error {
	if err := q.Record().Wait(ctx); err != nil {
		return err
	}
	return q.takeErr()
}

// Abort drops every operation that has not started yet. The running
// operation, if any, completes normally. The next synchronization reports
// ErrAborted.
func (q *Queue) Abort() {
	q.mu.Lock()
	dropped := q.ops
	q.ops = nil
	if len(dropped) > 0 && q.err == nil {
		q.err = ErrAborted
	}
	q.mu.Unlock()

	for _, o := range dropped {
		queuePending.Dec()
		queueOps.WithLabelValues(o.name, "aborted").Inc()
		if o.event != nil {
			close(o.event.done)
		}
	}
	if len(dropped) > 0 {
		log.Warn().Uint64("queue", q.id).Int("dropped", len(dropped)).Msg("Execution queue aborted")
	}
}

// Close stops accepting work, drains what is already queued and returns any
// unreported device error.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.exited
	return q.takeErr()
}

func (q *Queue) takeErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

func (q *Queue) loop() {
	defer close(q.exited)
	for {
		q.mu.Lock()
		for len(q.ops) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.ops) == 0 {
			q.mu.Unlock()
			return
		}
		o := q.ops[0]
		q.ops[0] = op{}
		q.ops = q.ops[1:]
		q.mu.Unlock()

		err := q.run(o)

		queuePending.Dec()
		if err != nil {
			queueOps.WithLabelValues(o.name, "error").Inc()
			log.Error().Err(err).Uint64("queue", q.id).Str("op", o.name).Msg("Queue operation failed")
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
		} else {
			queueOps.WithLabelValues(o.name, "ok").Inc()
		}
	}
}

func (q *Queue) run(o op) (err error) {
	if o.event != nil {
		close(o.event.done)
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrDevice, o.name, r)
		}
	}()
	if err := o.fn(); err != nil {
		if errors.Is(err, ErrDevice) {
			return err
		}
		return fmt.Errorf("%w: %s: %w", ErrDevice, o.name, err)
	}
	return nil
}

// Fill sets every element of buf to v once preceding work has completed.
func (q *Queue) Fill(buf *Buffer, v float32) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrDevice)
	}
	return q.Enqueue("fill", func() error {
		bits := Float32ToBFloat16(v)
		data := buf.Raw()
		for i := range data {
			data[i] = bits
		}
		return nil
	})
}

// CopyFromHost uploads src into buf in queue order. src must stay untouched
// until the copy has executed.
func (q *Queue) CopyFromHost(buf *Buffer, src []float32) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrDevice)
	}
	if len(src) != buf.Shape().Elements() {
		return fmt.Errorf("%w: got %d elements for shape %s", ErrShapeMismatch, len(src), buf.Shape())
	}
	return q.Enqueue("copy_h2d", func() error {
		return buf.CopyFromFloat32(src)
	})
}

// CopyToHost downloads buf into dst in queue order. dst is valid after the
// next synchronization point.
func (q *Queue) CopyToHost(buf *Buffer, dst []float32) error {
	if buf == nil {
		return fmt.Errorf("%w: nil buffer", ErrDevice)
	}
	if len(dst) != buf.Shape().Elements() {
		return fmt.Errorf("%w: got %d elements for shape %s", ErrShapeMismatch, len(dst), buf.Shape())
	}
	return q.Enqueue("copy_d2h", func() error {
		BFloat16ToFloat32Slice(dst, buf.Raw())
		return nil
	})
}
