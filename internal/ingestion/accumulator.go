package ingestion

import "time"

// Accumulator buffers raw queue payloads until a batch is ready.
//
// A batch is ready when either the buffered count reaches the configured
// batch size, or the buffer is non-empty and the batch window has been open
// for at least the configured timeout. The size bound caps per-batch work on
// busy partitions; the time bound caps latency on quiet ones. An empty
// buffer never triggers.
//
// Not safe for concurrent use; the ingestion loop is single-threaded.
type Accumulator struct {
	batchSize    int
	batchTimeout time.Duration

	buf         [][]byte
	windowStart time.Time

	now func() time.Time // override in tests
}

// NewAccumulator creates an accumulator with an open batch window.
func NewAccumulator(batchSize int, batchTimeout time.Duration) *Accumulator {
	a := &Accumulator{
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		now:          time.Now,
	}
	a.windowStart = a.now()

	return a
}

// Append adds raw payloads to the current batch window.
func (a *Accumulator) Append(records ...[]byte) {
	a.buf = append(a.buf, records...)
}

// Requeue returns a flushed batch to the front of the buffer so the next
// flush retries it ahead of anything fetched since. The batch window is
// marked as already expired: a requeued batch is overdue by definition and
// must not wait out a fresh timeout.
func (a *Accumulator) Requeue(records [][]byte) {
	if len(records) == 0 {
		return
	}

	a.buf = append(records, a.buf...)
	a.windowStart = a.now().Add(-a.batchTimeout)
}

// Len returns the number of buffered payloads.
func (a *Accumulator) Len() int {
	return len(a.buf)
}

// Ready reports whether the current buffer should be flushed.
func (a *Accumulator) Ready() bool {
	if len(a.buf) >= a.batchSize {
		return true
	}

	return len(a.buf) > 0 && a.now().Sub(a.windowStart) >= a.batchTimeout
}

// Flush returns the buffered payloads and opens a new batch window.
// The returned slice is owned by the caller.
func (a *Accumulator) Flush() [][]byte {
	batch := a.buf
	a.buf = nil
	a.windowStart = a.now()

	return batch
}
