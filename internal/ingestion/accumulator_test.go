package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock drives the accumulator's batch window deterministically.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestAccumulator(batchSize int, batchTimeout time.Duration) (*Accumulator, *fakeClock) {
	clock := &fakeClock{current: time.Date(2020, 11, 1, 9, 0, 0, 0, time.UTC)}

	acc := NewAccumulator(batchSize, batchTimeout)
	acc.now = clock.now
	acc.windowStart = clock.current

	return acc, clock
}

func TestAccumulatorEmptyNeverReady(t *testing.T) {
	acc, clock := newTestAccumulator(3, 5*time.Second)

	assert.False(t, acc.Ready())

	// Even an expired window must not trigger a zero-row flush.
	clock.advance(time.Hour)
	assert.False(t, acc.Ready())
}

func TestAccumulatorSizeTrigger(t *testing.T) {
	acc, _ := newTestAccumulator(3, 5*time.Second)

	acc.Append([]byte("a"), []byte("b"))
	assert.False(t, acc.Ready())

	acc.Append([]byte("c"))
	assert.True(t, acc.Ready())
	assert.Equal(t, 3, acc.Len())
}

func TestAccumulatorTimeoutTrigger(t *testing.T) {
	acc, clock := newTestAccumulator(1000, 5*time.Second)

	acc.Append([]byte("a"))
	assert.False(t, acc.Ready())

	clock.advance(4 * time.Second)
	assert.False(t, acc.Ready())

	clock.advance(time.Second)
	assert.True(t, acc.Ready())
}

func TestAccumulatorFlushResetsWindow(t *testing.T) {
	acc, clock := newTestAccumulator(1000, 5*time.Second)

	acc.Append([]byte("a"))
	clock.advance(10 * time.Second)
	assert.True(t, acc.Ready())

	batch := acc.Flush()
	assert.Len(t, batch, 1)
	assert.Zero(t, acc.Len())

	// The window restarts at flush time: a new record is not instantly
	// ready just because the previous window had expired.
	acc.Append([]byte("b"))
	assert.False(t, acc.Ready())

	clock.advance(5 * time.Second)
	assert.True(t, acc.Ready())
}

func TestAccumulatorRequeuePutsBatchFirstAndStaysReady(t *testing.T) {
	acc, _ := newTestAccumulator(1000, 5*time.Second)

	acc.Append([]byte("a"), []byte("b"))

	batch := acc.Flush()
	acc.Append([]byte("c"))
	acc.Requeue(batch)

	// The requeued records retry ahead of anything fetched since, and the
	// buffer is immediately ready: its batch is already overdue.
	assert.True(t, acc.Ready())

	retry := acc.Flush()
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, retry)
}

func TestAccumulatorRequeueEmptyIsNoop(t *testing.T) {
	acc, _ := newTestAccumulator(1000, 5*time.Second)

	acc.Requeue(nil)

	assert.Zero(t, acc.Len())
	assert.False(t, acc.Ready())
}

func TestAccumulatorFlushEmpty(t *testing.T) {
	acc, _ := newTestAccumulator(3, 5*time.Second)

	assert.Empty(t, acc.Flush())
}
