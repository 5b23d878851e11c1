package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestRunQueueStrictClassOrder verifies spec.md §4's invariant: pick_next
// always prefers Deadline over RT over Fair, checked as each higher
// class is enqueued on top of the lower ones.
func TestRunQueueStrictClassOrder(t *testing.T) {
	rq := NewRunQueue(0)

	fair := &Thread{ID: 1, class: ClassFair}
	rt := &Thread{ID: 2, class: ClassRT, RT: RTParams{Priority: 50}}
	deadline := &Thread{ID: 3, class: ClassDeadline, Deadline: DeadlineParams{Runtime: time.Millisecond, Deadline: 10 * time.Millisecond, Period: 10 * time.Millisecond}}
	ReplenishPeriod(deadline, time.Unix(0, 0))

	rq.Enqueue(fair)
	require.Equal(t, fair, rq.PickNext())

	rq.Enqueue(rt)
	require.Equal(t, rt, rq.PickNext(), "RT must outrank Fair")

	rq.Enqueue(deadline)
	require.Equal(t, deadline, rq.PickNext(), "Deadline must outrank RT and Fair")
}

func TestRunQueueEnqueueDequeueRoundTrip(t *testing.T) {
	rq := NewRunQueue(0)
	th := &Thread{ID: 1, class: ClassFair}
	rq.Enqueue(th)
	require.Equal(t, 1, rq.Len())
	rq.Dequeue(th)
	require.Equal(t, 0, rq.Len())
}

func TestRunQueueOnlyOneCurrentAtATime(t *testing.T) {
	rq := NewRunQueue(0)
	a := &Thread{ID: 1, class: ClassFair}
	rq.SetCurrent(a)
	require.Equal(t, a, rq.Current())

	b := &Thread{ID: 2, class: ClassFair}
	rq.SetCurrent(b)
	require.Equal(t, b, rq.Current())
}
