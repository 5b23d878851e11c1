package kernel

import "sync"

// RunQueue is one CPU's set of runnable threads, split by scheduling
// class (spec.md §4): a Deadline queue, an RT queue, a Fair queue and
// an Idle placeholder, checked in that strict priority order by
// PickNext, rather than one flat slice mixing every class together.
type RunQueue struct {
	mu sync.Mutex

	CPU int

	deadline *deadlineQueue
	rt       *rtQueue
	fair     *fairQueue

	current *Thread

	// ticks counts Tick calls on this CPU. It is passed to the Deadline
	// class's pickNext, which does not use it; Fair vruntime and
	// Deadline budget are advanced by the classes' own tick methods.
	ticks uint64
}

// NewRunQueue creates an empty run queue for the given CPU.
func NewRunQueue(cpu int) *RunQueue {
	return &RunQueue{
		CPU:      cpu,
		deadline: newDeadlineQueue(),
		rt:       newRTQueue(),
		fair:     newFairQueue(),
	}
}

// Lock/Unlock expose the run queue's spinlock directly: cross-RQ
// operations (load balancing, migration) must acquire queues in
// ascending CPU-id order to avoid deadlock, which only the caller can
// enforce across multiple RunQueues.
func (rq *RunQueue) Lock()   { rq.mu.Lock() }
func (rq *RunQueue) Unlock() { rq.mu.Unlock() }

// Enqueue makes t runnable on this CPU, routing it to its class's
// sub-queue. Caller must hold rq's lock.
func (rq *RunQueue) Enqueue(t *Thread) {
	switch t.Class() {
	case ClassDeadline:
		rq.deadline.enqueue(t)
	case ClassRT:
		rq.rt.enqueue(t)
	case ClassFair:
		rq.fair.enqueue(t)
	}
}

// Dequeue removes t from its class's sub-queue without regard to
// whether it is current. Caller must hold rq's lock.
func (rq *RunQueue) Dequeue(t *Thread) {
	switch t.Class() {
	case ClassDeadline:
		rq.deadline.dequeue(t)
	case ClassRT:
		rq.rt.dequeue(t)
	case ClassFair:
		rq.fair.dequeue(t)
	}
}

// PickNext selects the next thread to run in strict class priority
// order Deadline > RT > Fair > Idle (spec.md §4 invariant). Returns
// nil if every queue is empty (the idle thread should run). Caller
// must hold rq's lock.
func (rq *RunQueue) PickNext() *Thread {
	if t := rq.deadline.pickNext(rq.ticks); t != nil {
		return t
	}
	if t := rq.rt.pickNext(); t != nil {
		return t
	}
	if t := rq.fair.pickNext(); t != nil {
		return t
	}
	return nil
}

// Current returns the thread currently running on this CPU, or nil.
func (rq *RunQueue) Current() *Thread {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.current
}

// SetCurrent records t as the thread now running on this CPU.
func (rq *RunQueue) SetCurrent(t *Thread) {
	rq.mu.Lock()
	rq.current = t
	rq.mu.Unlock()
}

// Len returns the total number of runnable threads across all classes
// (used by the load balancer and by the kernel's least-loaded placement).
func (rq *RunQueue) Len() int {
	rq.mu.Lock()
	defer rq.mu.Unlock()
	return rq.deadline.len() + rq.rt.len() + rq.fair.len()
}

// Tick advances this CPU's local clock by one tick, returning true if
// the currently running thread should be preempted (its RT/Deadline
// slice expired, or the Fair class's ideal runtime share was
// exceeded). Caller must hold rq's lock.
func (rq *RunQueue) Tick() bool {
	rq.ticks++
	if rq.current == nil {
		return false
	}
	switch rq.current.Class() {
	case ClassDeadline:
		return rq.deadline.tick(rq.current)
	case ClassRT:
		return rq.rt.tick(rq.current)
	case ClassFair:
		return rq.fair.tick(rq.current)
	default:
		return false
	}
}
