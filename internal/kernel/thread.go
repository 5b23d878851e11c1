package kernel

import (
	"sync"
	"time"
)

// ThreadState is a position in the New -> Ready -> Running ->
// {Ready | Waiting | Zombie} -> destroyed state machine (spec.md §3.1),
// modelled at thread granularity rather than the coarser
// process-level state a Created/Ready/Running/Blocked/Terminated enum
// would give.
type ThreadState int

const (
	ThreadNew ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadWaiting
	ThreadZombie
	ThreadDestroyed
)

func (s ThreadState) String() string {
	switch s {
	case ThreadNew:
		return "new"
	case ThreadReady:
		return "ready"
	case ThreadRunning:
		return "running"
	case ThreadWaiting:
		return "waiting"
	case ThreadZombie:
		return "zombie"
	case ThreadDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// SchedClass identifies which scheduling class a thread belongs to,
// checked in strict priority order Deadline > RT > Fair > Idle
// whenever a CPU picks its next thread (spec.md §4).
type SchedClass int

const (
	ClassDeadline SchedClass = iota
	ClassRT
	ClassFair
	ClassIdle
)

func (c SchedClass) String() string {
	switch c {
	case ClassDeadline:
		return "deadline"
	case ClassRT:
		return "rt"
	case ClassFair:
		return "fair"
	case ClassIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// RTPolicy distinguishes the two RT scheduling disciplines (spec.md
// §4.3): FIFO runs to voluntary yield/block/preemption by a higher
// class, RR additionally time-slices peers at equal priority.
type RTPolicy int

const (
	RTFifo RTPolicy = iota
	RTRoundRobin
)

// FairParams holds CFS-style parameters for a Fair-class thread
// (spec.md §4.4).
type FairParams struct {
	Nice    int // -20..19, lower is higher priority
	Weight  uint64
	VRuntime uint64
}

// RTParams holds fixed-priority parameters for an RT-class thread
// (spec.md §4.3 and §3's RTTask "period, ... runtime budget"
// parameters): a worst-case execution time per period, used by
// AdmitRT's utilisation bound, independent of Slice, which is the
// round-robin time quantum (a scheduling detail, not a schedulability
// parameter).
type RTParams struct {
	Priority int // 1 (highest) .. 99 (lowest); numerically lower outranks higher, RT priority space disjoint from nice
	Policy   RTPolicy
	Slice    time.Duration // RR time slice; unused under FIFO

	Runtime time.Duration // worst-case execution time per period
	Period  time.Duration
}

// DeadlineParams holds EDF parameters for a Deadline-class thread
// (spec.md §4.2): a (runtime, deadline, period) triple plus the
// remaining runtime budget for the current period.
type DeadlineParams struct {
	Runtime  time.Duration // worst-case execution time per period
	Deadline time.Duration // relative deadline within the period
	Period   time.Duration

	remainingBudget  time.Duration
	absoluteDeadline  time.Time
	periodStart       time.Time
	enforced          bool // if true, budget exhaustion kills rather than throttles
}

// Thread is one schedulable unit of execution (spec.md §3.1), kept
// distinct from Process rather than conflating the two concepts into
// one.
type Thread struct {
	ID        uint64
	ProcessID uint64

	// AS is the address space this thread executes in, shared with
	// every other thread of the same process. Nil for threads that
	// never touch the VMM (e.g. scheduler-only unit tests); the
	// scheduler skips the arch::switch_aspace call when nil.
	AS *AddressSpace

	mu    sync.Mutex
	state ThreadState
	class SchedClass

	Fair     FairParams
	RT       RTParams
	Deadline DeadlineParams

	AssignedCPU int
	Affinity    map[int]bool // nil or empty means "any CPU"

	Context      RegisterContext
	KernelStack  []byte
	accumulatedRuntime time.Duration

	// Boost holds the priority inheritance state (spec.md §4.8): a
	// non-nil Boost means this
	// thread currently holds a lock a higher-priority thread is
	// waiting on.
	Boost *PriorityBoost

	waitObject interface{} // opaque wait-channel/futex/lock reference while Waiting
}

// NewThread creates a thread in the New state belonging to processID.
func NewThread(id, processID uint64, class SchedClass) *Thread {
	return &Thread{
		ID:        id,
		ProcessID: processID,
		state:     ThreadNew,
		class:     class,
		Affinity:  make(map[int]bool),
	}
}

func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Thread) Class() SchedClass {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.class
}

// transition validates and applies a state change, rejecting moves
// that are not part of the New -> Ready -> Running ->
// {Ready|Waiting|Zombie} -> destroyed machine.
func (t *Thread) transition(to ThreadState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !validTransition(t.state, to) {
		return newErr(KindInvalidRegion, "invalid thread state transition "+t.state.String()+" -> "+to.String(), nil)
	}
	t.state = to
	return nil
}

func validTransition(from, to ThreadState) bool {
	switch from {
	case ThreadNew:
		return to == ThreadReady
	case ThreadReady:
		return to == ThreadRunning || to == ThreadZombie
	case ThreadRunning:
		return to == ThreadReady || to == ThreadWaiting || to == ThreadZombie
	case ThreadWaiting:
		return to == ThreadReady || to == ThreadZombie
	case ThreadZombie:
		return to == ThreadDestroyed
	default:
		return false
	}
}

func (t *Thread) MarkReady() error      { return t.transition(ThreadReady) }
func (t *Thread) MarkRunning() error    { return t.transition(ThreadRunning) }
func (t *Thread) MarkWaiting(wo interface{}) error {
	if err := t.transition(ThreadWaiting); err != nil {
		return err
	}
	t.mu.Lock()
	t.waitObject = wo
	t.mu.Unlock()
	return nil
}
func (t *Thread) MarkZombie() error     { return t.transition(ThreadZombie) }
func (t *Thread) MarkDestroyed() error  { return t.transition(ThreadDestroyed) }

// AddRuntime accumulates consumed CPU time. The Fair and Deadline ticks
// and the RT round-robin tick call it; the RT class measures its slice
// against the total, while Fair vruntime and Deadline budget are kept
// in their own fields.
func (t *Thread) AddRuntime(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accumulatedRuntime += d
}

// AccumulatedRuntime returns total CPU time consumed since creation.
func (t *Thread) AccumulatedRuntime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accumulatedRuntime
}

// PriorityBoost records one lock's contribution to a temporary
// priority inheritance grant (spec.md §4.8): while held, it lowers the
// thread's effective priority number to (at most) that of the
// highest-priority thread currently blocked on Lock. A thread holding
// several InheritanceLocks at once carries one PriorityBoost per lock,
// chained through Next; effectivePriority takes the best of the whole
// chain rather than assuming the head is always the tightest bound, so
// the layers may be updated or removed in any order as waiters come
// and go.
type PriorityBoost struct {
	FromThreadID      uint64
	EffectivePriority int
	Lock              *InheritanceLock // lock that contributed this layer
	Next              *PriorityBoost
}
