package kernel

import (
	"sort"
	"time"
)

// --- RT class -------------------------------------------------------

// rtQueue is the fixed-priority RT class (spec.md §4.3): 99 priority
// levels, FIFO within a level unless RR time-slicing is requested.
type rtQueue struct {
	levels map[int][]*Thread // priority -> FIFO-ordered threads
}

func newRTQueue() *rtQueue {
	return &rtQueue{levels: make(map[int][]*Thread)}
}

func (q *rtQueue) enqueue(t *Thread) {
	p := t.RT.Priority
	q.levels[p] = append(q.levels[p], t)
}

func (q *rtQueue) dequeue(t *Thread) {
	p := t.RT.Priority
	list := q.levels[p]
	for i, cand := range list {
		if cand.ID == t.ID {
			q.levels[p] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func (q *rtQueue) pickNext() *Thread {
	best := -1
	for p, list := range q.levels {
		if len(list) == 0 {
			continue
		}
		if best < 0 || p < best {
			best = p
		}
	}
	if best < 0 {
		return nil
	}
	return q.levels[best][0]
}

func (q *rtQueue) len() int {
	n := 0
	for _, list := range q.levels {
		n += len(list)
	}
	return n
}

// tick reports whether the running RT thread's RR slice has expired:
// a slice ends each time the thread's accumulated runtime reaches a
// multiple of Slice (a non-positive Slice expires on every tick).
// FIFO threads never preempt on tick alone (spec.md §4.3).
func (q *rtQueue) tick(t *Thread) bool {
	if t.RT.Policy != RTRoundRobin {
		return false
	}
	t.AddRuntime(time.Millisecond)
	if t.RT.Slice <= 0 {
		return true
	}
	return t.AccumulatedRuntime()%t.RT.Slice == 0
}

// --- Deadline (EDF) class --------------------------------------------

// deadlineQueue is the Earliest-Deadline-First class (spec.md §4.2):
// threads ordered by absolute deadline, with per-period budget
// enforcement.
type deadlineQueue struct {
	threads []*Thread
	enforced bool // not read anywhere; each thread's DeadlineParams.enforced selects its budget policy
}

func newDeadlineQueue() *deadlineQueue {
	return &deadlineQueue{}
}

func (q *deadlineQueue) enqueue(t *Thread) {
	now := t.Deadline.periodStart
	if now.IsZero() {
		t.Deadline.remainingBudget = t.Deadline.Runtime
	}
	for _, cand := range q.threads {
		if cand.ID == t.ID {
			return
		}
	}
	q.threads = append(q.threads, t)
}

func (q *deadlineQueue) dequeue(t *Thread) {
	for i, cand := range q.threads {
		if cand.ID == t.ID {
			q.threads = append(q.threads[:i], q.threads[i+1:]...)
			return
		}
	}
}

func (q *deadlineQueue) len() int { return len(q.threads) }

// pickNext returns the thread with the earliest absolute deadline
// among those still holding remaining budget; ticks is unused by this
// simulation clock but kept for parity with tick-driven schedulers
// that key budget replenishment off an absolute tick count.
func (q *deadlineQueue) pickNext(ticks uint64) *Thread {
	var best *Thread
	for _, t := range q.threads {
		if t.Deadline.remainingBudget <= 0 {
			continue
		}
		if best == nil || t.Deadline.absoluteDeadline.Before(best.Deadline.absoluteDeadline) {
			best = t
		}
	}
	return best
}

// tick depletes the running deadline thread's budget by one tick and
// reports whether the budget is now exhausted, forcing a reschedule.
// pickNext skips a thread with no budget left until ReplenishPeriod
// restores it. Neither this queue nor the Scheduler calls
// OnBudgetExceeded or ReplenishPeriod: the kill policy is not applied
// on this path, and a depleted thread stays out of pickNext until a
// caller replenishes it.
func (q *deadlineQueue) tick(t *Thread) bool {
	t.AddRuntime(time.Millisecond)
	t.Deadline.remainingBudget -= time.Millisecond
	return t.Deadline.remainingBudget <= 0
}

// AdmissionReason enumerates why an RT/Deadline admission request was
// rejected (spec.md §4.7).
type AdmissionReason int

const (
	AdmitOK AdmissionReason = iota
	AdmitRejectCPUUtilization
	AdmitRejectMemoryBandwidth
	AdmitRejectNotSchedulable
	AdmitRejectIsolationConflict
	AdmitRejectOther
)

func (r AdmissionReason) String() string {
	switch r {
	case AdmitOK:
		return "ok"
	case AdmitRejectCPUUtilization:
		return "cpu-utilization"
	case AdmitRejectMemoryBandwidth:
		return "memory-bandwidth"
	case AdmitRejectNotSchedulable:
		return "deadline-not-schedulable"
	case AdmitRejectIsolationConflict:
		return "isolation-conflict"
	default:
		return "other"
	}
}

// AdmissionController decides whether a new RT/Deadline thread may be
// admitted to a CPU without endangering existing guarantees (spec.md
// §4.7), checked before a thread is ever added to a run queue.
type AdmissionController struct {
	rtBound       float64
	deadlineBound float64
}

// NewAdmissionController creates a controller with the given
// utilisation bounds (spec.md defaults: 0.69 RT, 0.50 EDF).
func NewAdmissionController(rtBound, deadlineBound float64) *AdmissionController {
	return &AdmissionController{rtBound: rtBound, deadlineBound: deadlineBound}
}

// AdmitRT checks the classic Liu & Layland utilisation bound U =
// sum(runtime/period) <= n(2^(1/n) - 1), approximated here by the
// configured constant bound (default 0.69), against the CPU's
// existing RT threads plus the candidate.
func (ac *AdmissionController) AdmitRT(existing []*Thread, candidate *Thread) AdmissionReason {
	util := 0.0
	for _, t := range existing {
		if t.RT.Period > 0 {
			util += float64(t.RT.Runtime) / float64(t.RT.Period)
		}
	}
	if candidate.RT.Period <= 0 || candidate.RT.Runtime > candidate.RT.Period {
		return AdmitRejectNotSchedulable
	}
	util += float64(candidate.RT.Runtime) / float64(candidate.RT.Period)
	if util > ac.rtBound {
		return AdmitRejectCPUUtilization
	}
	return AdmitOK
}

// AdmitDeadline checks EDF's exact schedulability bound U =
// sum(runtime/period) <= bandwidth fraction (default 0.50) for the
// deadline threads sharing a CPU.
func (ac *AdmissionController) AdmitDeadline(existing []*Thread, candidate *Thread) AdmissionReason {
	util := 0.0
	for _, t := range existing {
		if t.Deadline.Period > 0 {
			util += float64(t.Deadline.Runtime) / float64(t.Deadline.Period)
		}
	}
	if candidate.Deadline.Period <= 0 || candidate.Deadline.Runtime > candidate.Deadline.Deadline || candidate.Deadline.Deadline > candidate.Deadline.Period {
		return AdmitRejectNotSchedulable
	}
	util += float64(candidate.Deadline.Runtime) / float64(candidate.Deadline.Period)
	if util > ac.deadlineBound {
		return AdmitRejectCPUUtilization
	}
	return AdmitOK
}

// BudgetOutcome is what happens when a deadline thread's budget hits
// zero before its deadline (spec.md §4.2 edge case): by default the
// thread is throttled (held out of the run queue until its next
// period); if DeadlineParams.enforced is set, it is killed instead.
type BudgetOutcome int

const (
	BudgetThrottled BudgetOutcome = iota
	BudgetKilled
)

// OnBudgetExceeded applies the configured policy for t's budget
// exhaustion and returns which outcome was applied.
func OnBudgetExceeded(t *Thread, metrics *Metrics) BudgetOutcome {
	if t.Deadline.enforced {
		if metrics != nil {
			metrics.BudgetKills.Inc()
		}
		return BudgetKilled
	}
	if metrics != nil {
		metrics.BudgetThrottles.Inc()
	}
	return BudgetThrottled
}

// ReplenishPeriod resets a deadline thread's budget and absolute
// deadline at the start of a new period.
func ReplenishPeriod(t *Thread, now time.Time) {
	t.Deadline.periodStart = now
	t.Deadline.remainingBudget = t.Deadline.Runtime
	t.Deadline.absoluteDeadline = now.Add(t.Deadline.Deadline)
}

// ReassignRateMonotonic performs a one-shot static priority
// reassignment of RT-class threads under the Rate-Monotonic rule
// (spec.md §4.3 redesign note): shorter period implies higher
// priority. DeadlineMonotonic reassignment for the Deadline class uses
// the same ordering keyed on relative deadline instead of period.
func ReassignRateMonotonic(threads []*Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].RT.Period < threads[j].RT.Period
	})
	for i, t := range threads {
		// Numerically lower is higher priority (spec.md §4.4), so the
		// shortest period gets the lowest priority number.
		t.RT.Priority = i + 1
	}
}

// ReassignDeadlineMonotonic is Rate-Monotonic's deadline-driven
// sibling: priority ordered by relative deadline rather than period,
// used for Deadline-class threads whose deadline is shorter than
// their period.
func ReassignDeadlineMonotonic(threads []*Thread) {
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].Deadline.Deadline < threads[j].Deadline.Deadline
	})
	for i, t := range threads {
		// Shortest relative deadline gets the lowest priority number.
		t.RT.Priority = i + 1
	}
}
