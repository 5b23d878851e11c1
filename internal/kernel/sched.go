package kernel

import "sync/atomic"

// Scheduler owns one RunQueue per CPU and the cross-cutting
// scheduling operations spec.md §4 names: enqueue, dequeue, pick_next,
// tick, schedule, wakeup. Run-queue storage, ordering structure and
// context switching are kept in separate types, and every dependency
// is an explicit field rather than a package-level global.
type Scheduler struct {
	rqs     []*RunQueue
	arch    Arch
	metrics *Metrics
	admission *AdmissionController

	needResched []int32 // per-CPU atomic flags
}

// NewScheduler creates a scheduler with one run queue per CPU.
func NewScheduler(numCPUs int, arch Arch, metrics *Metrics, admission *AdmissionController) *Scheduler {
	s := &Scheduler{
		arch:      arch,
		metrics:   metrics,
		admission: admission,
	}
	for cpu := 0; cpu < numCPUs; cpu++ {
		s.rqs = append(s.rqs, NewRunQueue(cpu))
	}
	s.needResched = make([]int32, numCPUs)
	return s
}

// RunQueue returns the run queue for cpu.
func (s *Scheduler) RunQueue(cpu int) *RunQueue { return s.rqs[cpu] }

// NumCPUs returns how many per-CPU run queues this scheduler manages.
func (s *Scheduler) NumCPUs() int { return len(s.rqs) }

// Enqueue places t on cpu's run queue in the Ready state (spec.md §4
// enqueue). The thread must already be New or Waiting.
func (s *Scheduler) Enqueue(cpu int, t *Thread) error {
	if err := t.MarkReady(); err != nil {
		return err
	}
	rq := s.rqs[cpu]
	rq.Lock()
	defer rq.Unlock()
	t.AssignedCPU = cpu
	rq.Enqueue(t)
	return nil
}

// Dequeue removes t from its assigned CPU's run queue without
// changing its state (spec.md §4 dequeue); used when migrating a
// thread or when it is about to be destroyed.
func (s *Scheduler) Dequeue(t *Thread) {
	rq := s.rqs[t.AssignedCPU]
	rq.Lock()
	defer rq.Unlock()
	rq.Dequeue(t)
}

// Wakeup transitions a Waiting thread back to Ready and re-enqueues it
// on its assigned CPU (spec.md §4 wakeup), raising need_resched on
// that CPU if the woken thread should preempt what is currently
// running there.
func (s *Scheduler) Wakeup(t *Thread) error {
	if err := t.MarkReady(); err != nil {
		return err
	}
	cpu := t.AssignedCPU
	rq := s.rqs[cpu]
	rq.Lock()
	rq.Enqueue(t)
	current := rq.current
	rq.Unlock()

	if current == nil || classRank(t.Class()) < classRank(current.Class()) {
		s.raiseResched(cpu)
	}
	return nil
}

func classRank(c SchedClass) int {
	switch c {
	case ClassDeadline:
		return 0
	case ClassRT:
		return 1
	case ClassFair:
		return 2
	default:
		return 3
	}
}

func (s *Scheduler) raiseResched(cpu int) {
	atomic.StoreInt32(&s.needResched[cpu], 1)
	_ = s.arch.SendIPI(cpu, IPIResched)
}

// NeedResched reports and clears cpu's reschedule flag.
func (s *Scheduler) NeedResched(cpu int) bool {
	return atomic.SwapInt32(&s.needResched[cpu], 0) == 1
}

// Tick advances cpu's run queue clock by one tick and raises
// need_resched if the running thread's slice has expired (spec.md §4
// tick).
func (s *Scheduler) Tick(cpu int) {
	rq := s.rqs[cpu]
	rq.Lock()
	expired := rq.Tick()
	rq.Unlock()
	if expired {
		s.raiseResched(cpu)
	}
}

// Schedule performs one scheduling decision on cpu: pick the next
// thread in strict class order, context-switch away from whatever was
// running, and install the new thread as current (spec.md §4 schedule
// / context-switch contract: the run queue lock must be held across
// the switch so no concurrent enqueue/dequeue observes a half-updated
// current pointer).
func (s *Scheduler) Schedule(cpu int) (prev, next *Thread) {
	rq := s.rqs[cpu]
	rq.Lock()
	defer rq.Unlock()

	prev = rq.current
	next = rq.PickNext()

	if prev == next {
		return prev, next
	}

	if prev != nil {
		if prev.State() == ThreadRunning {
			_ = prev.MarkReady()
			rq.Enqueue(prev)
		}
	}

	if next != nil {
		rq.Dequeue(next)
		_ = next.MarkRunning()
	}
	rq.current = next

	s.contextSwitch(cpu, prev, next)
	if s.metrics != nil {
		s.metrics.ContextSwitches.Inc()
	}
	return prev, next
}

// contextSwitch saves the outgoing thread's register context, installs
// the incoming thread's address space if it differs from the outgoing
// one, and restores the incoming register context, all via the Arch
// contract (spec.md §6 arch::switch_aspace / arch::save_context /
// arch::restore_context; spec.md §4.4's context-switch contract: "if
// ASes differ, install the incoming AS's root page table"). Caller
// must hold the run queue lock.
func (s *Scheduler) contextSwitch(cpu int, prev, next *Thread) {
	if prev != nil {
		prev.Context = s.arch.SaveContext()
	}

	var prevAS, nextAS *AddressSpace
	if prev != nil {
		prevAS = prev.AS
	}
	if next != nil {
		nextAS = next.AS
	}
	if nextAS != nil && nextAS != prevAS {
		if prevAS != nil {
			prevAS.MarkInactive(cpu)
		}
		nextAS.MarkActive(cpu)
		s.arch.SwitchAddressSpace(cpu, nextAS.ID)
	}

	if next != nil {
		s.arch.RestoreContext(next.Context)
	}
}
