package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T, numCPUs int) *Scheduler {
	t.Helper()
	metrics := NewMetrics()
	arch := NewSimArch(numCPUs)
	admission := NewAdmissionController(0.69, 0.50)
	sched := NewScheduler(numCPUs, arch, metrics, admission)
	for cpu := 0; cpu < numCPUs; cpu++ {
		arch.RegisterIPIHandler(cpu, func(IPIReason) {})
	}
	return sched
}

func TestSchedulerEnqueueThenScheduleRunsIt(t *testing.T) {
	sched := newTestScheduler(t, 1)
	th := NewThread(1, 1, ClassFair)

	require.NoError(t, sched.Enqueue(0, th))
	require.Equal(t, ThreadReady, th.State())

	prev, next := sched.Schedule(0)
	require.Nil(t, prev)
	require.Equal(t, th, next)
	require.Equal(t, ThreadRunning, th.State())
}

// TestWakeupObservedReadyBeforeNextSchedule is the §5 ordering
// guarantee: once wakeup is issued for a Waiting thread, it is
// observed Ready on some CPU's run queue before the next schedule()
// on the waking CPU returns.
func TestWakeupObservedReadyBeforeNextSchedule(t *testing.T) {
	sched := newTestScheduler(t, 1)
	th := NewThread(1, 1, ClassFair)
	require.NoError(t, sched.Enqueue(0, th))
	sched.Schedule(0) // th is now Running

	require.NoError(t, th.MarkWaiting(nil))
	require.NoError(t, sched.Wakeup(th))
	require.Equal(t, ThreadReady, th.State())

	rq := sched.RunQueue(0)
	rq.Lock()
	length := rq.fair.len()
	rq.Unlock()
	require.Equal(t, 1, length)
}

func TestWakeupOfHigherClassRaisesNeedResched(t *testing.T) {
	sched := newTestScheduler(t, 1)
	fair := NewThread(1, 1, ClassFair)
	require.NoError(t, sched.Enqueue(0, fair))
	sched.Schedule(0) // fair is current

	rtThread := NewThread(2, 2, ClassRT)
	rtThread.RT.Priority = 10
	rtThread.AssignedCPU = 0
	require.NoError(t, rtThread.MarkReady())
	require.NoError(t, rtThread.MarkRunning())
	require.NoError(t, rtThread.MarkWaiting(nil))
	require.NoError(t, sched.Wakeup(rtThread))

	require.True(t, sched.NeedResched(0), "an RT wakeup must preempt a running Fair-class thread")
}

func TestSchedulerDequeueRemovesThread(t *testing.T) {
	sched := newTestScheduler(t, 1)
	th := NewThread(1, 1, ClassFair)
	require.NoError(t, sched.Enqueue(0, th))
	sched.Dequeue(th)
	require.Equal(t, 0, sched.RunQueue(0).Len())
}

// TestScheduleInstallsIncomingAddressSpace is spec.md §4.4's
// context-switch contract: when the incoming thread's address space
// differs from the outgoing thread's, schedule() must install the new
// AS's root page table and update which CPUs each AS considers active
// (so TLB shootdown, spec.md §4.2, targets the right CPUs).
func TestScheduleInstallsIncomingAddressSpace(t *testing.T) {
	metrics := NewMetrics()
	arch := NewSimArch(1)
	admission := NewAdmissionController(0.69, 0.50)
	sched := NewScheduler(1, arch, metrics, admission)
	arch.RegisterIPIHandler(0, func(IPIReason) {})

	frames := NewFrameAllocator(4096, 64, metrics)
	asA := NewAddressSpace(NextAddressSpaceID(), 4096, frames, arch, metrics)
	asB := NewAddressSpace(NextAddressSpaceID(), 4096, frames, arch, metrics)

	a := NewThread(1, 1, ClassFair)
	a.AS = asA
	b := NewThread(2, 2, ClassFair)
	b.AS = asB

	require.NoError(t, sched.Enqueue(0, a))
	sched.Schedule(0) // a becomes current; asA installed and marked active on cpu 0
	require.Equal(t, asA.ID, arch.ActiveRoot(0))
	require.True(t, asA.activeCPUs[0])

	require.NoError(t, sched.Enqueue(0, b))
	sched.Schedule(0) // switches a -> b; asB installed, asA no longer active on cpu 0
	require.Equal(t, asB.ID, arch.ActiveRoot(0))
	require.True(t, asB.activeCPUs[0])
	require.False(t, asA.activeCPUs[0])
}
