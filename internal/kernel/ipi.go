package kernel

import (
	"sync/atomic"
	"time"
)

// TimerManager drives each CPU's periodic timer tick, wired to call
// directly into the Scheduler's Tick rather than a global process
// manager.
type TimerManager struct {
	interval time.Duration
	ticks    uint64
	sched    *Scheduler
}

// NewTimerManager creates a timer manager driving sched's per-CPU
// ticks at the given interval.
func NewTimerManager(interval time.Duration, sched *Scheduler) *TimerManager {
	return &TimerManager{interval: interval, sched: sched}
}

// OnTimerTick is the driver callback fired once per interval on cpu
// (spec.md §6 on_timer_tick); it advances that CPU's run queue clock
// and raises need_resched if warranted.
func (tm *TimerManager) OnTimerTick(cpu int) {
	tm.ticks++
	tm.sched.Tick(cpu)
}

// Ticks returns the total number of timer ticks observed across all
// CPUs since creation.
func (tm *TimerManager) Ticks() uint64 { return tm.ticks }

// Uptime returns elapsed wall-clock time implied by the tick count and
// configured interval: every CPU ticks once per interval, so the total
// tick count is divided by the number of CPUs.
func (tm *TimerManager) Uptime() time.Duration {
	n := tm.sched.NumCPUs()
	if n == 0 {
		return 0
	}
	return time.Duration(tm.ticks) * tm.interval / time.Duration(n)
}

// IPIDriver wires the Arch layer's IPI delivery to the Scheduler: the
// on_ipi(cpu, reason) callback spec.md §6 requires of a real kernel's
// interrupt driver. Registered once per CPU against a SimArch so
// SendIPI has somewhere to deliver to.
type IPIDriver struct {
	sched *Scheduler
	as    *AddressSpace // address space whose shootdown handling this CPU currently serves, if any
}

// NewIPIDriver creates a driver bound to sched.
func NewIPIDriver(sched *Scheduler) *IPIDriver {
	return &IPIDriver{sched: sched}
}

// OnIPI handles an incoming IPI with the given reason on cpu (spec.md
// §6 on_ipi): RESCHED sets that CPU's reschedule flag; TLB_SHOOTDOWN
// and MIGRATION_REQUEST are acknowledged synchronously by the Arch
// layer itself (SimArch.SendIPI blocks until this handler returns), so
// no further action is needed here beyond bookkeeping.
func (d *IPIDriver) OnIPI(cpu int, reason IPIReason) {
	switch reason {
	case IPIResched:
		atomic.StoreInt32(&d.sched.needResched[cpu], 1)
	case IPITLBShootdown, IPIMigrationRequest:
		// Acknowledgement is implicit in this handler returning.
	}
}
