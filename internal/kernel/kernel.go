package kernel

import (
	"context"
	"fmt"
	"time"
)

// Kernel bundles every subsystem this scheduler/VMM core owns: the
// physical frame allocator, the per-CPU scheduler, the process table,
// admission control, the load balancer, the timer and IPI drivers, and
// the ambient config/metrics/logger triple. Every dependency is an
// explicit field threaded through at construction — there is no
// package-level GlobalKernel/GlobalProcessManager singleton, since a
// single process hosting more than one simulated kernel (as the test
// suite does) cannot share mutable globals between instances.
type Kernel struct {
	Config    *KernelConfig
	Log       *Logger
	Metrics   *Metrics
	Arch      Arch
	Frames    *FrameAllocator
	Sched     *Scheduler
	Admission *AdmissionController
	Processes *ProcessTable
	Balancer  *LoadBalancer
	Timer     *TimerManager
	IPIDriver *IPIDriver
}

// New boots a Kernel from cfg: sizes the frame allocator, wires the
// scheduler's per-CPU run queues to a simulated Arch, and registers
// every CPU's IPI handler so load balancing and TLB shootdown have
// somewhere to deliver. A staged boot sequence trimmed to the two
// subsystems this core owns.
func New(cfg *KernelConfig, totalPages uint64) *Kernel {
	log := NewLogger(cfg.LogLevel)
	metrics := NewMetrics()
	arch := NewSimArch(cfg.NumCPUs)

	frames := NewFrameAllocator(cfg.PageSize, totalPages, metrics)
	admission := NewAdmissionController(cfg.RTBandwidthFraction, cfg.DeadlineBandwidthFraction)
	sched := NewScheduler(cfg.NumCPUs, arch, metrics, admission)

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		sched.RunQueue(cpu).fair.configure(cfg)
	}

	topology := &Topology{
		NodeOf:   make([]int, cfg.NumCPUs),
		Isolated: cfg.IsolatedCPUs,
	}
	if cfg.CPUsPerNode > 0 {
		for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
			topology.NodeOf[cpu] = cpu / cfg.CPUsPerNode
		}
	}
	balancer := NewLoadBalancer(sched, topology, cfg.CrossNodeImbalance, cfg.WithinNodeImbalance, nil)

	timer := NewTimerManager(cfg.TickInterval, sched)
	ipiDriver := NewIPIDriver(sched)
	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		cpu := cpu
		arch.RegisterIPIHandler(cpu, func(reason IPIReason) {
			ipiDriver.OnIPI(cpu, reason)
		})
	}

	k := &Kernel{
		Config:    cfg,
		Log:       log,
		Metrics:   metrics,
		Arch:      arch,
		Frames:    frames,
		Sched:     sched,
		Admission: admission,
		Processes: NewProcessTable(),
		Balancer:  balancer,
		Timer:     timer,
		IPIDriver: ipiDriver,
	}
	log.Infof("kernel booted: %d cpus, %d pages, page size %d", cfg.NumCPUs, totalPages, cfg.PageSize)
	return k
}

// RunTicks advances every CPU's timer by n ticks, running the
// scheduler's Schedule whenever a CPU's need_resched flag was raised.
// This stands in for the real timer-interrupt-driven boot loop; tests
// and cmd/kernelsim use it to drive simulated time forward.
func (k *Kernel) RunTicks(n int) {
	for i := 0; i < n; i++ {
		for cpu := 0; cpu < k.Sched.NumCPUs(); cpu++ {
			k.Timer.OnTimerTick(cpu)
			if k.Sched.NeedResched(cpu) {
				k.Sched.Schedule(cpu)
			}
		}
	}
}

// RunLoadBalancePass runs one LoadBalancer.Balance pass across all
// CPUs.
func (k *Kernel) RunLoadBalancePass(ctx context.Context) error {
	return k.Balancer.Balance(ctx)
}

// Status is a point-in-time snapshot of kernel health, a typed struct
// rather than a free-form map.
type Status struct {
	NumCPUs       int
	RunQueueLens  []int
	ProcessCount  int
	Uptime        time.Duration
}

// GetStatus reports current scheduler occupancy and uptime.
func (k *Kernel) GetStatus() Status {
	lens := make([]int, k.Sched.NumCPUs())
	for cpu := range lens {
		lens[cpu] = k.Sched.RunQueue(cpu).Len()
	}
	return Status{
		NumCPUs:      k.Sched.NumCPUs(),
		RunQueueLens: lens,
		Uptime:       k.Timer.Uptime(),
	}
}

// String renders Status for trace/debug output.
func (s Status) String() string {
	return fmt.Sprintf("cpus=%d runqueues=%v uptime=%s", s.NumCPUs, s.RunQueueLens, s.Uptime)
}
