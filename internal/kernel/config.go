package kernel

import "time"

// KernelConfig configures the scheduler and VMM at boot, trimmed to
// the fields this core owns: filesystem, network and security fields
// belong to subsystems out of scope here.
type KernelConfig struct {
	// Memory.
	PageSize       uintptr
	KernelHeapSize uintptr

	// Scheduling (spec.md §4.4).
	NumCPUs         int
	TargetLatency   time.Duration
	MinGranularity  time.Duration
	TickInterval    time.Duration
	LoadBalanceEvery time.Duration

	// RT/Deadline admission control (spec.md §4.7).
	RTBandwidthFraction       float64 // fixed-priority utilisation bound, default 0.69
	DeadlineBandwidthFraction float64 // EDF bandwidth fraction, default 0.50

	// NUMA (spec.md §4.6).
	NUMANodes           int
	CPUsPerNode         int
	CrossNodeImbalance  float64 // imbalance threshold required before cross-node migration
	WithinNodeImbalance float64 // imbalance threshold for within-node migration

	// CPU isolation: CPUs excluded from load balancing as source or
	// destination (spec.md §4.6).
	IsolatedCPUs map[int]bool

	// LogLevel controls the minimum level Logger emits.
	LogLevel Level
}

// DefaultKernelConfig returns the default configuration: 4 CPUs, 6ms
// target latency / 0.75ms minimum granularity per spec.md §4.4, 1ms
// tick, load balancing every 10ms, RT bound 0.69, deadline bound 0.50.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		PageSize:       4096,
		KernelHeapSize: 64 * 1024 * 1024,

		NumCPUs:          4,
		TargetLatency:    6 * time.Millisecond,
		MinGranularity:   750 * time.Microsecond,
		TickInterval:     time.Millisecond,
		LoadBalanceEvery: 10 * time.Millisecond,

		RTBandwidthFraction:       0.69,
		DeadlineBandwidthFraction: 0.50,

		NUMANodes:           1,
		CPUsPerNode:         4,
		CrossNodeImbalance:  0.50,
		WithinNodeImbalance: 0.20,

		IsolatedCPUs: make(map[int]bool),

		LogLevel: LevelInfo,
	}
}
