package kernel

import "github.com/prometheus/client_golang/prometheus"

// Metrics exposes the §8 testable counters (context switches,
// migrations, admission rejects by reason, deadline misses, OOM
// terminations, COW faults) as Prometheus instruments, scrapable by
// any monitoring stack rather than returned as plain struct fields.
type Metrics struct {
	Registry *prometheus.Registry

	ContextSwitches  prometheus.Counter
	Migrations       prometheus.Counter
	LoadBalanceRuns  prometheus.Counter
	AdmissionRejects *prometheus.CounterVec
	DeadlineMisses   prometheus.Counter
	BudgetThrottles  prometheus.Counter
	BudgetKills      prometheus.Counter
	OOMKills         prometheus.Counter
	COWFaults        prometheus.Counter
	MajorFaults      prometheus.Counter
	MinorFaults      prometheus.Counter
	PriorityBoosts   prometheus.Counter
}

// NewMetrics constructs and registers a fresh Metrics instrument set
// against a private registry, so multiple *Kernel instances (e.g. in
// tests) never collide on the default global registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_context_switches_total",
			Help: "Total number of scheduler context switches.",
		}),
		Migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_thread_migrations_total",
			Help: "Total number of cross-CPU thread migrations by the load balancer.",
		}),
		LoadBalanceRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_load_balance_runs_total",
			Help: "Total number of load balancer passes executed.",
		}),
		AdmissionRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_admission_rejects_total",
			Help: "Total number of RT/Deadline admission rejections by reason.",
		}, []string{"reason"}),
		DeadlineMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_deadline_misses_total",
			Help: "Total number of missed absolute deadlines.",
		}),
		BudgetThrottles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_deadline_throttles_total",
			Help: "Total number of deadline tasks throttled on budget depletion.",
		}),
		BudgetKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_deadline_kills_total",
			Help: "Total number of deadline tasks killed on budget depletion.",
		}),
		OOMKills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_oom_kills_total",
			Help: "Total number of threads terminated for out-of-memory.",
		}),
		COWFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_cow_faults_total",
			Help: "Total number of copy-on-write page faults resolved.",
		}),
		MajorFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_major_page_faults_total",
			Help: "Total number of page faults resolved by a file page-in or a copy-on-write copy.",
		}),
		MinorFaults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_minor_page_faults_total",
			Help: "Total number of page faults resolved without I/O or copying (anonymous zero-fill, COW flip).",
		}),
		PriorityBoosts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kernel_priority_inheritance_boosts_total",
			Help: "Total number of priority inheritance boosts applied to lock holders.",
		}),
	}

	reg.MustRegister(
		m.ContextSwitches, m.Migrations, m.LoadBalanceRuns, m.AdmissionRejects,
		m.DeadlineMisses, m.BudgetThrottles, m.BudgetKills, m.OOMKills,
		m.COWFaults, m.MajorFaults, m.MinorFaults, m.PriorityBoosts,
	)
	return m
}
