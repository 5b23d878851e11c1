package kernel

import (
	"context"

	"github.com/google/btree"
	"golang.org/x/sync/errgroup"
)

// Topology is the minimal NUMA shape the load balancer needs: which
// node each CPU belongs to, and which CPUs are excluded from
// balancing entirely (spec.md §4.6). Trimmed to the node-membership
// question this balancer actually asks; a full latency-distance
// matrix belongs to a generic task-placement engine, not a CPU run
// queue balancer.
type Topology struct {
	NodeOf    []int // NodeOf[cpu] = NUMA node id
	Isolated  map[int]bool
}

func (t *Topology) isolated(cpu int) bool {
	return t.Isolated != nil && t.Isolated[cpu]
}

// sameNode reports whether cpuA and cpuB belong to the same NUMA node.
func (t *Topology) sameNode(cpuA, cpuB int) bool {
	if t.NodeOf == nil {
		return true
	}
	return t.NodeOf[cpuA] == t.NodeOf[cpuB]
}

// PlacementHint lets a caller steer migration choices beyond plain
// load (e.g. favouring a CPU closer to a thread's cache footprint).
// Optional: LoadBalancer works without one.
type PlacementHint interface {
	// PreferredCPU returns a CPU the hint would rather t run on, and
	// true if it has an opinion.
	PreferredCPU(t *Thread) (int, bool)
}

// LoadBalancer periodically rebalances runnable threads across CPUs,
// migrating from the busiest to the emptiest CPU with NUMA-aware
// thresholds rather than a flat single-busiest/single-emptiest rule.
type LoadBalancer struct {
	sched     *Scheduler
	topology  *Topology
	crossNodeThreshold  float64
	withinNodeThreshold float64
	hint      PlacementHint
}

// NewLoadBalancer creates a balancer over sched's run queues.
func NewLoadBalancer(sched *Scheduler, topology *Topology, crossNodeThreshold, withinNodeThreshold float64, hint PlacementHint) *LoadBalancer {
	return &LoadBalancer{
		sched:               sched,
		topology:            topology,
		crossNodeThreshold:  crossNodeThreshold,
		withinNodeThreshold: withinNodeThreshold,
		hint:                hint,
	}
}

// loads concurrently samples every CPU's run queue length via an
// errgroup fan-out rather than a serial scan.
func (lb *LoadBalancer) loads(ctx context.Context) ([]int, error) {
	loads := make([]int, lb.sched.NumCPUs())
	g, _ := errgroup.WithContext(ctx)
	for cpu := 0; cpu < lb.sched.NumCPUs(); cpu++ {
		cpu := cpu
		g.Go(func() error {
			loads[cpu] = lb.sched.RunQueue(cpu).Len()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return loads, nil
}

// Balance runs one load-balancing pass (spec.md §4.6): find the
// busiest and emptiest non-isolated CPU, and if their imbalance
// exceeds the applicable threshold (cross-node or within-node), move
// one migratable thread from busiest to emptiest.
func (lb *LoadBalancer) Balance(ctx context.Context) error {
	if lb.sched.metrics != nil {
		lb.sched.metrics.LoadBalanceRuns.Inc()
	}
	loads, err := lb.loads(ctx)
	if err != nil {
		return err
	}

	busiest, emptiest := -1, -1
	for cpu, load := range loads {
		if lb.topology.isolated(cpu) {
			continue
		}
		if busiest == -1 || load > loads[busiest] {
			busiest = cpu
		}
		if emptiest == -1 || load < loads[emptiest] {
			emptiest = cpu
		}
	}
	if busiest == -1 || emptiest == -1 || busiest == emptiest {
		return nil
	}

	threshold := lb.withinNodeThreshold
	if !lb.topology.sameNode(busiest, emptiest) {
		threshold = lb.crossNodeThreshold
	}
	imbalance := imbalanceRatio(loads[busiest], loads[emptiest])
	if imbalance < threshold {
		return nil
	}

	t := lb.pickMigratable(busiest)
	if t == nil {
		return nil
	}
	lb.migrate(t, busiest, emptiest)
	return nil
}

func imbalanceRatio(busy, idle int) float64 {
	if busy == 0 {
		return 0
	}
	return float64(busy-idle) / float64(busy)
}

// pickMigratable finds a thread on cpu's run queue eligible for
// migration (spec.md §4.6 edge case): not pinned by affinity (any
// non-empty mask counts as pinned), not currently running, and from the
// Fair class. RT and Deadline threads are never migrated; there is no
// per-thread opt-in for them.
func (lb *LoadBalancer) pickMigratable(cpu int) *Thread {
	rq := lb.sched.RunQueue(cpu)
	rq.Lock()
	defer rq.Unlock()

	var chosen *Thread
	for _, t := range lb.fairCandidates(rq) {
		if len(t.Affinity) > 0 {
			continue // pinned threads never migrate
		}
		if rq.current != nil && rq.current.ID == t.ID {
			continue // never migrate the currently running thread
		}
		chosen = t
		break
	}
	return chosen
}

// fairCandidates collects migratable Fair-class threads from rq in
// vruntime order. Caller must hold rq's lock.
func (lb *LoadBalancer) fairCandidates(rq *RunQueue) []*Thread {
	var out []*Thread
	rq.fair.tree.Ascend(func(item btree.Item) bool {
		out = append(out, item.(fairItem).t)
		return true
	})
	return out
}

// migrate moves t from srcCPU's run queue to dstCPU's, applying any
// PlacementHint override, and sends a MIGRATION_REQUEST IPI so the
// destination CPU's driver can account for the new arrival.
func (lb *LoadBalancer) migrate(t *Thread, srcCPU, dstCPU int) {
	if lb.hint != nil {
		if preferred, ok := lb.hint.PreferredCPU(t); ok {
			dstCPU = preferred
		}
	}
	if srcCPU == dstCPU {
		return
	}

	srcRQ := lb.sched.RunQueue(srcCPU)
	dstRQ := lb.sched.RunQueue(dstCPU)
	if srcCPU < dstCPU {
		srcRQ.Lock()
		dstRQ.Lock()
	} else {
		dstRQ.Lock()
		srcRQ.Lock()
	}
	srcRQ.Dequeue(t)
	t.AssignedCPU = dstCPU
	dstRQ.Enqueue(t)
	if srcCPU < dstCPU {
		dstRQ.Unlock()
		srcRQ.Unlock()
	} else {
		srcRQ.Unlock()
		dstRQ.Unlock()
	}

	if lb.sched.metrics != nil {
		lb.sched.metrics.Migrations.Inc()
	}
	_ = lb.sched.arch.SendIPI(dstCPU, IPIMigrationRequest)
}
