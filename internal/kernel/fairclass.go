package kernel

import (
	"time"

	"github.com/google/btree"
)

// niceToWeight mirrors the standard CFS nice-to-weight table: weight
// changes by about 1.25x per step of nice, roughly halving/doubling
// every 3 steps, so lower nice values
// (higher priority) get proportionally larger CPU shares.
var niceToWeight = map[int]uint64{
	-20: 88761, -19: 71755, -18: 56483, -17: 46273, -16: 36291,
	-15: 29154, -14: 23254, -13: 18705, -12: 14949, -11: 11916,
	-10: 9548, -9: 7620, -8: 6100, -7: 4904, -6: 3906,
	-5: 3121, -4: 2501, -3: 1991, -2: 1586, -1: 1277,
	0: 1024, 1: 820, 2: 655, 3: 526, 4: 423,
	5: 335, 6: 272, 7: 215, 8: 172, 9: 137,
	10: 110, 11: 87, 12: 70, 13: 56, 14: 45,
	15: 36, 16: 29, 17: 23, 18: 18, 19: 15,
}

func weightForNice(nice int) uint64 {
	if w, ok := niceToWeight[nice]; ok {
		return w
	}
	if nice < -20 {
		return niceToWeight[-20]
	}
	return niceToWeight[19]
}

// fairItem adapts *Thread to btree.Item for the Fair class's
// vruntime-ordered set, tie-breaking on thread ID so no two distinct
// threads ever compare equal (spec.md §4.4: "ties broken by thread
// id"). Uses the same google/btree ordered-set pattern as RegionList,
// whose balanced deletion handles more than the leaf case.
type fairItem struct{ t *Thread }

func (a fairItem) Less(than btree.Item) bool {
	b := than.(fairItem).t
	if a.t.Fair.VRuntime != b.Fair.VRuntime {
		return a.t.Fair.VRuntime < b.Fair.VRuntime
	}
	return a.t.ID < b.ID
}

// fairQueue is the CFS-style Fair scheduling class (spec.md §4.4):
// threads ordered by virtual runtime, weighted by nice, with a target
// latency and minimum granularity bounding the computed time slice.
type fairQueue struct {
	tree *btree.BTree

	targetLatency  time.Duration
	minGranularity time.Duration
	tickInterval   time.Duration

	minVRuntime uint64
}

func newFairQueue() *fairQueue {
	return &fairQueue{
		tree:           btree.New(32),
		targetLatency:  6 * time.Millisecond,
		minGranularity: 750 * time.Microsecond,
		tickInterval:   time.Millisecond,
	}
}

// configure overrides the defaults from kernel configuration.
func (q *fairQueue) configure(cfg *KernelConfig) {
	q.targetLatency = cfg.TargetLatency
	q.minGranularity = cfg.MinGranularity
	q.tickInterval = cfg.TickInterval
}

func (q *fairQueue) enqueue(t *Thread) {
	if t.Fair.VRuntime < q.minVRuntime {
		// A thread that has slept accrues no vruntime debt; clamp it up
		// to the queue's minimum so it doesn't monopolise the CPU on
		// wakeup (spec.md §4.4 wakeup fairness edge case).
		t.Fair.VRuntime = q.minVRuntime
	}
	if t.Fair.Weight == 0 {
		t.Fair.Weight = weightForNice(t.Fair.Nice)
	}
	q.tree.ReplaceOrInsert(fairItem{t})
}

func (q *fairQueue) dequeue(t *Thread) {
	q.tree.Delete(fairItem{t})
}

func (q *fairQueue) pickNext() *Thread {
	item := q.tree.Min()
	if item == nil {
		return nil
	}
	t := item.(fairItem).t
	q.minVRuntime = t.Fair.VRuntime
	return t
}

func (q *fairQueue) len() int { return q.tree.Len() }

// sliceFor computes thread t's time slice: the target latency divided
// among nrRunning threads, weighted by t's share of total weight, but
// never below minGranularity (spec.md §4.4).
func (q *fairQueue) sliceFor(t *Thread, nrRunning int, totalWeight uint64) time.Duration {
	if nrRunning <= 0 || totalWeight == 0 {
		return q.minGranularity
	}
	period := q.targetLatency
	if nrRunning > int(q.targetLatency/q.minGranularity) {
		period = time.Duration(nrRunning) * q.minGranularity
	}
	share := time.Duration(uint64(period) * t.Fair.Weight / totalWeight)
	if share < q.minGranularity {
		return q.minGranularity
	}
	return share
}

// tick advances t's vruntime by one tick's worth of weighted runtime
// and reports whether its slice has been exhausted relative to the
// queue's minimum-vruntime thread, so the scheduler should preempt it.
func (q *fairQueue) tick(t *Thread) bool {
	delta := uint64(q.tickInterval) * niceToWeight[0] / t.Fair.Weight
	t.Fair.VRuntime += delta
	t.AddRuntime(q.tickInterval)

	item := q.tree.Min()
	if item == nil {
		return false
	}
	leftmost := item.(fairItem).t
	return t.Fair.VRuntime > leftmost.Fair.VRuntime
}
