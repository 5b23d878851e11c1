package kernel

import "sync"

// effectivePriority reduces any thread's scheduling priority to a
// single comparable integer, independent of class, so the priority
// inheritance protocol can compare a lock holder against a waiter
// without caring whether either is RT or Deadline (Fair-class threads
// never need inheritance since spec.md §4.8 only requires it across
// RT/Deadline contention, but the helper is total for completeness).
//
// Lower is more important, matching spec.md §4.4's RT convention
// ("highest-priority (numerically lowest) ready task"): a thread of
// priority 10 outranks one of priority 100.
func effectivePriority(t *Thread) int {
	best := classPriority(t)
	for b := t.Boost; b != nil; b = b.Next {
		if b.EffectivePriority < best {
			best = b.EffectivePriority
		}
	}
	return best
}

// classPriority is a thread's own priority number, ignoring any
// inheritance boost.
func classPriority(t *Thread) int {
	switch t.Class() {
	case ClassDeadline:
		return -1 // deadline threads always outrank RT in this ordering
	case ClassRT:
		return t.RT.Priority
	default:
		return 1 << 30
	}
}

// InheritanceLock is a mutex whose holder's priority is temporarily
// boosted to the highest priority among threads currently blocked
// waiting for it (spec.md §4.8 priority inheritance), preventing
// unbounded priority inversion. A thread holding several
// InheritanceLocks carries one boost layer per lock and runs at the
// best of them. Boosts are not propagated along a chain of locks: if
// the holder of this lock is itself blocked on another InheritanceLock,
// that lock's holder keeps the boost computed when this holder joined
// its waiters and is not raised further.
//
// There is no analogue in the plain run-queue priority ordering
// elsewhere in this package; this type is new supporting
// infrastructure the protocol requires on its own.
type InheritanceLock struct {
	mu      sync.Mutex
	held    bool
	holder  *Thread
	waiters []*Thread

	// HandoffCount records how many times ownership of this lock has
	// passed from one thread to another, making priority inheritance
	// hand-off observable in tests without inspecting goroutine
	// scheduling directly.
	HandoffCount uint64

	metrics *Metrics
}

// NewInheritanceLock creates an unheld lock.
func NewInheritanceLock(metrics *Metrics) *InheritanceLock {
	return &InheritanceLock{metrics: metrics}
}

// Acquire blocks the calling thread (represented by self) until the
// lock is free, applying priority inheritance to the current holder if
// self has higher effective priority.
func (l *InheritanceLock) Acquire(self *Thread) {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.holder = self
		l.mu.Unlock()
		return
	}

	l.waiters = append(l.waiters, self)
	l.boostHolder()
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if !l.held {
			l.held = true
			l.holder = self
			for i, w := range l.waiters {
				if w.ID == self.ID {
					l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
					break
				}
			}
			l.HandoffCount++
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
	}
}

// boostHolder raises the current holder's boost contribution from this
// lock to the highest effective priority among its waiters. Each lock
// owns exactly one layer in the holder's boost chain: a waiter joining
// (or the waiter set otherwise changing) updates that lock's existing
// layer in place instead of stacking a second one, so a single Release
// always has exactly one layer to remove regardless of how many
// waiters queued up while the lock was held. Boosts from several locks
// the holder owns compose through effectivePriority taking the best
// across the whole chain; this method does not climb to the holder of
// a lock the holder is itself blocked on. Caller must hold l.mu.
func (l *InheritanceLock) boostHolder() {
	if l.holder == nil || len(l.waiters) == 0 {
		return
	}
	highest := l.waiters[0]
	for _, w := range l.waiters[1:] {
		if effectivePriority(w) < effectivePriority(highest) {
			highest = w
		}
	}

	for b := l.holder.Boost; b != nil; b = b.Next {
		if b.Lock == l {
			b.FromThreadID = highest.ID
			b.EffectivePriority = effectivePriority(highest)
			return
		}
	}

	l.holder.Boost = &PriorityBoost{
		FromThreadID:      highest.ID,
		EffectivePriority: effectivePriority(highest),
		Lock:              l,
		Next:              l.holder.Boost,
	}
	if l.metrics != nil {
		l.metrics.PriorityBoosts.Inc()
	}
}

// Release frees the lock for the next waiter and removes this lock's
// layer from self's boost chain entirely (spec.md §4.8), wherever in
// the chain it sits — not just the head — so boosts from any other
// lock self still holds are left untouched.
func (l *InheritanceLock) Release(self *Thread) {
	l.mu.Lock()
	defer l.mu.Unlock()
	self.Boost = removeBoostLayer(self.Boost, l)
	l.held = false
	l.holder = nil
}

// removeBoostLayer splices the layer contributed by lock out of the
// chain, preserving the relative order of the rest.
func removeBoostLayer(head *PriorityBoost, lock *InheritanceLock) *PriorityBoost {
	if head == nil {
		return nil
	}
	if head.Lock == lock {
		return head.Next
	}
	head.Next = removeBoostLayer(head.Next, lock)
	return head
}

// AbandonByHolderDeath handles a holder terminated while still holding
// the lock (spec.md §4.8 edge case: lock holder death): the lock becomes
// free, the waiter list is emptied and each listed waiter's boost chain
// is cleared. Waiters are not handed a LockBroken error; a waiter still
// spinning in Acquire takes the now-free lock on its next check.
func (l *InheritanceLock) AbandonByHolderDeath() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	l.holder = nil
	for _, w := range l.waiters {
		w.Boost = nil
	}
	l.waiters = nil
}
