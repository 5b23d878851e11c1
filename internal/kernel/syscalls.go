package kernel

import "time"

// Spawn creates a brand-new process with a single Fair-class thread
// and schedules it onto the least-loaded CPU (spec.md §6 spawn).
func (k *Kernel) Spawn() (*Process, *Thread) {
	p, t := k.Processes.Spawn(k.Config.PageSize, k.Frames, k.Arch, k.Metrics, ClassFair)
	t.Fair.Nice = 0
	cpu := k.leastLoadedCPU()
	_ = k.Sched.Enqueue(cpu, t)
	return p, t
}

// Fork duplicates caller's address space under copy-on-write and
// schedules the child's new thread (spec.md §6 fork).
func (k *Kernel) Fork(caller *Process, callerThread *Thread) (*Process, *Thread, error) {
	child, t, err := k.Processes.Fork(caller, callerThread.Class())
	if err != nil {
		return nil, nil, err
	}
	t.Fair = callerThread.Fair
	t.Fair.VRuntime = 0
	cpu := k.leastLoadedCPU()
	if err := k.Sched.Enqueue(cpu, t); err != nil {
		return nil, nil, err
	}
	return child, t, nil
}

// Exit terminates p with the given exit code (spec.md §6 exit),
// dequeuing every one of its threads from the scheduler first.
func (k *Kernel) Exit(p *Process, code int) {
	for _, t := range p.Threads {
		if t.State() == ThreadRunning || t.State() == ThreadReady {
			k.Sched.Dequeue(t)
		}
	}
	p.Exit(code, k.Processes)
}

// Wait blocks until p exits (spec.md §6 wait).
func (k *Kernel) Wait(p *Process) int { return p.Wait() }

// ThreadCreate adds a new thread to an existing process (spec.md §6
// thread_create).
func (k *Kernel) ThreadCreate(p *Process, class SchedClass) *Thread {
	t := p.AddThread(class)
	cpu := k.leastLoadedCPU()
	_ = k.Sched.Enqueue(cpu, t)
	return t
}

// ThreadExit terminates a single thread without affecting its
// siblings (spec.md §6 thread_exit).
func (k *Kernel) ThreadExit(p *Process, t *Thread) {
	k.Sched.Dequeue(t)
	_ = t.MarkZombie()
	p.mu.Lock()
	delete(p.Threads, t.ID)
	remaining := len(p.Threads)
	p.mu.Unlock()
	if remaining == 0 {
		k.Exit(p, 0)
	}
}

// Yield voluntarily gives up the CPU, re-entering the scheduler
// (spec.md §6 yield).
func (k *Kernel) Yield(cpu int) {
	k.Sched.Schedule(cpu)
}

// Sleep marks t Waiting with d recorded as its wait object (spec.md §6
// sleep). No timer is armed: t stays Waiting until a caller passes it
// to Sched.Wakeup.
func (k *Kernel) Sleep(t *Thread, d time.Duration) error {
	return t.MarkWaiting(d)
}

// SetAffinity records mask as t's CPU affinity (spec.md §6
// set_affinity); an empty mask means "any CPU". The load balancer never
// migrates a thread whose mask is non-empty; Enqueue, Wakeup and the
// least-loaded placement of new threads do not consult the mask.
func (k *Kernel) SetAffinity(t *Thread, mask map[int]bool) {
	t.Affinity = mask
}

// SetSchedRequest is the input to SetSched: the desired class and
// class-specific parameters (spec.md §6 set_sched).
type SetSchedRequest struct {
	Class    SchedClass
	Fair     FairParams
	RT       RTParams
	Deadline DeadlineParams
}

// SetSched changes t's scheduling class and parameters, running RT and
// Deadline requests through admission control first; a rejected
// request leaves t's current class and parameters untouched (spec.md
// §6 set_sched / §4.7 admission control).
func (k *Kernel) SetSched(cpu int, t *Thread, req SetSchedRequest) (AdmissionReason, error) {
	rq := k.Sched.RunQueue(cpu)

	switch req.Class {
	case ClassRT:
		rq.Lock()
		existing := rq.rt.allThreads()
		rq.Unlock()
		candidate := &Thread{RT: req.RT}
		if reason := k.Admission.AdmitRT(existing, candidate); reason != AdmitOK {
			if k.Metrics != nil {
				k.Metrics.AdmissionRejects.WithLabelValues(reason.String()).Inc()
			}
			return reason, ErrAdmissionReject
		}
	case ClassDeadline:
		rq.Lock()
		existing := rq.deadline.threads
		rq.Unlock()
		candidate := &Thread{Deadline: req.Deadline}
		if reason := k.Admission.AdmitDeadline(existing, candidate); reason != AdmitOK {
			if k.Metrics != nil {
				k.Metrics.AdmissionRejects.WithLabelValues(reason.String()).Inc()
			}
			return reason, ErrAdmissionReject
		}
	}

	rq.Lock()
	rq.Dequeue(t)
	t.mu.Lock()
	t.class = req.Class
	t.mu.Unlock()
	t.Fair = req.Fair
	t.RT = req.RT
	t.Deadline = req.Deadline
	if t.State() == ThreadReady || t.State() == ThreadRunning {
		rq.Enqueue(t)
	}
	rq.Unlock()
	return AdmitOK, nil
}

// GetSched returns t's current class and parameters (spec.md §6
// get_sched).
func (k *Kernel) GetSched(t *Thread) SetSchedRequest {
	return SetSchedRequest{Class: t.Class(), Fair: t.Fair, RT: t.RT, Deadline: t.Deadline}
}

// Mmap establishes a new region in p's address space (spec.md §6
// mmap). For a fixed mapping at a caller-chosen address, start is used
// as-is; otherwise the caller is expected to have already chosen a
// free address (this core does not implement an address-space
// allocator search beyond the disjoint-region invariant RegionList
// enforces).
func (k *Kernel) Mmap(p *Process, start, length uint64, prot MemoryProtection, flags MapFlags, backing *FileBacking) error {
	var rflags RegionFlags
	if prot&ProtWrite != 0 {
		rflags |= RegionWritable
	}
	if prot&ProtExec != 0 {
		rflags |= RegionExecutable
	}
	if flags&MapShared != 0 {
		rflags |= RegionShared
	}
	if backing != nil {
		rflags |= RegionFile
	}
	rflags |= RegionUser
	return p.AS.AddRegion(&Region{Start: start, Length: length, Flags: rflags, Backing: backing})
}

// Munmap removes every page mapping within [start, start+length) and
// the backing region itself (spec.md §6 munmap).
func (k *Kernel) Munmap(p *Process, start, length uint64) error {
	pageSize := uint64(k.Config.PageSize)
	for addr := start; addr < start+length; addr += pageSize {
		_ = p.AS.UnmapPage(addr)
	}
	p.AS.Regions.Remove(start)
	return nil
}

// Mprotect changes the permission of the region starting at start
// (spec.md §6 mprotect), enforcing W^X.
func (k *Kernel) Mprotect(p *Process, start uint64, prot MemoryProtection) error {
	var rflags RegionFlags
	if prot&ProtWrite != 0 {
		rflags |= RegionWritable
	}
	if prot&ProtExec != 0 {
		rflags |= RegionExecutable
	}
	rflags |= RegionUser
	return p.AS.Protect(start, rflags)
}

// Brk grows or shrinks the process's anonymous heap region in place by
// adjusting its Length (spec.md §6 brk). The heap region must already
// exist at heapStart.
func (k *Kernel) Brk(p *Process, heapStart, newLength uint64) error {
	r := p.AS.Regions.Find(heapStart)
	if r == nil || r.Start != heapStart {
		return newErr(KindInvalidRegion, "no heap region at that address", nil)
	}
	if r.Flags.IsWX() {
		return newErr(KindInvalidRegion, "heap region already violates W^X", nil)
	}
	r.Length = newLength
	return nil
}

// leastLoadedCPU scans every run queue length and returns the CPU with
// the fewest runnable threads, used as this kernel's placement policy
// for freshly spawned/forked/created threads.
func (k *Kernel) leastLoadedCPU() int {
	best := 0
	bestLen := k.Sched.RunQueue(0).Len()
	for cpu := 1; cpu < k.Sched.NumCPUs(); cpu++ {
		if l := k.Sched.RunQueue(cpu).Len(); l < bestLen {
			best, bestLen = cpu, l
		}
	}
	return best
}

// allThreads returns every RT-class thread currently queued, used by
// admission control to compute existing utilisation.
func (q *rtQueue) allThreads() []*Thread {
	var out []*Thread
	for _, list := range q.levels {
		out = append(out, list...)
	}
	return out
}
