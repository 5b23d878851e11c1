package kernel

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// pte is one page table entry, keyed by virtual page number in a map
// rather than a fixed-size array standing in for a real multi-level
// x86-64 table, which is what lets an AddressSpace span the full
// 48-bit address range sparsely.
type pte struct {
	frame    uint64
	flags    RegionFlags
	present  bool
}

// AddressSpace is one process's virtual memory context (spec.md §4):
// an ordered Region list plus the page table translating virtual to
// physical addresses, as a single owning type per process rather than
// a separate map/manager split.
type AddressSpace struct {
	ID     uint64
	mu     sync.Mutex
	pages  map[uint64]*pte // keyed by virtual page number (vaddr / pageSize)
	Regions *RegionList

	pageSize uintptr
	frames   *FrameAllocator
	arch     Arch
	metrics  *Metrics

	sf singleflight.Group // dedupes concurrent page-ins of the same file-backed page

	// activeCPUs tracks which CPUs currently have this address space
	// installed, so TLB shootdowns only target CPUs that need them.
	activeCPUs map[int]bool
}

// NewAddressSpace creates an empty address space.
func NewAddressSpace(id uint64, pageSize uintptr, frames *FrameAllocator, arch Arch, metrics *Metrics) *AddressSpace {
	return &AddressSpace{
		ID:         id,
		pages:      make(map[uint64]*pte),
		Regions:    NewRegionList(),
		pageSize:   pageSize,
		frames:     frames,
		arch:       arch,
		metrics:    metrics,
		activeCPUs: make(map[int]bool),
	}
}

func (as *AddressSpace) vpn(vaddr uint64) uint64 { return vaddr / uint64(as.pageSize) }

// MarkActive/MarkInactive record that cpu has/hasn't this address
// space installed, for targeted TLB shootdown.
func (as *AddressSpace) MarkActive(cpu int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	as.activeCPUs[cpu] = true
}

func (as *AddressSpace) MarkInactive(cpu int) {
	as.mu.Lock()
	defer as.mu.Unlock()
	delete(as.activeCPUs, cpu)
}

// AddRegion inserts a new region. Rejects W^X violations (spec.md
// §4.5), mappings at address 0 (reserved, spec.md §8 boundary
// behaviour) and overlapping regions (RegionList.Add).
func (as *AddressSpace) AddRegion(r *Region) error {
	if r.Start == 0 {
		return newErr(KindInvalidRegion, "address 0 is reserved and cannot be mapped", nil)
	}
	if r.Flags.IsWX() {
		return newErr(KindInvalidRegion, "region requests writable and executable simultaneously", nil)
	}
	return as.Regions.Add(r)
}

// Protect changes the permission flags on the region starting at
// start, enforcing W^X and invalidating/re-propagating the new
// permissions to every present page table entry inside the region.
func (as *AddressSpace) Protect(start uint64, newFlags RegionFlags) error {
	if newFlags.IsWX() {
		return newErr(KindInvalidRegion, "protect would set writable and executable simultaneously", nil)
	}
	r := as.Regions.Find(start)
	if r == nil || r.Start != start {
		return newErr(KindInvalidRegion, "no region at that start address", nil)
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	r.Flags = (r.Flags &^ (RegionWritable | RegionExecutable | RegionUser)) | (newFlags & (RegionWritable | RegionExecutable | RegionUser))
	startVPN := as.vpn(r.Start)
	endVPN := as.vpn(r.End())
	for vpn := startVPN; vpn < endVPN; vpn++ {
		if p, ok := as.pages[vpn]; ok && p.present {
			p.flags = r.Flags
			as.shootdown(vpn * uint64(as.pageSize))
		}
	}
	return nil
}

// Translate resolves vaddr to a physical frame number without faulting
// it in; returns ErrInvalidRegion if no page is currently present.
func (as *AddressSpace) Translate(vaddr uint64) (uint64, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	p, ok := as.pages[as.vpn(vaddr)]
	if !ok || !p.present {
		return 0, newErr(KindInvalidRegion, "no present mapping for address", nil)
	}
	return p.frame, nil
}

// FaultKind classifies how a page fault was resolved, for the
// major/minor/COW metrics split (spec.md §8).
type FaultKind int

const (
	FaultMinor FaultKind = iota
	FaultMajor
	FaultCOW
)

// HandleFault resolves a page fault at vaddr (spec.md §4.2): locate
// the containing region, validate the access, then either resolve a
// copy-on-write write fault on a present page, page in a file-backed
// frame, or zero-fill a fresh anonymous frame, in that order. Any other
// fault on an already-present page is an error.
func (as *AddressSpace) HandleFault(vaddr uint64, write bool) (FaultKind, error) {
	r := as.Regions.Find(vaddr)
	if r == nil {
		return 0, newErr(KindInvalidRegion, "fault address not in any region", nil)
	}
	if write && r.Flags&RegionWritable == 0 && r.Flags&RegionCOW == 0 {
		return 0, newErr(KindInvalidRegion, "write fault on non-writable, non-COW region", nil)
	}

	vpn := as.vpn(vaddr)
	as.mu.Lock()
	p, present := as.pages[vpn]
	as.mu.Unlock()

	if present && p.present {
		if write && p.flags&RegionCOW != 0 {
			return as.resolveCOW(vpn, r)
		}
		return 0, newErr(KindInvalidRegion, "fault on already-present, non-COW page", nil)
	}

	if r.Flags&RegionFile != 0 && r.Backing != nil {
		return as.pageInFile(vpn, vaddr, r)
	}
	return as.zeroFillAnon(vpn, r)
}

func (as *AddressSpace) zeroFillAnon(vpn uint64, r *Region) (FaultKind, error) {
	fn, err := as.frames.AllocPage()
	if err != nil {
		return 0, err
	}
	// Physical frames come pre-zeroed by convention of the allocator's
	// owner; this kernel does not model the zeroing write itself.
	as.mu.Lock()
	as.pages[vpn] = &pte{frame: fn, flags: r.Flags &^ RegionCOW, present: true}
	as.mu.Unlock()
	if as.metrics != nil {
		as.metrics.MinorFaults.Inc()
	}
	return FaultMinor, nil
}

func (as *AddressSpace) pageInFile(vpn, vaddr uint64, r *Region) (FaultKind, error) {
	pageOffset := int64(vaddr - r.Start)
	key := r.Backing.File.ID() + ":" + itoa64(r.Backing.Offset+pageOffset/int64(as.pageSize)*int64(as.pageSize))

	result, err, _ := as.sf.Do(key, func() (interface{}, error) {
		fn, ferr := as.frames.AllocPage()
		if ferr != nil {
			return nil, ferr
		}
		buf := make([]byte, as.pageSize)
		_, _ = r.Backing.File.ReadAt(buf, r.Backing.Offset+pageOffset/int64(as.pageSize)*int64(as.pageSize))
		return fn, nil
	})
	if err != nil {
		return 0, err
	}
	fn := result.(uint64)

	as.mu.Lock()
	as.pages[vpn] = &pte{frame: fn, flags: r.Flags &^ RegionCOW, present: true}
	as.mu.Unlock()
	if as.metrics != nil {
		as.metrics.MajorFaults.Inc()
	}
	return FaultMajor, nil
}

// resolveCOW implements the copy-or-flip rule (spec.md §4.2 step 6):
// if the frame is uniquely referenced, simply flip the writable bit
// in place; otherwise copy its content into a fresh frame and drop
// the reference on the shared one.
func (as *AddressSpace) resolveCOW(vpn uint64, r *Region) (FaultKind, error) {
	as.mu.Lock()
	p := as.pages[vpn]
	oldFrame := p.frame
	as.mu.Unlock()

	count, err := as.frames.RefCount(oldFrame)
	if err != nil {
		return 0, err
	}

	if count <= 1 {
		as.mu.Lock()
		p.flags = (p.flags | RegionWritable) &^ RegionCOW
		as.mu.Unlock()
		if as.metrics != nil {
			as.metrics.COWFaults.Inc()
			as.metrics.MinorFaults.Inc()
		}
		as.shootdown(vpn * uint64(as.pageSize))
		return FaultCOW, nil
	}

	newFrame, err := as.frames.AllocPage()
	if err != nil {
		return 0, err
	}
	// The copy step itself (reading oldFrame's bytes into newFrame) is
	// the arch/physical-memory layer's job; here we only account for
	// the refcount transfer and page table update.
	if _, err := as.frames.Unref(oldFrame); err != nil {
		return 0, err
	}
	as.mu.Lock()
	as.pages[vpn] = &pte{frame: newFrame, flags: (r.Flags | RegionWritable) &^ RegionCOW, present: true}
	as.mu.Unlock()
	if as.metrics != nil {
		as.metrics.COWFaults.Inc()
		as.metrics.MajorFaults.Inc()
	}
	as.shootdown(vpn * uint64(as.pageSize))
	return FaultCOW, nil
}

// shootdown invalidates vaddr locally and, if this address space is
// active on other CPUs, sends each a synchronous TLB_SHOOTDOWN IPI.
// Synchronous acknowledgement is this kernel's chosen shootdown
// policy: map_page/unmap_page/protect never return to the caller
// while a stale translation could still be observed elsewhere.
func (as *AddressSpace) shootdown(vaddr uint64) {
	as.arch.InvalidatePage(vaddr)
	as.mu.Lock()
	targets := make([]int, 0, len(as.activeCPUs))
	for cpu := range as.activeCPUs {
		targets = append(targets, cpu)
	}
	as.mu.Unlock()
	for _, cpu := range targets {
		_ = as.arch.SendIPI(cpu, IPITLBShootdown)
	}
}

// UnmapPage removes the mapping at vaddr, if present, dropping the
// frame's reference count and shooting down the translation.
func (as *AddressSpace) UnmapPage(vaddr uint64) error {
	vpn := as.vpn(vaddr)
	as.mu.Lock()
	p, ok := as.pages[vpn]
	if ok {
		delete(as.pages, vpn)
	}
	as.mu.Unlock()
	if !ok {
		return newErr(KindInvalidRegion, "no mapping to unmap", nil)
	}
	if _, err := as.frames.Unref(p.frame); err != nil {
		return err
	}
	as.shootdown(vaddr)
	return nil
}

// Destroy releases every frame this address space still maps,
// dropping one reference per mapped page (spec.md §3: an AddressSpace
// "is destroyed when the last referencing thread exits", and §8's
// fork-then-exit property requires the child's exit to bring a
// shared frame's refcount back down to its pre-fork value). Safe to
// call once per address space; the page table is empty afterward.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	pages := as.pages
	as.pages = make(map[uint64]*pte)
	as.mu.Unlock()
	for _, p := range pages {
		if p.present {
			_, _ = as.frames.Unref(p.frame)
		}
	}
}

var seq uint64

// NextAddressSpaceID returns a fresh monotonically increasing address
// space identifier.
func NextAddressSpaceID() uint64 { return atomic.AddUint64(&seq, 1) }

// itoa64 formats a signed 64-bit integer without pulling in strconv's
// full surface.
func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
