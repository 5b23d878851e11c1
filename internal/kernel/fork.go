package kernel

// CloneCOW creates a child address space sharing every frame of as's
// anonymous, writable regions under copy-on-write, and sharing
// RegionShared regions directly without COW (spec.md §4.3). File-backed,
// read-only regions are shared directly too, since neither side can
// mutate them.
//
// Precondition/postcondition: every frame shared under COW carries a
// reference count of at least 2 once CloneCOW returns successfully.
func (as *AddressSpace) CloneCOW(childID uint64) (*AddressSpace, error) {
	child := NewAddressSpace(childID, as.pageSize, as.frames, as.arch, as.metrics)

	var cloneErr error
	as.Regions.Ascend(func(r *Region) bool {
		childRegion := &Region{Start: r.Start, Length: r.Length, Flags: r.Flags, Backing: r.Backing}

		needsCOW := r.Flags&RegionWritable != 0 && r.Flags&RegionShared == 0
		if needsCOW {
			childRegion.Flags |= RegionCOW
		}
		if err := child.AddRegion(childRegion); err != nil {
			cloneErr = err
			return false
		}
		if !needsCOW {
			// RegionShared or read-only: copy present page table entries
			// verbatim, bumping refcounts so both address spaces own a
			// reference.
			if err := as.shareRegion(r, child); err != nil {
				cloneErr = err
				return false
			}
			return true
		}

		// Anonymous/private writable: clear the writable bit on both
		// sides and set the COW flag, so the next write on either side
		// faults through resolveCOW.
		if err := as.cowShareRegion(r, child); err != nil {
			cloneErr = err
			return false
		}
		return true
	})
	if cloneErr != nil {
		return nil, cloneErr
	}
	return child, nil
}

func (as *AddressSpace) shareRegion(r *Region, child *AddressSpace) error {
	startVPN := as.vpn(r.Start)
	endVPN := as.vpn(r.End())
	as.mu.Lock()
	defer as.mu.Unlock()
	child.mu.Lock()
	defer child.mu.Unlock()
	for vpn := startVPN; vpn < endVPN; vpn++ {
		p, ok := as.pages[vpn]
		if !ok || !p.present {
			continue
		}
		if _, err := as.frames.Ref(p.frame); err != nil {
			return err
		}
		child.pages[vpn] = &pte{frame: p.frame, flags: p.flags, present: true}
	}
	return nil
}

func (as *AddressSpace) cowShareRegion(r *Region, child *AddressSpace) error {
	startVPN := as.vpn(r.Start)
	endVPN := as.vpn(r.End())
	as.mu.Lock()
	defer as.mu.Unlock()
	child.mu.Lock()
	defer child.mu.Unlock()
	for vpn := startVPN; vpn < endVPN; vpn++ {
		p, ok := as.pages[vpn]
		if !ok || !p.present {
			continue
		}
		if _, err := as.frames.Ref(p.frame); err != nil {
			return err
		}
		p.flags = (p.flags &^ RegionWritable) | RegionCOW
		child.pages[vpn] = &pte{frame: p.frame, flags: p.flags, present: true}
		as.shootdownLocked(vpn * uint64(as.pageSize))
	}
	return nil
}

// shootdownLocked is shootdown's body for callers that already hold
// as.mu; it only performs the local+remote invalidation, since the
// caller is responsible for its own locking discipline around the
// page table mutation that preceded it.
func (as *AddressSpace) shootdownLocked(vaddr uint64) {
	as.arch.InvalidatePage(vaddr)
	targets := make([]int, 0, len(as.activeCPUs))
	for cpu := range as.activeCPUs {
		targets = append(targets, cpu)
	}
	for _, cpu := range targets {
		_ = as.arch.SendIPI(cpu, IPITLBShootdown)
	}
}
