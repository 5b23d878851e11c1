package kernel

import (
	"sync"

	"golang.org/x/sys/unix"
)

// RegisterContext is the saved CPU register file for a thread. It is
// the payload arch.SaveContext/RestoreContext operate on (spec.md §6
// arch-facing contract).
type RegisterContext struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	CS, DS, ES, FS, GS, SS uint16
	RIP, RFLAGS            uint64
}

// IPIReason is the payload of an inter-processor interrupt, per
// spec.md §6.
type IPIReason int

const (
	IPIResched IPIReason = iota
	IPITLBShootdown
	IPIMigrationRequest
)

func (r IPIReason) String() string {
	switch r {
	case IPIResched:
		return "RESCHED"
	case IPITLBShootdown:
		return "TLB_SHOOTDOWN"
	case IPIMigrationRequest:
		return "MIGRATION_REQUEST"
	default:
		return "UNKNOWN"
	}
}

// Arch is the single architecture-facing contract named in spec.md §6:
// arch::switch_aspace, arch::save_context, arch::restore_context,
// arch::invlpg, arch::send_ipi. Production kernels implement this with
// real CPU instructions; this module ships a simulated implementation
// (SimArch) suitable for hosting the scheduler/VMM logic under test,
// with documented placeholder bodies standing in for the real
// halt/disable-interrupts primitives a production build would use.
type Arch interface {
	// SwitchAddressSpace installs root as the active page-table root
	// for cpu.
	SwitchAddressSpace(cpu int, root uint64)
	// SaveContext captures the outgoing thread's register file.
	SaveContext() RegisterContext
	// RestoreContext installs ctx as the live register file and does
	// not return to the caller in a real architecture; in simulation it
	// simply records the installed context.
	RestoreContext(ctx RegisterContext)
	// InvalidatePage performs a local TLB invalidation for vaddr on the
	// calling CPU (the `invlpg` instruction on x86-64).
	InvalidatePage(vaddr uint64)
	// SendIPI sends an inter-processor interrupt to cpu with reason,
	// returning once the target has acknowledged it. Returns
	// ErrIpiLost if the target fails to acknowledge within the bound.
	SendIPI(cpu int, reason IPIReason) error
}

// SimArch is a software simulation of the Arch contract: it tracks
// per-CPU "current address space root" state and a single "last saved
// context" (SaveContext/RestoreContext take no CPU, so every CPU shares
// slot 0) in plain Go maps instead of touching real hardware, and delivers
// IPIs by invoking registered per-CPU handlers synchronously, a
// documented placeholder for real `cli`/`sti`/`pushfq` sequences.
type SimArch struct {
	mu           sync.Mutex
	activeRoot   map[int]uint64
	lastContext  map[int]RegisterContext
	ipiHandlers  map[int]func(IPIReason)
	invalidated  []uint64 // log of invalidated vaddrs, for test assertions
}

// NewSimArch creates a simulated architecture layer for numCPUs CPUs.
func NewSimArch(numCPUs int) *SimArch {
	return &SimArch{
		activeRoot:  make(map[int]uint64, numCPUs),
		lastContext: make(map[int]RegisterContext, numCPUs),
		ipiHandlers: make(map[int]func(IPIReason), numCPUs),
	}
}

// RegisterIPIHandler installs the handler invoked when cpu receives an
// IPI via SendIPI. Mirrors the driver's on_ipi(cpu, reason) callback
// from spec.md §6.
func (a *SimArch) RegisterIPIHandler(cpu int, handler func(IPIReason)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ipiHandlers[cpu] = handler
}

func (a *SimArch) SwitchAddressSpace(cpu int, root uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.activeRoot[cpu] = root
}

// ActiveRoot returns the page-table root currently installed on cpu,
// for test assertions.
func (a *SimArch) ActiveRoot(cpu int) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeRoot[cpu]
}

func (a *SimArch) SaveContext() RegisterContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastContext[0]
}

func (a *SimArch) RestoreContext(ctx RegisterContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastContext[0] = ctx
}

func (a *SimArch) InvalidatePage(vaddr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.invalidated = append(a.invalidated, vaddr)
}

// SendIPI delivers reason to cpu's registered handler synchronously —
// this implementation's chosen TLB shootdown policy (documented in
// DESIGN.md) is synchronous acknowledgement, so SendIPI never returns
// before the handler has run.
func (a *SimArch) SendIPI(cpu int, reason IPIReason) error {
	a.mu.Lock()
	handler, ok := a.ipiHandlers[cpu]
	a.mu.Unlock()
	if !ok {
		return newErr(KindIpiLost, "no handler registered for target cpu", nil)
	}
	handler(reason)
	return nil
}

// MemoryProtection mirrors the mmap/mprotect PROT_* bit layout (§6).
type MemoryProtection uint32

const (
	ProtNone  MemoryProtection = 0
	ProtRead  MemoryProtection = 1 << 0
	ProtWrite MemoryProtection = 1 << 1
	ProtExec  MemoryProtection = 1 << 2
)

// ProtectionFromUnix translates a raw PROT_* argument as passed to the
// mmap/mprotect syscalls (spec.md §6) into the kernel's internal
// MemoryProtection bits, via golang.org/x/sys/unix's PROT_* constants.
func ProtectionFromUnix(prot int) MemoryProtection {
	var p MemoryProtection
	if prot&unix.PROT_READ != 0 {
		p |= ProtRead
	}
	if prot&unix.PROT_WRITE != 0 {
		p |= ProtWrite
	}
	if prot&unix.PROT_EXEC != 0 {
		p |= ProtExec
	}
	return p
}

// MapFlags mirrors the mmap MAP_* flags this kernel understands.
type MapFlags uint32

const (
	MapShared MapFlags = 1 << iota
	MapPrivate
	MapAnonymous
	MapFixed
)

// MapFlagsFromUnix translates a raw MAP_* argument into MapFlags.
func MapFlagsFromUnix(flags int) MapFlags {
	var f MapFlags
	if flags&unix.MAP_SHARED != 0 {
		f |= MapShared
	}
	if flags&unix.MAP_PRIVATE != 0 {
		f |= MapPrivate
	}
	if flags&unix.MAP_ANON != 0 {
		f |= MapAnonymous
	}
	if flags&unix.MAP_FIXED != 0 {
		f |= MapFixed
	}
	return f
}
