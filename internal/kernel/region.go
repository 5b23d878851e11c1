package kernel

import (
	"sync"

	"github.com/google/btree"
)

// RegionFlags describes a virtual memory region's permissions and
// backing kind (spec.md §4.1) as a single bitset plus an explicit
// FileBacking pointer, rather than a protection/region-kind split.
type RegionFlags uint32

const (
	RegionWritable   RegionFlags = 1 << 0
	RegionExecutable RegionFlags = 1 << 1
	RegionUser       RegionFlags = 1 << 2
	RegionCOW        RegionFlags = 1 << 3
	RegionFile       RegionFlags = 1 << 4
	RegionShared     RegionFlags = 1 << 5
)

// IsWX reports whether flags violates W^X: writable and executable
// set simultaneously (spec.md §4.5 invariant).
func (f RegionFlags) IsWX() bool {
	return f&RegionWritable != 0 && f&RegionExecutable != 0
}

// FileDescriptor is the narrow collaborator a file-backed region needs
// from the (out-of-scope) filesystem layer: the ability to read a
// page's worth of bytes at an offset. The VMM never imports a VFS
// package; callers hand it one of these when they map a file.
type FileDescriptor interface {
	// ReadAt reads len(buf) bytes starting at offset, the same
	// contract as io.ReaderAt, so real *os.File values satisfy it
	// directly.
	ReadAt(buf []byte, offset int64) (int, error)
	// ID uniquely identifies the backing file for singleflight
	// deduplication of concurrent page-ins of the same page.
	ID() string
}

// FileBacking describes the file-backed portion of a region (spec.md
// §4.1): which file, at what offset, how long, and under what
// protection pages should be mapped once paged in.
type FileBacking struct {
	File   FileDescriptor
	Offset int64
	Length int64
	Prot   MemoryProtection
}

// Region is a disjoint, half-open virtual address range [Start,
// Start+Length) inside one AddressSpace (spec.md §4.1). Adjacent
// regions are never implicitly merged — merging is an explicit
// operation a caller must request.
type Region struct {
	Start   uint64
	Length  uint64
	Flags   RegionFlags
	Backing *FileBacking // nil for anonymous regions
}

// End returns the exclusive end address of the region.
func (r *Region) End() uint64 { return r.Start + r.Length }

// Contains reports whether vaddr falls within [Start, End).
func (r *Region) Contains(vaddr uint64) bool {
	return vaddr >= r.Start && vaddr < r.End()
}

// Overlaps reports whether r and other share any address.
func (r *Region) Overlaps(other *Region) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// regionItem adapts *Region to btree.Item, ordering by start address.
// google/btree backs the region list the same way every gvisor variant
// in the retrieval pack (avagin-gvisor, wilinz-gvisor, Shuka0306-gvisor,
// maxnasonov-gvisor) uses it for their vma sets.
type regionItem struct{ r *Region }

func (a regionItem) Less(than btree.Item) bool {
	return a.r.Start < than.(regionItem).r.Start
}

// RegionList is the ordered, disjoint set of regions belonging to one
// AddressSpace (spec.md §4.1 invariant: regions never overlap and are
// kept sorted by start address).
type RegionList struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewRegionList creates an empty region list.
func NewRegionList() *RegionList {
	return &RegionList{tree: btree.New(32)}
}

// Add inserts r, rejecting it with ErrInvalidRegion if it overlaps any
// existing region.
func (rl *RegionList) Add(r *Region) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.findOverlap(r) != nil {
		return newErr(KindInvalidRegion, "region overlaps an existing mapping", nil)
	}
	rl.tree.ReplaceOrInsert(regionItem{r})
	return nil
}

// findOverlap returns a region overlapping r, or nil. Caller must hold
// rl.mu.
func (rl *RegionList) findOverlap(r *Region) *Region {
	var found *Region
	// Any region starting before r.End() could still overlap; walk
	// backwards from r.End() and stop once a candidate's End() is at or
	// before r.Start.
	rl.tree.DescendLessOrEqual(regionItem{&Region{Start: r.End()}}, func(it btree.Item) bool {
		cand := it.(regionItem).r
		if cand.End() <= r.Start {
			return false
		}
		if cand.Overlaps(r) {
			found = cand
			return false
		}
		return true
	})
	return found
}

// Remove deletes the region with the given start address, if present.
func (rl *RegionList) Remove(start uint64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tree.Delete(regionItem{&Region{Start: start}})
}

// Find returns the region containing vaddr, or nil.
func (rl *RegionList) Find(vaddr uint64) *Region {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	var found *Region
	rl.tree.DescendLessOrEqual(regionItem{&Region{Start: vaddr}}, func(it btree.Item) bool {
		cand := it.(regionItem).r
		if cand.Contains(vaddr) {
			found = cand
		}
		return false
	})
	return found
}

// Merge combines two adjacent regions with identical Flags and
// Backing into one, an explicit operation since regions never
// auto-merge (spec.md §4.1 edge case). Returns false if first's end
// does not equal second's start, or their flags/backing differ.
func (rl *RegionList) Merge(firstStart, secondStart uint64) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	firstItem := rl.tree.Get(regionItem{&Region{Start: firstStart}})
	secondItem := rl.tree.Get(regionItem{&Region{Start: secondStart}})
	if firstItem == nil || secondItem == nil {
		return false
	}
	first := firstItem.(regionItem).r
	second := secondItem.(regionItem).r
	if first.End() != second.Start || first.Flags != second.Flags {
		return false
	}
	if !sameBacking(first.Backing, second.Backing) {
		return false
	}
	first.Length += second.Length
	rl.tree.Delete(regionItem{second})
	return true
}

func sameBacking(a, b *FileBacking) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.File != nil && b.File != nil && a.File.ID() == b.File.ID() && a.Offset+a.Length == b.Offset
}

// Ascend iterates every region in start-address order, stopping early
// if fn returns false.
func (rl *RegionList) Ascend(fn func(*Region) bool) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	rl.tree.Ascend(func(it btree.Item) bool {
		return fn(it.(regionItem).r)
	})
}

// Len returns the number of regions.
func (rl *RegionList) Len() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return rl.tree.Len()
}
