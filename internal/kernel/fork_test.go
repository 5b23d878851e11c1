package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestForkSharesFramesUnderCOW implements scenario S1: after fork, a
// mapped anonymous user page is shared between parent and child, and
// the underlying frame's reference count rises to 2.
func TestForkSharesFramesUnderCOW(t *testing.T) {
	parent, frames := newTestAS(t)
	require.NoError(t, parent.AddRegion(&Region{Start: 0x1000_0000, Length: 0x1000, Flags: RegionUser | RegionWritable}))
	_, err := parent.HandleFault(0x1000_0000, true)
	require.NoError(t, err)

	parentFrame, err := parent.Translate(0x1000_0000)
	require.NoError(t, err)
	count, err := frames.RefCount(parentFrame)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	child, err := parent.CloneCOW(NextAddressSpaceID())
	require.NoError(t, err)

	childFrame, err := child.Translate(0x1000_0000)
	require.NoError(t, err)
	require.Equal(t, parentFrame, childFrame, "parent and child observe the same frame until a write occurs")

	count, err = frames.RefCount(parentFrame)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// Unmapping the child's copy of the page (as exit would) drops its
	// reference; refcount falls back to 1.
	require.NoError(t, child.UnmapPage(0x1000_0000))
	count, err = frames.RefCount(parentFrame)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

// TestCOWCopiesOnFirstWrite implements scenario S2: the first write by
// either side after a fork allocates a private frame for the writer,
// leaving the other side's mapping (and the original frame's
// refcount) untouched.
func TestCOWCopiesOnFirstWrite(t *testing.T) {
	parent, frames := newTestAS(t)
	require.NoError(t, parent.AddRegion(&Region{Start: 0x1000_0000, Length: 0x1000, Flags: RegionUser | RegionWritable}))
	_, err := parent.HandleFault(0x1000_0000, true)
	require.NoError(t, err)
	originalFrame, err := parent.Translate(0x1000_0000)
	require.NoError(t, err)

	child, err := parent.CloneCOW(NextAddressSpaceID())
	require.NoError(t, err)

	// Child writes first: this must allocate a fresh frame for the
	// child and leave the parent's mapping on the original frame.
	kind, err := child.HandleFault(0x1000_0000, true)
	require.NoError(t, err)
	require.Equal(t, FaultCOW, kind)

	childFrame, err := child.Translate(0x1000_0000)
	require.NoError(t, err)
	require.NotEqual(t, originalFrame, childFrame, "child's write must copy to a distinct frame")

	parentFrame, err := parent.Translate(0x1000_0000)
	require.NoError(t, err)
	require.Equal(t, originalFrame, parentFrame, "parent's mapping is untouched by the child's write")

	count, err := frames.RefCount(originalFrame)
	require.NoError(t, err)
	require.EqualValues(t, 1, count, "the original frame is now exclusively the parent's")

	childCount, err := frames.RefCount(childFrame)
	require.NoError(t, err)
	require.EqualValues(t, 1, childCount)
}

// TestCOWSharedRegionNeverCopies verifies clone_cow's rule that
// RegionShared mappings are shared directly, never placed under COW,
// since both sides are allowed to mutate them in place.
func TestCOWSharedRegionNeverCopies(t *testing.T) {
	parent, frames := newTestAS(t)
	require.NoError(t, parent.AddRegion(&Region{Start: 0x4000, Length: 0x1000, Flags: RegionUser | RegionWritable | RegionShared}))
	_, err := parent.HandleFault(0x4000, true)
	require.NoError(t, err)
	sharedFrame, err := parent.Translate(0x4000)
	require.NoError(t, err)

	child, err := parent.CloneCOW(NextAddressSpaceID())
	require.NoError(t, err)

	// The child maps the very same frame rather than a COW copy, and
	// the frame's refcount counts both address spaces.
	childFrame, err := child.Translate(0x4000)
	require.NoError(t, err)
	require.Equal(t, sharedFrame, childFrame)

	count, err := frames.RefCount(sharedFrame)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}
