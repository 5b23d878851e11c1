package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameAllocatorAllocFreeRoundTrip(t *testing.T) {
	fa := NewFrameAllocator(4096, 4096, NewMetrics())

	fn, err := fa.AllocPage()
	require.NoError(t, err)

	count, err := fa.RefCount(fn)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	require.NoError(t, fa.FreePage(fn))

	fn2, err := fa.AllocPage()
	require.NoError(t, err)
	// The buddy allocator should reuse the just-freed frame before
	// carving a new one out of untouched blocks.
	require.Equal(t, fn, fn2)
}

func TestFrameAllocatorRefcounting(t *testing.T) {
	fa := NewFrameAllocator(4096, 256, NewMetrics())

	fn, err := fa.AllocPage()
	require.NoError(t, err)

	count, err := fa.Ref(fn)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	count, err = fa.Unref(fn)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	// Dropping the last reference returns the frame to the free lists;
	// a subsequent alloc is allowed to reuse it with a fresh refcount.
	count, err = fa.Unref(fn)
	require.NoError(t, err)
	require.EqualValues(t, 0, count)

	fn2, err := fa.AllocPage()
	require.NoError(t, err)
	count, err = fa.RefCount(fn2)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

// TestFrameAllocatorFreePageRejectsSharedFrame is spec.md §4.1's
// free_page contract: a frame with refcount != 1 must not be force-
// freed out from under whichever address space still maps it.
func TestFrameAllocatorFreePageRejectsSharedFrame(t *testing.T) {
	fa := NewFrameAllocator(4096, 256, NewMetrics())

	fn, err := fa.AllocPage()
	require.NoError(t, err)

	count, err := fa.Ref(fn)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	err = fa.FreePage(fn)
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindInvalidRegion, kind)

	// The frame must still be live at its shared refcount afterward.
	count, err = fa.RefCount(fn)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// Dropping back to refcount 1 via Unref makes FreePage acceptable.
	count, err = fa.Unref(fn)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	require.NoError(t, fa.FreePage(fn))
}

func TestFrameAllocatorExhaustion(t *testing.T) {
	fa := NewFrameAllocator(4096, 4, NewMetrics())
	for i := 0; i < 4; i++ {
		_, err := fa.AllocPage()
		require.NoError(t, err)
	}
	_, err := fa.AllocPage()
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindOutOfMemory, kind)
}

func TestBuddyZoneSplitsAndCoalesces(t *testing.T) {
	z := newBuddyZone(ZoneNormal, 0, 16)

	rel, ok := z.alloc(2)
	require.True(t, ok)
	z.free(rel, 2)

	// After freeing, the whole zone should coalesce back to one
	// allocatable order-4 block (16 pages).
	rel2, ok := z.alloc(4)
	require.True(t, ok)
	require.EqualValues(t, 0, rel2)
}
