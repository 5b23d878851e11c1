package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionListRejectsOverlap(t *testing.T) {
	rl := NewRegionList()
	require.NoError(t, rl.Add(&Region{Start: 0x1000, Length: 0x1000, Flags: RegionUser}))

	err := rl.Add(&Region{Start: 0x1800, Length: 0x1000, Flags: RegionUser})
	require.Error(t, err)
	kind, ok := KindOf(err)
	require.True(t, ok)
	require.Equal(t, KindInvalidRegion, kind)
}

func TestRegionListDisjointAndSorted(t *testing.T) {
	rl := NewRegionList()
	require.NoError(t, rl.Add(&Region{Start: 0x3000, Length: 0x1000, Flags: RegionUser}))
	require.NoError(t, rl.Add(&Region{Start: 0x1000, Length: 0x1000, Flags: RegionUser}))
	require.NoError(t, rl.Add(&Region{Start: 0x5000, Length: 0x1000, Flags: RegionUser}))

	var starts []uint64
	rl.Ascend(func(r *Region) bool {
		starts = append(starts, r.Start)
		return true
	})
	require.Equal(t, []uint64{0x1000, 0x3000, 0x5000}, starts)
}

// TestRegionAddRemoveRoundTrip is the §8 round-trip property:
// add_region then remove_region of the same range restores the
// region set.
func TestRegionAddRemoveRoundTrip(t *testing.T) {
	rl := NewRegionList()
	require.Equal(t, 0, rl.Len())

	require.NoError(t, rl.Add(&Region{Start: 0x2000, Length: 0x1000, Flags: RegionUser}))
	require.Equal(t, 1, rl.Len())

	rl.Remove(0x2000)
	require.Equal(t, 0, rl.Len())
}

// TestRegionAdjacentDoesNotAutoMerge is the §8 boundary behaviour:
// adjacent regions never merge implicitly.
func TestRegionAdjacentDoesNotAutoMerge(t *testing.T) {
	rl := NewRegionList()
	require.NoError(t, rl.Add(&Region{Start: 0x1000, Length: 0x1000, Flags: RegionUser | RegionWritable}))
	require.NoError(t, rl.Add(&Region{Start: 0x2000, Length: 0x1000, Flags: RegionUser | RegionWritable}))
	require.Equal(t, 2, rl.Len())

	require.True(t, rl.Merge(0x1000, 0x2000))
	require.Equal(t, 1, rl.Len())

	merged := rl.Find(0x1000)
	require.NotNil(t, merged)
	require.EqualValues(t, 0x2000, merged.Length)
}

func TestRegionFlagsIsWX(t *testing.T) {
	require.True(t, (RegionWritable | RegionExecutable).IsWX())
	require.False(t, RegionWritable.IsWX())
	require.False(t, RegionExecutable.IsWX())
}
