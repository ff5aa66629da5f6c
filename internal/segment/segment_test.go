package segment

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddKeepsSegmentsSorted(t *testing.T) {
	idx := New()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		offset := uint64(rng.Intn(10000))
		idx.Add(0, offset, offset, 16)
	}

	segments := idx.Segments()
	for i := 1; i < len(segments); i++ {
		require.LessOrEqual(t, segments[i-1].AppOffset, segments[i].AppOffset)
	}
}

func TestAddDropsExactDuplicates(t *testing.T) {
	idx := New()

	idx.Add(0, 100, 0, 64)
	idx.Add(0, 100, 0, 64)
	idx.Add(0, 100, 0, 64)

	require.Equal(t, 1, idx.Count())
}

func TestSize(t *testing.T) {
	idx := New()
	require.EqualValues(t, 0, idx.Size())

	idx.Add(0, 0, 0, 100)
	idx.Add(0, 100, 500, 50)
	idx.Add(0, 150, 200, 10)

	require.EqualValues(t, 550, idx.Size())
}

func TestLookupExactAndPartial(t *testing.T) {
	idx := New()
	idx.Add(0, 1000, 0, 100)

	extents := idx.Lookup(0, 100)
	require.Len(t, extents, 1)
	require.EqualValues(t, 1000, extents[0].FileOffset)
	require.EqualValues(t, 100, extents[0].Length)

	// A window past the segment end clips.
	extents = idx.Lookup(50, 100)
	require.Len(t, extents, 1)
	require.EqualValues(t, 1050, extents[0].FileOffset)
	require.EqualValues(t, 50, extents[0].AppOffset)
	require.EqualValues(t, 50, extents[0].Length)

	// Entirely outside any segment.
	require.Empty(t, idx.Lookup(200, 100))
}

func TestLookupGapsStayUncovered(t *testing.T) {
	idx := New()
	idx.Add(0, 0, 0, 100)
	idx.Add(1, 0, 200, 100)

	extents := idx.Lookup(0, 300)
	require.Len(t, extents, 2)
	require.EqualValues(t, 0, extents[0].AppOffset)
	require.EqualValues(t, 100, extents[0].Length)
	require.EqualValues(t, 200, extents[1].AppOffset)
	require.EqualValues(t, 100, extents[1].Length)
}

func TestLookupLaterSegmentShadowsEarlier(t *testing.T) {
	idx := New()
	// First write covers [0, 100); a later write covers [50, 150).
	idx.Add(0, 0, 0, 100)
	idx.Add(0, 1000, 50, 100)

	extents := idx.Lookup(0, 150)
	require.Len(t, extents, 2)

	require.EqualValues(t, 0, extents[0].AppOffset)
	require.EqualValues(t, 50, extents[0].Length)
	require.EqualValues(t, 0, extents[0].FileOffset)

	require.EqualValues(t, 50, extents[1].AppOffset)
	require.EqualValues(t, 100, extents[1].Length)
	require.EqualValues(t, 1000, extents[1].FileOffset)
}

func TestLookupShadowSplitsEarlierSegment(t *testing.T) {
	idx := New()
	// A later small write lands in the middle of an earlier large one.
	idx.Add(0, 0, 0, 300)
	idx.Add(1, 0, 100, 100)

	extents := idx.Lookup(0, 300)
	require.Len(t, extents, 3)

	require.Equal(t, 0, extents[0].FileIndex)
	require.EqualValues(t, 0, extents[0].AppOffset)
	require.EqualValues(t, 100, extents[0].Length)

	require.Equal(t, 1, extents[1].FileIndex)
	require.EqualValues(t, 100, extents[1].AppOffset)
	require.EqualValues(t, 100, extents[1].Length)

	require.Equal(t, 0, extents[2].FileIndex)
	require.EqualValues(t, 200, extents[2].AppOffset)
	require.EqualValues(t, 100, extents[2].Length)
	// The tail of the split segment resumes at the right file position.
	require.EqualValues(t, 200, extents[2].FileOffset)
}

func TestFromSegmentsCopies(t *testing.T) {
	original := New()
	original.Add(0, 0, 0, 10)

	clone := FromSegments(original.Segments())
	clone.Add(0, 10, 10, 10)

	require.Equal(t, 1, original.Count())
	require.Equal(t, 2, clone.Count())
}
