// Package segment maintains the per-element segment index: the ordered list
// of physical placement records that maps an element's logical byte stream
// onto regions of the dataset's data files.
package segment

import (
	"github.com/hpcio/hio/internal/manifest"
)

// Extent is one resolved slice of a lookup: Length bytes of the request
// window live in file FileIndex at FileOffset, covering the application
// range starting at AppOffset. Ranges of the window not covered by any
// extent were never written and read back as zeros.
type Extent struct {
	FileIndex  int
	FileOffset uint64
	AppOffset  uint64
	Length     uint64
}

// Index is the segment index of one element. It is not safe for concurrent
// use; callers hold the owning element's lock.
type Index struct {
	segments []manifest.Segment
}

// New creates an empty index.
func New() *Index {
	return &Index{}
}

// FromSegments creates an index from an already sorted manifest segment
// array. The slice is copied.
func FromSegments(segments []manifest.Segment) *Index {
	index := &Index{segments: make([]manifest.Segment, len(segments))}
	copy(index.segments, segments)
	return index
}

// Add records a placement. The array stays sorted by application offset;
// among segments with equal offsets the most recently added sorts last, so
// later writes shadow earlier ones during lookup. A placement identical to
// the segment it would directly follow is dropped.
func (idx *Index) Add(fileIndex int, fileOffset, appOffset, length uint64) {
	seg := manifest.Segment{
		FileOffset: fileOffset,
		AppOffset:  appOffset,
		Length:     length,
		FileIndex:  fileIndex,
	}

	// Find the insertion point: after every segment with AppOffset <= ours.
	pos := len(idx.segments)
	for pos > 0 && idx.segments[pos-1].AppOffset > appOffset {
		pos--
	}

	if pos > 0 && idx.segments[pos-1] == seg {
		return
	}

	idx.segments = append(idx.segments, manifest.Segment{})
	copy(idx.segments[pos+1:], idx.segments[pos:])
	idx.segments[pos] = seg
}

// Count returns the number of segments in the index.
func (idx *Index) Count() int {
	return len(idx.segments)
}

// Segments returns the index contents in application-offset order. The
// returned slice is a copy.
func (idx *Index) Segments() []manifest.Segment {
	out := make([]manifest.Segment, len(idx.segments))
	copy(out, idx.segments)
	return out
}

// Size returns the logical extent of the element covered by this index:
// the maximum application offset plus length over all segments.
func (idx *Index) Size() uint64 {
	var size uint64
	for _, seg := range idx.segments {
		if end := seg.AppOffset + seg.Length; end > size {
			size = end
		}
	}
	return size
}

// Lookup resolves the request window [offset, offset+length) into extents.
// Segments are painted into the result in array order, so a segment later
// in the array overrides earlier ones on any overlapping byte range. The
// returned extents are disjoint and sorted by application offset; gaps
// between them are unwritten ranges.
func (idx *Index) Lookup(offset, length uint64) []Extent {
	if length == 0 {
		return nil
	}

	end := offset + length
	var extents []Extent

	for _, seg := range idx.segments {
		segStart := seg.AppOffset
		segEnd := seg.AppOffset + seg.Length

		if segEnd <= offset || segStart >= end {
			continue
		}

		// Clip the segment to the request window.
		start := segStart
		if start < offset {
			start = offset
		}
		stop := segEnd
		if stop > end {
			stop = end
		}

		extents = overlay(extents, Extent{
			FileIndex:  seg.FileIndex,
			FileOffset: seg.FileOffset + (start - segStart),
			AppOffset:  start,
			Length:     stop - start,
		})
	}

	return extents
}

// overlay inserts next into the sorted disjoint extent list, truncating or
// splitting any earlier extents it overlaps.
func overlay(extents []Extent, next Extent) []Extent {
	nextEnd := next.AppOffset + next.Length
	out := extents[:0:0]

	for _, ext := range extents {
		extEnd := ext.AppOffset + ext.Length

		if extEnd <= next.AppOffset || ext.AppOffset >= nextEnd {
			out = append(out, ext)
			continue
		}

		// Keep the part of ext before next, if any.
		if ext.AppOffset < next.AppOffset {
			out = append(out, Extent{
				FileIndex:  ext.FileIndex,
				FileOffset: ext.FileOffset,
				AppOffset:  ext.AppOffset,
				Length:     next.AppOffset - ext.AppOffset,
			})
		}

		// Keep the part of ext after next, if any.
		if extEnd > nextEnd {
			out = append(out, Extent{
				FileIndex:  ext.FileIndex,
				FileOffset: ext.FileOffset + (nextEnd - ext.AppOffset),
				AppOffset:  nextEnd,
				Length:     extEnd - nextEnd,
			})
		}
	}

	// Insert next in offset order.
	pos := len(out)
	for pos > 0 && out[pos-1].AppOffset > next.AppOffset {
		pos--
	}
	out = append(out, Extent{})
	copy(out[pos+1:], out[pos:])
	out[pos] = next

	return out
}
