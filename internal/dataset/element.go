package dataset

import (
	"sync"

	"github.com/hpcio/hio/internal/segment"
	"github.com/hpcio/hio/pkg/errors"
)

// Element is one logically contiguous byte stream inside a dataset,
// addressed by (identifier, application offset). In unique mode each rank
// holds a private element under the shared identifier; Rank records the
// owner. In shared mode Rank is -1.
type Element struct {
	mu sync.Mutex

	Identifier string
	Rank       int

	size      uint64
	index     *segment.Index
	openCount int

	ds *Dataset
}

func newElement(ds *Dataset, identifier string, rank int) *Element {
	return &Element{
		Identifier: identifier,
		Rank:       rank,
		index:      segment.New(),
		ds:         ds,
	}
}

// Dataset returns the owning dataset.
func (e *Element) Dataset() *Dataset {
	return e.ds
}

// Size returns the element's logical size: the monotone maximum over all
// observed writes and manifest entries.
func (e *Element) Size() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

// setSize raises the element size. Sizes never shrink.
func (e *Element) setSize(size uint64) {
	e.mu.Lock()
	if size > e.size {
		e.size = size
	}
	e.mu.Unlock()
}

// ExtendTo raises the element size to cover a write of length bytes at
// offset.
func (e *Element) ExtendTo(offset, length uint64) {
	e.setSize(offset + length)
}

// AddSegment records a physical placement for this element and extends the
// element size to cover it.
func (e *Element) AddSegment(fileIndex int, fileOffset, appOffset, length uint64) {
	e.mu.Lock()
	e.index.Add(fileIndex, fileOffset, appOffset, length)
	if end := appOffset + length; end > e.size {
		e.size = end
	}
	e.mu.Unlock()
}

// Lookup resolves a read window against the element's segment index.
func (e *Element) Lookup(offset, length uint64) []segment.Extent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Lookup(offset, length)
}

// SegmentCount returns the number of placement records for this element.
func (e *Element) SegmentCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Count()
}

// OpenCount returns the element's current open count.
func (e *Element) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openCount
}

// Close decrements the element open count. Closing an element that is not
// open is an error.
func (e *Element) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openCount == 0 {
		return errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"element is not open").
			WithDataset(e.ds.Name, e.ds.ID).WithElement(e.Identifier)
	}

	e.openCount--
	return nil
}

// ForceClose drops the open count to zero. Used at dataset close for
// elements the application left open.
func (e *Element) ForceClose() {
	e.mu.Lock()
	e.openCount = 0
	e.mu.Unlock()
}
