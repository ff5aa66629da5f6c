package dataset

import (
	"sort"
	"sync"

	"github.com/hpcio/hio/pkg/errors"
)

// Processor executes a sorted batch of requests against physical storage.
// Backends implement it; the buffer hands off to it at flush.
type Processor interface {
	ProcessRequests(ds *Dataset, reqs []*Request) error
}

// Buffer is the per-dataset queue of pending I/O requests. Requests
// accumulate until the byte budget is exhausted, then the queue is sorted by
// (element, application offset) and handed to the backend in one batch.
// Sorting lets the backend coalesce adjacent transfers into large sequential
// I/O.
type Buffer struct {
	mu sync.Mutex

	size      uint64
	remaining uint64
	reqs      []*Request

	flushCount uint64
}

func newBuffer(size uint64) *Buffer {
	if size == 0 {
		size = 1 << 20
	}
	return &Buffer{size: size, remaining: size}
}

// Size returns the buffer's byte budget.
func (b *Buffer) Size() uint64 {
	return b.size
}

// FlushCount returns how many times the buffer has been flushed.
func (b *Buffer) FlushCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushCount
}

// Pending returns the number of queued requests.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.reqs)
}

// Queue adds a request to the buffer. When the request does not fit in the
// remaining budget the buffer is flushed to the processor first.
func (b *Buffer) Queue(ds *Dataset, processor Processor, req *Request) error {
	b.mu.Lock()

	need := uint64(len(req.Data))
	if need > b.remaining && len(b.reqs) > 0 {
		if err := b.flushLocked(ds, processor); err != nil {
			b.mu.Unlock()
			return err
		}
	}

	b.reqs = append(b.reqs, req)
	if need >= b.remaining {
		b.remaining = 0
	} else {
		b.remaining -= need
	}

	b.mu.Unlock()
	return nil
}

// Flush sorts and drains the queue into the processor, then resets the
// budget. An empty queue is a no-op.
func (b *Buffer) Flush(ds *Dataset, processor Processor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(ds, processor)
}

func (b *Buffer) flushLocked(ds *Dataset, processor Processor) error {
	if len(b.reqs) == 0 {
		return nil
	}

	if processor == nil {
		return errors.NewDatasetError(nil, errors.ErrorCodeNotAvailable,
			"no backend attached to dataset").
			WithDataset(ds.Name, ds.ID)
	}

	reqs := b.reqs
	b.reqs = nil

	// Stable sort by element then by application offset, offsets compared
	// as unsigned. Stability preserves issue order for same-offset writes,
	// which is what makes later writes to a range shadow earlier ones.
	sort.SliceStable(reqs, func(i, j int) bool {
		ei, ej := reqs[i].Element, reqs[j].Element
		if ei != ej {
			if ei.Identifier != ej.Identifier {
				return ei.Identifier < ej.Identifier
			}
			return ei.Rank < ej.Rank
		}
		return reqs[i].AppOffset < reqs[j].AppOffset
	})

	err := processor.ProcessRequests(ds, reqs)

	b.flushCount++
	b.remaining = b.size

	return err
}
