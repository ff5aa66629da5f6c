package hio

import (
	"github.com/hpcio/hio/internal/dataset"
	"github.com/hpcio/hio/pkg/errors"
)

// Element is a handle on one logically contiguous byte stream inside an
// open dataset. Blocking calls are thin wrappers over the non-blocking
// forms followed by a wait on the returned request.
type Element struct {
	ctx   *Context
	ds    *Dataset
	inner *dataset.Element
}

// Identifier returns the element's name.
func (e *Element) Identifier() string {
	return e.inner.Identifier
}

// Size returns the element's logical size: the monotone maximum over all
// writes observed so far (including merged writes after a close).
func (e *Element) Size() uint64 {
	return e.inner.Size()
}

// Close decrements the element's open count.
func (e *Element) Close() error {
	return e.inner.Close()
}

// Write writes data at the element offset and blocks until the bytes are
// buffered or persisted. Returns the number of bytes written.
func (e *Element) Write(offset uint64, data []byte) (int64, error) {
	request, err := e.WriteNB(offset, data)
	if err != nil {
		return 0, err
	}
	return request.Wait()
}

// WriteNB queues a write and returns immediately with a request handle.
// The data slice must remain valid and unmodified until the request
// completes.
func (e *Element) WriteNB(offset uint64, data []byte) (*Request, error) {
	return e.WriteStridedNB(offset, data, 1, uint64(len(data)), 0)
}

// WriteStrided writes count blocks of size bytes taken from data at the
// given memory stride to consecutive element offsets starting at offset,
// blocking until complete.
func (e *Element) WriteStrided(offset uint64, data []byte, count, size, stride uint64) (int64, error) {
	request, err := e.WriteStridedNB(offset, data, count, size, stride)
	if err != nil {
		return 0, err
	}
	return request.Wait()
}

// WriteStridedNB is the non-blocking strided write. Each of the count
// blocks becomes one internal request; the returned handle completes when
// all of them have.
func (e *Element) WriteStridedNB(offset uint64, data []byte, count, size, stride uint64) (*Request, error) {
	if err := e.ds.ensureOpen(); err != nil {
		return nil, err
	}

	pieces, err := carve(data, count, size, stride)
	if err != nil {
		e.ctx.estack.PushError(err)
		return nil, err
	}

	handle := dataset.NewHandle(len(pieces))
	for i, piece := range pieces {
		if err := e.ctx.engine.WriteNB(e.inner, offset+uint64(i)*size, piece, handle); err != nil {
			return nil, err
		}
	}

	return &Request{ctx: e.ctx, ds: e.ds, handle: handle}, nil
}

// Read reads up to len(buf) bytes at the element offset, blocking until
// complete. Unwritten ranges inside the element size read as zeros; a read
// past the element size transfers nothing and succeeds.
func (e *Element) Read(offset uint64, buf []byte) (int64, error) {
	request, err := e.ReadNB(offset, buf)
	if err != nil {
		return 0, err
	}
	return request.Wait()
}

// ReadNB queues a read into buf and returns immediately with a request
// handle.
func (e *Element) ReadNB(offset uint64, buf []byte) (*Request, error) {
	return e.ReadStridedNB(offset, buf, 1, uint64(len(buf)), 0)
}

// ReadStrided reads count blocks of size bytes from consecutive element
// offsets into data at the given memory stride, blocking until complete.
func (e *Element) ReadStrided(offset uint64, data []byte, count, size, stride uint64) (int64, error) {
	request, err := e.ReadStridedNB(offset, data, count, size, stride)
	if err != nil {
		return 0, err
	}
	return request.Wait()
}

// ReadStridedNB is the non-blocking strided read.
func (e *Element) ReadStridedNB(offset uint64, data []byte, count, size, stride uint64) (*Request, error) {
	if err := e.ds.ensureOpen(); err != nil {
		return nil, err
	}

	pieces, err := carve(data, count, size, stride)
	if err != nil {
		e.ctx.estack.PushError(err)
		return nil, err
	}

	handle := dataset.NewHandle(len(pieces))
	for i, piece := range pieces {
		if err := e.ctx.engine.ReadNB(e.inner, offset+uint64(i)*size, piece, handle); err != nil {
			return nil, err
		}
	}

	return &Request{ctx: e.ctx, ds: e.ds, handle: handle}, nil
}

// carve splits a strided user buffer into its contiguous pieces. A zero
// stride means densely packed blocks.
func carve(data []byte, count, size, stride uint64) ([][]byte, error) {
	if count == 0 || size == 0 {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"strided shape requires a positive count and size").
			WithField("count/size").WithProvided([]uint64{count, size})
	}

	if stride == 0 {
		stride = size
	}
	if stride < size {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"stride smaller than block size").
			WithField("stride").WithProvided(stride).WithExpected(size)
	}

	span := (count-1)*stride + size
	if span > uint64(len(data)) {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"buffer too small for strided shape").
			WithField("data").WithProvided(len(data)).WithExpected(span)
	}

	pieces := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		start := i * stride
		pieces[i] = data[start : start+size]
	}
	return pieces, nil
}
