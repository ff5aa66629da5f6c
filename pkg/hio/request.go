package hio

import (
	"github.com/hpcio/hio/internal/dataset"
)

// Request tracks completion of one non-blocking element operation. With
// the buffered engine a request completes when the dataset buffer flushes,
// which Wait forces.
type Request struct {
	ctx    *Context
	ds     *Dataset
	handle *dataset.Handle
}

// Test reports whether the request has completed, without forcing a flush.
func (r *Request) Test() bool {
	return r.handle.Done()
}

// Wait blocks until the request completes, flushing the dataset's request
// buffer if it is still pending. Returns the number of bytes transferred.
func (r *Request) Wait() (int64, error) {
	return r.ctx.engine.Wait(r.ds.inner, r.handle)
}

// WaitAll drives a set of requests to completion and returns the total
// bytes transferred and the first error observed.
func WaitAll(requests ...*Request) (int64, error) {
	var total int64
	var firstErr error

	for _, request := range requests {
		if request == nil {
			continue
		}
		transferred, err := request.Wait()
		total += transferred
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return total, firstErr
}
