// Package sharedmem provides the on-node aggregation window used when
// multiple ranks on one node participate in the same dataset. The window is
// a file-backed shared mapping whose first cache-aligned region is a control
// block; the rest is the per-node aggregation buffer.
//
// Peers reserve space in the buffer by fetch-add on the shared offset
// counter and copy their payload into the reserved slice. The node master,
// elected as the lowest global rank in the sub-group, drains the buffer to
// the backend under the control-block mutex.
package sharedmem

import (
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/tysonmote/gommap"

	"github.com/hpcio/hio/pkg/errors"
)

// Control block layout. The data region starts on a cache-line multiple so
// the atomics never share a line with payload bytes.
const (
	controlBlockSize = 128

	offMaster     = 0  // int64: global rank of the node master
	offShared     = 8  // uint64: next free byte in the aggregation buffer
	offLock       = 16 // uint32: mutex state, 0 free / 1 held
	offFlushReady = 24 // uint32: buffer ready to drain
)

// DefaultBufferSize is the per-node aggregation buffer size.
const DefaultBufferSize = 512 * 1024

// Window is one rank's view of the node-shared aggregation region.
type Window struct {
	file   *os.File
	mmap   gommap.MMap
	size   uint64
	master bool
}

// Create builds the shared window backing file and maps it. Only the node
// master calls Create; peers attach with Open after the master's barrier.
func Create(path string, masterRank int, bufferSize uint64) (*Window, error) {
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeNotAvailable,
			"could not create shared memory window").WithPath(path)
	}

	total := int64(controlBlockSize) + int64(bufferSize)
	if err := file.Truncate(total); err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.NewStorageError(err, errors.ErrorCodeNotAvailable,
			"could not size shared memory window").WithPath(path)
	}

	mapped, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, errors.NewStorageError(err, errors.ErrorCodeNotAvailable,
			"could not map shared memory window").WithPath(path)
	}

	w := &Window{file: file, mmap: mapped, size: bufferSize, master: true}

	// Initialize the control structure.
	for i := 0; i < controlBlockSize; i++ {
		mapped[i] = 0
	}
	atomic.StoreInt64(w.int64At(offMaster), int64(masterRank))
	atomic.StoreUint64(w.uint64At(offShared), 0)

	return w, nil
}

// Open attaches a peer rank to an existing window.
func Open(path string) (*Window, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeNotAvailable,
			"could not open shared memory window").WithPath(path)
	}

	info, err := file.Stat()
	if err != nil || info.Size() <= controlBlockSize {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeNotAvailable,
			"shared memory window not initialized").WithPath(path)
	}

	mapped, err := gommap.Map(file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE,
		gommap.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeNotAvailable,
			"could not map shared memory window").WithPath(path)
	}

	return &Window{
		file: file,
		mmap: mapped,
		size: uint64(info.Size()) - controlBlockSize,
	}, nil
}

func (w *Window) int64At(off int) *int64 {
	return (*int64)(unsafe.Pointer(&w.mmap[off]))
}

func (w *Window) uint64At(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&w.mmap[off]))
}

func (w *Window) uint32At(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&w.mmap[off]))
}

// Master returns the global rank of the node master.
func (w *Window) Master() int {
	return int(atomic.LoadInt64(w.int64At(offMaster)))
}

// BufferSize returns the aggregation buffer capacity.
func (w *Window) BufferSize() uint64 {
	return w.size
}

// Buffer returns the aggregation region of the window.
func (w *Window) Buffer() []byte {
	return w.mmap[controlBlockSize : controlBlockSize+w.size]
}

// Reserve claims length bytes of the aggregation buffer by fetch-add on the
// shared offset counter. The second return is false when the buffer cannot
// hold the reservation; the caller should wait for the master's drain.
func (w *Window) Reserve(length uint64) (uint64, bool) {
	offset := atomic.AddUint64(w.uint64At(offShared), length) - length
	if offset+length > w.size {
		// Back out our claim so the counter reflects usable bytes again
		// once the buffer is reset.
		atomic.AddUint64(w.uint64At(offShared), ^(length - 1))
		return 0, false
	}
	return offset, true
}

// ReserveOffset claims length bytes by fetch-add on the shared offset
// counter without the buffer bound. Used when the counter allocates space
// in a node-shared stripe file rather than in the staging buffer.
func (w *Window) ReserveOffset(length uint64) uint64 {
	return atomic.AddUint64(w.uint64At(offShared), length) - length
}

// Used returns the number of reserved bytes.
func (w *Window) Used() uint64 {
	used := atomic.LoadUint64(w.uint64At(offShared))
	if used > w.size {
		return w.size
	}
	return used
}

// Reset clears the shared offset after a drain. Master only, under Lock.
func (w *Window) Reset() {
	atomic.StoreUint64(w.uint64At(offShared), 0)
}

// SetFlushReady marks the buffer as ready (or not) for the master to drain.
func (w *Window) SetFlushReady(ready bool) {
	var value uint32
	if ready {
		value = 1
	}
	atomic.StoreUint32(w.uint32At(offFlushReady), value)
}

// FlushReady reports whether the buffer awaits a drain.
func (w *Window) FlushReady() bool {
	return atomic.LoadUint32(w.uint32At(offFlushReady)) != 0
}

// Lock acquires the control-block mutex serializing master-side drains.
// The lock is a spin over a shared word since holders only copy bytes.
func (w *Window) Lock() {
	for !atomic.CompareAndSwapUint32(w.uint32At(offLock), 0, 1) {
		runtime.Gosched()
	}
}

// Unlock releases the control-block mutex.
func (w *Window) Unlock() {
	atomic.StoreUint32(w.uint32At(offLock), 0)
}

// Close unmaps the window. The master also removes the backing file.
func (w *Window) Close() error {
	var firstErr error

	if err := w.mmap.UnsafeUnmap(); err != nil {
		firstErr = err
	}

	name := w.file.Name()
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if w.master {
		if err := os.Remove(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return errors.NewStorageError(firstErr, errors.ErrorCodeGeneric,
			"error tearing down shared memory window")
	}

	return nil
}
