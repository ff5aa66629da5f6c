package posix

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/tinylru"

	"github.com/hpcio/hio/pkg/errors"
)

// datasetState is the per-dataset backend bookkeeping: the dataset's base
// path, the bounded descriptor cache, and the current stripe reservation.
type datasetState struct {
	mu sync.Mutex

	basePath string

	// files caches open descriptors keyed by file name relative to the
	// base path. Eviction closes the descriptor.
	files tinylru.LRU

	// Current stripe reservation. The writer carves request payloads out
	// of it and takes a new reservation when it runs dry.
	reservedOffset    uint64
	reservedRemaining uint64

	// appendOffset is the local stripe allocation counter used when no
	// shared window coordinates the node.
	appendOffset uint64
	appendInit   bool

	// win, when set, supplies the node-shared allocation counter.
	win windowAllocator
}

// windowAllocator is the slice of the shared-memory window the backend
// needs: an unbounded fetch-add offset allocator.
type windowAllocator interface {
	ReserveOffset(length uint64) uint64
}

// openFile returns an open descriptor for the named file under the dataset
// base path, creating it when writable is set. Descriptors are cached with
// least-recently-used eviction so at most MaxOpenFiles stay open.
func (s *datasetState) openFile(name string, writable bool, mode os.FileMode) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.files.Get(name); ok {
		return cached.(*os.File), nil
	}

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR | os.O_CREATE
	}

	path := filepath.Join(s.basePath, name)
	file, err := os.OpenFile(path, flags, mode)
	if err != nil {
		code := errors.FromErrno(err)
		if code == errors.ErrorCodeSuccess || code == errors.ErrorCodeGeneric {
			code = errors.ErrorCodeIOPermanent
		}
		return nil, errors.NewStorageError(err, code, "failed to open data file").
			WithPath(path).WithFileName(name)
	}

	_, _, _, evicted, wasEvicted := s.files.SetEvicted(name, file)
	if wasEvicted {
		if old, ok := evicted.(*os.File); ok {
			old.Close()
		}
	}

	return file, nil
}

// dropFile closes and forgets a cached descriptor.
func (s *datasetState) dropFile(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.files.Get(name); ok {
		if file, ok := cached.(*os.File); ok {
			file.Close()
		}
		s.files.Delete(name)
	}
}

// reserve returns the stripe-file offset for a write of length bytes,
// carving from the current reservation and taking a new block-aligned
// reservation when the remainder is too small. With a shared window the new
// reservation comes from the node-wide counter; otherwise from the local
// append counter, primed from the stripe file's current size.
func (s *datasetState) reserve(stripeName string, length, blockSize uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reservedRemaining < length {
		need := length
		if blockSize > 0 {
			need = (length + blockSize - 1) / blockSize * blockSize
		}

		if s.win != nil {
			s.reservedOffset = s.win.ReserveOffset(need)
		} else {
			if !s.appendInit {
				if info, err := os.Stat(filepath.Join(s.basePath, stripeName)); err == nil {
					s.appendOffset = uint64(info.Size())
				}
				s.appendInit = true
			}
			s.reservedOffset = s.appendOffset
			s.appendOffset += need
		}
		s.reservedRemaining = need
	}

	offset := s.reservedOffset
	s.reservedOffset += length
	s.reservedRemaining -= length
	return offset, nil
}
