package posix

import (
	"golang.org/x/sys/unix"

	"github.com/hpcio/hio/internal/dataset"
	"github.com/hpcio/hio/internal/manifest"
	"github.com/hpcio/hio/pkg/errors"
)

// ProcessRequests executes one sorted batch. Requests arrive ordered by
// (element, application offset), so optimized-mode writes land as large
// sequential runs inside each stripe reservation and reads walk each
// element's segments in order.
func (m *Module) ProcessRequests(ds *dataset.Dataset, reqs []*dataset.Request) error {
	state := m.datasetState(ds)
	if state == nil {
		return errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"dataset is not open on this backend").
			WithDataset(ds.Name, ds.ID)
	}

	var firstErr error
	for _, req := range reqs {
		var err error
		if req.Write {
			err = m.executeWrite(ds, state, req)
		} else {
			err = m.executeRead(ds, state, req)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (m *Module) executeWrite(ds *dataset.Dataset, state *datasetState, req *dataset.Request) error {
	if ds.FileMode == manifest.FileModeOptimized {
		return m.writeOptimized(ds, state, req)
	}
	return m.writeBasic(ds, state, req)
}

// writeBasic places the payload at the element's own offset in the per
// element per rank data file. No placement record is needed; the file
// offset is the application offset.
func (m *Module) writeBasic(ds *dataset.Dataset, state *datasetState, req *dataset.Request) error {
	name := basicFileName(req.Element, ds.Rank)

	file, err := state.openFile(name, true, m.accessMode&0o666|0o200)
	if err != nil {
		req.Complete(0, err)
		return err
	}

	if err := m.pwriteFull(file.Fd(), req.Data, int64(req.AppOffset), name); err != nil {
		req.Complete(0, err)
		return err
	}

	req.Element.ExtendTo(req.AppOffset, uint64(len(req.Data)))
	ds.Stats.BytesWritten.Add(uint64(len(req.Data)))
	req.Complete(int64(len(req.Data)), nil)

	return nil
}

// writeOptimized carves stripe-file space out of the current reservation,
// writes the payload there, and records the placement on the element's
// segment index.
func (m *Module) writeOptimized(ds *dataset.Dataset, state *datasetState, req *dataset.Request) error {
	stripe := ds.Rank
	if ds.Mode == manifest.ModeShared && state.win != nil {
		// All node ranks share one stripe file; the window's counter
		// arbitrates space in it.
		stripe = 0
	}
	name := stripeFileName(stripe)

	file, err := state.openFile(name, true, m.accessMode&0o666|0o200)
	if err != nil {
		req.Complete(0, err)
		return err
	}

	fileOffset, err := state.reserve(name, uint64(len(req.Data)), ds.BlockSize)
	if err != nil {
		req.Complete(0, err)
		return err
	}

	if err := m.pwriteFull(file.Fd(), req.Data, int64(fileOffset), name); err != nil {
		req.Complete(0, err)
		return err
	}

	fileIndex := ds.AddFile(name)
	req.Element.AddSegment(fileIndex, fileOffset, req.AppOffset, uint64(len(req.Data)))

	ds.Stats.BytesWritten.Add(uint64(len(req.Data)))
	req.Complete(int64(len(req.Data)), nil)

	return nil
}

func (m *Module) executeRead(ds *dataset.Dataset, state *datasetState, req *dataset.Request) error {
	if ds.FileMode == manifest.FileModeOptimized {
		return m.readOptimized(ds, state, req)
	}
	return m.readBasic(ds, state, req)
}

// readBasic reads straight from the element's data file. Ranges inside the
// element size that the file does not cover read back as zeros; ranges past
// the element size transfer nothing.
func (m *Module) readBasic(ds *dataset.Dataset, state *datasetState, req *dataset.Request) error {
	size := req.Element.Size()
	window := clampWindow(req.AppOffset, uint64(len(req.Data)), size)
	if window == 0 {
		req.Complete(0, nil)
		return nil
	}

	name := basicFileName(req.Element, ds.Rank)

	file, err := state.openFile(name, false, 0)
	if err != nil {
		req.Complete(0, err)
		return err
	}

	buf := req.Data[:window]
	n, err := preadFull(file.Fd(), buf, int64(req.AppOffset))
	if err != nil {
		req.Complete(0, errors.NewStorageError(err, errors.ErrorCodeIOPermanent,
			"read failed").WithFileName(name).WithOffset(int64(req.AppOffset)))
		return err
	}

	// Anything inside the element size the file doesn't hold is unwritten.
	zeroFill(buf[n:])

	ds.Stats.BytesRead.Add(window)
	req.Complete(int64(window), nil)
	return nil
}

// readOptimized resolves the window against the element's segment index and
// gathers each extent from its stripe file. Gaps between extents are
// unwritten ranges and zero-fill.
func (m *Module) readOptimized(ds *dataset.Dataset, state *datasetState, req *dataset.Request) error {
	size := req.Element.Size()
	window := clampWindow(req.AppOffset, uint64(len(req.Data)), size)
	if window == 0 {
		req.Complete(0, nil)
		return nil
	}

	buf := req.Data[:window]
	zeroFill(buf)

	for _, ext := range req.Element.Lookup(req.AppOffset, window) {
		if ext.FileIndex < 0 || ext.FileIndex >= len(ds.Files) {
			err := errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
				"segment references file outside dataset file list").
				WithDataset(ds.Name, ds.ID).WithElement(req.Element.Identifier)
			req.Complete(0, err)
			return err
		}

		name := ds.Files[ext.FileIndex]
		file, err := state.openFile(name, false, 0)
		if err != nil {
			req.Complete(0, err)
			return err
		}

		slice := buf[ext.AppOffset-req.AppOffset : ext.AppOffset-req.AppOffset+ext.Length]
		if _, err := preadFull(file.Fd(), slice, int64(ext.FileOffset)); err != nil {
			wrapped := errors.NewStorageError(err, errors.ErrorCodeIOPermanent,
				"read failed").WithFileName(name).WithOffset(int64(ext.FileOffset))
			req.Complete(0, wrapped)
			return wrapped
		}
	}

	ds.Stats.BytesRead.Add(window)
	req.Complete(int64(window), nil)
	return nil
}

// pwriteFull issues positioned writes until the payload is fully persisted,
// retrying transient failures.
func (m *Module) pwriteFull(fd uintptr, data []byte, offset int64, name string) error {
	written := 0
	for written < len(data) {
		n, err := unix.Pwrite(int(fd), data[written:], offset+int64(written))
		if err != nil {
			if errors.FromErrno(err) == errors.ErrorCodeIOTemporary {
				continue
			}
			return errors.ClassifyWriteError(err, written, len(data), name)
		}
		if n == 0 {
			return errors.ClassifyWriteError(nil, written, len(data), name)
		}
		written += n
	}
	return nil
}

// preadFull reads up to len(buf) bytes at offset, stopping cleanly at end
// of file. Returns the byte count actually read.
func preadFull(fd uintptr, buf []byte, offset int64) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := unix.Pread(int(fd), buf[read:], offset+int64(read))
		if err != nil {
			if errors.FromErrno(err) == errors.ErrorCodeIOTemporary {
				continue
			}
			return read, err
		}
		if n == 0 {
			return read, nil
		}
		read += n
	}
	return read, nil
}

func clampWindow(offset, length, size uint64) uint64 {
	if offset >= size {
		return 0
	}
	if offset+length > size {
		return size - offset
	}
	return length
}

func zeroFill(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
