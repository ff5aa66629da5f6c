// Package engine coordinates the dataset lifecycle across the backend, the
// manifest codec, the collective protocol, and the request buffer. It owns
// the data-root fallback order: dataset open tries each configured root in
// turn and falls through transparently when a root is unusable, and dataset
// close drives the flush, gather, persist, scatter sequence that commits a
// dataset.
package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hpcio/hio/internal/backend"
	"github.com/hpcio/hio/internal/collective"
	"github.com/hpcio/hio/internal/dataset"
	"github.com/hpcio/hio/internal/manifest"
	"github.com/hpcio/hio/internal/sharedmem"
	"github.com/hpcio/hio/pkg/errors"
	"github.com/hpcio/hio/pkg/filesys"
	"github.com/hpcio/hio/pkg/options"
)

var errEngineClosed = errors.NewBaseError(nil, errors.ErrorCodeBadParam,
	"operation failed: cannot access closed engine")

// Engine is the per-rank dataset engine of one hio context.
type Engine struct {
	name   string
	comm   collective.Communicator
	opts   *options.Options
	log    *zap.SugaredLogger
	estack *errors.Stack
	closed atomic.Bool

	mu       sync.Mutex
	modules  []backend.Module
	dsData   map[string]*dataset.PersistentData
	attached map[*dataset.Dataset]*attachment
}

// attachment binds an open dataset to the module that serves it and to the
// node-shared aggregation window when one is in use.
type attachment struct {
	module backend.Module
	win    *sharedmem.Window
}

// windowAttacher is implemented by backends that can aggregate through a
// shared-memory window.
type windowAttacher interface {
	AttachWindow(ds *dataset.Dataset, win *sharedmem.Window)
}

// Config holds the parameters needed to initialize an Engine.
type Config struct {
	// Name is the context identifier; dataset paths are scoped by it.
	Name string

	// Comm is the participating group's communicator.
	Comm collective.Communicator

	Options *options.Options
	Logger  *zap.SugaredLogger

	// Stack receives error entries; when nil the process-wide stack is
	// used.
	Stack *errors.Stack
}

// New creates an engine, instantiating one backend module per configured
// data root in fallback order.
func New(config *Config) (*Engine, error) {
	if config == nil || config.Name == "" || config.Comm == nil ||
		config.Options == nil || config.Logger == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"engine configuration is required").
			WithField("config").WithRule("required")
	}

	if len(config.Options.DataRoots) == 0 {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"at least one data root is required").
			WithField("data_roots").WithRule("required")
	}

	stack := config.Stack
	if stack == nil {
		stack = errors.Default()
	}

	e := &Engine{
		name:     config.Name,
		comm:     config.Comm,
		opts:     config.Options,
		log:      config.Logger,
		estack:   stack,
		dsData:   make(map[string]*dataset.PersistentData),
		attached: make(map[*dataset.Dataset]*attachment),
	}

	for _, root := range config.Options.DataRoots {
		module, err := backend.Create(root, &backend.Config{
			Context:    config.Name,
			AccessMode: config.Options.AccessMode,
			Logger:     config.Logger,
		})
		if err != nil {
			return nil, err
		}
		e.modules = append(e.modules, module)
	}

	return e, nil
}

// Stack returns the engine's error stack.
func (e *Engine) Stack() *errors.Stack {
	return e.estack
}

// Comm returns the engine's communicator.
func (e *Engine) Comm() collective.Communicator {
	return e.comm
}

// datasetData looks up or creates the persistent per-name record.
func (e *Engine) datasetData(name string) *dataset.PersistentData {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, ok := e.dsData[name]
	if !ok {
		data = &dataset.PersistentData{Name: name, LastID: -1}
		e.dsData[name] = data
	}
	return data
}

// Alloc creates a dataset in the allocated state. Open must follow before
// any element I/O.
func (e *Engine) Alloc(name string, id int64, flags dataset.Flag, mode string) (*dataset.Dataset, error) {
	if e.closed.Load() {
		return nil, errEngineClosed
	}

	fileMode := manifest.FileModeBasic
	if e.opts.FileMode == options.FileModeOptimized {
		fileMode = manifest.FileModeOptimized
	}

	ds, err := dataset.Alloc(&dataset.Config{
		Name:       name,
		ID:         id,
		Flags:      flags,
		Mode:       mode,
		FileMode:   fileMode,
		BlockSize:  e.opts.BlockSize,
		BufferSize: e.opts.BufferSize,
		Rank:       e.comm.Rank(),
		CommSize:   e.comm.Size(),
		Data:       e.datasetData(name),
		Logger:     e.log,
	})
	if err != nil {
		e.estack.PushError(err)
		return nil, err
	}

	return ds, nil
}

// Open opens a dataset. The call is collective: every participating rank
// must call it, and all ranks adopt rank 0's data-root selection and id
// resolution.
func (e *Engine) Open(ds *dataset.Dataset) error {
	if e.closed.Load() {
		return errEngineClosed
	}

	if ds.State() != dataset.StateAllocated {
		err := errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"dataset open requires an allocated dataset").
			WithDataset(ds.Name, ds.ID).
			WithDetail("state", ds.State().String())
		e.estack.PushError(err)
		return err
	}

	var header [5]int64
	var manifestBytes []byte

	if e.comm.Rank() == 0 {
		code, rootIndex, id, data := e.probeRoots(ds)
		header = [5]int64{int64(code.Int()), rootIndex, id, int64(len(data)), 0}
		manifestBytes = data
	}

	header, err := collective.BcastHeader(e.comm, 0, header)
	if err != nil {
		return err
	}

	if code := errors.FromInt(int(header[0])); code != errors.ErrorCodeSuccess {
		err := errors.NewDatasetError(nil, code, "dataset open failed on all data roots").
			WithDataset(ds.Name, ds.RequestedID)
		if e.comm.Rank() != 0 {
			e.estack.PushError(err)
		}
		return err
	}

	module := e.modules[header[1]]
	ds.ID = header[2]

	if err := module.OpenDataset(ds); err != nil {
		e.estack.PushError(err)
		// Rank 0 probed this root successfully; a local failure here is a
		// hard error, not a fallback trigger.
		return err
	}

	// Distribute rank 0's manifest to all ranks in read mode so every rank
	// shares one view of files, elements, and segments.
	result, err := collective.ScatterManifest(e.comm, manifestBytes,
		errors.ErrorCodeSuccess, int64(ds.Flags), ds.StripeCount, ds.StripeSize)
	if err != nil {
		return err
	}

	if len(result.Manifest) > 0 {
		m, err := manifest.Deserialize(result.Manifest)
		if err != nil {
			e.estack.PushError(err)
			return err
		}
		if err := ds.ApplyManifest(m); err != nil {
			e.estack.PushError(err)
			return err
		}
	}

	att := &attachment{module: module}

	// Shared optimized datasets with node peers aggregate stripe-file
	// space through a shared-memory window owned by the node master.
	if ds.FileMode == manifest.FileModeOptimized &&
		ds.Mode == manifest.ModeShared && e.comm.SharedSize() > 1 {
		win, err := e.setupWindow(ds, module)
		if err != nil {
			e.log.Warnw("shared-memory aggregation unavailable",
				"dataset", ds.Name, "error", err)
		} else {
			att.win = win
			if attacher, ok := module.(windowAttacher); ok {
				attacher.AttachWindow(ds, win)
			}
		}
	}

	e.mu.Lock()
	e.attached[ds] = att
	e.mu.Unlock()

	ds.SetState(dataset.StateOpen)

	e.log.Infow("opened dataset", "dataset", ds.Name, "id", ds.ID,
		"root", ds.DataRoot, "mode", ds.Mode, "file_mode", ds.FileMode)

	return nil
}

// setupWindow creates the aggregation window on the node master and
// attaches peers to it. Barriers order creation before attachment.
func (e *Engine) setupWindow(ds *dataset.Dataset, module backend.Module) (*sharedmem.Window, error) {
	path := module.DatasetPath(ds.Name, ds.ID) + "/.shm_window"

	var win *sharedmem.Window
	var err error

	if e.comm.Rank() == e.comm.SharedMaster() {
		win, err = sharedmem.Create(path, e.comm.SharedMaster(), sharedmem.DefaultBufferSize)
	}

	if berr := e.comm.Barrier(); berr != nil {
		return nil, berr
	}

	if e.comm.Rank() != e.comm.SharedMaster() {
		win, err = sharedmem.Open(path)
	}

	if berr := e.comm.Barrier(); berr != nil {
		return nil, berr
	}

	return win, err
}

// attachmentFor returns the open dataset's attachment.
func (e *Engine) attachmentFor(ds *dataset.Dataset) (*attachment, error) {
	e.mu.Lock()
	att := e.attached[ds]
	e.mu.Unlock()

	if att == nil {
		return nil, errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"dataset is not open").WithDataset(ds.Name, ds.ID)
	}
	return att, nil
}

// OpenElement opens (allocating on first use) an element of an open
// dataset. The operation is local.
func (e *Engine) OpenElement(ds *dataset.Dataset, identifier string) (*dataset.Element, error) {
	if e.closed.Load() {
		return nil, errEngineClosed
	}

	element, err := ds.OpenElement(identifier)
	if err != nil {
		e.estack.PushError(err)
		return nil, err
	}
	return element, nil
}

// WriteNB queues a non-blocking element write. The data slice must stay
// valid until the request completes at a flush or wait.
func (e *Engine) WriteNB(element *dataset.Element, offset uint64, data []byte, handle *dataset.Handle) error {
	ds := element.Dataset()

	if ds.Flags&(dataset.FlagWrite|dataset.FlagCreate) == 0 {
		err := errors.NewDatasetError(nil, errors.ErrorCodePerm,
			"dataset is not open for writing").
			WithDataset(ds.Name, ds.ID).WithElement(element.Identifier)
		e.estack.PushError(err)
		return err
	}

	att, err := e.attachmentFor(ds)
	if err != nil {
		return err
	}

	ds.Stats.WriteCount.Add(1)

	return ds.Buffer.Queue(ds, att.module, &dataset.Request{
		Element:   element,
		Write:     true,
		AppOffset: offset,
		Data:      data,
		Handle:    handle,
	})
}

// ReadNB queues a non-blocking element read into the given buffer.
func (e *Engine) ReadNB(element *dataset.Element, offset uint64, buf []byte, handle *dataset.Handle) error {
	ds := element.Dataset()

	att, err := e.attachmentFor(ds)
	if err != nil {
		return err
	}

	ds.Stats.ReadCount.Add(1)

	return ds.Buffer.Queue(ds, att.module, &dataset.Request{
		Element:   element,
		Write:     false,
		AppOffset: offset,
		Data:      buf,
		Handle:    handle,
	})
}

// Flush drains the dataset's request buffer into the backend.
func (e *Engine) Flush(ds *dataset.Dataset) error {
	att, err := e.attachmentFor(ds)
	if err != nil {
		return err
	}
	return ds.Buffer.Flush(ds, att.module)
}

// Wait drives a request handle to completion, flushing the dataset buffer
// if the handle is still pending, and returns the transfer outcome.
func (e *Engine) Wait(ds *dataset.Dataset, handle *dataset.Handle) (int64, error) {
	if !handle.Done() {
		if err := e.Flush(ds); err != nil {
			return 0, err
		}
	}
	return handle.Wait()
}

// CloseDataset closes an open dataset. The call is collective and acts as a
// barrier: pending requests are flushed, per-rank manifests are gathered
// and merged to rank 0, rank 0 persists the combined manifest atomically,
// and the result is scattered back so every rank holds the committed view.
func (e *Engine) CloseDataset(ds *dataset.Dataset) error {
	if e.closed.Load() {
		return errEngineClosed
	}

	if ds.State() != dataset.StateOpen {
		err := errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"dataset close requires an open dataset").
			WithDataset(ds.Name, ds.ID).
			WithDetail("state", ds.State().String())
		e.estack.PushError(err)
		return err
	}

	att, err := e.attachmentFor(ds)
	if err != nil {
		return err
	}

	ds.SetState(dataset.StateClosing)

	var localErr error

	// Quiesce: any element left open is closed for the application, then
	// the buffer drains.
	for _, element := range ds.Elements() {
		if element.OpenCount() > 0 {
			e.log.Warnw("element still open at dataset close",
				"dataset", ds.Name, "element", element.Identifier)
			element.ForceClose()
		}
	}

	if err := ds.Buffer.Flush(ds, att.module); err != nil {
		localErr = err
	}

	ds.MTime = uint64(time.Now().Unix())

	writable := ds.Flags&(dataset.FlagWrite|dataset.FlagCreate) != 0

	var code errors.ErrorCode
	if writable {
		code, err = e.commit(ds, att, localErr)
	} else {
		code, err = collective.ReduceCode(e.comm, errors.GetErrorCode(localErr))
	}
	if err != nil {
		ds.SetState(dataset.StateErrored)
		e.estack.PushError(err)
		return err
	}

	e.detach(ds, att)

	if code != errors.ErrorCodeSuccess {
		ds.SetState(dataset.StateErrored)
		err := errors.NewDatasetError(nil, code, "dataset close failed").
			WithDataset(ds.Name, ds.ID)
		e.estack.PushError(err)
		return err
	}

	ds.SetState(dataset.StateClosed)

	// Update the persistent per-name record now that the id committed.
	if writable && ds.Data != nil {
		ds.Data.LastID = ds.ID
		written := ds.Stats.BytesWritten.Load()
		ds.Data.Instances++
		if ds.Data.Instances == 1 {
			ds.Data.AverageSize = written
		} else {
			ds.Data.AverageSize = (ds.Data.AverageSize*(ds.Data.Instances-1) + written) / ds.Data.Instances
		}
	}

	e.log.Infow("closed dataset", "dataset", ds.Name, "id", ds.ID,
		"bytes_written", ds.Stats.BytesWritten.Load(),
		"bytes_read", ds.Stats.BytesRead.Load())

	return nil
}

// commit runs the gather, persist, scatter sequence of a writable close and
// returns the group-wide result code.
func (e *Engine) commit(ds *dataset.Dataset, att *attachment, localErr error) (errors.ErrorCode, error) {
	local, err := manifest.Serialize(ds.BuildManifest(), e.opts.Compress)
	if err != nil && localErr == nil {
		localErr = err
	}

	combined, gatherErr := collective.GatherManifest(e.comm, local, e.log)
	if gatherErr != nil && localErr == nil {
		localErr = gatherErr
	}

	// All ranks agree on the worst pre-persist result; rank 0 skips the
	// persist when the group already failed.
	code, err := collective.ReduceCode(e.comm, errors.GetErrorCode(localErr))
	if err != nil {
		return errors.ErrorCodeGeneric, err
	}

	if e.comm.Rank() == 0 && code == errors.ErrorCodeSuccess {
		path := att.module.ManifestPath(ds.Name, ds.ID)
		if e.opts.Compress {
			path += ".bz2"
		}
		if err := filesys.WriteFileAtomic(path, 0o644, combined); err != nil {
			persistErr := errors.ClassifyPathError(err, path, "manifest_persist")
			e.estack.PushError(persistErr)
			code = persistErr.Code()
		}
	}

	var result collective.ScatterResult
	if ds.Mode == manifest.ModeUnique {
		result, err = collective.ScatterUnique(e.comm, combined, code,
			int64(ds.Flags), ds.StripeCount, ds.StripeSize)
	} else {
		result, err = collective.ScatterManifest(e.comm, combined, code,
			int64(ds.Flags), ds.StripeCount, ds.StripeSize)
	}
	if err != nil {
		return errors.ErrorCodeGeneric, err
	}

	if result.Code != errors.ErrorCodeSuccess {
		return result.Code, nil
	}

	ds.StripeCount = result.StripeCount
	ds.StripeSize = result.StripeSize

	if len(result.Manifest) > 0 {
		m, err := manifest.Deserialize(result.Manifest)
		if err != nil {
			return errors.GetErrorCode(err), nil
		}
		if err := ds.ApplyManifest(m); err != nil {
			return errors.GetErrorCode(err), nil
		}
		ds.Status = m.Status
	}

	return errors.ErrorCodeSuccess, nil
}

// detach releases backend state and the aggregation window.
func (e *Engine) detach(ds *dataset.Dataset, att *attachment) {
	if err := att.module.CloseDataset(ds); err != nil {
		e.log.Warnw("error releasing backend state", "dataset", ds.Name, "error", err)
	}

	// The barrier condition must be evaluated identically on every rank,
	// even on ranks whose window setup failed.
	if ds.FileMode == manifest.FileModeOptimized &&
		ds.Mode == manifest.ModeShared && e.comm.SharedSize() > 1 {
		// Peers unmap before the master removes the backing file.
		if att.win != nil && e.comm.Rank() != e.comm.SharedMaster() {
			att.win.Close()
		}
		e.comm.Barrier()
		if att.win != nil && e.comm.Rank() == e.comm.SharedMaster() {
			att.win.Close()
		}
	}

	e.mu.Lock()
	delete(e.attached, ds)
	e.mu.Unlock()
}

// Free releases a dataset object. Open datasets cannot be freed.
func (e *Engine) Free(ds *dataset.Dataset) error {
	switch ds.State() {
	case dataset.StateOpen, dataset.StateClosing:
		err := errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"cannot free an open dataset").WithDataset(ds.Name, ds.ID)
		e.estack.PushError(err)
		return err
	}

	e.mu.Lock()
	delete(e.attached, ds)
	e.mu.Unlock()

	return nil
}

// Unlink removes a committed dataset id from every data root that holds it.
func (e *Engine) Unlink(name string, id int64) error {
	if e.closed.Load() {
		return errEngineClosed
	}

	found := false
	var errs error

	for _, module := range e.modules {
		err := module.Unlink(name, id)
		if err == nil {
			found = true
			continue
		}
		if errors.GetErrorCode(err) != errors.ErrorCodeNotFound {
			errs = multierr.Append(errs, err)
		}
	}

	if errs != nil {
		e.estack.PushError(errs)
		return errs
	}

	if !found {
		err := errors.NewDatasetError(nil, errors.ErrorCodeNotFound,
			"dataset id not found on any data root").WithDataset(name, id)
		e.estack.PushError(err)
		return err
	}

	return nil
}

// Close shuts the engine down. Datasets must be closed and freed first.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return errEngineClosed
	}

	e.mu.Lock()
	open := len(e.attached)
	e.mu.Unlock()

	if open != 0 {
		return errors.NewBaseError(nil, errors.ErrorCodeBadParam,
			"context torn down with outstanding datasets").
			WithDetail("open_datasets", open)
	}

	return nil
}
