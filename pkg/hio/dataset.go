package hio

import (
	"github.com/hpcio/hio/internal/dataset"
	"github.com/hpcio/hio/internal/manifest"
	"github.com/hpcio/hio/pkg/errors"
)

// Flag bits for dataset allocation.
const (
	FlagRead     = dataset.FlagRead
	FlagWrite    = dataset.FlagWrite
	FlagCreate   = dataset.FlagCreate
	FlagTruncate = dataset.FlagTruncate
	FlagAppend   = dataset.FlagAppend

	// FlagNonblock is accepted and kept in the dataset flags but changes
	// no behaviour: Write and Read still block, and only the NB forms
	// return before completion.
	FlagNonblock = dataset.FlagNonblock
)

// Dataset modes.
const (
	// ModeUnique gives each rank a private copy of every element name.
	ModeUnique = manifest.ModeUnique

	// ModeShared makes all ranks write into one logical element
	// namespace.
	ModeShared = manifest.ModeShared
)

// Sentinel dataset ids for automatic selection at open.
const (
	IDNewest  = dataset.IDNewest
	IDHighest = dataset.IDHighest
)

// FlushMode selects how much durability a dataset flush provides.
type FlushMode int

const (
	// FlushModeLocal drains the request buffer so user buffers can be
	// reused. Data may still be in flight to the backing store.
	FlushModeLocal FlushMode = iota

	// FlushModeComplete drains the request buffer and hands everything to
	// the backing store before returning.
	FlushModeComplete
)

// Dataset is a named, id-stamped container of elements. Open and Close are
// collective across the context's participating group; element operations
// are local.
type Dataset struct {
	ctx   *Context
	inner *dataset.Dataset
}

// DatasetAlloc allocates a dataset handle. The id is either a non-negative
// instance number or one of the selection sentinels IDNewest and IDHighest.
func (c *Context) DatasetAlloc(name string, id int64, flags dataset.Flag, mode string) (*Dataset, error) {
	ds, err := c.engine.Alloc(name, id, flags, mode)
	if err != nil {
		return nil, err
	}
	return &Dataset{ctx: c, inner: ds}, nil
}

// Open opens the dataset. Collective: every rank of the participating
// group must call it.
func (d *Dataset) Open() error {
	return d.ctx.engine.Open(d.inner)
}

// Close commits and closes the dataset. Collective and a synchronization
// barrier: it returns on any rank only after every rank has entered it,
// and the worst result code across the group becomes the result on every
// rank.
func (d *Dataset) Close() error {
	return d.ctx.engine.CloseDataset(d.inner)
}

// Free releases the dataset handle. The handle must be closed (or never
// opened) first.
func (d *Dataset) Free() error {
	if d.inner == nil {
		return nil
	}
	err := d.ctx.engine.Free(d.inner)
	if err == nil {
		// Drop the reference regardless of later misuse so a double free
		// cannot resurrect engine state.
		d.inner = nil
	}
	return err
}

// ID returns the dataset id. After an open with a selection sentinel this
// is the resolved id.
func (d *Dataset) ID() int64 {
	return d.inner.ID
}

// Status returns the dataset's committed status code.
func (d *Dataset) Status() int64 {
	return d.inner.Status
}

// FilesystemType returns the detected filesystem type of the data root the
// dataset was opened under. Read-only.
func (d *Dataset) FilesystemType() string {
	return d.inner.FsType
}

// DataRoot returns the data root the dataset was opened under.
func (d *Dataset) DataRoot() string {
	return d.inner.DataRoot
}

// BytesWritten returns the number of bytes written in this dataset
// instance.
func (d *Dataset) BytesWritten() uint64 {
	return d.inner.Stats.BytesWritten.Load()
}

// BytesRead returns the number of bytes read in this dataset instance.
func (d *Dataset) BytesRead() uint64 {
	return d.inner.Stats.BytesRead.Load()
}

// Flush drains pending element requests. With FlushModeComplete the data
// has been handed to the backing store when the call returns.
func (d *Dataset) Flush(mode FlushMode) error {
	// Both modes drain the buffer synchronously; the backend performs the
	// physical I/O before ProcessRequests returns, so local and complete
	// coincide for the POSIX backend.
	_ = mode
	return d.ctx.engine.Flush(d.inner)
}

// ElementOpen opens (allocating on first use) the named element. Local. In
// shared mode all ranks open the same name; in unique mode the name is
// silently scoped to this rank.
func (d *Dataset) ElementOpen(identifier string) (*Element, error) {
	element, err := d.ctx.engine.OpenElement(d.inner, identifier)
	if err != nil {
		return nil, err
	}
	return &Element{ctx: d.ctx, ds: d, inner: element}, nil
}

// state guard shared by element operations.
func (d *Dataset) ensureOpen() error {
	if d.inner == nil || d.inner.State() != dataset.StateOpen {
		return errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"dataset is not open")
	}
	return nil
}
