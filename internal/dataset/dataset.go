// Package dataset provides the in-memory dataset model: the named,
// id-stamped container of elements that is the unit of open/close and of
// manifest commit. A dataset tracks its elements and their segment indices,
// the file list its segments reference, the request buffer that aggregates
// element I/O, and per-instance statistics.
package dataset

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hpcio/hio/internal/manifest"
	"github.com/hpcio/hio/pkg/errors"
)

// Flag bits accepted at dataset allocation.
type Flag int

const (
	FlagRead Flag = 1 << iota
	FlagWrite
	FlagCreate
	FlagTruncate
	FlagAppend

	// FlagNonblock is accepted and kept in the dataset flags, but no
	// operation reads it: the blocking element calls still wait for their
	// own requests, and only the NB forms return before completion.
	FlagNonblock
)

// Sentinel dataset ids requesting automatic selection at open.
const (
	// IDNewest selects the id whose committed manifest has the latest
	// modification time.
	IDNewest int64 = -1

	// IDHighest selects the numerically largest committed id.
	IDHighest int64 = -2
)

// State tracks the dataset lifecycle.
type State int

const (
	// StateAllocated: created by Alloc, not yet opened.
	StateAllocated State = iota
	// StateOpen: open succeeded; element I/O is allowed.
	StateOpen
	// StateClosing: close in progress (flush, gather, persist).
	StateClosing
	// StateClosed: manifest committed and scattered.
	StateClosed
	// StateErrored: an irrecoverable I/O error occurred; only Free is
	// allowed.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "allocated"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Statistics are the per-instance performance counters of one dataset.
// They accumulate from open to close and feed the persistent per-name data
// kept by the context.
type Statistics struct {
	BytesRead    atomic.Uint64
	BytesWritten atomic.Uint64
	ReadCount    atomic.Uint64
	WriteCount   atomic.Uint64
}

// PersistentData is the per-dataset-name bookkeeping a context carries
// across dataset instances: the last id successfully committed and the
// average committed size. Stripe sizing does not read these values.
type PersistentData struct {
	Name        string
	LastID      int64
	AverageSize uint64
	Instances   uint64
}

// Dataset is one in-memory dataset instance on one rank.
type Dataset struct {
	mu sync.Mutex

	Name        string
	ID          int64
	RequestedID int64
	Flags       Flag
	Mode        string // manifest.ModeUnique or manifest.ModeShared
	FileMode    string // manifest.FileModeBasic or manifest.FileModeOptimized
	BlockSize   uint64
	Status      int64
	MTime       uint64

	// Rank and CommSize describe this rank's position in the participating
	// group at open time.
	Rank     int
	CommSize int

	// Filesystem attributes determined by the backend at open.
	FsType      string
	StripeCount int64
	StripeSize  int64

	// DataRoot is the root the dataset was successfully opened under.
	DataRoot string

	state State

	elements []*Element
	byName   map[string]*Element

	// Files is the dataset's ordered, deduplicated data file list. Segment
	// file indices point into it.
	Files []string

	Buffer *Buffer
	Stats  Statistics

	// Data points at the context's persistent per-name record.
	Data *PersistentData

	log *zap.SugaredLogger
}

// Config carries the parameters for allocating a dataset.
type Config struct {
	Name       string
	ID         int64
	Flags      Flag
	Mode       string
	FileMode   string
	BlockSize  uint64
	BufferSize uint64
	Rank       int
	CommSize   int
	Data       *PersistentData
	Logger     *zap.SugaredLogger
}

// Alloc creates a dataset in the allocated state.
func Alloc(config *Config) (*Dataset, error) {
	if config == nil || config.Name == "" || config.Logger == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"dataset configuration is required").
			WithField("config").WithRule("required").WithProvided(config)
	}

	if config.Mode != manifest.ModeUnique && config.Mode != manifest.ModeShared {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"unknown dataset mode").
			WithField("mode").WithProvided(config.Mode)
	}

	if config.ID < 0 && config.ID != IDNewest && config.ID != IDHighest {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"dataset id must be non-negative or a selection sentinel").
			WithField("id").WithProvided(config.ID)
	}

	ds := &Dataset{
		Name:        config.Name,
		ID:          config.ID,
		RequestedID: config.ID,
		Flags:       config.Flags,
		Mode:        config.Mode,
		FileMode:    config.FileMode,
		BlockSize:   config.BlockSize,
		Rank:        config.Rank,
		CommSize:    config.CommSize,
		FsType:      "default",
		state:       StateAllocated,
		byName:      make(map[string]*Element),
		Data:        config.Data,
		log:         config.Logger,
	}
	ds.Buffer = newBuffer(config.BufferSize)

	return ds, nil
}

// State returns the dataset's lifecycle state.
func (ds *Dataset) State() State {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.state
}

// SetState transitions the dataset's lifecycle state.
func (ds *Dataset) SetState(state State) {
	ds.mu.Lock()
	ds.state = state
	ds.mu.Unlock()
}

// Log returns the dataset's logger.
func (ds *Dataset) Log() *zap.SugaredLogger {
	return ds.log
}

// AddFile records a data file name, deduplicating by string equality, and
// returns its index in the dataset file list.
func (ds *Dataset) AddFile(name string) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.addFileLocked(name)
}

func (ds *Dataset) addFileLocked(name string) int {
	for i, existing := range ds.Files {
		if existing == name {
			return i
		}
	}
	ds.Files = append(ds.Files, name)
	return len(ds.Files) - 1
}

// Elements returns the dataset's elements in allocation order.
func (ds *Dataset) Elements() []*Element {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	out := make([]*Element, len(ds.elements))
	copy(out, ds.elements)
	return out
}

// elementKey scopes element names by rank in unique mode, so that applying
// a combined manifest never collides entries from different ranks.
func (ds *Dataset) elementKey(identifier string, rank int) string {
	if ds.Mode == manifest.ModeUnique {
		return identifier + "\x00" + itoa(rank)
	}
	return identifier
}

// OpenElement returns the named element, allocating it on first open. The
// open count is incremented; element close decrements it. In unique mode the
// element is silently scoped to this rank.
func (ds *Dataset) OpenElement(identifier string) (*Element, error) {
	if identifier == "" {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"element identifier is required").
			WithField("identifier").WithRule("required")
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state != StateOpen {
		return nil, errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"element open requires an open dataset").
			WithDataset(ds.Name, ds.ID).WithElement(identifier)
	}

	rank := -1
	if ds.Mode == manifest.ModeUnique {
		rank = ds.Rank
	}

	key := ds.elementKey(identifier, rank)
	element, ok := ds.byName[key]
	if !ok {
		element = newElement(ds, identifier, rank)
		ds.byName[key] = element
		ds.elements = append(ds.elements, element)
	}

	element.openCount++
	return element, nil
}

// lookupOrAddElement is the non-counting variant used when applying a
// manifest.
func (ds *Dataset) lookupOrAddElement(identifier string, rank int) *Element {
	key := ds.elementKey(identifier, rank)
	element, ok := ds.byName[key]
	if !ok {
		element = newElement(ds, identifier, rank)
		ds.byName[key] = element
		ds.elements = append(ds.elements, element)
	}
	return element
}

// BuildManifest serializes the dataset's in-memory state into a manifest
// tree. Basic-mode datasets record elements without segments.
func (ds *Dataset) BuildManifest() *manifest.Manifest {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	m := manifest.New(ds.Name, ds.ID, ds.Mode, ds.FileMode, ds.CommSize)
	m.Status = ds.Status
	m.MTime = ds.MTime
	if ds.FileMode == manifest.FileModeOptimized {
		m.BlockSize = ds.BlockSize
	}

	for _, name := range ds.Files {
		m.AddFile(name)
	}

	for _, element := range ds.elements {
		entry := &manifest.Element{
			Identifier: element.Identifier,
			Size:       element.Size(),
		}
		if ds.Mode == manifest.ModeUnique {
			rank := element.Rank
			entry.Rank = &rank
		}
		if ds.FileMode == manifest.FileModeOptimized {
			entry.Segments = element.index.Segments()
		}
		m.AddElement(entry)
	}

	return m
}

// ApplyManifest populates the dataset from a parsed manifest. In unique mode
// only the elements owned by this rank are materialized; an element entry
// without a rank is rejected without side effects. Element sizes only grow,
// and incoming segments are merged into the element indices.
func (ds *Dataset) ApplyManifest(m *manifest.Manifest) error {
	if m.Mode != ds.Mode {
		return errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"mismatch in dataset mode").
			WithDataset(ds.Name, ds.ID).
			WithDetail("requested", ds.Mode).
			WithDetail("actual", m.Mode)
	}

	if ds.Mode == manifest.ModeUnique && m.CommSize != 0 && m.CommSize != ds.CommSize {
		return errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
			"communicator size does not match dataset").
			WithDataset(ds.Name, ds.ID).
			WithDetail("manifest", m.CommSize).
			WithDetail("group", ds.CommSize)
	}

	if ds.Mode == manifest.ModeUnique {
		for _, entry := range m.Elements {
			if entry.Rank == nil {
				return errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
					"manifest element missing rank property").
					WithDataset(ds.Name, ds.ID).WithElement(entry.Identifier)
			}
		}
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	ds.FileMode = m.FileMode
	if m.BlockSize != 0 {
		ds.BlockSize = m.BlockSize
	}
	ds.Status = m.Status
	if m.MTime != 0 {
		ds.MTime = m.MTime
	}

	// The manifest file list becomes the dataset file list; incoming
	// segment indices are positions in it.
	fileMap := make([]int, len(m.Files))
	for i, name := range m.Files {
		fileMap[i] = ds.addFileLocked(name)
	}

	for _, entry := range m.Elements {
		rank := -1
		if ds.Mode == manifest.ModeUnique {
			if entry.Rank == nil {
				return errors.NewDatasetError(nil, errors.ErrorCodeBadParam,
					"manifest element missing rank property").
					WithDataset(ds.Name, ds.ID).WithElement(entry.Identifier)
			}
			if *entry.Rank != ds.Rank {
				// Another rank's private element. Nothing to do.
				continue
			}
			rank = *entry.Rank
		}

		element := ds.lookupOrAddElement(entry.Identifier, rank)

		element.setSize(entry.Size)

		for _, seg := range entry.Segments {
			element.AddSegment(fileMap[seg.FileIndex], seg.FileOffset,
				seg.AppOffset, seg.Length)
		}
	}

	return nil
}

// itoa avoids pulling strconv into the hot element-key path for small ranks.
func itoa(v int) string {
	if v < 0 {
		return "-" + itoa(-v)
	}
	if v < 10 {
		return string(rune('0' + v))
	}
	return itoa(v/10) + string(rune('0'+v%10))
}
