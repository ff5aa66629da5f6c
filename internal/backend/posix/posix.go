// Package posix implements the POSIX storage backend: datasets live as
// directories under a data root, element data as plain files written with
// positioned I/O, and the manifest alongside them.
//
// Two physical layouts are supported. Basic mode writes one file per
// element per rank at the element's own offsets, so no placement records
// are needed. Optimized mode stripes all of a rank's element data into
// shared stripe files: writers reserve block-aligned regions by bumping an
// offset counter (node-shared when ranks aggregate through a shared-memory
// window), carve their payload into the reservation, and record one segment
// per carve on the element's segment index.
package posix

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hpcio/hio/internal/backend"
	"github.com/hpcio/hio/internal/dataset"
	"github.com/hpcio/hio/internal/sharedmem"
	"github.com/hpcio/hio/pkg/errors"
	"github.com/hpcio/hio/pkg/filesys"
)

// ModuleName identifies this backend.
const ModuleName = "posix"

// MaxOpenFiles bounds the number of simultaneously open descriptors per
// dataset. Least-recently-used files are closed on demand.
const MaxOpenFiles = 32

func init() {
	backend.Register(ModuleName, func(root string, config *backend.Config) (backend.Module, error) {
		return New(root, config)
	})
}

// Module is one POSIX backend instance serving one data root.
type Module struct {
	root       string
	context    string
	accessMode os.FileMode
	log        *zap.SugaredLogger

	mu    sync.Mutex
	state map[*dataset.Dataset]*datasetState
}

// New creates a module for the given data root. The root directory itself
// must already exist; everything below it is created on demand.
func New(root string, config *backend.Config) (*Module, error) {
	if config == nil || config.Context == "" || config.Logger == nil {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"backend configuration is required").
			WithField("config").WithRule("required")
	}

	mode := os.FileMode(config.AccessMode)
	if mode == 0 {
		mode = 0o755
	}

	return &Module{
		root:       root,
		context:    config.Context,
		accessMode: mode,
		log:        config.Logger,
		state:      make(map[*dataset.Dataset]*datasetState),
	}, nil
}

// Name returns the backend name.
func (m *Module) Name() string { return ModuleName }

// Root returns the data root this module serves.
func (m *Module) Root() string { return m.root }

// DatasetPath returns the directory one dataset id lives under.
func (m *Module) DatasetPath(name string, id int64) string {
	return filepath.Join(m.root, m.context, name, strconv.FormatInt(id, 10))
}

// ManifestPath returns the uncompressed manifest path for a dataset id.
func (m *Module) ManifestPath(name string, id int64) string {
	return filepath.Join(m.DatasetPath(name, id), "manifest.json")
}

// ListIDs enumerates committed and in-progress dataset ids for a name.
func (m *Module) ListIDs(name string) ([]int64, error) {
	entries, err := os.ReadDir(filepath.Join(m.root, m.context, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.ClassifyPathError(err, name, "list_ids")
	}

	var ids []int64
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// OpenDataset prepares local state: the dataset directory tree when the
// dataset is writable, the descriptor cache, and the filesystem attribute.
func (m *Module) OpenDataset(ds *dataset.Dataset) error {
	// The data root itself must pre-exist; a missing or unreadable root is
	// what triggers fallback to the next root.
	info, err := os.Stat(m.root)
	if err != nil {
		return errors.ClassifyPathError(err, m.root, "open_dataset").
			WithDataRoot(m.root)
	}
	if !info.IsDir() {
		return errors.NewStorageError(nil, errors.ErrorCodeBadParam,
			"data root is not a directory").
			WithPath(m.root).WithDataRoot(m.root)
	}

	basePath := m.DatasetPath(ds.Name, ds.ID)

	if ds.Flags&(dataset.FlagWrite|dataset.FlagCreate) != 0 {
		if err := filesys.CreateDir(basePath, m.accessMode); err != nil {
			return errors.ClassifyPathError(err, basePath, "open_dataset").
				WithDataRoot(m.root)
		}
	} else {
		exists, err := filesys.Exists(basePath)
		if err != nil {
			return errors.ClassifyPathError(err, basePath, "open_dataset").
				WithDataRoot(m.root)
		}
		if !exists {
			return errors.NewStorageError(nil, errors.ErrorCodeNotFound,
				"dataset does not exist on data root").
				WithPath(basePath).WithDataRoot(m.root)
		}
	}

	state := &datasetState{basePath: basePath}
	state.files.Resize(MaxOpenFiles)

	ds.FsType = detectFilesystem(m.root)
	ds.DataRoot = m.root

	m.mu.Lock()
	m.state[ds] = state
	m.mu.Unlock()

	m.log.Debugw("opened dataset", "dataset", ds.Name, "id", ds.ID,
		"root", m.root, "fs_type", ds.FsType, "file_mode", ds.FileMode)

	return nil
}

// AttachWindow hands the node-shared aggregation window to the dataset's
// backend state. In shared optimized mode the window's offset counter
// allocates stripe-file space across the node's ranks.
func (m *Module) AttachWindow(ds *dataset.Dataset, win *sharedmem.Window) {
	if state := m.datasetState(ds); state != nil {
		state.win = win
	}
}

// CloseDataset drops every cached descriptor and forgets the dataset.
func (m *Module) CloseDataset(ds *dataset.Dataset) error {
	m.mu.Lock()
	state := m.state[ds]
	delete(m.state, ds)
	m.mu.Unlock()

	if state == nil {
		return nil
	}

	var errs error
	state.mu.Lock()
	state.files.Range(func(_, value interface{}) bool {
		if file, ok := value.(*os.File); ok {
			errs = multierr.Append(errs, file.Close())
		}
		return true
	})
	state.files.Resize(MaxOpenFiles)
	state.mu.Unlock()

	if errs != nil {
		return errors.NewStorageError(errs, errors.ErrorCodeGeneric,
			"error closing dataset files").WithDataRoot(m.root)
	}

	return nil
}

// Unlink removes a dataset id from this root.
func (m *Module) Unlink(name string, id int64) error {
	path := m.DatasetPath(name, id)

	exists, err := filesys.Exists(path)
	if err != nil {
		return errors.ClassifyPathError(err, path, "unlink")
	}
	if !exists {
		return errors.NewStorageError(nil, errors.ErrorCodeNotFound,
			"dataset does not exist on data root").
			WithPath(path).WithDataRoot(m.root)
	}

	if err := filesys.DeleteDir(path); err != nil {
		return errors.ClassifyPathError(err, path, "unlink")
	}

	return nil
}

func (m *Module) datasetState(ds *dataset.Dataset) *datasetState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[ds]
}

// basicFileName names the per-element per-rank data file of basic mode.
func basicFileName(element *dataset.Element, rank int) string {
	if element.Rank >= 0 {
		rank = element.Rank
	}
	return fmt.Sprintf("element_data.%s.%d", sanitize(element.Identifier), rank)
}

// stripeFileName names an optimized-mode stripe file.
func stripeFileName(stripe int) string {
	return fmt.Sprintf("data.%05d", stripe)
}

// sanitize keeps element identifiers path-safe.
func sanitize(identifier string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, identifier)
}
