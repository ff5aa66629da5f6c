// Package backend defines the storage backend contract. A backend turns
// sorted request batches into physical I/O under one data root and owns the
// on-disk layout of datasets there. Backends register a factory under a
// data-root scheme at init; the engine instantiates one module per
// configured data root and selects among them by fallback order.
package backend

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/hpcio/hio/internal/dataset"
	"github.com/hpcio/hio/pkg/errors"
)

// Module is the capability set a storage backend provides. Every method is
// local to the calling rank; collective coordination stays in the engine.
type Module interface {
	// Name identifies the backend implementation.
	Name() string

	// Root returns the data root this module instance serves.
	Root() string

	// OpenDataset prepares local backend state for an allocated dataset:
	// directory creation, filesystem detection, descriptor bookkeeping.
	OpenDataset(ds *dataset.Dataset) error

	// ProcessRequests executes a batch of requests sorted by (element,
	// application offset). Implements dataset.Processor.
	ProcessRequests(ds *dataset.Dataset, reqs []*dataset.Request) error

	// CloseDataset releases local backend state for the dataset.
	CloseDataset(ds *dataset.Dataset) error

	// Unlink removes a committed dataset id from this root.
	Unlink(name string, id int64) error

	// DatasetPath returns the directory a dataset id lives under on this
	// root.
	DatasetPath(name string, id int64) string

	// ManifestPath returns the path of the dataset's uncompressed
	// manifest. The compressed variant carries an extra .bz2 extension.
	ManifestPath(name string, id int64) string

	// ListIDs enumerates the dataset ids present under this root for a
	// dataset name.
	ListIDs(name string) ([]int64, error)
}

// Config carries the parameters shared by all backend factories.
type Config struct {
	// Context is the hio context name; dataset paths are scoped by it.
	Context string

	// AccessMode is the permission bits for created directories and files.
	AccessMode uint32

	Logger *zap.SugaredLogger
}

// Factory builds a module serving one data root.
type Factory func(root string, config *Config) (Module, error)

var (
	registryMu sync.Mutex
	registry   = make(map[string]Factory)
)

// Register installs a factory under a data-root scheme. Called from backend
// package init functions.
func Register(scheme string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[scheme] = factory
}

// DefaultScheme is assumed for data roots given as bare paths.
const DefaultScheme = "posix"

// Create instantiates the module for one data root. Roots may carry an
// explicit "scheme:path" prefix; bare paths use the default scheme.
func Create(root string, config *Config) (Module, error) {
	scheme := DefaultScheme
	path := root

	if before, after, found := strings.Cut(root, ":"); found && strings.HasPrefix(after, "/") && before != "" && !strings.Contains(before, "/") {
		scheme = before
		path = after
	}

	registryMu.Lock()
	factory, ok := registry[scheme]
	registryMu.Unlock()

	if !ok {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeNotAvailable,
			"no backend registered for data root scheme").
			WithField("scheme").WithProvided(scheme)
	}

	return factory(path, config)
}
