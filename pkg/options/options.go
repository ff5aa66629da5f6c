// Package options provides data structures and functions for configuring
// the hio library. It defines the parameters that control dataset placement,
// file layout, buffering, and verbosity, such as the ordered data-root list,
// the file mode, and the aggregation buffer size.
package options

import (
	"strings"

	"github.com/docker/go-units"
)

// FileMode selects the physical layout of a dataset's data files.
type FileMode string

const (
	// FileModeBasic writes one physical file per element per rank. No
	// manifest segments are needed to reconstruct the byte stream.
	FileModeBasic FileMode = "basic"

	// FileModeOptimized stripes element data across shared files and
	// records explicit segments in the manifest.
	FileModeOptimized FileMode = "optimized"
)

// FilesystemType identifies the filesystem a dataset resides on. The value
// is detected at dataset open and exposed as a read-only attribute.
type FilesystemType string

const (
	FilesystemDefault  FilesystemType = "default"
	FilesystemLustre   FilesystemType = "lustre"
	FilesystemGPFS     FilesystemType = "gpfs"
	FilesystemDataWarp FilesystemType = "datawarp"
)

// Options defines the configuration parameters for an hio context and its
// datasets. Values come from defaults, functional options, config-file keys
// with the "hio." prefix, and MCA_HIO_* environment variables, in that order
// of increasing precedence.
type Options struct {
	// DataRoots is the ordered fallback list of storage paths. Dataset open
	// tries each in turn and falls through transparently on irrecoverable
	// failure.
	DataRoots []string `json:"dataRoots"`

	// FileMode selects basic or optimized file layout for new datasets.
	FileMode FileMode `json:"datasetFileMode"`

	// BlockSize is the stripe block size in bytes. Only meaningful in
	// optimized file mode.
	BlockSize uint64 `json:"datasetBlockSize"`

	// BufferSize is the byte budget of the per-dataset request buffer used
	// to aggregate read and write operations.
	BufferSize uint64 `json:"datasetBufferSize"`

	// ExpectedSize is a hint of the expected global size of a dataset.
	ExpectedSize uint64 `json:"datasetExpectedSize"`

	// AccessMode is the permission bits applied to directories and files
	// created under a data root.
	AccessMode uint32 `json:"accessMode"`

	// Verbose sets the logging verbosity, 0..5.
	Verbose int `json:"verbose"`

	// Compress controls whether manifests are bzip2 compressed when saved.
	Compress bool `json:"compressManifests"`
}

// OptionFunc is a function type that modifies the configuration.
type OptionFunc func(*Options)

// WithDataRoots sets the ordered data-root fallback list from a
// colon-separated path string.
func WithDataRoots(roots string) OptionFunc {
	return func(o *Options) {
		roots = strings.TrimSpace(roots)
		if roots == "" {
			return
		}
		o.DataRoots = o.DataRoots[:0]
		for _, root := range strings.Split(roots, ":") {
			if root = strings.TrimSpace(root); root != "" {
				o.DataRoots = append(o.DataRoots, root)
			}
		}
	}
}

// WithFileMode sets the dataset file mode. Unknown values are ignored.
func WithFileMode(mode string) OptionFunc {
	return func(o *Options) {
		switch FileMode(strings.ToLower(strings.TrimSpace(mode))) {
		case FileModeBasic:
			o.FileMode = FileModeBasic
		case FileModeOptimized:
			o.FileMode = FileModeOptimized
		}
	}
}

// WithBlockSize sets the stripe block size for optimized datasets.
func WithBlockSize(size uint64) OptionFunc {
	return func(o *Options) {
		if size > 0 {
			o.BlockSize = size
		}
	}
}

// WithBufferSize sets the request buffer byte budget.
func WithBufferSize(size uint64) OptionFunc {
	return func(o *Options) {
		if size > 0 {
			o.BufferSize = size
		}
	}
}

// WithBufferSizeString sets the request buffer byte budget from a
// human-readable size such as "1MiB". Unparseable values are ignored.
func WithBufferSizeString(size string) OptionFunc {
	return func(o *Options) {
		bytes, err := units.RAMInBytes(size)
		if err == nil && bytes > 0 {
			o.BufferSize = uint64(bytes)
		}
	}
}

// WithExpectedSize sets the expected global dataset size hint.
func WithExpectedSize(size uint64) OptionFunc {
	return func(o *Options) {
		o.ExpectedSize = size
	}
}

// WithVerbosity sets the logging verbosity, clamped to 0..5.
func WithVerbosity(verbose int) OptionFunc {
	return func(o *Options) {
		if verbose < 0 {
			verbose = 0
		}
		if verbose > 5 {
			verbose = 5
		}
		o.Verbose = verbose
	}
}

// WithCompression controls bzip2 compression of saved manifests.
func WithCompression(enabled bool) OptionFunc {
	return func(o *Options) {
		o.Compress = enabled
	}
}
