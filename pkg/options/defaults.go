package options

const (
	// DefaultBufferSize is the default request buffer budget (1 MiB).
	DefaultBufferSize uint64 = 1 << 20

	// DefaultBlockSize is the default stripe block size for optimized
	// datasets (1 MiB).
	DefaultBlockSize uint64 = 1 << 20

	// DefaultAccessMode is the permission mask for created directories
	// and data files.
	DefaultAccessMode uint32 = 0o755

	// DefaultVerbosity emits warnings and errors only.
	DefaultVerbosity = 1
)

// Holds the default configuration settings for an hio context.
var defaultOptions = Options{
	DataRoots:  nil,
	FileMode:   FileModeBasic,
	BlockSize:  DefaultBlockSize,
	BufferSize: DefaultBufferSize,
	AccessMode: DefaultAccessMode,
	Verbose:    DefaultVerbosity,
}

// NewDefaultOptions returns a copy of the default configuration.
func NewDefaultOptions() Options {
	opts := defaultOptions
	return opts
}
