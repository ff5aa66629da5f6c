package options

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	opts := NewDefaultOptions()

	require.Empty(t, opts.DataRoots)
	require.Equal(t, FileModeBasic, opts.FileMode)
	require.EqualValues(t, 1<<20, opts.BufferSize)
	require.EqualValues(t, 1<<20, opts.BlockSize)
	require.Equal(t, 1, opts.Verbose)
}

func TestWithDataRootsSplitsOnColon(t *testing.T) {
	opts := NewDefaultOptions()

	WithDataRoots("/mnt/bb:/lustre/scratch: ")(&opts)
	require.Equal(t, []string{"/mnt/bb", "/lustre/scratch"}, opts.DataRoots)

	// Empty input leaves the list untouched.
	WithDataRoots("")(&opts)
	require.Equal(t, []string{"/mnt/bb", "/lustre/scratch"}, opts.DataRoots)
}

func TestWithFileModeIgnoresUnknown(t *testing.T) {
	opts := NewDefaultOptions()

	WithFileMode("optimized")(&opts)
	require.Equal(t, FileModeOptimized, opts.FileMode)

	WithFileMode("bogus")(&opts)
	require.Equal(t, FileModeOptimized, opts.FileMode)

	WithFileMode(" Basic ")(&opts)
	require.Equal(t, FileModeBasic, opts.FileMode)
}

func TestWithBufferSizeString(t *testing.T) {
	opts := NewDefaultOptions()

	WithBufferSizeString("4KiB")(&opts)
	require.EqualValues(t, 4096, opts.BufferSize)

	WithBufferSizeString("not-a-size")(&opts)
	require.EqualValues(t, 4096, opts.BufferSize)
}

func TestWithVerbosityClamps(t *testing.T) {
	opts := NewDefaultOptions()

	WithVerbosity(99)(&opts)
	require.Equal(t, 5, opts.Verbose)

	WithVerbosity(-3)(&opts)
	require.Equal(t, 0, opts.Verbose)
}

func TestApplyVar(t *testing.T) {
	opts := NewDefaultOptions()

	require.True(t, ApplyVar(&opts, "data_roots", "/a:/b"))
	require.Equal(t, []string{"/a", "/b"}, opts.DataRoots)

	require.True(t, ApplyVar(&opts, "dataset_file_mode", "optimized"))
	require.Equal(t, FileModeOptimized, opts.FileMode)

	require.True(t, ApplyVar(&opts, "dataset_buffer_size", "2MiB"))
	require.EqualValues(t, 2<<20, opts.BufferSize)

	require.True(t, ApplyVar(&opts, "dataset_block_size", "64KiB"))
	require.EqualValues(t, 64<<10, opts.BlockSize)

	require.True(t, ApplyVar(&opts, "verbose", "4"))
	require.Equal(t, 4, opts.Verbose)

	// Read-only variables are recognized but not applied.
	require.True(t, ApplyVar(&opts, "dataset_filesystem_type", "lustre"))

	require.False(t, ApplyVar(&opts, "no_such_variable", "1"))
}

func TestFromEnvironment(t *testing.T) {
	t.Setenv("MCA_HIO_data_roots", "/env/root")
	t.Setenv("MCA_HIO_verbose", "3")
	t.Setenv("UNRELATED", "x")

	opts := NewDefaultOptions()
	FromEnvironment(&opts)

	require.Equal(t, []string{"/env/root"}, opts.DataRoots)
	require.Equal(t, 3, opts.Verbose)
}

func TestFromConfigLines(t *testing.T) {
	opts := NewDefaultOptions()

	FromConfigLines(&opts, []string{
		"# comment",
		"",
		"hio.data_roots = /cfg/a:/cfg/b",
		"hio.dataset_buffer_size = 8KiB",
		"other.key = ignored",
		"malformed line",
	})

	require.Equal(t, []string{"/cfg/a", "/cfg/b"}, opts.DataRoots)
	require.EqualValues(t, 8192, opts.BufferSize)
}
