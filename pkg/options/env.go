package options

import (
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// EnvPrefix is the prefix of environment variables recognized by the
// library. Config-file keys use the "hio." prefix instead; both name spaces
// share the same variable names.
const EnvPrefix = "MCA_HIO_"

// ConfigPrefix is the prefix of configuration-file keys.
const ConfigPrefix = "hio."

// ApplyVar applies one named configuration variable to the options. The name
// is given without any prefix. Unknown names return false; recognized names
// with unusable values are applied as no-ops and still return true.
func ApplyVar(o *Options, name, value string) bool {
	switch name {
	case "data_roots":
		WithDataRoots(value)(o)
	case "dataset_file_mode":
		WithFileMode(value)(o)
	case "dataset_block_size":
		if bytes, err := units.RAMInBytes(value); err == nil && bytes > 0 {
			o.BlockSize = uint64(bytes)
		}
	case "dataset_buffer_size":
		WithBufferSizeString(value)(o)
	case "dataset_expected_size":
		if bytes, err := units.RAMInBytes(value); err == nil && bytes >= 0 {
			o.ExpectedSize = uint64(bytes)
		}
	case "verbose", "debug":
		if level, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			WithVerbosity(level)(o)
		}
	case "dataset_filesystem_type":
		// Read-only: the filesystem type is detected at dataset open and
		// cannot be forced through configuration.
	default:
		return false
	}

	return true
}

// FromEnvironment overlays MCA_HIO_* environment variables onto the options.
// Environment values take precedence over config-file and programmatic
// settings, matching how batch systems inject per-job overrides.
func FromEnvironment(o *Options) {
	for _, kv := range os.Environ() {
		name, value, found := strings.Cut(kv, "=")
		if !found || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		ApplyVar(o, strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), value)
	}
}

// FromConfigLines overlays "hio."-prefixed key=value lines (one per line,
// '#' comments allowed) onto the options. Lines without the prefix or
// without '=' are skipped.
func FromConfigLines(o *Options, lines []string) {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if !strings.HasPrefix(name, ConfigPrefix) {
			continue
		}
		ApplyVar(o, strings.TrimPrefix(name, ConfigPrefix), strings.TrimSpace(value))
	}
}
