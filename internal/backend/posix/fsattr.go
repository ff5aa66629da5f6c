package posix

import (
	"strings"

	"golang.org/x/sys/unix"
)

// Filesystem magic numbers as reported by statfs.
const (
	lustreMagic = 0x0BD00BD0
	gpfsMagic   = 0x47504653
)

// dataWarpMountPrefix is where Cray DataWarp instances are mounted.
const dataWarpMountPrefix = "/var/opt/cray/dws"

// detectFilesystem determines the filesystem type of a data root. The value
// is exposed as the read-only dataset_filesystem_type attribute.
func detectFilesystem(path string) string {
	if strings.HasPrefix(path, dataWarpMountPrefix) {
		return "datawarp"
	}

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "default"
	}

	switch uint32(st.Type) {
	case lustreMagic:
		return "lustre"
	case gpfsMagic:
		return "gpfs"
	}

	return "default"
}
