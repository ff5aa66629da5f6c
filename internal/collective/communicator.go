// Package collective implements the manifest reduction protocol that runs
// at dataset close: a binary-tree gather of per-rank manifests into rank 0,
// merging along the way, followed by a broadcast of the combined manifest
// back to every participating rank.
//
// The communication substrate itself is out of scope for the library; the
// protocol is expressed against the Communicator interface, and an
// in-process implementation backed by channels ships for single-node runs
// and tests.
package collective

import (
	"encoding/binary"
)

// Message tags used by the manifest gather. The size message carries one
// 64-bit little-endian length; the data message carries the serialized
// manifest payload, possibly bzip2 compressed end to end.
const (
	TagManifestSize = 1001
	TagManifestData = 1002
)

// Communicator is the group communication contract the dataset engine
// needs. Rank 0 is always the root of collective operations. A communicator
// also describes the on-node sub-group used for shared-memory aggregation.
type Communicator interface {
	// Rank returns this process's rank in the group.
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Send delivers data to dst under the given tag. Matching is by
	// (source, tag) with FIFO ordering per pair.
	Send(dst, tag int, data []byte) error

	// Recv blocks until a message from src under tag arrives.
	Recv(src, tag int) ([]byte, error)

	// Bcast distributes root's data to every rank. Non-root callers pass
	// nil and receive the payload.
	Bcast(root int, data []byte) ([]byte, error)

	// AllreduceMin returns the minimum of value across all ranks.
	AllreduceMin(value int) (int, error)

	// AllreduceMaxInts element-wise maximizes a fixed-length vector across
	// all ranks. Every rank must pass the same length.
	AllreduceMaxInts(values []int) ([]int, error)

	// Barrier blocks until every rank has entered it.
	Barrier() error

	// SharedRank returns this rank's position in its on-node sub-group.
	SharedRank() int

	// SharedSize returns the size of the on-node sub-group.
	SharedSize() int

	// SharedMaster returns the global rank of the on-node master, elected
	// as the lowest global rank in the sub-group.
	SharedMaster() int
}

func encodeSize(size int64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(size))
	return buf[:]
}

func decodeSize(data []byte) int64 {
	if len(data) < 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(data))
}

func encodeHeader(header [5]int64) []byte {
	buf := make([]byte, 40)
	for i, value := range header {
		binary.LittleEndian.PutUint64(buf[i*8:], uint64(value))
	}
	return buf
}

func decodeHeader(data []byte) [5]int64 {
	var header [5]int64
	for i := range header {
		if len(data) >= (i+1)*8 {
			header[i] = int64(binary.LittleEndian.Uint64(data[i*8:]))
		}
	}
	return header
}
