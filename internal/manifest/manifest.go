// Package manifest implements the dataset manifest: the serialized
// description of a dataset's elements, segments, and files that allows the
// logical byte stream of every element to be reconstructed on read.
//
// A manifest is a textual key-value tree, version "2.1", readable by any
// implementation that understands the "2.0" compatibility level. Each rank
// builds a manifest describing its own writes; at dataset close the per-rank
// manifests are reduced pairwise with Merge into a single combined manifest
// that rank 0 persists next to the data files. Serialized manifests may be
// bzip2 compressed; all consumers sniff the two-byte BZ prefix and inflate
// transparently, so compressed and uncompressed payloads mix freely inside
// one reduction.
package manifest

import (
	"sort"

	"github.com/hpcio/hio/pkg/errors"
)

// Manifest format versions. Version is what new manifests are stamped with;
// Compat is the oldest reader the format remains understandable to.
const (
	Version = "2.1"
	Compat  = "2.0"
)

// LibraryVersion identifies the library build that produced a manifest.
// Merging manifests produced by different library versions is rejected.
const LibraryVersion = "1.4.0"

// Dataset modes.
const (
	ModeUnique = "unique"
	ModeShared = "shared"
)

// File modes.
const (
	FileModeBasic     = "basic"
	FileModeOptimized = "optimized"
)

// Segment is one physical placement record: length bytes of an element
// beginning at application offset AppOffset live in the dataset file
// FileIndex starting at FileOffset.
type Segment struct {
	FileOffset uint64 `json:"loff"`
	AppOffset  uint64 `json:"off"`
	Length     uint64 `json:"len"`
	FileIndex  int    `json:"findex"`
}

// Element describes one logical byte stream of the dataset. Rank is set only
// in unique mode, where every rank owns a private copy of the element name.
// Segments are kept sorted by application offset.
type Element struct {
	Identifier string    `json:"identifier"`
	Size       uint64    `json:"size"`
	Rank       *int      `json:"rank,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
}

// Manifest is the in-memory form of a dataset manifest. The json tags are
// the wire format; segment entries use the short keys loff/off/len/findex.
type Manifest struct {
	Version    string     `json:"hio_manifest_version"`
	Compat     string     `json:"hio_manifest_compat"`
	HioVersion string     `json:"hio_version"`
	Identifier string     `json:"identifier"`
	DatasetID  int64      `json:"dataset_id"`
	Mode       string     `json:"hio_dataset_mode"`
	FileMode   string     `json:"hio_file_mode"`
	BlockSize  uint64     `json:"block_size,omitempty"`
	Status     int64      `json:"hio_status"`
	MTime      uint64     `json:"hio_mtime"`
	CommSize   int        `json:"hio_comm_size"`
	Files      []string   `json:"files,omitempty"`
	Elements   []*Element `json:"elements,omitempty"`
}

// New creates a manifest stamped with the current format and library
// versions.
func New(identifier string, id int64, mode, fileMode string, commSize int) *Manifest {
	return &Manifest{
		Version:    Version,
		Compat:     Compat,
		HioVersion: LibraryVersion,
		Identifier: identifier,
		DatasetID:  id,
		Mode:       mode,
		FileMode:   fileMode,
		CommSize:   commSize,
	}
}

// AddFile records a file name in the manifest's file list, deduplicating by
// string equality, and returns its index.
func (m *Manifest) AddFile(name string) int {
	for i, existing := range m.Files {
		if existing == name {
			return i
		}
	}
	m.Files = append(m.Files, name)
	return len(m.Files) - 1
}

// FindElement locates an element entry. In unique mode an element is
// identified by (identifier, rank); in shared mode by identifier alone.
func (m *Manifest) FindElement(identifier string, rank int) *Element {
	for _, element := range m.Elements {
		if element.Identifier != identifier {
			continue
		}
		if m.Mode == ModeUnique {
			if element.Rank != nil && *element.Rank == rank {
				return element
			}
			continue
		}
		return element
	}
	return nil
}

// AddElement appends an element entry.
func (m *Manifest) AddElement(element *Element) {
	m.Elements = append(m.Elements, element)
}

// Ranks returns the sorted set of ranks that own data in this manifest.
// Only meaningful in unique mode; shared-mode manifests return nil.
func (m *Manifest) Ranks() []int {
	seen := map[int]struct{}{}
	for _, element := range m.Elements {
		if element.Rank != nil {
			seen[*element.Rank] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}

	ranks := make([]int, 0, len(seen))
	for rank := range seen {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	return ranks
}

// Validate checks the structural invariants of a parsed manifest: required
// keys, recognized mode strings, segment file indices inside the file list,
// and the rank requirement of unique mode.
func (m *Manifest) Validate() error {
	if m.Compat != Compat {
		return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"incompatible manifest version").
			WithField("hio_manifest_compat").
			WithProvided(m.Compat).WithExpected(Compat)
	}

	if m.Mode != ModeUnique && m.Mode != ModeShared {
		return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"unknown dataset mode specified in manifest").
			WithField("hio_dataset_mode").WithProvided(m.Mode)
	}

	if m.FileMode != FileModeBasic && m.FileMode != FileModeOptimized {
		return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"unrecognized file mode in manifest").
			WithField("hio_file_mode").WithProvided(m.FileMode)
	}

	for _, element := range m.Elements {
		if m.Mode == ModeUnique && element.Rank == nil {
			return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
				"manifest element missing rank property").
				WithField("rank").WithProvided(element.Identifier)
		}

		for _, segment := range element.Segments {
			if segment.FileIndex < 0 || segment.FileIndex >= len(m.Files) {
				return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
					"manifest segment specified invalid file index").
					WithField("findex").WithProvided(segment.FileIndex)
			}
		}
	}

	return nil
}

// SortSegments re-sorts every element's segment array by application offset.
// The sort is stable so that segments appended later (the newer writes in a
// merge) stay behind earlier entries at equal offsets.
func (m *Manifest) SortSegments() {
	for _, element := range m.Elements {
		sortSegments(element.Segments)
	}
}

func sortSegments(segments []Segment) {
	sort.SliceStable(segments, func(i, j int) bool {
		return segments[i].AppOffset < segments[j].AppOffset
	})
}
