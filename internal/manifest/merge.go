package manifest

import (
	"github.com/hpcio/hio/pkg/errors"
)

// Merge folds other into m. Both manifests must agree on dataset mode,
// dataset id, and library version.
//
// File lists are unioned by string equality and a relocation table rewrites
// every file index carried by other's segments to its position in the merged
// list. Element entries are matched by identifier (and by owning rank in
// unique mode, where every rank holds a private copy of the name); matched
// entries have other's segments appended to their segment arrays and
// re-sorted by application offset, and take the larger of the two sizes.
// Unmatched entries are appended whole. Exact duplicate segments are
// dropped, which makes merging a manifest with itself a no-op.
//
// Because the segment sort is stable, other's segments land after m's at
// equal offsets. That ordering is what makes the manifest merged in from
// the higher tree rank win on overlapping byte ranges.
//
// Scalar fields keep m's values except status, which becomes whichever of
// the two is nonzero.
func Merge(m, other *Manifest) error {
	if m.Mode != other.Mode || m.DatasetID != other.DatasetID ||
		m.HioVersion != other.HioVersion {
		return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"cannot merge manifests with mismatched identity").
			WithField("mode/dataset_id/hio_version").
			WithProvided([]any{other.Mode, other.DatasetID, other.HioVersion}).
			WithExpected([]any{m.Mode, m.DatasetID, m.HioVersion})
	}

	// Union the file lists, remembering where each of other's files ended
	// up so segment indices can be rewritten.
	reloc := make([]int, len(other.Files))
	for i, name := range other.Files {
		reloc[i] = m.AddFile(name)
	}

	for _, element := range other.Elements {
		incoming := &Element{
			Identifier: element.Identifier,
			Size:       element.Size,
			Rank:       element.Rank,
			Segments:   make([]Segment, len(element.Segments)),
		}
		copy(incoming.Segments, element.Segments)

		for i := range incoming.Segments {
			index := incoming.Segments[i].FileIndex
			if index < 0 || index >= len(reloc) {
				return errors.NewValidationError(nil, errors.ErrorCodeBadParam,
					"manifest segment specified invalid file index").
					WithField("findex").WithProvided(index)
			}
			incoming.Segments[i].FileIndex = reloc[index]
		}

		rank := -1
		if incoming.Rank != nil {
			rank = *incoming.Rank
		}

		existing := m.FindElement(incoming.Identifier, rank)
		if existing == nil {
			m.AddElement(incoming)
			continue
		}

		for _, seg := range incoming.Segments {
			if !containsSegment(existing.Segments, seg) {
				existing.Segments = append(existing.Segments, seg)
			}
		}
		sortSegments(existing.Segments)

		if incoming.Size > existing.Size {
			existing.Size = incoming.Size
		}
	}

	if m.Status == 0 {
		m.Status = other.Status
	}

	return nil
}

func containsSegment(segments []Segment, seg Segment) bool {
	for _, existing := range segments {
		if existing == seg {
			return true
		}
	}
	return false
}

// MergeData merges two serialized manifests and returns the serialized
// result. Either input may be bzip2 compressed; the output is compressed
// when the accumulator input was. A nil accumulator adopts the incoming
// payload unchanged, which covers ranks that had nothing local to
// contribute.
func MergeData(accumulator, incoming []byte) ([]byte, error) {
	if len(accumulator) == 0 {
		out := make([]byte, len(incoming))
		copy(out, incoming)
		return out, nil
	}

	if len(incoming) == 0 {
		return accumulator, nil
	}

	compressed := isCompressed(accumulator)

	base, err := Deserialize(accumulator)
	if err != nil {
		return nil, err
	}

	other, err := Deserialize(incoming)
	if err != nil {
		return nil, err
	}

	if err := Merge(base, other); err != nil {
		return nil, err
	}

	return Serialize(base, compressed)
}
