package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hpcio/hio/internal/manifest"
	"github.com/hpcio/hio/pkg/errors"
)

func allocDataset(t *testing.T, mode, fileMode string, rank, commSize int) *Dataset {
	t.Helper()

	ds, err := Alloc(&Config{
		Name:     "ckpt",
		ID:       3,
		Flags:    FlagWrite | FlagCreate,
		Mode:     mode,
		FileMode: fileMode,
		Rank:     rank,
		CommSize: commSize,
		Logger:   zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	ds.SetState(StateOpen)
	return ds
}

func TestAllocValidation(t *testing.T) {
	_, err := Alloc(nil)
	require.Error(t, err)

	_, err = Alloc(&Config{Name: "x", Mode: "bogus", Logger: zap.NewNop().Sugar()})
	require.Error(t, err)

	_, err = Alloc(&Config{Name: "x", Mode: manifest.ModeShared, ID: -5,
		Logger: zap.NewNop().Sugar()})
	require.Error(t, err)

	ds, err := Alloc(&Config{Name: "x", Mode: manifest.ModeShared, ID: IDNewest,
		Logger: zap.NewNop().Sugar()})
	require.NoError(t, err)
	require.Equal(t, StateAllocated, ds.State())
}

func TestElementOpenCounts(t *testing.T) {
	ds := allocDataset(t, manifest.ModeShared, manifest.FileModeBasic, 0, 1)

	element, err := ds.OpenElement("e")
	require.NoError(t, err)
	require.Equal(t, 1, element.OpenCount())

	again, err := ds.OpenElement("e")
	require.NoError(t, err)
	require.Same(t, element, again)
	require.Equal(t, 2, element.OpenCount())

	require.NoError(t, element.Close())
	require.NoError(t, element.Close())
	require.Error(t, element.Close())
}

func TestElementOpenRequiresOpenDataset(t *testing.T) {
	ds := allocDataset(t, manifest.ModeShared, manifest.FileModeBasic, 0, 1)
	ds.SetState(StateClosed)

	_, err := ds.OpenElement("e")
	require.Error(t, err)
	require.Equal(t, errors.ErrorCodeBadParam, errors.GetErrorCode(err))
}

func TestBuildManifestOptimized(t *testing.T) {
	ds := allocDataset(t, manifest.ModeShared, manifest.FileModeOptimized, 0, 2)
	ds.BlockSize = 1024
	ds.MTime = 42

	element, err := ds.OpenElement("v")
	require.NoError(t, err)

	fileIndex := ds.AddFile("data.00000")
	element.AddSegment(fileIndex, 0, 0, 1500)

	m := ds.BuildManifest()
	require.Equal(t, manifest.Version, m.Version)
	require.Equal(t, manifest.ModeShared, m.Mode)
	require.Equal(t, manifest.FileModeOptimized, m.FileMode)
	require.EqualValues(t, 1024, m.BlockSize)
	require.EqualValues(t, 42, m.MTime)
	require.Equal(t, 2, m.CommSize)
	require.Equal(t, []string{"data.00000"}, m.Files)

	require.Len(t, m.Elements, 1)
	require.Equal(t, "v", m.Elements[0].Identifier)
	require.EqualValues(t, 1500, m.Elements[0].Size)
	require.Nil(t, m.Elements[0].Rank)
	require.Len(t, m.Elements[0].Segments, 1)

	require.NoError(t, m.Validate())
}

func TestBuildManifestUniqueBasic(t *testing.T) {
	ds := allocDataset(t, manifest.ModeUnique, manifest.FileModeBasic, 1, 4)

	element, err := ds.OpenElement("e")
	require.NoError(t, err)
	element.ExtendTo(0, 8)

	m := ds.BuildManifest()
	require.Len(t, m.Elements, 1)
	require.NotNil(t, m.Elements[0].Rank)
	require.Equal(t, 1, *m.Elements[0].Rank)
	require.Empty(t, m.Elements[0].Segments)
}

func TestApplyManifestFiltersByRankInUniqueMode(t *testing.T) {
	rank0 := 0
	rank1 := 1

	m := manifest.New("ckpt", 3, manifest.ModeUnique, manifest.FileModeBasic, 2)
	m.AddElement(&manifest.Element{Identifier: "e", Size: 8, Rank: &rank0})
	m.AddElement(&manifest.Element{Identifier: "e", Size: 16, Rank: &rank1})

	ds := allocDataset(t, manifest.ModeUnique, manifest.FileModeBasic, 1, 2)
	require.NoError(t, ds.ApplyManifest(m))

	elements := ds.Elements()
	require.Len(t, elements, 1)
	require.Equal(t, 1, elements[0].Rank)
	require.EqualValues(t, 16, elements[0].Size())
}

func TestApplyManifestMissingRankIsBadParam(t *testing.T) {
	m := manifest.New("ckpt", 3, manifest.ModeUnique, manifest.FileModeBasic, 2)
	m.AddElement(&manifest.Element{Identifier: "e", Size: 8})

	ds := allocDataset(t, manifest.ModeUnique, manifest.FileModeBasic, 0, 2)
	err := ds.ApplyManifest(m)
	require.Error(t, err)
	require.Equal(t, errors.ErrorCodeBadParam, errors.GetErrorCode(err))
	require.Empty(t, ds.Elements())
}

func TestApplyManifestModeMismatch(t *testing.T) {
	m := manifest.New("ckpt", 3, manifest.ModeShared, manifest.FileModeBasic, 2)

	ds := allocDataset(t, manifest.ModeUnique, manifest.FileModeBasic, 0, 2)
	require.Error(t, ds.ApplyManifest(m))
}

func TestApplyManifestCommSizeMismatchInUniqueMode(t *testing.T) {
	m := manifest.New("ckpt", 3, manifest.ModeUnique, manifest.FileModeBasic, 8)

	ds := allocDataset(t, manifest.ModeUnique, manifest.FileModeBasic, 0, 2)
	require.Error(t, ds.ApplyManifest(m))
}

func TestApplyManifestPopulatesSegments(t *testing.T) {
	m := manifest.New("ckpt", 3, manifest.ModeShared, manifest.FileModeOptimized, 2)
	m.AddFile("data.00001")
	m.AddElement(&manifest.Element{
		Identifier: "v",
		Size:       3000,
		Segments: []manifest.Segment{
			{FileOffset: 0, AppOffset: 0, Length: 1500, FileIndex: 0},
			{FileOffset: 2048, AppOffset: 1500, Length: 1500, FileIndex: 0},
		},
	})

	ds := allocDataset(t, manifest.ModeShared, manifest.FileModeOptimized, 0, 2)
	require.NoError(t, ds.ApplyManifest(m))

	elements := ds.Elements()
	require.Len(t, elements, 1)
	require.EqualValues(t, 3000, elements[0].Size())
	require.Equal(t, 2, elements[0].SegmentCount())
	require.Equal(t, []string{"data.00001"}, ds.Files)

	extents := elements[0].Lookup(0, 3000)
	require.Len(t, extents, 2)
}

func TestBuildApplyRoundTrip(t *testing.T) {
	ds := allocDataset(t, manifest.ModeShared, manifest.FileModeOptimized, 0, 2)
	element, err := ds.OpenElement("v")
	require.NoError(t, err)

	fileIndex := ds.AddFile("data.00000")
	element.AddSegment(fileIndex, 0, 100, 50)

	m := ds.BuildManifest()

	fresh := allocDataset(t, manifest.ModeShared, manifest.FileModeOptimized, 1, 2)
	require.NoError(t, fresh.ApplyManifest(m))

	require.Equal(t, ds.Files, fresh.Files)
	require.Len(t, fresh.Elements(), 1)
	require.EqualValues(t, 150, fresh.Elements()[0].Size())
}
