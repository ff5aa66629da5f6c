package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func sampleManifest() *Manifest {
	m := New("ckpt", 7, ModeShared, FileModeOptimized, 4)
	m.BlockSize = 1 << 20
	m.MTime = 1700000000

	m.AddFile("data.00000")
	m.AddFile("data.00001")

	m.AddElement(&Element{
		Identifier: "restart",
		Size:       4096,
		Segments: []Segment{
			{FileOffset: 0, AppOffset: 0, Length: 2048, FileIndex: 0},
			{FileOffset: 0, AppOffset: 2048, Length: 2048, FileIndex: 1},
		},
	})

	return m
}

func TestRoundTripUncompressed(t *testing.T) {
	m := sampleManifest()

	data, err := Serialize(m, false)
	require.NoError(t, err)
	require.False(t, data[0] == 'B' && data[1] == 'Z')

	parsed, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, m, parsed)
}

func TestRoundTripCompressed(t *testing.T) {
	m := sampleManifest()

	data, err := Serialize(m, true)
	require.NoError(t, err)
	require.Equal(t, byte('B'), data[0])
	require.Equal(t, byte('Z'), data[1])

	parsed, err := Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, m, parsed)
}

func TestDeserializeRejectsEmpty(t *testing.T) {
	_, err := Deserialize(nil)
	require.Error(t, err)

	_, err = Deserialize([]byte{'{'})
	require.Error(t, err)
}

func TestDeserializeRejectsBadMode(t *testing.T) {
	m := sampleManifest()
	m.Mode = "exclusive"

	data, err := Serialize(m, false)
	require.NoError(t, err)

	_, err = Deserialize(data)
	require.Error(t, err)
}

func TestValidateRejectsMissingRankInUniqueMode(t *testing.T) {
	m := New("ckpt", 1, ModeUnique, FileModeBasic, 2)
	m.AddElement(&Element{Identifier: "e", Size: 8})

	require.Error(t, m.Validate())

	m.Elements[0].Rank = intPtr(0)
	require.NoError(t, m.Validate())
}

func TestValidateRejectsBadFileIndex(t *testing.T) {
	m := sampleManifest()
	m.Elements[0].Segments[0].FileIndex = 9

	require.Error(t, m.Validate())
}

func TestSaveLoadCompressedByExtension(t *testing.T) {
	m := sampleManifest()
	path := filepath.Join(t.TempDir(), "manifest.json.bz2")

	require.NoError(t, Save(m, path, false))

	// The file itself must carry the bzip2 signature.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, byte('B'), raw[0])
	require.Equal(t, byte('Z'), raw[1])

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, m, loaded)
}

func TestSaveLoadUncompressed(t *testing.T) {
	m := sampleManifest()
	path := filepath.Join(t.TempDir(), "manifest.json")

	require.NoError(t, Save(m, path, false))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, m, loaded)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "manifest.json"))
	require.Error(t, err)
}

func TestReadHeader(t *testing.T) {
	m := sampleManifest()
	m.Status = -3
	dir := t.TempDir()

	for _, name := range []string{"manifest.json", "manifest.json.bz2"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(m, path, false))

		header, err := ReadHeader(path)
		require.NoError(t, err)
		require.Equal(t, Header{
			ID:       7,
			Mode:     ModeShared,
			FileMode: FileModeOptimized,
			Status:   -3,
			MTime:    1700000000,
		}, header)
	}
}

func TestRanks(t *testing.T) {
	m := New("ckpt", 1, ModeUnique, FileModeBasic, 4)
	m.AddElement(&Element{Identifier: "e", Size: 8, Rank: intPtr(2)})
	m.AddElement(&Element{Identifier: "e", Size: 8, Rank: intPtr(0)})
	m.AddElement(&Element{Identifier: "f", Size: 8, Rank: intPtr(2)})

	require.Equal(t, []int{0, 2}, m.Ranks())

	shared := sampleManifest()
	require.Nil(t, shared.Ranks())
}

func TestAddFileDeduplicates(t *testing.T) {
	m := New("ckpt", 1, ModeShared, FileModeOptimized, 1)

	require.Equal(t, 0, m.AddFile("data.00000"))
	require.Equal(t, 1, m.AddFile("data.00001"))
	require.Equal(t, 0, m.AddFile("data.00000"))
	require.Len(t, m.Files, 2)
}
