package manifest

import (
	"bytes"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/dsnet/compress/bzip2"

	"github.com/hpcio/hio/pkg/errors"
	"github.com/hpcio/hio/pkg/filesys"
)

// bzip2 streams begin with the ASCII bytes 'B', 'Z'. Serialized manifests
// are sniffed for this prefix rather than trusting file extensions.
func isCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == 'B' && data[1] == 'Z'
}

// Serialize produces the wire form of a manifest, bzip2 compressed when
// requested.
func Serialize(m *Manifest, compress bool) ([]byte, error) {
	serialized, err := json.Marshal(m)
	if err != nil {
		return nil, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to serialize manifest")
	}

	if !compress {
		return serialized, nil
	}

	var buf bytes.Buffer
	writer, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: 3})
	if err != nil {
		return nil, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to initialize manifest compressor")
	}

	if _, err := writer.Write(serialized); err != nil {
		writer.Close()
		return nil, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to compress manifest")
	}

	if err := writer.Close(); err != nil {
		return nil, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to finalize manifest compression")
	}

	return buf.Bytes(), nil
}

// decompress inflates a bzip2 payload.
func decompress(data []byte) ([]byte, error) {
	reader, err := bzip2.NewReader(bytes.NewReader(data), nil)
	if err != nil {
		return nil, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to initialize manifest decompressor")
	}
	defer reader.Close()

	inflated, err := io.ReadAll(reader)
	if err != nil {
		return nil, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to decompress manifest")
	}

	return inflated, nil
}

// Deserialize parses a serialized manifest, transparently inflating
// compressed payloads, and validates it. Empty payloads are rejected.
func Deserialize(data []byte) (*Manifest, error) {
	if len(data) < 2 {
		return nil, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"manifest data too short").WithField("data").WithProvided(len(data))
	}

	if isCompressed(data) {
		inflated, err := decompress(data)
		if err != nil {
			return nil, err
		}
		data = inflated
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to parse manifest")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Save writes the manifest to path using an atomic temp-and-rename. The
// payload is compressed when the path carries a .bz2 extension or when
// compress is set.
func Save(m *Manifest, path string, compress bool) error {
	compress = compress || strings.EqualFold(filepath.Ext(path), ".bz2")

	data, err := Serialize(m, compress)
	if err != nil {
		return err
	}

	if err := filesys.WriteFileAtomic(path, 0o644, data); err != nil {
		return errors.ClassifyPathError(err, path, "manifest_save")
	}

	return nil
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	exists, err := filesys.Exists(path)
	if err != nil {
		return nil, errors.ClassifyPathError(err, path, "manifest_load")
	}
	if !exists {
		return nil, errors.NewStorageError(nil, errors.ErrorCodeNotFound,
			"manifest not found").WithPath(path)
	}

	data, err := filesys.ReadFile(path)
	if err != nil {
		return nil, errors.ClassifyPathError(err, path, "manifest_load")
	}

	if len(data) == 0 {
		return nil, errors.NewStorageError(nil, errors.ErrorCodeBadParam,
			"empty manifest").WithPath(path)
	}

	return Deserialize(data)
}

// Header is the subset of manifest fields needed to list candidate datasets
// without materializing elements or segments.
type Header struct {
	ID       int64
	Mode     string
	FileMode string
	Status   int64
	MTime    uint64
}

// headerView decodes only the scalar top-level keys.
type headerView struct {
	Compat   string `json:"hio_manifest_compat"`
	ID       int64  `json:"dataset_id"`
	Mode     string `json:"hio_dataset_mode"`
	FileMode string `json:"hio_file_mode"`
	Status   int64  `json:"hio_status"`
	MTime    uint64 `json:"hio_mtime"`
}

// ReadHeader extracts the dataset header from the manifest at path without
// materializing segments. Used to enumerate dataset ids cheaply.
func ReadHeader(path string) (Header, error) {
	exists, err := filesys.Exists(path)
	if err != nil {
		return Header{}, errors.ClassifyPathError(err, path, "manifest_header")
	}
	if !exists {
		return Header{}, errors.NewStorageError(nil, errors.ErrorCodeNotFound,
			"manifest not found").WithPath(path)
	}

	data, err := filesys.ReadFile(path)
	if err != nil {
		return Header{}, errors.ClassifyPathError(err, path, "manifest_header")
	}

	return ParseHeader(data)
}

// ParseHeader extracts the dataset header from serialized manifest bytes.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < 2 {
		return Header{}, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"manifest data too short").WithField("data").WithProvided(len(data))
	}

	if isCompressed(data) {
		inflated, err := decompress(data)
		if err != nil {
			return Header{}, err
		}
		data = inflated
	}

	var view headerView
	if err := json.Unmarshal(data, &view); err != nil {
		return Header{}, errors.NewBaseError(err, errors.ErrorCodeGeneric,
			"failed to parse manifest header")
	}

	if view.Compat != Compat {
		return Header{}, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"incompatible manifest version").
			WithField("hio_manifest_compat").
			WithProvided(view.Compat).WithExpected(Compat)
	}

	if view.Mode != ModeUnique && view.Mode != ModeShared {
		return Header{}, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"unknown dataset mode specified in manifest").
			WithField("hio_dataset_mode").WithProvided(view.Mode)
	}

	if view.FileMode != FileModeBasic && view.FileMode != FileModeOptimized {
		return Header{}, errors.NewValidationError(nil, errors.ErrorCodeBadParam,
			"unrecognized file mode in manifest").
			WithField("hio_file_mode").WithProvided(view.FileMode)
	}

	return Header{
		ID:       view.ID,
		Mode:     view.Mode,
		FileMode: view.FileMode,
		Status:   view.Status,
		MTime:    view.MTime,
	}, nil
}
