package engine

import (
	"os"

	"github.com/hpcio/hio/internal/backend"
	"github.com/hpcio/hio/internal/dataset"
	"github.com/hpcio/hio/internal/manifest"
	"github.com/hpcio/hio/pkg/errors"
	"github.com/hpcio/hio/pkg/filesys"
)

// probeRoots walks the data-root fallback list on rank 0, resolving the
// dataset id and (for reads) loading the manifest payload from the first
// usable root. Failures along the way land on the error stack; the returned
// code is the last failure when every root was exhausted.
func (e *Engine) probeRoots(ds *dataset.Dataset) (errors.ErrorCode, int64, int64, []byte) {
	code := errors.ErrorCodeNotFound

	for index, module := range e.modules {
		// The data root itself must pre-exist; everything below it is
		// created on demand.
		if info, err := os.Stat(module.Root()); err != nil || !info.IsDir() {
			rootErr := errors.ClassifyPathError(err, module.Root(), "probe_root").
				WithDataRoot(module.Root())
			e.estack.PushError(rootErr)
			code = rootErr.Code()
			continue
		}

		if ds.Flags&dataset.FlagRead != 0 && ds.Flags&(dataset.FlagWrite|dataset.FlagCreate) == 0 {
			id, data, err := e.resolveReadID(module, ds)
			if err != nil {
				e.estack.PushError(err)
				code = errors.GetErrorCode(err)
				continue
			}
			return errors.ErrorCodeSuccess, int64(index), id, data
		}

		id, err := e.resolveWriteID(module, ds)
		if err != nil {
			// EXISTS is a caller mistake, not a root failure; trying the
			// next root would silently write somewhere unexpected.
			if errors.GetErrorCode(err) == errors.ErrorCodeExists {
				e.estack.PushError(err)
				return errors.ErrorCodeExists, int64(index), 0, nil
			}
			e.estack.PushError(err)
			code = errors.GetErrorCode(err)
			continue
		}
		return errors.ErrorCodeSuccess, int64(index), id, nil
	}

	return code, -1, 0, nil
}

// manifestBytes loads the serialized manifest for a dataset id, preferring
// the uncompressed name and falling back to the .bz2 variant.
func manifestBytes(module backend.Module, name string, id int64) ([]byte, error) {
	base := module.ManifestPath(name, id)

	for _, path := range []string{base, base + ".bz2"} {
		exists, err := filesys.Exists(path)
		if err != nil {
			return nil, errors.ClassifyPathError(err, path, "manifest_read")
		}
		if !exists {
			continue
		}

		data, err := filesys.ReadFile(path)
		if err != nil {
			return nil, errors.ClassifyPathError(err, path, "manifest_read")
		}
		if len(data) == 0 {
			return nil, errors.NewStorageError(nil, errors.ErrorCodeBadParam,
				"empty manifest").WithPath(path)
		}
		return data, nil
	}

	return nil, errors.NewStorageError(nil, errors.ErrorCodeNotFound,
		"no committed manifest for dataset id").
		WithPath(base).WithDataRoot(module.Root())
}

// headerFor reads a dataset id's manifest header, trying both manifest
// names.
func headerFor(module backend.Module, name string, id int64) (manifest.Header, error) {
	data, err := manifestBytes(module, name, id)
	if err != nil {
		return manifest.Header{}, err
	}
	return manifest.ParseHeader(data)
}

// resolveReadID picks the dataset id to open for reading: the requested id
// verbatim, the numerically highest committed id, or the most recently
// committed id, and returns the manifest payload alongside.
func (e *Engine) resolveReadID(module backend.Module, ds *dataset.Dataset) (int64, []byte, error) {
	requested := ds.RequestedID

	if requested >= 0 {
		data, err := manifestBytes(module, ds.Name, requested)
		if err != nil {
			return 0, nil, err
		}
		return requested, data, nil
	}

	ids, err := module.ListIDs(ds.Name)
	if err != nil {
		return 0, nil, err
	}

	selected := int64(-1)
	var selectedMTime uint64

	for _, id := range ids {
		header, err := headerFor(module, ds.Name, id)
		if err != nil {
			// Ids without a committed manifest are not candidates.
			continue
		}

		switch requested {
		case dataset.IDHighest:
			if id > selected {
				selected = id
			}
		case dataset.IDNewest:
			if selected < 0 || header.MTime > selectedMTime ||
				(header.MTime == selectedMTime && id > selected) {
				selected = id
				selectedMTime = header.MTime
			}
		}
	}

	if selected < 0 {
		return 0, nil, errors.NewDatasetError(nil, errors.ErrorCodeNotFound,
			"no committed dataset ids on data root").
			WithDataset(ds.Name, requested).
			WithDetail("data_root", module.Root())
	}

	data, err := manifestBytes(module, ds.Name, selected)
	if err != nil {
		return 0, nil, err
	}

	return selected, data, nil
}

// resolveWriteID picks the dataset id for a writable open: the requested id
// verbatim, or one past the highest existing id for the selection
// sentinels. An existing committed id is rejected unless truncation or
// append was requested; truncation removes the old instance.
func (e *Engine) resolveWriteID(module backend.Module, ds *dataset.Dataset) (int64, error) {
	id := ds.RequestedID

	if id < 0 {
		ids, err := module.ListIDs(ds.Name)
		if err != nil {
			return 0, err
		}
		id = 1
		for _, existing := range ids {
			if existing >= id {
				id = existing + 1
			}
		}
		return id, nil
	}

	if _, err := headerFor(module, ds.Name, id); err == nil {
		switch {
		case ds.Flags&dataset.FlagTruncate != 0:
			if err := module.Unlink(ds.Name, id); err != nil {
				return 0, err
			}
		case ds.Flags&dataset.FlagAppend != 0:
			// Existing data is extended in place.
		default:
			return 0, errors.NewDatasetError(nil, errors.ErrorCodeExists,
				"dataset id already exists").
				WithDataset(ds.Name, id).
				WithDetail("data_root", module.Root())
		}
	}

	return id, nil
}
