package collective

import (
	"go.uber.org/zap"

	"github.com/hpcio/hio/internal/manifest"
	"github.com/hpcio/hio/pkg/errors"
)

// GatherManifest reduces per-rank serialized manifests into rank 0 over a
// binary tree rooted there. Each internal node receives its children's
// payload sizes, then the payloads, merges them into its own payload, and
// forwards the result to its parent. Payloads may be bzip2 compressed end
// to end; the merge inflates transparently.
//
// On rank 0 the combined payload is returned. On every other rank the
// return is nil after the local contribution has been forwarded.
func GatherManifest(comm Communicator, local []byte, log *zap.SugaredLogger) ([]byte, error) {
	rank := comm.Rank()
	size := comm.Size()

	data := local

	if size == 1 {
		return data, nil
	}

	var firstErr error

	parent := (rank - 1) / 2
	left := rank*2 + 1
	right := left + 1

	// The needs here are a little more complicated than a plain reduction:
	// the payload may grow as results merge, so sizes travel ahead of data.
	for _, child := range []int{right, left} {
		if child >= size {
			continue
		}

		sizeMsg, err := comm.Recv(child, TagManifestSize)
		if err != nil {
			return nil, err
		}
		incomingSize := decodeSize(sizeMsg)

		log.Debugw("receiving manifest data", "bytes", incomingSize, "child", child)

		incoming, err := comm.Recv(child, TagManifestData)
		if err != nil {
			return nil, err
		}

		if int64(len(incoming)) != incomingSize {
			if firstErr == nil {
				firstErr = errors.NewBaseError(nil, errors.ErrorCodeGeneric,
					"manifest payload size mismatch").
					WithDetail("announced", incomingSize).
					WithDetail("received", len(incoming))
			}
			continue
		}

		log.Debugw("merging manifest data", "child", child)

		merged, err := manifest.MergeData(data, incoming)
		if err != nil {
			// Keep the protocol moving so ancestors don't block; the
			// failure surfaces through the code reduction that follows
			// the gather.
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		data = merged
	}

	if rank > 0 {
		log.Debugw("sending manifest data", "bytes", len(data), "parent", parent)

		if err := comm.Send(parent, TagManifestSize, encodeSize(int64(len(data)))); err != nil {
			return nil, err
		}
		if err := comm.Send(parent, TagManifestData, data); err != nil {
			return nil, err
		}
		return nil, firstErr
	}

	return data, firstErr
}

// BcastHeader broadcasts a five-value header from root to every rank.
// Dataset open uses it to distribute rank 0's root selection and id
// resolution before any backend state exists.
func BcastHeader(comm Communicator, root int, header [5]int64) ([5]int64, error) {
	data, err := comm.Bcast(root, encodeHeader(header))
	if err != nil {
		return [5]int64{}, err
	}
	return decodeHeader(data), nil
}

// ScatterResult carries the values rank 0 decides during scatter and every
// rank adopts: the reduced return code, dataset flags, and the filesystem
// stripe attributes determined at open.
type ScatterResult struct {
	Code        errors.ErrorCode
	Flags       int64
	StripeCount int64
	StripeSize  int64
	Manifest    []byte
}

// ScatterManifest broadcasts rank 0's result code, flags, stripe attributes
// and combined manifest to every rank. The five-value header travels first;
// when its code is not success the payload broadcast is skipped and every
// rank returns that code.
func ScatterManifest(comm Communicator, data []byte, code errors.ErrorCode,
	flags, stripeCount, stripeSize int64) (ScatterResult, error) {

	header := [5]int64{
		int64(code.Int()),
		int64(len(data)),
		flags,
		stripeCount,
		stripeSize,
	}

	headerBytes, err := comm.Bcast(0, encodeHeader(header))
	if err != nil {
		return ScatterResult{}, err
	}
	header = decodeHeader(headerBytes)

	result := ScatterResult{
		Code:        errors.FromInt(int(header[0])),
		Flags:       header[2],
		StripeCount: header[3],
		StripeSize:  header[4],
	}

	if result.Code != errors.ErrorCodeSuccess {
		return result, nil
	}

	if header[1] > 0 {
		payload, err := comm.Bcast(0, data)
		if err != nil {
			return ScatterResult{}, err
		}
		result.Manifest = payload
	}

	return result, nil
}

// Unique-mode fan-out tags. The participant list travels from rank 0 to
// each participant, then the payload.
const (
	tagUniqueHeader = 1003
	tagUniqueData   = 1004
)

// ScatterUnique is the unique-mode optimization of ScatterManifest: ranks
// that hold no data in the dataset are excluded from the payload
// distribution. Each rank's manifest announces the ranks it holds data for;
// a global max-reduction elects an I/O leader per rank, and ranks with no
// leader skip the payload entirely.
//
// The return code is min-reduced first so that a failure anywhere becomes
// the result everywhere, before any payload moves.
func ScatterUnique(comm Communicator, data []byte, code errors.ErrorCode,
	flags, stripeCount, stripeSize int64) (ScatterResult, error) {

	reduced, err := comm.AllreduceMin(code.Int())
	if err != nil {
		return ScatterResult{}, err
	}

	if reducedCode := errors.FromInt(reduced); reducedCode != errors.ErrorCodeSuccess {
		return ScatterResult{Code: reducedCode}, nil
	}

	// Announce which ranks this rank's payload holds data for.
	leaders := make([]int, comm.Size())
	for i := range leaders {
		leaders[i] = -1
	}

	if len(data) > 0 {
		m, err := manifest.Deserialize(data)
		if err != nil {
			return ScatterResult{}, err
		}
		for _, rank := range m.Ranks() {
			if rank >= comm.Size() {
				return ScatterResult{}, errors.NewBaseError(nil, errors.ErrorCodeBadParam,
					"manifest lists rank outside the participating group").
					WithDetail("rank", rank).WithDetail("group_size", comm.Size())
			}
			leaders[rank] = comm.Rank()
		}
	}

	leaders, err = comm.AllreduceMaxInts(leaders)
	if err != nil {
		return ScatterResult{}, err
	}

	header := [5]int64{
		int64(errors.ErrorCodeSuccess.Int()),
		int64(len(data)),
		flags,
		stripeCount,
		stripeSize,
	}

	result := ScatterResult{
		Code:        errors.ErrorCodeSuccess,
		Flags:       flags,
		StripeCount: stripeCount,
		StripeSize:  stripeSize,
	}

	if comm.Rank() == 0 {
		for rank := 1; rank < comm.Size(); rank++ {
			if leaders[rank] < 0 {
				// No data for this rank anywhere in the dataset.
				continue
			}
			if err := comm.Send(rank, tagUniqueHeader, encodeHeader(header)); err != nil {
				return ScatterResult{}, err
			}
			if err := comm.Send(rank, tagUniqueData, data); err != nil {
				return ScatterResult{}, err
			}
		}
		result.Manifest = data
		return result, nil
	}

	if leaders[comm.Rank()] < 0 {
		// This rank has no data in the dataset.
		return result, nil
	}

	headerBytes, err := comm.Recv(0, tagUniqueHeader)
	if err != nil {
		return ScatterResult{}, err
	}
	header = decodeHeader(headerBytes)

	payload, err := comm.Recv(0, tagUniqueData)
	if err != nil {
		return ScatterResult{}, err
	}

	result.Flags = header[2]
	result.StripeCount = header[3]
	result.StripeSize = header[4]
	result.Manifest = payload

	return result, nil
}

// ReduceCode min-reduces an error code across the group, so the worst
// result on any rank becomes the result on every rank.
func ReduceCode(comm Communicator, code errors.ErrorCode) (errors.ErrorCode, error) {
	reduced, err := comm.AllreduceMin(code.Int())
	if err != nil {
		return errors.ErrorCodeGeneric, err
	}
	return errors.FromInt(reduced), nil
}
