package dataset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hpcio/hio/internal/manifest"
)

// recordingProcessor captures every flushed batch.
type recordingProcessor struct {
	batches [][]*Request
}

func (p *recordingProcessor) ProcessRequests(ds *Dataset, reqs []*Request) error {
	batch := make([]*Request, len(reqs))
	copy(batch, reqs)
	p.batches = append(p.batches, batch)

	for _, req := range reqs {
		req.Complete(int64(len(req.Data)), nil)
	}
	return nil
}

func testDataset(t *testing.T, bufferSize uint64) *Dataset {
	t.Helper()

	ds, err := Alloc(&Config{
		Name:       "ckpt",
		ID:         1,
		Flags:      FlagWrite | FlagCreate,
		Mode:       manifest.ModeShared,
		FileMode:   manifest.FileModeBasic,
		BufferSize: bufferSize,
		Rank:       0,
		CommSize:   1,
		Logger:     zap.NewNop().Sugar(),
	})
	require.NoError(t, err)
	ds.SetState(StateOpen)
	return ds
}

func TestBufferBudgetFlushes(t *testing.T) {
	ds := testDataset(t, 4096)
	proc := &recordingProcessor{}

	element, err := ds.OpenElement("b")
	require.NoError(t, err)

	// Ten writes of 1024 bytes against a 4096-byte budget flush after the
	// fourth and eighth requests, and once more at close time.
	for i := 0; i < 10; i++ {
		req := &Request{
			Element:   element,
			Write:     true,
			AppOffset: uint64((9 - i) * 1024),
			Data:      make([]byte, 1024),
		}
		require.NoError(t, ds.Buffer.Queue(ds, proc, req))
	}

	require.EqualValues(t, 2, ds.Buffer.FlushCount())
	require.Len(t, proc.batches, 2)
	require.Len(t, proc.batches[0], 4)
	require.Len(t, proc.batches[1], 4)

	require.NoError(t, ds.Buffer.Flush(ds, proc))

	require.EqualValues(t, 3, ds.Buffer.FlushCount())
	require.Len(t, proc.batches, 3)
	require.Len(t, proc.batches[2], 2)

	// Every batch arrives sorted by application offset.
	for _, batch := range proc.batches {
		for i := 1; i < len(batch); i++ {
			require.LessOrEqual(t, batch[i-1].AppOffset, batch[i].AppOffset)
		}
	}
}

func TestBufferSortsByElementThenOffset(t *testing.T) {
	ds := testDataset(t, 1<<20)
	proc := &recordingProcessor{}

	alpha, err := ds.OpenElement("alpha")
	require.NoError(t, err)
	beta, err := ds.OpenElement("beta")
	require.NoError(t, err)

	queue := func(e *Element, offset uint64) {
		require.NoError(t, ds.Buffer.Queue(ds, proc, &Request{
			Element:   e,
			Write:     true,
			AppOffset: offset,
			Data:      make([]byte, 16),
		}))
	}

	queue(beta, 100)
	queue(alpha, 200)
	queue(beta, 0)
	queue(alpha, 0)

	require.NoError(t, ds.Buffer.Flush(ds, proc))
	require.Len(t, proc.batches, 1)

	batch := proc.batches[0]
	require.Equal(t, "alpha", batch[0].Element.Identifier)
	require.EqualValues(t, 0, batch[0].AppOffset)
	require.Equal(t, "alpha", batch[1].Element.Identifier)
	require.EqualValues(t, 200, batch[1].AppOffset)
	require.Equal(t, "beta", batch[2].Element.Identifier)
	require.EqualValues(t, 0, batch[2].AppOffset)
	require.Equal(t, "beta", batch[3].Element.Identifier)
	require.EqualValues(t, 100, batch[3].AppOffset)
}

func TestFlushEmptyBufferIsNoop(t *testing.T) {
	ds := testDataset(t, 4096)
	proc := &recordingProcessor{}

	require.NoError(t, ds.Buffer.Flush(ds, proc))
	require.EqualValues(t, 0, ds.Buffer.FlushCount())
	require.Empty(t, proc.batches)
}

func TestHandleAggregatesPieces(t *testing.T) {
	handle := NewHandle(2)
	require.False(t, handle.Done())

	handle.pieceDone(10, nil)
	require.False(t, handle.Done())

	handle.pieceDone(20, nil)
	require.True(t, handle.Done())

	transferred, err := handle.Wait()
	require.NoError(t, err)
	require.EqualValues(t, 30, transferred)
}
