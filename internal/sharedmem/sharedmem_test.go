package sharedmem

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateInitializesControlBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	win, err := Create(path, 3, 4096)
	require.NoError(t, err)
	defer win.Close()

	require.Equal(t, 3, win.Master())
	require.EqualValues(t, 4096, win.BufferSize())
	require.EqualValues(t, 0, win.Used())
	require.False(t, win.FlushReady())
	require.Len(t, win.Buffer(), 4096)
}

func TestOpenSeesMasterState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	master, err := Create(path, 0, 1024)
	require.NoError(t, err)
	defer master.Close()

	peer, err := Open(path)
	require.NoError(t, err)
	defer peer.Close()

	require.Equal(t, 0, peer.Master())
	require.EqualValues(t, 1024, peer.BufferSize())

	// A reservation made through one mapping is visible through the other.
	offset, ok := master.Reserve(100)
	require.True(t, ok)
	require.EqualValues(t, 0, offset)
	require.EqualValues(t, 100, peer.Used())

	offset, ok = peer.Reserve(100)
	require.True(t, ok)
	require.EqualValues(t, 100, offset)
}

func TestOpenMissingWindow(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "window"))
	require.Error(t, err)
}

func TestReserveRejectsOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	win, err := Create(path, 0, 256)
	require.NoError(t, err)
	defer win.Close()

	_, ok := win.Reserve(200)
	require.True(t, ok)

	_, ok = win.Reserve(100)
	require.False(t, ok)

	// The failed reservation must not consume space.
	_, ok = win.Reserve(56)
	require.True(t, ok)
	require.EqualValues(t, 256, win.Used())
}

func TestResetClearsOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	win, err := Create(path, 0, 256)
	require.NoError(t, err)
	defer win.Close()

	_, ok := win.Reserve(128)
	require.True(t, ok)

	win.Reset()
	require.EqualValues(t, 0, win.Used())

	offset, ok := win.Reserve(64)
	require.True(t, ok)
	require.EqualValues(t, 0, offset)
}

func TestReserveOffsetUnbounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	win, err := Create(path, 0, 256)
	require.NoError(t, err)
	defer win.Close()

	require.EqualValues(t, 0, win.ReserveOffset(1<<20))
	require.EqualValues(t, 1<<20, win.ReserveOffset(2048))
	require.EqualValues(t, (1<<20)+2048, win.ReserveOffset(1))
}

func TestConcurrentReservationsAreDisjoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	win, err := Create(path, 0, 1<<20)
	require.NoError(t, err)
	defer win.Close()

	const workers = 8
	const perWorker = 100

	offsets := make(chan uint64, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				offset, ok := win.Reserve(64)
				if ok {
					offsets <- offset
				}
			}
		}()
	}
	wg.Wait()
	close(offsets)

	seen := map[uint64]bool{}
	for offset := range offsets {
		require.False(t, seen[offset], "offset %d reserved twice", offset)
		require.Zero(t, offset%64)
		seen[offset] = true
	}
	require.Len(t, seen, workers*perWorker)
}

func TestFlushReadyFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	win, err := Create(path, 0, 256)
	require.NoError(t, err)
	defer win.Close()

	win.SetFlushReady(true)
	require.True(t, win.FlushReady())
	win.SetFlushReady(false)
	require.False(t, win.FlushReady())
}

func TestLockSerializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "window")

	win, err := Create(path, 0, 256)
	require.NoError(t, err)
	defer win.Close()

	counter := 0
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				win.Lock()
				counter++
				win.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 4000, counter)
}
