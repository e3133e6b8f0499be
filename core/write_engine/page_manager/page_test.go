package pagemanager

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/xtcdb/core/dberror"
)

func TestPageID_RoundTrips(t *testing.T) {
	id := PageID{Container: 3, Number: 77}
	require.Equal(t, id, PageIDFromUint64(id.Uint64()))
	parsed, err := ParsePageID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.False(t, InvalidPageID.IsValid())

	_, err = ParsePageID("nope")
	require.True(t, errors.Is(err, dberror.ErrInvalidPageID))
}

func TestPage_EncodeDecode(t *testing.T) {
	p := NewPage(PageID{Container: 1, Number: 2}, 256)
	require.NoError(t, p.Decode(), "a zeroed page is valid")
	require.Equal(t, InvalidLSN, p.GetLSN())

	copy(p.Body(), []byte("hello"))
	p.SetLSN(42)

	q := NewPage(p.GetPageID(), 256)
	p.EncodeTo(q.GetData())
	require.NoError(t, q.Decode())
	require.Equal(t, LSN(42), q.GetLSN())
	require.Equal(t, []byte("hello"), q.Body()[:5])

	q.GetData()[20] ^= 0xFF
	require.True(t, errors.Is(q.Decode(), dberror.ErrChecksum))
}

func TestLatch_Compatibility(t *testing.T) {
	var l Latch
	require.True(t, l.TryAcquire(LatchShared))
	require.True(t, l.TryAcquire(LatchUpdate), "update admits readers")
	require.False(t, l.TryAcquire(LatchUpdate), "only one updater")
	require.False(t, l.TryAcquire(LatchExclusive))
	l.Release(LatchShared)
	l.Release(LatchUpdate)

	require.True(t, l.TryAcquire(LatchExclusive))
	require.False(t, l.TryAcquire(LatchShared))
	require.NoError(t, l.Downgrade())
	require.True(t, l.TryAcquire(LatchShared))
	l.Release(LatchShared)
	l.Release(LatchShared)

	readers, update, exclusive := l.Holders()
	require.Zero(t, readers)
	require.False(t, update)
	require.False(t, exclusive)
}

func TestLatch_Timeout(t *testing.T) {
	var l Latch
	require.NoError(t, l.Acquire(LatchExclusive, 0))
	err := l.Acquire(LatchShared, 20*time.Millisecond)
	require.True(t, errors.Is(err, dberror.ErrLatchTimeout))
	var be *dberror.BufferError
	require.True(t, errors.As(err, &be))
	l.Release(LatchExclusive)
}

func TestLatch_UpgradeWaitsForReaders(t *testing.T) {
	var l Latch
	require.NoError(t, l.Acquire(LatchUpdate, 0))
	require.NoError(t, l.Acquire(LatchShared, 0))

	var wg sync.WaitGroup
	upgraded := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, l.Upgrade(time.Second))
		close(upgraded)
	}()

	select {
	case <-upgraded:
		t.Fatal("upgrade must wait for the reader")
	case <-time.After(20 * time.Millisecond):
	}
	l.Release(LatchShared)
	wg.Wait()
	_, _, exclusive := l.Holders()
	require.True(t, exclusive)
	l.Release(LatchExclusive)

	require.True(t, errors.Is(l.Upgrade(0), dberror.ErrLatchMode))
}

func TestLatch_WaitingWriterHoldsBackReaders(t *testing.T) {
	var l Latch
	require.NoError(t, l.Acquire(LatchShared, 0))

	acquired := make(chan error, 1)
	go func() { acquired <- l.Acquire(LatchExclusive, time.Second) }()
	require.Eventually(t, func() bool {
		if l.TryAcquire(LatchShared) {
			l.Release(LatchShared)
			return false
		}
		return true
	}, time.Second, time.Millisecond, "new readers queue behind the writer")

	l.Release(LatchShared)
	require.NoError(t, <-acquired)
	l.Release(LatchExclusive)
	require.True(t, l.TryAcquire(LatchShared))
	l.Release(LatchShared)
}
