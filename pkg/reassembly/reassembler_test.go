package reassembly

import (
	"bytes"
	"testing"
	"time"

	"github.com/skylineproto/udptransport/pkg/wire"
	"github.com/stretchr/testify/require"
)

func TestReassembleCompleteMessage(t *testing.T) {
	r := New()
	r.OnBegin(1, 3, 2050)
	require.Equal(t, 1, r.Len())

	frag := func(i uint32, b byte, n int) []byte { return bytes.Repeat([]byte{b}, n) }
	r.OnFragment(1, 0, frag(0, 'a', wire.FragmentSize))
	r.OnFragment(1, 1, frag(1, 'b', wire.FragmentSize))
	r.OnFragment(1, 2, frag(2, 'c', 2))

	payload, missing, complete := r.OnEnd(1)
	require.True(t, complete)
	require.Nil(t, missing)
	require.Equal(t, 2050, len(payload))
	require.True(t, bytes.HasPrefix(payload, bytes.Repeat([]byte{'a'}, wire.FragmentSize)))
	require.Equal(t, 0, r.Len())
}

func TestReassembleMissingFragmentsReportsAckFail(t *testing.T) {
	r := New()
	r.OnBegin(1, 3, 2050)
	r.OnFragment(1, 0, bytes.Repeat([]byte{'a'}, wire.FragmentSize))
	// fragment 1 never arrives
	r.OnFragment(1, 2, bytes.Repeat([]byte{'c'}, 2))

	payload, missing, complete := r.OnEnd(1)
	require.False(t, complete)
	require.Nil(t, payload)
	require.Equal(t, []uint32{1}, missing)
	require.Equal(t, 1, r.Len(), "entry survives an incomplete End")
}

func TestDuplicateBeginIsIgnored(t *testing.T) {
	r := New()
	r.OnBegin(1, 3, 2050)
	r.OnFragment(1, 0, bytes.Repeat([]byte{'a'}, wire.FragmentSize))
	r.OnBegin(1, 5, 9999) // late/duplicate begin, must not reset state

	r.OnFragment(1, 1, bytes.Repeat([]byte{'b'}, wire.FragmentSize))
	r.OnFragment(1, 2, bytes.Repeat([]byte{'c'}, 2))
	_, _, complete := r.OnEnd(1)
	require.True(t, complete)
}

func TestInvalidBeginIsRejected(t *testing.T) {
	r := New()
	// total_size must be > (total_fragments-1)*FRAGMENT_SIZE and <= total_fragments*FRAGMENT_SIZE
	r.OnBegin(1, 3, wire.FragmentSize) // too small for 3 fragments
	require.Equal(t, 0, r.Len())

	r.OnBegin(2, 3, 3*wire.FragmentSize+1) // too large
	require.Equal(t, 0, r.Len())

	r.OnBegin(3, 1, 10) // single fragment begin is not a multi-frame message
	require.Equal(t, 0, r.Len())
}

func TestOutOfBoundsFragmentIsDropped(t *testing.T) {
	r := New()
	r.OnBegin(1, 2, 1100)
	r.OnFragment(1, 5, []byte("stray")) // fragment_id >= total_fragments
	r.OnFragment(1, 0, bytes.Repeat([]byte{0}, wire.FragmentSize+1)) // too long
	_, missing, complete := r.OnEnd(1)
	require.False(t, complete)
	require.Equal(t, []uint32{0, 1}, missing)
}

func TestGCDropsIdleEntries(t *testing.T) {
	now := time.Now()
	r := NewWithClock(func() time.Time { return now })
	r.OnBegin(1, 3, 2050)
	require.Equal(t, 1, r.Len())

	now = now.Add(61 * time.Second)
	r.GC(60 * time.Second)
	require.Equal(t, 0, r.Len())
}

func TestGCKeepsFreshEntries(t *testing.T) {
	now := time.Now()
	r := NewWithClock(func() time.Time { return now })
	r.OnBegin(1, 3, 2050)

	now = now.Add(30 * time.Second)
	r.GC(60 * time.Second)
	require.Equal(t, 1, r.Len())
}
