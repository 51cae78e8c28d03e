package acktracker

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var testAddr = netip.MustParseAddrPort("10.0.0.5:9000")

const testTimeout = 30 * time.Second

func constLatency(d time.Duration) func(netip.Addr) time.Duration {
	return func(netip.Addr) time.Duration { return d }
}

func TestTrackSingleThenAckRemovesEntry(t *testing.T) {
	tr := New()
	tr.TrackSingle(1, testAddr, []byte("frame"), testTimeout)
	require.Equal(t, 1, tr.PendingSingleCount())

	addr, _, ok := tr.OnSingleFrameAck(1)
	require.True(t, ok)
	require.Equal(t, testAddr, addr)
	require.Equal(t, 0, tr.PendingSingleCount())
}

func TestAckUnknownIDIsIgnored(t *testing.T) {
	tr := New()
	_, _, ok := tr.OnSingleFrameAck(999)
	require.False(t, ok)
}

func TestResendDueRespectsDeadline(t *testing.T) {
	now := time.Now()
	tr := NewWithClock(func() time.Time { return now })
	tr.TrackSingle(1, testAddr, []byte("frame"), testTimeout)

	// immediately after sending, nothing is due yet
	out := tr.ResendDue(constLatency(10 * time.Millisecond))
	require.Empty(t, out)

	now = now.Add(time.Second)
	out = tr.ResendDue(constLatency(10 * time.Millisecond))
	require.Len(t, out, 1)
	require.Equal(t, []byte("frame"), out[0].Data)
}

func TestResendDueIncreasesSendCountAndBackoff(t *testing.T) {
	now := time.Now()
	tr := NewWithClock(func() time.Time { return now })
	tr.TrackSingle(1, testAddr, []byte("frame"), testTimeout)

	now = now.Add(time.Second)
	tr.ResendDue(constLatency(20 * time.Millisecond))
	// next deadline should have moved forward from "now"
	out := tr.ResendDue(constLatency(20 * time.Millisecond))
	require.Empty(t, out, "resend deadline should not be immediately due again")
}

func TestMultiFrameFullResendIncludesBeginFragmentsEnd(t *testing.T) {
	now := time.Now()
	tr := NewWithClock(func() time.Time { return now })
	fragments := [][]byte{[]byte("f0"), []byte("f1"), []byte("f2")}
	tr.TrackMulti(1, testAddr, []byte("begin"), fragments, []byte("end"), testTimeout)

	now = now.Add(time.Second)
	out := tr.ResendDue(constLatency(10 * time.Millisecond))
	require.Len(t, out, 5) // begin + 3 fragments + end
	require.Equal(t, []byte("begin"), out[0].Data)
	require.Equal(t, []byte("end"), out[4].Data)
}

func TestMultiFrameAckFailNarrowsResendToMissing(t *testing.T) {
	now := time.Now()
	tr := NewWithClock(func() time.Time { return now })
	fragments := [][]byte{[]byte("f0"), []byte("f1"), []byte("f2")}
	tr.TrackMulti(1, testAddr, []byte("begin"), fragments, []byte("end"), testTimeout)

	ok := tr.OnMultiFrameAckFail(1, []uint32{1})
	require.True(t, ok)

	out := tr.ResendDue(constLatency(10 * time.Millisecond))
	require.Len(t, out, 2) // fragment 1 + end, no begin
	require.Equal(t, []byte("f1"), out[0].Data)
	require.Equal(t, []byte("end"), out[1].Data)
}

func TestMultiFrameAckRemovesEntry(t *testing.T) {
	tr := New()
	tr.TrackMulti(1, testAddr, []byte("begin"), [][]byte{[]byte("f0")}, []byte("end"), testTimeout)
	require.Equal(t, 1, tr.PendingMultiCount())

	_, _, ok := tr.OnMultiFrameAck(1)
	require.True(t, ok)
	require.Equal(t, 0, tr.PendingMultiCount())
}

func TestGCDropsEntriesPastTheirOwnHardTimeout(t *testing.T) {
	now := time.Now()
	tr := NewWithClock(func() time.Time { return now })
	tr.TrackSingle(1, testAddr, []byte("frame"), 30*time.Second)
	tr.TrackMulti(2, testAddr, []byte("begin"), [][]byte{[]byte("f0")}, []byte("end"), time.Minute)

	now = now.Add(45 * time.Second)
	tr.GC()
	require.Equal(t, 0, tr.PendingSingleCount(), "single entry's 30s timeout has elapsed")
	require.Equal(t, 1, tr.PendingMultiCount(), "multi entry's 1m timeout has not elapsed yet")

	now = now.Add(30 * time.Second)
	tr.GC()
	require.Equal(t, 0, tr.PendingMultiCount())
}

func TestGCRespectsPerCallTimeoutsIndependently(t *testing.T) {
	now := time.Now()
	tr := NewWithClock(func() time.Time { return now })
	tr.TrackSingle(1, testAddr, []byte("short"), time.Second)
	tr.TrackSingle(2, testAddr, []byte("long"), time.Minute)

	now = now.Add(2 * time.Second)
	tr.GC()
	require.Equal(t, 1, tr.PendingSingleCount(), "only the 1s-timeout entry should have expired")

	_, _, ok := tr.OnSingleFrameAck(2)
	require.True(t, ok, "the long-timeout entry must still be tracked")
}

func TestBackoffClampsWithinBounds(t *testing.T) {
	require.Equal(t, 50*time.Millisecond, backoff(1, 0))
	require.Equal(t, 1000*time.Millisecond, backoff(1000, time.Second))
}
