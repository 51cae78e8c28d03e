package latency

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetOnUnknownPeerReturnsDefault(t *testing.T) {
	tbl := New()
	addr := netip.MustParseAddr("10.0.0.1")

	_, ok := tbl.Get(addr)
	require.False(t, ok)
	require.Equal(t, DefaultEstimate, tbl.GetOrDefault(addr))
}

func TestObserveInsertsPeer(t *testing.T) {
	tbl := New()
	addr := netip.MustParseAddr("10.0.0.1")

	tbl.Observe(addr, 100*time.Millisecond)

	got, ok := tbl.Get(addr)
	require.True(t, ok)
	require.Equal(t, 100*time.Millisecond, got)
}

func TestObserveAppliesEWMA(t *testing.T) {
	tbl := New()
	addr := netip.MustParseAddr("10.0.0.1")

	tbl.Observe(addr, 100*time.Millisecond)
	tbl.Observe(addr, 200*time.Millisecond)

	got, ok := tbl.Get(addr)
	require.True(t, ok)
	// new = (9*100 + 200) / 10 = 110
	require.Equal(t, 110*time.Millisecond, got)
}

func TestObserveKeepsPeersIndependent(t *testing.T) {
	tbl := New()
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	tbl.Observe(a, 500*time.Millisecond)

	require.Equal(t, DefaultEstimate, tbl.GetOrDefault(b))
	gotA, _ := tbl.Get(a)
	// first sample folds into the 100ms baseline: (9*100 + 500) / 10 = 140
	require.Equal(t, 140*time.Millisecond, gotA)
}
