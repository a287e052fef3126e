package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

func pkt(src, dst string, size int, ts float64) *event.Packet {
	return &event.Packet{
		TS: ts, SrcIP: src, DstIP: dst, Proto: "tcp",
		SrcPort: 40000, DstPort: 80, Size: size,
	}
}

func TestFlowSinglePacket(t *testing.T) {
	ft, err := NewFlowTable(10)
	require.NoError(t, err)

	ft.Upsert(pkt("10.0.0.1", "10.0.0.2", 100, 1000.0))
	flows := ft.Active()
	require.Len(t, flows, 1)

	f := flows[0]
	assert.Equal(t, int64(1), f.Packets)
	assert.Equal(t, int64(100), f.Bytes)
	assert.Equal(t, f.FirstSeen, f.LastSeen)

	// One packet: inter-arrival stats are well-defined zeros.
	mean, std, min, max := f.IATStats()
	assert.Zero(t, mean)
	assert.Zero(t, std)
	assert.Zero(t, min)
	assert.Zero(t, max)
}

func TestFlowWelfordStats(t *testing.T) {
	ft, err := NewFlowTable(10)
	require.NoError(t, err)

	// Packets at t=0, 1, 3, 6: inter-arrivals 1, 2, 3.
	for _, ts := range []float64{0, 1, 3, 6} {
		ft.Upsert(pkt("10.0.0.1", "10.0.0.2", 100, ts))
	}
	flows := ft.Active()
	require.Len(t, flows, 1)
	f := flows[0]

	assert.Equal(t, int64(4), f.Packets)
	assert.Equal(t, int64(400), f.Bytes)
	assert.GreaterOrEqual(t, f.LastSeen, f.FirstSeen)
	assert.GreaterOrEqual(t, f.Bytes, f.Packets)

	mean, std, min, max := f.IATStats()
	assert.InDelta(t, 2.0, mean, 1e-9)
	// Population std of {1,2,3} = sqrt(2/3).
	assert.InDelta(t, 0.8164965809, std, 1e-6)
	assert.InDelta(t, 1.0, min, 1e-9)
	assert.InDelta(t, 3.0, max, 1e-9)
}

func TestFlowTableLRUEviction(t *testing.T) {
	ft, err := NewFlowTable(2)
	require.NoError(t, err)

	require.Empty(t, ft.Upsert(pkt("10.0.0.1", "10.0.0.2", 100, 1.0)))
	require.Empty(t, ft.Upsert(pkt("10.0.0.3", "10.0.0.2", 100, 2.0)))

	// Third distinct flow pushes out the least recently seen.
	evicted := ft.Upsert(pkt("10.0.0.4", "10.0.0.2", 100, 3.0))
	require.Len(t, evicted, 1)
	assert.Equal(t, "10.0.0.1", evicted[0].Key.SrcIP)
	assert.Equal(t, 2, ft.Len())
}

func TestFlowTableIdleEviction(t *testing.T) {
	ft, err := NewFlowTable(10)
	require.NoError(t, err)

	ft.Upsert(pkt("10.0.0.1", "10.0.0.2", 100, 100.0))
	ft.Upsert(pkt("10.0.0.3", "10.0.0.2", 100, 128.0))

	// At t=131 with a 30s timeout only the first flow is idle.
	idle := ft.EvictIdle(131.0, 30.0)
	require.Len(t, idle, 1)
	assert.Equal(t, "10.0.0.1", idle[0].Key.SrcIP)
	assert.Equal(t, 1, ft.Len())
}

func TestFlowKeyDistinguishesPorts(t *testing.T) {
	ft, err := NewFlowTable(10)
	require.NoError(t, err)

	a := pkt("10.0.0.1", "10.0.0.2", 100, 1.0)
	b := pkt("10.0.0.1", "10.0.0.2", 100, 1.0)
	b.SrcPort = 40001

	ft.Upsert(a)
	ft.Upsert(b)
	assert.Equal(t, 2, ft.Len())
}
