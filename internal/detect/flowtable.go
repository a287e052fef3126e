package detect

import (
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

// FlowKey identifies a unidirectional flow.
type FlowKey struct {
	SrcIP   string
	DstIP   string
	Proto   string
	SrcPort int
	DstPort int
}

// Flow accumulates per-flow counters and rolling inter-arrival statistics
// using Welford's online algorithm. A flow always has packets >= 1 and
// bytes >= packets (Packet.Validate rejects packets smaller than one byte).
type Flow struct {
	Key       FlowKey
	Packets   int64
	Bytes     int64
	FirstSeen float64
	LastSeen  float64
	Flags     string

	iatCount int64
	iatMean  float64
	iatM2    float64
	iatMin   float64
	iatMax   float64
}

// Update folds one packet into the flow.
func (f *Flow) Update(pkt *event.Packet) {
	f.Packets++
	f.Bytes += int64(pkt.Size)
	if pkt.TS > f.LastSeen {
		if f.Packets > 1 {
			iat := pkt.TS - f.LastSeen
			f.iatCount++
			delta := iat - f.iatMean
			f.iatMean += delta / float64(f.iatCount)
			f.iatM2 += delta * (iat - f.iatMean)
			if f.iatCount == 1 || iat < f.iatMin {
				f.iatMin = iat
			}
			if iat > f.iatMax {
				f.iatMax = iat
			}
		}
		f.LastSeen = pkt.TS
	}
	if pkt.Flags != "" && !strings.Contains(f.Flags, pkt.Flags) {
		if f.Flags != "" {
			f.Flags += ","
		}
		f.Flags += pkt.Flags
	}
}

// IATStats returns (mean, std, min, max) of inter-arrival times. A flow
// with a single packet reports all zeros.
func (f *Flow) IATStats() (mean, std, min, max float64) {
	if f.iatCount == 0 {
		return 0, 0, 0, 0
	}
	variance := 0.0
	if f.iatCount > 1 {
		variance = f.iatM2 / float64(f.iatCount)
	}
	return f.iatMean, math.Sqrt(variance), f.iatMin, f.iatMax
}

// FlowTable tracks active flows with LRU bounding. It is owned by the
// single aggregation goroutine; no internal locking.
type FlowTable struct {
	flows   *lru.Cache[FlowKey, *Flow]
	evicted []*Flow
}

// NewFlowTable creates a table bounded to maxFlows entries. Overflow evicts
// the least recently updated flow, which is collected for scoring instead
// of silently discarded.
func NewFlowTable(maxFlows int) (*FlowTable, error) {
	ft := &FlowTable{}
	cache, err := lru.NewWithEvict[FlowKey, *Flow](maxFlows, func(_ FlowKey, f *Flow) {
		ft.evicted = append(ft.evicted, f)
	})
	if err != nil {
		return nil, err
	}
	ft.flows = cache
	return ft, nil
}

// Upsert folds the packet into its flow, creating the flow on first packet.
// It returns any flows the LRU pushed out to make room.
func (ft *FlowTable) Upsert(pkt *event.Packet) []*Flow {
	key := FlowKey{
		SrcIP:   pkt.SrcIP,
		DstIP:   pkt.DstIP,
		Proto:   pkt.Proto,
		SrcPort: pkt.SrcPort,
		DstPort: pkt.DstPort,
	}
	flow, ok := ft.flows.Get(key)
	if !ok {
		flow = &Flow{Key: key, FirstSeen: pkt.TS, LastSeen: pkt.TS}
		ft.flows.Add(key, flow)
	}
	flow.Update(pkt)

	pushed := ft.evicted
	ft.evicted = nil
	return pushed
}

// EvictIdle removes and returns flows idle longer than timeout seconds.
func (ft *FlowTable) EvictIdle(now, timeout float64) []*Flow {
	var idle []*Flow
	for _, key := range ft.flows.Keys() {
		flow, ok := ft.flows.Peek(key)
		if !ok {
			continue
		}
		if now-flow.LastSeen > timeout {
			idle = append(idle, flow)
			ft.flows.Remove(key)
		}
	}
	// Remove triggers the evict callback; these are already collected.
	ft.evicted = nil
	return idle
}

// Active returns all resident flows without evicting them, for the
// periodic flush that bounds detection latency.
func (ft *FlowTable) Active() []*Flow {
	keys := ft.flows.Keys()
	active := make([]*Flow, 0, len(keys))
	for _, key := range keys {
		if flow, ok := ft.flows.Peek(key); ok {
			active = append(active, flow)
		}
	}
	return active
}

// Len reports the number of tracked flows.
func (ft *FlowTable) Len() int {
	return ft.flows.Len()
}
