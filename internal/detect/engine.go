package detect

import (
	"context"
	"hash/fnv"
	"io"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/bus"
	"github.com/Ashfaaq98/sentinel-defense/internal/capture"
	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/event"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

// Engine turns packets into alerts: flow aggregation, feature extraction,
// micro-batched scoring, emission. One goroutine owns the flow table; a
// fixed pool of scoring workers receives vectors routed by flow key so
// per-flow alert order is preserved.
type Engine struct {
	cfg      config.DetectionConfig
	source   capture.Source
	scorer   Scorer
	bus      bus.Bus
	store    *store.Store
	metrics  *metrics.Metrics
	logger   *log.Logger
	sensorID string

	workers []chan scoreItem
	wg      sync.WaitGroup
}

// NewEngine wires a detection engine. A nil scorer selects the heuristic.
func NewEngine(cfg config.DetectionConfig, src capture.Source, scorer Scorer,
	b bus.Bus, st *store.Store, m *metrics.Metrics, sensorID string, logger *log.Logger) *Engine {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[Detect] ", log.LstdFlags)
	}
	return &Engine{
		cfg:      cfg,
		source:   src,
		scorer:   scorer,
		bus:      b,
		store:    st,
		metrics:  m,
		logger:   logger,
		sensorID: sensorID,
	}
}

// Run starts the worker group and blocks until ctx is cancelled. Source
// end-of-stream leaves the engine idle (timers keep flushing residual
// flows) rather than tearing anything down.
func (e *Engine) Run(ctx context.Context) error {
	n := e.cfg.ScoringWorkers
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	e.workers = make([]chan scoreItem, n)
	for i := range e.workers {
		e.workers[i] = make(chan scoreItem, e.cfg.BatchSize*2)
		e.wg.Add(1)
		go e.scoreWorker(ctx, e.workers[i])
	}

	packets := make(chan *event.Packet, 1024)
	e.wg.Add(1)
	go e.readLoop(ctx, packets)

	e.wg.Add(1)
	go e.aggregate(ctx, packets)

	e.wg.Wait()
	return ctx.Err()
}

// readLoop is the single blocking packet-ingest worker.
func (e *Engine) readLoop(ctx context.Context, packets chan<- *event.Packet) {
	defer e.wg.Done()
	defer close(packets)
	for {
		pkt, err := e.source.Next(ctx)
		if err == io.EOF {
			e.logger.Printf("packet source exhausted, engine idle")
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.logger.Printf("WARN packet source error: %v", err)
			continue
		}
		if err := pkt.Validate(); err != nil {
			if e.metrics != nil {
				e.metrics.PacketsInvalidTotal.Inc()
			}
			e.logger.Printf("WARN dropping malformed packet: %v", err)
			continue
		}
		select {
		case packets <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// aggregate owns the flow table. It folds packets in, evicts idle flows,
// and flushes active flows on the flush interval so detection latency stays
// bounded even for long-lived flows.
func (e *Engine) aggregate(ctx context.Context, packets <-chan *event.Packet) {
	defer e.wg.Done()
	defer e.closeWorkers()

	table, err := NewFlowTable(e.cfg.MaxFlows)
	if err != nil {
		e.logger.Printf("ERROR failed to create flow table: %v", err)
		return
	}

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	idleSeconds := e.cfg.FlowIdleTimeout.Seconds()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				// Source exhausted: keep flushing on the ticker.
				packets = nil
				continue
			}
			if e.metrics != nil {
				e.metrics.PacketsTotal.Inc()
			}
			for _, evictee := range table.Upsert(pkt) {
				e.dispatch(ctx, evictee)
				if e.metrics != nil {
					e.metrics.FlowsEvictedTotal.Inc()
				}
			}
		case <-ticker.C:
			now := event.Now()
			for _, idle := range table.EvictIdle(now, idleSeconds) {
				e.dispatch(ctx, idle)
				if e.metrics != nil {
					e.metrics.FlowsEvictedTotal.Inc()
				}
			}
			for _, active := range table.Active() {
				e.dispatch(ctx, active)
			}
			if e.metrics != nil {
				e.metrics.FlowsTracked.Set(float64(table.Len()))
			}
		}
	}
}

// dispatch routes a flow's vector to its affinity worker.
func (e *Engine) dispatch(ctx context.Context, f *Flow) {
	item := scoreItem{key: f.Key, vec: Vectorize(f), ts: f.LastSeen}
	worker := e.workers[keyHash(f.Key)%uint32(len(e.workers))]
	select {
	case worker <- item:
	case <-ctx.Done():
	}
}

func keyHash(key FlowKey) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key.SrcIP))
	h.Write([]byte(key.DstIP))
	h.Write([]byte(key.Proto))
	h.Write([]byte{byte(key.SrcPort), byte(key.SrcPort >> 8), byte(key.DstPort), byte(key.DstPort >> 8)})
	return h.Sum32()
}

func (e *Engine) closeWorkers() {
	for _, w := range e.workers {
		close(w)
	}
}

// scoreWorker accumulates vectors into micro-batches and scores them when
// the batch fills or the batch timeout fires.
func (e *Engine) scoreWorker(ctx context.Context, items <-chan scoreItem) {
	defer e.wg.Done()
	batcher := NewMicroBatcher(e.cfg.BatchSize, e.cfg.BatchTimeout)
	for {
		select {
		case item, ok := <-items:
			if !ok {
				if batcher.Len() > 0 {
					e.scoreBatch(ctx, batcher.Flush())
				}
				return
			}
			if batch, ready := batcher.Add(item); ready {
				e.scoreBatch(ctx, batch)
			}
		case <-batcher.Deadline():
			e.scoreBatch(ctx, batcher.Flush())
		case <-ctx.Done():
			return
		}
	}
}

// scoreBatch runs the scorer and emits alerts for elements clearing the
// emit threshold. A scorer failure discards the batch with a WARN and
// detection continues.
func (e *Engine) scoreBatch(ctx context.Context, batch []scoreItem) {
	if len(batch) == 0 {
		return
	}
	vectors := make([][]float64, len(batch))
	for i, item := range batch {
		vectors[i] = item.vec
	}

	scores, err := e.scorer.Score(vectors)
	if err != nil || len(scores) != len(batch) {
		if e.metrics != nil {
			e.metrics.ScorerErrorsTotal.Inc()
		}
		e.logger.Printf("WARN scorer failed, discarding batch of %d: %v", len(batch), err)
		return
	}

	for i, item := range batch {
		score := clamp01(scores[i])
		if score < e.cfg.EmitThreshold {
			continue
		}
		alert := &event.AlertEvent{
			ID:         event.NewAlertID(),
			TS:         item.ts,
			SrcIP:      item.key.SrcIP,
			DstIP:      item.key.DstIP,
			Proto:      item.key.Proto,
			Features:   FeatureMap(item.vec),
			ModelScore: score,
			Confidence: Confidence(score, e.scorer.Probabilistic()),
			Severity:   e.bucketSeverity(score),
			SensorID:   e.sensorID,
		}
		e.emit(ctx, alert)
	}
}

// bucketSeverity maps a score onto severity with inclusive-high boundaries.
func (e *Engine) bucketSeverity(score float64) event.Severity {
	switch {
	case score >= e.cfg.SeverityHigh:
		return event.SeverityHigh
	case score >= e.cfg.SeverityMedium:
		return event.SeverityMedium
	default:
		return event.SeverityLow
	}
}

// emit persists the alert and then publishes it. The write must commit
// before the publish; a failed write is retried once and then the alert is
// dropped with an ERROR log.
func (e *Engine) emit(ctx context.Context, alert *event.AlertEvent) {
	if err := e.store.SaveAlert(ctx, alert); err != nil {
		if err = e.store.SaveAlert(ctx, alert); err != nil {
			e.logger.Printf("ERROR dropping alert %s: persist failed twice: %v", alert.ID, err)
			return
		}
	}

	payload, err := event.MarshalPayload(alert)
	if err != nil {
		e.logger.Printf("ERROR dropping alert %s: %v", alert.ID, err)
		return
	}
	if err := e.bus.Publish(ctx, bus.TopicAlerts, payload); err != nil {
		e.logger.Printf("WARN failed to publish alert %s: %v", alert.ID, err)
		return
	}
	if e.metrics != nil {
		e.metrics.AlertsEmittedTotal.Inc()
	}
}
