package investigate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Ashfaaq98/sentinel-defense/internal/bus"
	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/event"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

// Agent consumes alerts, fans out threat-intel lookups for the source IP
// and fuses the findings into an InvestigationReport. One subscription
// reader feeds a bounded pool of investigation workers; each investigation
// queries all enabled providers concurrently under a shared deadline.
type Agent struct {
	cfg       config.InvestigationConfig
	providers []Provider
	limiters  map[string]*TokenBucket
	ttls      map[string]time.Duration
	cache     Cache
	bus       bus.Bus
	store     *store.Store
	metrics   *metrics.Metrics
	logger    *log.Logger

	jobs chan *event.AlertEvent
	wg   sync.WaitGroup
	sub  bus.Subscription
}

// NewAgent wires the investigation stage. Providers are built from the
// configuration; the cache may be pre-seeded by tests or operators.
func NewAgent(cfg config.InvestigationConfig, cache Cache, b bus.Bus, st *store.Store,
	m *metrics.Metrics, logger *log.Logger) (*Agent, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Investigate] ", log.LstdFlags)
	}

	settings := make(map[string]ProviderSettings, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		settings[name] = ProviderSettings{
			Enabled:        pc.Enabled,
			Credential:     pc.Credential,
			RequestsPerDay: pc.RequestsPerDay,
			Burst:          pc.Burst,
			TTL:            pc.TTL,
		}
	}
	providers, err := BuildProviders(settings, cfg.OfflineMode)
	if err != nil {
		return nil, err
	}

	limiters := make(map[string]*TokenBucket, len(providers))
	ttls := make(map[string]time.Duration, len(providers))
	for _, p := range providers {
		s := settings[p.Name()]
		limiters[p.Name()] = NewTokenBucket(s.RequestsPerDay, s.Burst)
		ttl := s.TTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		ttls[p.Name()] = ttl
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 16
	}

	return &Agent{
		cfg:       cfg,
		providers: providers,
		limiters:  limiters,
		ttls:      ttls,
		cache:     cache,
		bus:       b,
		store:     st,
		metrics:   m,
		logger:    logger,
		jobs:      make(chan *event.AlertEvent, workers*2),
	}, nil
}

// Run subscribes to alerts and processes them until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	workers := a.cfg.Workers
	if workers <= 0 {
		workers = 16
	}
	for i := 0; i < workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}

	sub, err := a.bus.Subscribe(bus.TopicAlerts, func(ctx context.Context, payload []byte) error {
		var alert event.AlertEvent
		if err := json.Unmarshal(payload, &alert); err != nil {
			return fmt.Errorf("undecodable alert payload: %w", err)
		}
		select {
		case a.jobs <- &alert:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to alerts: %w", err)
	}
	a.sub = sub

	<-ctx.Done()
	sub.Cancel()
	a.wg.Wait()
	return ctx.Err()
}

// worker processes queued alerts. On shutdown it drains what is already
// queued before exiting; the jobs channel is never closed so late bus
// deliveries cannot panic.
func (a *Agent) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case alert := <-a.jobs:
					a.process(ctx, alert)
				default:
					return
				}
			}
		case alert := <-a.jobs:
			a.process(ctx, alert)
		}
	}
}

func (a *Agent) process(ctx context.Context, alert *event.AlertEvent) {
	report := a.Investigate(ctx, alert)
	a.emit(ctx, report)
}

// Investigate runs the TI fan-out for one alert and fuses the result.
// Deterministic given the alert, the cache state and the provider answers.
func (a *Agent) Investigate(ctx context.Context, alert *event.AlertEvent) *event.InvestigationReport {
	ctx, cancel := context.WithTimeout(ctx, a.fanoutTimeout())
	defer cancel()

	findings := a.fanOut(ctx, alert.SrcIP)

	report := &event.InvestigationReport{
		AlertID:       alert.ID,
		TS:            event.Now(),
		IOCFindings:   findings,
		RiskScore:     alert.ModelScore,
		AlertSeverity: alert.Severity,
	}

	var present []float64
	for _, p := range a.providers {
		report.Sources = append(report.Sources, p.Name())
		if f, ok := findings[p.Name()]; ok && f.Error == "" {
			present = append(present, f.NormalizedScore)
		}
	}

	total := len(a.providers)
	if total == 0 || len(present) == 0 {
		// No intel at all: fall back to the alert alone.
		report.Uncertainty = 1.0
		report.Confidence = 0.0
		report.RiskScore = alert.ModelScore
		if alert.Severity == event.SeverityHigh {
			report.Verdict = event.VerdictSuspicious
		} else {
			report.Verdict = event.VerdictBenign
		}
		report.Notes = "no threat-intel available, verdict derived from alert"
		return report
	}

	mean := 0.0
	for _, s := range present {
		mean += s
	}
	mean /= float64(len(present))

	alpha := a.cfg.Alpha
	risk := alpha*alert.ModelScore + (1-alpha)*mean
	if risk < 0 {
		risk = 0
	}
	if risk > 1 {
		risk = 1
	}
	report.RiskScore = risk
	report.Uncertainty = 1 - float64(len(present))/float64(total)
	report.Confidence = 1 - report.Uncertainty
	report.Verdict = a.bucketVerdict(risk)
	report.Notes = fmt.Sprintf("automatic investigation with %d/%d sources", len(present), total)
	return report
}

// fanOut queries all providers concurrently, consulting the cache first
// and recording per-provider failures without aborting the rest.
func (a *Agent) fanOut(ctx context.Context, ip string) map[string]event.Finding {
	type result struct {
		name    string
		finding *event.Finding
	}
	results := make(chan result, len(a.providers))

	var wg sync.WaitGroup
	for _, p := range a.providers {
		wg.Add(1)
		go func(p Provider) {
			defer wg.Done()
			results <- result{p.Name(), a.query(ctx, p, ip)}
		}(p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	findings := make(map[string]event.Finding, len(a.providers))
	for {
		select {
		case r, ok := <-results:
			if !ok {
				return findings
			}
			if r.finding != nil {
				findings[r.name] = *r.finding
			}
		case <-ctx.Done():
			// Hard timeout: proceed with what is available.
			return findings
		}
	}
}

// query resolves one provider's finding: cache, then rate limit, then the
// external call. Errors become findings with the error field set.
func (a *Agent) query(ctx context.Context, p Provider, ip string) *event.Finding {
	if a.cache != nil {
		if cached, ok := a.cache.Get(p.Name(), ip); ok {
			return cached
		}
	}

	if limiter := a.limiters[p.Name()]; limiter != nil && !limiter.Allow() {
		a.providerError(p.Name())
		return &event.Finding{Source: p.Name(), Error: "rate limited"}
	}

	finding, err := p.CheckIP(ctx, ip)
	if err != nil {
		a.providerError(p.Name())
		a.logger.Printf("WARN provider %s failed for %s: %v", p.Name(), ip, err)
		return &event.Finding{Source: p.Name(), Error: err.Error()}
	}

	if a.cache != nil {
		a.cache.Set(p.Name(), ip, finding, a.ttls[p.Name()])
	}
	return finding
}

func (a *Agent) providerError(name string) {
	if a.metrics != nil {
		a.metrics.ProviderErrorsTotal.WithLabelValues(name).Inc()
	}
}

// bucketVerdict maps risk onto a verdict with inclusive-high boundaries.
func (a *Agent) bucketVerdict(risk float64) event.Verdict {
	switch {
	case risk >= a.cfg.VerdictMalicious:
		return event.VerdictMalicious
	case risk >= a.cfg.VerdictSuspicious:
		return event.VerdictSuspicious
	default:
		return event.VerdictBenign
	}
}

func (a *Agent) fanoutTimeout() time.Duration {
	if a.cfg.FanoutTimeout <= 0 {
		return 3 * time.Second
	}
	return a.cfg.FanoutTimeout
}

// emit persists the report, then publishes it. The write commits before the
// publish; a failed write is retried once before the report is dropped with
// an ERROR log.
func (a *Agent) emit(ctx context.Context, report *event.InvestigationReport) {
	saveCtx := ctx
	if saveCtx.Err() != nil {
		// Shutdown mid-investigation: still try to persist the report.
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := a.store.SaveInvestigation(saveCtx, report); err != nil {
		if err = a.store.SaveInvestigation(saveCtx, report); err != nil {
			a.logger.Printf("ERROR dropping report for %s: persist failed twice: %v", report.AlertID, err)
			return
		}
	}

	payload, err := event.MarshalPayload(report)
	if err != nil {
		a.logger.Printf("ERROR dropping report for %s: %v", report.AlertID, err)
		return
	}
	if err := a.bus.Publish(saveCtx, bus.TopicInvestigations, payload); err != nil {
		a.logger.Printf("WARN failed to publish report for %s: %v", report.AlertID, err)
	}
}
