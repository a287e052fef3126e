package pipeline

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/Ashfaaq98/sentinel-defense/internal/bus"
	"github.com/Ashfaaq98/sentinel-defense/internal/capture"
	"github.com/Ashfaaq98/sentinel-defense/internal/config"
	"github.com/Ashfaaq98/sentinel-defense/internal/detect"
	"github.com/Ashfaaq98/sentinel-defense/internal/investigate"
	"github.com/Ashfaaq98/sentinel-defense/internal/metrics"
	"github.com/Ashfaaq98/sentinel-defense/internal/respond"
	"github.com/Ashfaaq98/sentinel-defense/internal/store"
)

// Pipeline assembles the four stages around one bus and one store and
// manages their lifecycle. Construction fails fast on any fatal
// configuration problem; nothing starts partially.
type Pipeline struct {
	Cfg     *config.Config
	Bus     bus.Bus
	Store   *store.Store
	Metrics *metrics.Metrics

	Detect      *detect.Engine
	Investigate *investigate.Agent
	Respond     *respond.Engine

	wg sync.WaitGroup
}

// Options carries the pluggable pieces: the packet source, an optional
// trained scorer and an optional response advisor.
type Options struct {
	Source  capture.Source
	Scorer  detect.Scorer
	Advisor respond.Advisor
	// Cache overrides the TI cache, used by tests to pre-seed findings.
	Cache investigate.Cache
}

// New wires the full pipeline from configuration.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	m := metrics.New(nil)

	busLogger := log.New(os.Stderr, "[Bus] ", log.LstdFlags)
	eventBus, err := bus.New(cfg.Bus, m, busLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}

	st, err := store.NewStore(cfg.Database.Path)
	if err != nil {
		eventBus.Close()
		return nil, fmt.Errorf("persistence unavailable: %w", err)
	}

	detectLogger := log.New(os.Stderr, "[Detect] ", log.LstdFlags)
	detectEngine := detect.NewEngine(cfg.Detection, opts.Source, opts.Scorer,
		eventBus, st, m, cfg.SensorID, detectLogger)

	investigateLogger := log.New(os.Stderr, "[Investigate] ", log.LstdFlags)
	cache := opts.Cache
	if cache == nil {
		cache, err = investigate.NewTieredCache(cfg.Investigation.CacheRedisURL,
			cfg.Investigation.CacheCapacity, m, investigateLogger)
		if err != nil {
			eventBus.Close()
			st.Close()
			return nil, fmt.Errorf("failed to create TI cache: %w", err)
		}
	}
	agent, err := investigate.NewAgent(cfg.Investigation, cache, eventBus, st, m, investigateLogger)
	if err != nil {
		eventBus.Close()
		st.Close()
		return nil, fmt.Errorf("failed to create investigation agent: %w", err)
	}

	respondLogger := log.New(os.Stderr, "[Respond] ", log.LstdFlags)
	registry := respond.NewRegistry()
	if err := respond.RegisterBuiltins(registry, respond.BuiltinOptions{
		Production:    cfg.Response.ProductionActionsEnabled,
		HoneypotIP:    cfg.Response.HoneypotIP,
		QuarantineDir: cfg.Response.QuarantineDir,
		Logger:        respondLogger,
	}); err != nil {
		eventBus.Close()
		st.Close()
		return nil, err
	}

	matrix, err := buildMatrix(cfg.Response)
	if err != nil {
		eventBus.Close()
		st.Close()
		return nil, err
	}

	responder, err := respond.NewEngine(cfg.Response, matrix, registry, opts.Advisor,
		eventBus, st, m, respondLogger)
	if err != nil {
		eventBus.Close()
		st.Close()
		return nil, err
	}

	return &Pipeline{
		Cfg:         cfg,
		Bus:         eventBus,
		Store:       st,
		Metrics:     m,
		Detect:      detectEngine,
		Investigate: agent,
		Respond:     responder,
	}, nil
}

func buildMatrix(cfg config.ResponseConfig) (*respond.DecisionMatrix, error) {
	if cfg.MatrixFile != "" {
		return respond.LoadMatrixFile(cfg.MatrixFile, cfg.RiskMedium, cfg.RiskHigh)
	}
	if len(cfg.Matrix) > 0 {
		return respond.NewMatrix(cfg.Matrix, cfg.RiskMedium, cfg.RiskHigh), nil
	}
	return respond.DefaultMatrix(cfg.RiskMedium, cfg.RiskHigh), nil
}

// Run starts all worker groups and blocks until ctx is cancelled, then
// shuts down: bus first (cancels subscriptions, drains), store last.
func (p *Pipeline) Run(ctx context.Context) error {
	p.runStage(ctx, p.Respond.Run)
	p.runStage(ctx, p.Investigate.Run)
	p.runStage(ctx, p.Detect.Run)
	p.runStage(ctx, func(ctx context.Context) error {
		return publishStats(ctx, p.Store, p.Bus)
	})

	<-ctx.Done()
	p.wg.Wait()

	if err := p.Bus.Close(); err != nil && err != bus.ErrDrainTimeout {
		log.Printf("[Pipeline] WARN bus close: %v", err)
	}
	if err := p.Store.Close(); err != nil {
		log.Printf("[Pipeline] WARN store close: %v", err)
	}
	return ctx.Err()
}

func (p *Pipeline) runStage(ctx context.Context, run func(context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := run(ctx); err != nil && err != context.Canceled {
			log.Printf("[Pipeline] stage exited: %v", err)
		}
	}()
}
