package respond

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

// Engine consumes investigation reports, resolves the decision matrix cell,
// applies the safety gate and executes the action. Dispatch is serialized
// per target: two reports against the same address can never interleave
// their data-plane mutations.
type Engine struct {
	cfg      config.ResponseConfig
	matrix   *DecisionMatrix
	gate     *Gate
	registry *Registry
	advisor  Advisor
	bus      bus.Bus
	store    *store.Store
	metrics  *metrics.Metrics
	logger   *log.Logger

	mu      sync.Mutex
	targets map[string]*sync.Mutex
}

// NewEngine wires the response stage. The matrix is validated against the
// registry here so an unknown action_type aborts startup.
func NewEngine(cfg config.ResponseConfig, matrix *DecisionMatrix, registry *Registry,
	advisor Advisor, b bus.Bus, st *store.Store, m *metrics.Metrics, logger *log.Logger) (*Engine, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[Respond] ", log.LstdFlags)
	}
	if advisor == nil {
		advisor = NoopAdvisor{}
	}
	if err := matrix.Validate(registry); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:      cfg,
		matrix:   matrix,
		gate:     NewGate(cfg.IPWhitelist, cfg.ManagementSubnets, cfg.MinConfidenceIntrusive),
		registry: registry,
		advisor:  advisor,
		bus:      b,
		store:    st,
		metrics:  m,
		logger:   logger,
		targets:  make(map[string]*sync.Mutex),
	}, nil
}

// Run subscribes to investigations and dispatches until ctx is cancelled.
// The subscription serializes handler calls, which keeps decision order
// deterministic; per-target locks additionally serialize execution when an
// implementation offloads actions.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.bus.Subscribe(bus.TopicInvestigations, func(ctx context.Context, payload []byte) error {
		var report event.InvestigationReport
		if err := json.Unmarshal(payload, &report); err != nil {
			return fmt.Errorf("undecodable report payload: %w", err)
		}
		e.Dispatch(ctx, &report)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to investigations: %w", err)
	}

	<-ctx.Done()
	sub.Cancel()
	return ctx.Err()
}

// Dispatch runs the full decide-gate-execute path for one report. A report
// that already produced an action is skipped, which keeps the engine
// idempotent against bus replays after a broker reconnect.
func (e *Engine) Dispatch(ctx context.Context, report *event.InvestigationReport) {
	if seen, err := e.store.HasActionForAlert(ctx, report.AlertID); err != nil {
		e.logger.Printf("WARN replay check for %s failed: %v", report.AlertID, err)
	} else if seen {
		return
	}

	target := e.resolveTarget(ctx, report)

	proposed := e.matrix.Lookup(report.AlertSeverity, report.RiskScore)
	params := map[string]interface{}{
		"verdict":     string(report.Verdict),
		"risk_score":  report.RiskScore,
		"risk_bucket": e.matrix.RiskBucket(report.RiskScore),
	}

	// Advisory policy may shift the cell by one rank; the gate still rules.
	suggested, reason := e.advisor.Advise(report, proposed)
	if bounded := boundAdvice(e.registry, proposed, suggested); bounded != proposed {
		params["advisor"] = reason
		proposed = bounded
	}

	final, trace := e.gate.Apply(proposed, target, report.Confidence)
	if len(trace) > 0 {
		params["gate_trace"] = trace
	}

	record := e.execute(ctx, report, final, target, params)
	e.emit(ctx, record)
}

// resolveTarget picks the action target from the originating alert: the
// remote source address for network actions. Falling back to the alert id
// keeps the audit trail coherent when the alert is no longer loadable.
func (e *Engine) resolveTarget(ctx context.Context, report *event.InvestigationReport) string {
	alert, err := e.store.GetAlert(ctx, report.AlertID)
	if err != nil {
		e.logger.Printf("WARN cannot resolve target for %s: %v", report.AlertID, err)
		return report.AlertID
	}
	return alert.SrcIP
}

// execute runs the action under the per-target lock and the action
// deadline, producing the audit record whatever happens.
func (e *Engine) execute(ctx context.Context, report *event.InvestigationReport,
	actionType, target string, params map[string]interface{}) *event.ActionRecord {

	record := &event.ActionRecord{
		ActionID:   event.NewActionID(),
		AlertID:    report.AlertID,
		TS:         event.Now(),
		ActionType: actionType,
		Target:     target,
		Parameters: params,
		SafetyGate: Level(e.matrix.RiskBucket(report.RiskScore), report.Confidence),
	}

	action, ok := e.registry.Get(actionType)
	if !ok {
		// Validated at startup; only a misbehaving advisor can get here.
		record.Result = "error:unknown_action"
		return record
	}

	lock := e.targetLock(target)
	lock.Lock()
	defer lock.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	type outcome struct {
		res *ExecResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := action.Execute(execCtx, target, params)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			record.Result = "error:execution"
			e.logger.Printf("WARN action %s on %s failed: %v", actionType, target, o.err)
		} else {
			record.Result = o.res.Result
			record.Reversible = o.res.Reversible
			record.RevertToken = o.res.RevertToken
		}
	case <-execCtx.Done():
		record.Result = "timeout"
		e.logger.Printf("WARN action %s on %s aborted after %s", actionType, target, e.cfg.ActionTimeout)
	}

	if e.metrics != nil {
		e.metrics.ActionsTotal.WithLabelValues(actionType).Inc()
	}
	return record
}

func (e *Engine) targetLock(target string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.targets[target]
	if !ok {
		lock = &sync.Mutex{}
		e.targets[target] = lock
	}
	return lock
}

// Revert undoes a previously executed action and emits the revert record.
// Reverting an already-reverted action is a no-op returning the existing
// record.
func (e *Engine) Revert(ctx context.Context, actionID string) (*event.ActionRecord, error) {
	original, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !original.Reversible {
		return nil, fmt.Errorf("action %s (%s) is not reversible", actionID, original.ActionType)
	}

	if existing, err := e.store.FindRevert(ctx, actionID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	action, ok := e.registry.Get(original.ActionType)
	if !ok {
		return nil, fmt.Errorf("action type %q is not registered", original.ActionType)
	}

	lock := e.targetLock(original.Target)
	lock.Lock()
	defer lock.Unlock()

	revertCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()

	result, err := action.Revert(revertCtx, original.RevertToken)
	if err != nil {
		result = fmt.Sprintf("error:%v", err)
	}

	record := &event.ActionRecord{
		ActionID:   event.NewActionID(),
		AlertID:    original.AlertID,
		TS:         event.Now(),
		ActionType: original.ActionType,
		Target:     original.Target,
		Parameters: map[string]interface{}{"revert_of": actionID},
		Result:     result,
		SafetyGate: original.SafetyGate,
		Reversible: false,
		Reverted:   true,
		RevertOf:   actionID,
	}
	e.emit(ctx, record)
	return record, nil
}

// emit persists then publishes the record; persistence failure is retried
// once before the record is dropped with an ERROR log.
func (e *Engine) emit(ctx context.Context, record *event.ActionRecord) {
	saveCtx := ctx
	if saveCtx.Err() != nil {
		var cancel context.CancelFunc
		saveCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := e.store.SaveAction(saveCtx, record); err != nil {
		if err = e.store.SaveAction(saveCtx, record); err != nil {
			e.logger.Printf("ERROR dropping action record %s: persist failed twice: %v", record.ActionID, err)
			return
		}
	}

	payload, err := event.MarshalPayload(record)
	if err != nil {
		e.logger.Printf("ERROR dropping action record %s: %v", record.ActionID, err)
		return
	}
	if err := e.bus.Publish(saveCtx, bus.TopicActions, payload); err != nil {
		e.logger.Printf("WARN failed to publish action record %s: %v", record.ActionID, err)
	}
}
