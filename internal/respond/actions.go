package respond

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Built-in action type names.
const (
	ActionLogOnly            = "log_only"
	ActionRateLimit          = "rate_limit"
	ActionBlockIP            = "block_ip"
	ActionIsolateContainer   = "isolate_container"
	ActionRedirectToHoneypot = "redirect_to_honeypot"
	ActionQuarantineFile     = "quarantine_file"
)

// IntrusiveActions alter data-plane state. All of them except rate_limit are
// subject to the confidence gate.
var IntrusiveActions = map[string]bool{
	ActionRateLimit:          true,
	ActionBlockIP:            true,
	ActionIsolateContainer:   true,
	ActionRedirectToHoneypot: true,
}

// ExecResult is what an action reports back after execution.
type ExecResult struct {
	Result      string
	Reversible  bool
	RevertToken string
}

// Action is the plug-in contract for response handlers.
type Action interface {
	Name() string
	Execute(ctx context.Context, target string, params map[string]interface{}) (*ExecResult, error)
	// Revert undoes a prior execution identified by its token. Reverting
	// an unknown token is a no-op.
	Revert(ctx context.Context, token string) (string, error)
}

// Registry holds the startup-registered action set.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates an empty action registry.
func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

// Register adds an action; duplicate names are a configuration error.
func (r *Registry) Register(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.actions[a.Name()]; exists {
		return fmt.Errorf("action %q already registered", a.Name())
	}
	r.actions[a.Name()] = a
	return nil
}

// Get looks up an action by name.
func (r *Registry) Get(name string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered action names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuiltinOptions parameterizes the shipped action set.
type BuiltinOptions struct {
	// Production enables real data-plane mutations. When false every
	// action records its intended effect and touches nothing.
	Production    bool
	HoneypotIP    string
	QuarantineDir string
	Logger        *log.Logger
}

// RegisterBuiltins registers the six shipped actions.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) error {
	if opts.Logger == nil {
		opts.Logger = log.New(log.Writer(), "[Actions] ", log.LstdFlags)
	}
	if opts.HoneypotIP == "" {
		opts.HoneypotIP = "10.0.0.100"
	}
	if opts.QuarantineDir == "" {
		opts.QuarantineDir = "./data/quarantine"
	}
	actions := []Action{
		&logOnlyAction{},
		newApplied(ActionRateLimit, opts, rateLimitOps{}),
		newApplied(ActionBlockIP, opts, blockIPOps{}),
		newApplied(ActionIsolateContainer, opts, isolateOps{}),
		newApplied(ActionRedirectToHoneypot, opts, redirectOps{honeypotIP: opts.HoneypotIP}),
		&quarantineAction{opts: opts},
	}
	for _, a := range actions {
		if err := r.Register(a); err != nil {
			return err
		}
	}
	return nil
}

// logOnlyAction records and does nothing else. Not reversible.
type logOnlyAction struct{}

func (logOnlyAction) Name() string { return ActionLogOnly }

func (logOnlyAction) Execute(ctx context.Context, target string, params map[string]interface{}) (*ExecResult, error) {
	return &ExecResult{Result: "recorded", Reversible: false}, nil
}

func (logOnlyAction) Revert(ctx context.Context, token string) (string, error) {
	return "noop", nil
}

// dataPlaneOps is what differs between the reversible built-ins: the real
// commands for apply and undo, and the simulation result strings.
type dataPlaneOps interface {
	apply(ctx context.Context, target string) error
	undo(ctx context.Context, target string) error
	applied() string
	simulated() string
}

// appliedAction is the shared machinery of the reversible built-ins:
// applied-state tracking keyed by target (so a second install against the
// same target is recognized, not repeated), token bookkeeping for revert,
// and the simulation/production split.
type appliedAction struct {
	name string
	opts BuiltinOptions
	ops  dataPlaneOps

	mu    sync.Mutex
	byTok map[string]string // token -> target
	byTgt map[string]string // target -> token
}

func newApplied(name string, opts BuiltinOptions, ops dataPlaneOps) *appliedAction {
	return &appliedAction{
		name:  name,
		opts:  opts,
		ops:   ops,
		byTok: make(map[string]string),
		byTgt: make(map[string]string),
	}
}

func (a *appliedAction) Name() string { return a.name }

func (a *appliedAction) Execute(ctx context.Context, target string, params map[string]interface{}) (*ExecResult, error) {
	a.mu.Lock()
	if token, exists := a.byTgt[target]; exists {
		a.mu.Unlock()
		// Idempotent install: report the existing state.
		return &ExecResult{Result: "already_" + a.ops.applied(), Reversible: true, RevertToken: token}, nil
	}
	token := uuid.NewString()
	a.byTok[token] = target
	a.byTgt[target] = token
	a.mu.Unlock()

	if !a.opts.Production {
		a.opts.Logger.Printf("[SIMULATION] would %s %s", a.name, target)
		return &ExecResult{Result: a.ops.simulated(), Reversible: true, RevertToken: token}, nil
	}

	if err := a.ops.apply(ctx, target); err != nil {
		a.forget(token)
		return nil, fmt.Errorf("%s on %s failed: %w", a.name, target, err)
	}
	a.opts.Logger.Printf("[PRODUCTION] %s applied to %s", a.name, target)
	return &ExecResult{Result: a.ops.applied(), Reversible: true, RevertToken: token}, nil
}

func (a *appliedAction) Revert(ctx context.Context, token string) (string, error) {
	a.mu.Lock()
	target, exists := a.byTok[token]
	a.mu.Unlock()
	if !exists {
		return "noop", nil
	}

	if a.opts.Production {
		if err := a.ops.undo(ctx, target); err != nil {
			return "", fmt.Errorf("revert %s on %s failed: %w", a.name, target, err)
		}
	} else {
		a.opts.Logger.Printf("[SIMULATION] would revert %s on %s", a.name, target)
	}
	a.forget(token)
	return "reverted", nil
}

func (a *appliedAction) forget(token string) {
	a.mu.Lock()
	if target, ok := a.byTok[token]; ok {
		delete(a.byTgt, target)
		delete(a.byTok, token)
	}
	a.mu.Unlock()
}

func run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// blockIPOps installs a drop rule against the target IP.
type blockIPOps struct{}

func (blockIPOps) apply(ctx context.Context, target string) error {
	return run(ctx, "iptables", "-A", "INPUT", "-s", target, "-j", "DROP")
}

func (blockIPOps) undo(ctx context.Context, target string) error {
	return run(ctx, "iptables", "-D", "INPUT", "-s", target, "-j", "DROP")
}

func (blockIPOps) applied() string   { return "blocked" }
func (blockIPOps) simulated() string { return "simulated_block" }

// rateLimitOps caps the packet rate from the target.
type rateLimitOps struct{}

func (rateLimitOps) apply(ctx context.Context, target string) error {
	return run(ctx, "iptables", "-A", "INPUT", "-s", target, "-m", "limit", "--limit", "10/second", "-j", "ACCEPT")
}

func (rateLimitOps) undo(ctx context.Context, target string) error {
	return run(ctx, "iptables", "-D", "INPUT", "-s", target, "-m", "limit", "--limit", "10/second", "-j", "ACCEPT")
}

func (rateLimitOps) applied() string   { return "rate_limited" }
func (rateLimitOps) simulated() string { return "simulated_rate_limit" }

// isolateOps disconnects a named compute unit from its data network.
type isolateOps struct{}

func containerName(target string) string {
	return strings.TrimPrefix(target, "container://")
}

func (isolateOps) apply(ctx context.Context, target string) error {
	return run(ctx, "docker", "network", "disconnect", "bridge", containerName(target))
}

func (isolateOps) undo(ctx context.Context, target string) error {
	return run(ctx, "docker", "network", "connect", "bridge", containerName(target))
}

func (isolateOps) applied() string   { return "isolated" }
func (isolateOps) simulated() string { return "simulated_isolation" }

// redirectOps rewrites the target's destination to the honeypot.
type redirectOps struct {
	honeypotIP string
}

func (o redirectOps) apply(ctx context.Context, target string) error {
	return run(ctx, "iptables", "-t", "nat", "-A", "PREROUTING",
		"-s", target, "-j", "DNAT", "--to-destination", o.honeypotIP)
}

func (o redirectOps) undo(ctx context.Context, target string) error {
	return run(ctx, "iptables", "-t", "nat", "-D", "PREROUTING",
		"-s", target, "-j", "DNAT", "--to-destination", o.honeypotIP)
}

func (redirectOps) applied() string   { return "redirected" }
func (redirectOps) simulated() string { return "simulated_redirect" }

// quarantineAction moves a file aside. Revert moves it back when the
// original location is still free.
type quarantineAction struct {
	opts BuiltinOptions

	mu    sync.Mutex
	moved map[string]string // token -> original path
}

func (q *quarantineAction) Name() string { return ActionQuarantineFile }

func (q *quarantineAction) Execute(ctx context.Context, target string, params map[string]interface{}) (*ExecResult, error) {
	token := uuid.NewString()

	if !q.opts.Production {
		q.opts.Logger.Printf("[SIMULATION] would quarantine %s", target)
		q.remember(token, target)
		return &ExecResult{Result: "simulated_quarantine", Reversible: true, RevertToken: token}, nil
	}

	if err := os.MkdirAll(q.opts.QuarantineDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create quarantine dir: %w", err)
	}
	dest := filepath.Join(q.opts.QuarantineDir, token+"_"+filepath.Base(target))
	if err := os.Rename(target, dest); err != nil {
		return nil, fmt.Errorf("failed to quarantine %s: %w", target, err)
	}
	q.remember(token, target)
	return &ExecResult{Result: "quarantined", Reversible: true, RevertToken: token}, nil
}

func (q *quarantineAction) remember(token, original string) {
	q.mu.Lock()
	if q.moved == nil {
		q.moved = make(map[string]string)
	}
	q.moved[token] = original
	q.mu.Unlock()
}

func (q *quarantineAction) Revert(ctx context.Context, token string) (string, error) {
	q.mu.Lock()
	original, exists := q.moved[token]
	q.mu.Unlock()
	if !exists {
		return "noop", nil
	}

	if q.opts.Production {
		quarantined := filepath.Join(q.opts.QuarantineDir, token+"_"+filepath.Base(original))
		if _, err := os.Stat(original); err == nil {
			return "", fmt.Errorf("cannot restore %s: path occupied", original)
		}
		if err := os.Rename(quarantined, original); err != nil {
			return "", fmt.Errorf("failed to restore %s: %w", original, err)
		}
	}
	q.mu.Lock()
	delete(q.moved, token)
	q.mu.Unlock()
	return "reverted", nil
}
