package respond

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

// Risk buckets, the secondary axis of the decision matrix.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// DecisionMatrix maps (alert severity, risk bucket) to an action type.
// Every cell must name a registered action; log_only is the default for
// any cell left unset.
type DecisionMatrix struct {
	cells      map[event.Severity]map[string]string
	riskHigh   float64
	riskMedium float64
}

// DefaultMatrix is the shipped 3x3 table.
func DefaultMatrix(riskMedium, riskHigh float64) *DecisionMatrix {
	return &DecisionMatrix{
		riskHigh:   riskHigh,
		riskMedium: riskMedium,
		cells: map[event.Severity]map[string]string{
			event.SeverityLow: {
				RiskLow:    ActionLogOnly,
				RiskMedium: ActionLogOnly,
				RiskHigh:   ActionRateLimit,
			},
			event.SeverityMedium: {
				RiskLow:    ActionLogOnly,
				RiskMedium: ActionRateLimit,
				RiskHigh:   ActionBlockIP,
			},
			event.SeverityHigh: {
				RiskLow:    ActionRateLimit,
				RiskMedium: ActionBlockIP,
				RiskHigh:   ActionIsolateContainer,
			},
		},
	}
}

// NewMatrix builds a matrix from configuration cells, falling back to the
// default table for anything unspecified.
func NewMatrix(cells map[string]map[string]string, riskMedium, riskHigh float64) *DecisionMatrix {
	m := DefaultMatrix(riskMedium, riskHigh)
	for sev, row := range cells {
		severity := event.Severity(sev)
		if _, ok := m.cells[severity]; !ok {
			m.cells[severity] = make(map[string]string)
		}
		for bucket, action := range row {
			m.cells[severity][bucket] = action
		}
	}
	return m
}

// matrixFile is the YAML shape of an on-disk decision matrix.
type matrixFile struct {
	Matrix map[string]map[string]string `yaml:"matrix"`
}

// LoadMatrixFile reads a decision matrix from YAML, overlaying the default.
func LoadMatrixFile(path string, riskMedium, riskHigh float64) (*DecisionMatrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read decision matrix %s: %w", path, err)
	}
	var file matrixFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse decision matrix %s: %w", path, err)
	}
	return NewMatrix(file.Matrix, riskMedium, riskHigh), nil
}

// Validate checks that every cell names a registered action. Matrix
// misconfiguration is fatal at startup, never discovered at dispatch.
func (m *DecisionMatrix) Validate(registry *Registry) error {
	for severity, row := range m.cells {
		switch severity {
		case event.SeverityLow, event.SeverityMedium, event.SeverityHigh:
		default:
			return fmt.Errorf("decision matrix: unknown severity %q", severity)
		}
		for bucket, action := range row {
			switch bucket {
			case RiskLow, RiskMedium, RiskHigh:
			default:
				return fmt.Errorf("decision matrix: unknown risk bucket %q", bucket)
			}
			if _, ok := registry.Get(action); !ok {
				return fmt.Errorf("decision matrix: unknown action_type %q in cell %s x %s", action, severity, bucket)
			}
		}
	}
	return nil
}

// RiskBucket maps a fused risk score onto the secondary axis with
// inclusive-high boundaries.
func (m *DecisionMatrix) RiskBucket(risk float64) string {
	switch {
	case risk >= m.riskHigh:
		return RiskHigh
	case risk >= m.riskMedium:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Lookup resolves the action type for one report. Unknown severities land
// in the low row; empty cells resolve to log_only.
func (m *DecisionMatrix) Lookup(severity event.Severity, risk float64) string {
	row, ok := m.cells[severity]
	if !ok {
		row = m.cells[event.SeverityLow]
	}
	action, ok := row[m.RiskBucket(risk)]
	if !ok || action == "" {
		return ActionLogOnly
	}
	return action
}
