package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Ashfaaq98/sentinel-defense/internal/event"
)

// Store is the durable, append-only record of alerts, investigations and
// actions. All writes are idempotent on the primary key: replaying a record
// with an id already present is a silent no-op.
type Store struct {
	db *sql.DB
}

// Stats aggregates the counters served to dashboards.
type Stats struct {
	Alerts          int            `json:"alerts"`
	Investigations  int            `json:"investigations"`
	Actions         int            `json:"actions"`
	AlertSeverities map[string]int `json:"alert_severities"`
	ActionTypes     map[string]int `json:"action_types"`
	Verdicts        map[string]int `json:"verdicts"`
}

// NewStore opens (or creates) the database and applies the schema.
func NewStore(dbPath string) (*Store, error) {
	// Ensure target directory exists (e.g., ./data)
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open(sqliteDriver, dbPath+"?_journal_mode=WAL&_foreign_keys=off")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema if absent.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			ts REAL NOT NULL,
			src_ip TEXT NOT NULL,
			dst_ip TEXT NOT NULL,
			proto TEXT,
			features TEXT NOT NULL,
			model_score REAL NOT NULL,
			confidence REAL NOT NULL,
			severity TEXT NOT NULL,
			sensor_id TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS investigations (
			alert_id TEXT PRIMARY KEY,
			ts REAL NOT NULL,
			ioc_findings TEXT NOT NULL,
			sources TEXT NOT NULL,
			risk_score REAL NOT NULL,
			verdict TEXT NOT NULL,
			uncertainty REAL NOT NULL,
			confidence REAL NOT NULL,
			alert_severity TEXT NOT NULL,
			notes TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS actions (
			action_id TEXT PRIMARY KEY,
			alert_id TEXT NOT NULL,
			ts REAL NOT NULL,
			action_type TEXT NOT NULL,
			target TEXT NOT NULL,
			parameters TEXT,
			result TEXT NOT NULL,
			safety_gate TEXT NOT NULL,
			reversible INTEGER NOT NULL,
			reverted INTEGER NOT NULL,
			revert_token TEXT,
			revert_of TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_alerts_ts ON alerts(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_src_ip ON alerts(src_ip)`,
		`CREATE INDEX IF NOT EXISTS idx_investigations_ts ON investigations(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_ts ON actions(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_alert_id ON actions(alert_id)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_target ON actions(target)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// SaveAlert persists an alert. Duplicate ids are ignored.
func (s *Store) SaveAlert(ctx context.Context, a *event.AlertEvent) error {
	features, err := json.Marshal(a.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal alert features: %w", err)
	}

	query := `INSERT OR IGNORE INTO alerts (
		id, ts, src_ip, dst_ip, proto, features, model_score, confidence,
		severity, sensor_id, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))`

	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.TS, a.SrcIP, a.DstIP, a.Proto, string(features),
		a.ModelScore, a.Confidence, string(a.Severity), a.SensorID,
	)
	if err != nil {
		return fmt.Errorf("failed to save alert %s: %w", a.ID, err)
	}
	return nil
}

// SaveInvestigation persists a report. Duplicate alert ids are ignored.
func (s *Store) SaveInvestigation(ctx context.Context, r *event.InvestigationReport) error {
	findings, err := json.Marshal(r.IOCFindings)
	if err != nil {
		return fmt.Errorf("failed to marshal findings: %w", err)
	}

	query := `INSERT OR IGNORE INTO investigations (
		alert_id, ts, ioc_findings, sources, risk_score, verdict,
		uncertainty, confidence, alert_severity, notes, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))`

	_, err = s.db.ExecContext(ctx, query,
		r.AlertID, r.TS, string(findings), strings.Join(r.Sources, ","),
		r.RiskScore, string(r.Verdict), r.Uncertainty, r.Confidence,
		string(r.AlertSeverity), r.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to save investigation for %s: %w", r.AlertID, err)
	}
	return nil
}

// SaveAction persists an action record. Duplicate action ids are ignored.
func (s *Store) SaveAction(ctx context.Context, a *event.ActionRecord) error {
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal action parameters: %w", err)
	}

	query := `INSERT OR IGNORE INTO actions (
		action_id, alert_id, ts, action_type, target, parameters, result,
		safety_gate, reversible, reverted, revert_token, revert_of, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, strftime('%s','now'))`

	_, err = s.db.ExecContext(ctx, query,
		a.ActionID, a.AlertID, a.TS, a.ActionType, a.Target, string(params),
		a.Result, a.SafetyGate, boolInt(a.Reversible), boolInt(a.Reverted),
		a.RevertToken, a.RevertOf,
	)
	if err != nil {
		return fmt.Errorf("failed to save action %s: %w", a.ActionID, err)
	}
	return nil
}

// ListAlerts returns a page of alerts, newest first, plus the total count.
func (s *Store) ListAlerts(ctx context.Context, limit, offset int) ([]event.AlertEvent, int, error) {
	total, err := s.CountAlerts(ctx)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT id, ts, src_ip, dst_ip, proto, features, model_score,
		confidence, severity, sensor_id
		FROM alerts ORDER BY ts DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit), offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []event.AlertEvent
	for rows.Next() {
		var a event.AlertEvent
		var features, severity string
		if err := rows.Scan(&a.ID, &a.TS, &a.SrcIP, &a.DstIP, &a.Proto,
			&features, &a.ModelScore, &a.Confidence, &severity, &a.SensorID); err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Severity = event.Severity(severity)
		if err := json.Unmarshal([]byte(features), &a.Features); err != nil {
			a.Features = nil
		}
		alerts = append(alerts, a)
	}
	return alerts, total, rows.Err()
}

// GetAlert fetches one alert by id.
func (s *Store) GetAlert(ctx context.Context, alertID string) (*event.AlertEvent, error) {
	query := `SELECT id, ts, src_ip, dst_ip, proto, features, model_score,
		confidence, severity, sensor_id
		FROM alerts WHERE id = ?`
	var a event.AlertEvent
	var features, severity string
	err := s.db.QueryRowContext(ctx, query, alertID).Scan(&a.ID, &a.TS, &a.SrcIP,
		&a.DstIP, &a.Proto, &features, &a.ModelScore, &a.Confidence, &severity, &a.SensorID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("alert %s not found", alertID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert %s: %w", alertID, err)
	}
	a.Severity = event.Severity(severity)
	if err := json.Unmarshal([]byte(features), &a.Features); err != nil {
		a.Features = nil
	}
	return &a, nil
}

// ListInvestigations returns a page of reports, newest first, plus the total.
func (s *Store) ListInvestigations(ctx context.Context, limit, offset int) ([]event.InvestigationReport, int, error) {
	total, err := s.CountInvestigations(ctx)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT alert_id, ts, ioc_findings, sources, risk_score, verdict,
		uncertainty, confidence, alert_severity, notes
		FROM investigations ORDER BY ts DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit), offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query investigations: %w", err)
	}
	defer rows.Close()

	var reports []event.InvestigationReport
	for rows.Next() {
		var r event.InvestigationReport
		var findings, sources, verdict, severity string
		if err := rows.Scan(&r.AlertID, &r.TS, &findings, &sources, &r.RiskScore,
			&verdict, &r.Uncertainty, &r.Confidence, &severity, &r.Notes); err != nil {
			return nil, 0, fmt.Errorf("failed to scan investigation: %w", err)
		}
		r.Verdict = event.Verdict(verdict)
		r.AlertSeverity = event.Severity(severity)
		if sources != "" {
			r.Sources = strings.Split(sources, ",")
		}
		if err := json.Unmarshal([]byte(findings), &r.IOCFindings); err != nil {
			r.IOCFindings = nil
		}
		reports = append(reports, r)
	}
	return reports, total, rows.Err()
}

// ListActions returns a page of action records, newest first, plus the total.
func (s *Store) ListActions(ctx context.Context, limit, offset int) ([]event.ActionRecord, int, error) {
	total, err := s.CountActions(ctx)
	if err != nil {
		return nil, 0, err
	}

	query := `SELECT action_id, alert_id, ts, action_type, target, parameters,
		result, safety_gate, reversible, reverted, revert_token, revert_of
		FROM actions ORDER BY ts DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, normalizeLimit(limit), offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var actions []event.ActionRecord
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, 0, err
		}
		actions = append(actions, *a)
	}
	return actions, total, rows.Err()
}

// GetAction fetches one action record by id.
func (s *Store) GetAction(ctx context.Context, actionID string) (*event.ActionRecord, error) {
	query := `SELECT action_id, alert_id, ts, action_type, target, parameters,
		result, safety_gate, reversible, reverted, revert_token, revert_of
		FROM actions WHERE action_id = ?`
	row := s.db.QueryRowContext(ctx, query, actionID)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("action %s not found", actionID)
	}
	return a, err
}

// HasActionForAlert reports whether a non-reverted action record already
// exists for the alert. Used to keep action dispatch idempotent against
// replayed reports.
func (s *Store) HasActionForAlert(ctx context.Context, alertID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM actions WHERE alert_id = ? AND reverted = 0", alertID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check actions for %s: %w", alertID, err)
	}
	return n > 0, nil
}

// FindRevert returns the revert record referencing the given action, if any.
func (s *Store) FindRevert(ctx context.Context, actionID string) (*event.ActionRecord, error) {
	query := `SELECT action_id, alert_id, ts, action_type, target, parameters,
		result, safety_gate, reversible, reverted, revert_token, revert_of
		FROM actions WHERE revert_of = ? LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, actionID)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAction(row rowScanner) (*event.ActionRecord, error) {
	var a event.ActionRecord
	var params string
	var reversible, reverted int
	err := row.Scan(&a.ActionID, &a.AlertID, &a.TS, &a.ActionType, &a.Target,
		&params, &a.Result, &a.SafetyGate, &reversible, &reverted,
		&a.RevertToken, &a.RevertOf)
	if err != nil {
		return nil, err
	}
	a.Reversible = reversible != 0
	a.Reverted = reverted != 0
	if params != "" {
		if err := json.Unmarshal([]byte(params), &a.Parameters); err != nil {
			a.Parameters = nil
		}
	}
	return &a, nil
}

// CountAlerts returns the number of persisted alerts.
func (s *Store) CountAlerts(ctx context.Context) (int, error) {
	return s.count(ctx, "alerts")
}

// CountInvestigations returns the number of persisted reports.
func (s *Store) CountInvestigations(ctx context.Context) (int, error) {
	return s.count(ctx, "investigations")
}

// CountActions returns the number of persisted action records.
func (s *Store) CountActions(ctx context.Context) (int, error) {
	return s.count(ctx, "actions")
}

func (s *Store) count(ctx context.Context, table string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// GetStats returns the aggregate counters for the stats surface.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		AlertSeverities: make(map[string]int),
		ActionTypes:     make(map[string]int),
		Verdicts:        make(map[string]int),
	}

	var err error
	if stats.Alerts, err = s.CountAlerts(ctx); err != nil {
		return nil, err
	}
	if stats.Investigations, err = s.CountInvestigations(ctx); err != nil {
		return nil, err
	}
	if stats.Actions, err = s.CountActions(ctx); err != nil {
		return nil, err
	}

	if err := s.groupCount(ctx, "SELECT severity, COUNT(*) FROM alerts GROUP BY severity", stats.AlertSeverities); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "SELECT action_type, COUNT(*) FROM actions GROUP BY action_type", stats.ActionTypes); err != nil {
		return nil, err
	}
	if err := s.groupCount(ctx, "SELECT verdict, COUNT(*) FROM investigations GROUP BY verdict", stats.Verdicts); err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) groupCount(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to aggregate: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan aggregate: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
