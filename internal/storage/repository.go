package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"enviroguard-backend/internal/baseline"
	"enviroguard-backend/internal/engine"
	"enviroguard-backend/internal/rules"
	"enviroguard-backend/internal/telemetry"
)

// Repository is the single data-access layer. It implements the
// consumer-side interfaces of the baseline calculator, the evaluator
// and the alert lifecycle manager against one postgres schema.
type Repository struct {
	Store *Store
}

func NewRepository(store *Store) *Repository {
	return &Repository{Store: store}
}

func (r *Repository) InsertPoint(ctx context.Context, point telemetry.Point) error {
	flags, err := json.Marshal(point.QualityFlags)
	if err != nil {
		return fmt.Errorf("marshal quality flags: %w", err)
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO telemetry_points (system_id, metric_type, value, ts, quality_flags, source)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		point.SystemID, point.MetricType, point.Value, point.Timestamp, flags, point.Source,
	)
	if err != nil {
		return &engine.StoreUnavailableError{Op: "insert point", Err: err}
	}
	return nil
}

// QueryRange returns points for key in [start, end] in ascending
// timestamp order, at most limit rows counted from the end of the
// window.
func (r *Repository) QueryRange(ctx context.Context, key telemetry.Key, start, end time.Time, limit int) ([]telemetry.Point, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT system_id, metric_type, value, ts, quality_flags, source FROM (
			SELECT system_id, metric_type, value, ts, quality_flags, source
			FROM telemetry_points
			WHERE system_id=$1 AND metric_type=$2 AND ts >= $3 AND ts <= $4
			ORDER BY ts DESC LIMIT $5
		) recent ORDER BY ts ASC`,
		key.SystemID, key.MetricType, start, end, limit,
	)
	if err != nil {
		return nil, &engine.StoreUnavailableError{Op: "query range", Err: err}
	}
	defer rows.Close()
	return scanPoints(rows)
}

// LatestPoints returns the n most recent points for key in ascending
// timestamp order.
func (r *Repository) LatestPoints(ctx context.Context, key telemetry.Key, n int) ([]telemetry.Point, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT system_id, metric_type, value, ts, quality_flags, source FROM (
			SELECT system_id, metric_type, value, ts, quality_flags, source
			FROM telemetry_points
			WHERE system_id=$1 AND metric_type=$2
			ORDER BY ts DESC LIMIT $3
		) recent ORDER BY ts ASC`,
		key.SystemID, key.MetricType, n,
	)
	if err != nil {
		return nil, &engine.StoreUnavailableError{Op: "latest points", Err: err}
	}
	defer rows.Close()
	return scanPoints(rows)
}

func scanPoints(rows pgx.Rows) ([]telemetry.Point, error) {
	results := []telemetry.Point{}
	for rows.Next() {
		var p telemetry.Point
		var flags []byte
		if err := rows.Scan(&p.SystemID, &p.MetricType, &p.Value, &p.Timestamp, &flags, &p.Source); err != nil {
			return nil, err
		}
		if len(flags) > 0 {
			if err := json.Unmarshal(flags, &p.QualityFlags); err != nil {
				return nil, fmt.Errorf("unmarshal quality flags: %w", err)
			}
		}
		results = append(results, p)
	}
	return results, rows.Err()
}

func (r *Repository) CreateAlert(ctx context.Context, alert engine.Alert) error {
	snapshot, err := marshalBaseline(alert.Baseline)
	if err != nil {
		return err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		INSERT INTO alerts (alert_id, rule_id, system_id, metric_type, status, severity,
			triggering_value, baseline_snapshot, created_at, last_fired_at,
			acknowledged_at, acknowledged_by, resolved_at, resolution_notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		alert.AlertID, alert.RuleID, alert.SystemID, alert.MetricType, alert.Status, alert.Severity,
		alert.TriggeringValue, snapshot, alert.CreatedAt, alert.LastFiredAt,
		alert.AcknowledgedAt, alert.AcknowledgedBy, alert.ResolvedAt, alert.ResolutionNotes,
	)
	if err != nil {
		return &engine.StoreUnavailableError{Op: "create alert", Err: err}
	}
	return nil
}

func (r *Repository) UpdateAlert(ctx context.Context, alert engine.Alert) error {
	snapshot, err := marshalBaseline(alert.Baseline)
	if err != nil {
		return err
	}
	_, err = r.Store.Pool.Exec(ctx, `
		UPDATE alerts
		SET status=$1, triggering_value=$2, baseline_snapshot=$3, last_fired_at=$4,
			acknowledged_at=$5, acknowledged_by=$6, resolved_at=$7, resolution_notes=$8
		WHERE alert_id=$9`,
		alert.Status, alert.TriggeringValue, snapshot, alert.LastFiredAt,
		alert.AcknowledgedAt, alert.AcknowledgedBy, alert.ResolvedAt, alert.ResolutionNotes,
		alert.AlertID,
	)
	if err != nil {
		return &engine.StoreUnavailableError{Op: "update alert", Err: err}
	}
	return nil
}

func (r *Repository) GetAlert(ctx context.Context, alertID string) (engine.Alert, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT alert_id, rule_id, system_id, metric_type, status, severity,
			triggering_value, baseline_snapshot, created_at, last_fired_at,
			acknowledged_at, acknowledged_by, resolved_at, resolution_notes
		FROM alerts WHERE alert_id=$1`, alertID)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return engine.Alert{}, engine.ErrAlertNotFound
		}
		return engine.Alert{}, &engine.StoreUnavailableError{Op: "get alert", Err: err}
	}
	return alert, nil
}

func (r *Repository) ListAlerts(ctx context.Context, filter engine.AlertFilter) ([]engine.Alert, error) {
	query := `
		SELECT alert_id, rule_id, system_id, metric_type, status, severity,
			triggering_value, baseline_snapshot, created_at, last_fired_at,
			acknowledged_at, acknowledged_by, resolved_at, resolution_notes
		FROM alerts WHERE 1=1`
	args := []any{}
	if filter.SystemID != "" {
		args = append(args, filter.SystemID)
		query += fmt.Sprintf(" AND system_id=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		query += fmt.Sprintf(" AND severity=$%d", len(args))
	}
	query += " ORDER BY created_at DESC"

	rows, err := r.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, &engine.StoreUnavailableError{Op: "list alerts", Err: err}
	}
	defer rows.Close()
	results := []engine.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, alert)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (engine.Alert, error) {
	var alert engine.Alert
	var snapshot []byte
	if err := row.Scan(&alert.AlertID, &alert.RuleID, &alert.SystemID, &alert.MetricType,
		&alert.Status, &alert.Severity, &alert.TriggeringValue, &snapshot,
		&alert.CreatedAt, &alert.LastFiredAt,
		&alert.AcknowledgedAt, &alert.AcknowledgedBy, &alert.ResolvedAt, &alert.ResolutionNotes); err != nil {
		return engine.Alert{}, err
	}
	if len(snapshot) > 0 {
		var b baseline.Baseline
		if err := json.Unmarshal(snapshot, &b); err != nil {
			return engine.Alert{}, fmt.Errorf("unmarshal baseline snapshot: %w", err)
		}
		alert.Baseline = &b
	}
	return alert, nil
}

func marshalBaseline(b *baseline.Baseline) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal baseline snapshot: %w", err)
	}
	return data, nil
}

// RulesFor reads the alert rules for one metric stream. Rules are
// authored by an external rule surface; this engine only reads them.
func (r *Repository) RulesFor(ctx context.Context, key telemetry.Key) ([]rules.Rule, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT rule_id, rule_json FROM alert_rules
		WHERE system_id=$1 AND metric_type=$2 AND enabled = true
		ORDER BY rule_id`,
		key.SystemID, key.MetricType,
	)
	if err != nil {
		return nil, &engine.StoreUnavailableError{Op: "rules for key", Err: err}
	}
	defer rows.Close()
	results := []rules.Rule{}
	for rows.Next() {
		var id string
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var rule rules.Rule
		if err := json.Unmarshal(payload, &rule); err != nil {
			return nil, fmt.Errorf("rule %s: unmarshal: %w", id, err)
		}
		rule.RuleID = id
		rule.SystemID = key.SystemID
		rule.MetricType = key.MetricType
		results = append(results, rule)
	}
	return results, rows.Err()
}

func (r *Repository) BaselineConfig(ctx context.Context, key telemetry.Key) (baseline.Config, error) {
	row := r.Store.Pool.QueryRow(ctx, `
		SELECT calculation_method, window_seconds, min_data_points, outlier_threshold, update_seconds
		FROM baseline_configs WHERE system_id=$1 AND metric_type=$2`,
		key.SystemID, key.MetricType,
	)
	cfg, err := scanConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return baseline.Config{}, ErrNotFound
		}
		return baseline.Config{}, &engine.StoreUnavailableError{Op: "baseline config", Err: err}
	}
	return cfg, nil
}

// ListBaselineConfigs returns every configured metric stream, used to
// seed the refresh scheduler at startup.
func (r *Repository) ListBaselineConfigs(ctx context.Context) ([]KeyedConfig, error) {
	rows, err := r.Store.Pool.Query(ctx, `
		SELECT system_id, metric_type, calculation_method, window_seconds, min_data_points, outlier_threshold, update_seconds
		FROM baseline_configs ORDER BY system_id, metric_type`)
	if err != nil {
		return nil, &engine.StoreUnavailableError{Op: "list baseline configs", Err: err}
	}
	defer rows.Close()
	results := []KeyedConfig{}
	for rows.Next() {
		var kc KeyedConfig
		var windowSeconds, updateSeconds int64
		if err := rows.Scan(&kc.Key.SystemID, &kc.Key.MetricType, &kc.Config.Method,
			&windowSeconds, &kc.Config.MinDataPoints, &kc.Config.OutlierThreshold, &updateSeconds); err != nil {
			return nil, err
		}
		kc.Config.WindowSize = time.Duration(windowSeconds) * time.Second
		kc.Config.UpdateFrequency = time.Duration(updateSeconds) * time.Second
		results = append(results, kc)
	}
	return results, rows.Err()
}

func scanConfig(row rowScanner) (baseline.Config, error) {
	var cfg baseline.Config
	var windowSeconds, updateSeconds int64
	if err := row.Scan(&cfg.Method, &windowSeconds, &cfg.MinDataPoints, &cfg.OutlierThreshold, &updateSeconds); err != nil {
		return baseline.Config{}, err
	}
	cfg.WindowSize = time.Duration(windowSeconds) * time.Second
	cfg.UpdateFrequency = time.Duration(updateSeconds) * time.Second
	return cfg, nil
}
