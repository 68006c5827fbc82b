package notify

import (
	"context"
	"log/slog"

	"enviroguard-backend/internal/bus"
	"enviroguard-backend/internal/engine"
)

// BusNotifier publishes fired alerts on a NATS subject for downstream
// consumers (dashboards, paging bridges).
type BusNotifier struct {
	conn    *bus.Conn
	subject string
}

func NewBusNotifier(conn *bus.Conn, subject string) *BusNotifier {
	return &BusNotifier{conn: conn, subject: subject}
}

func (n *BusNotifier) Notify(_ context.Context, alert engine.Alert) error {
	return n.conn.Publish(n.subject, alert)
}

// LogNotifier writes alerts to the structured log. Used standalone in
// development and as the fallback when no broker is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n *LogNotifier) Notify(_ context.Context, alert engine.Alert) error {
	n.Logger.Warn("alert fired",
		slog.String("alert_id", alert.AlertID),
		slog.String("rule_id", alert.RuleID),
		slog.String("system_id", alert.SystemID),
		slog.String("metric_type", alert.MetricType),
		slog.String("severity", string(alert.Severity)),
		slog.Float64("triggering_value", alert.TriggeringValue),
	)
	return nil
}
