package xalog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
	"pkt.systems/shardxa/internal/xa"
)

type logMetrics struct {
	writeDuration metric.Int64Histogram
	writeFailed   metric.Int64Counter
	casConflicts  metric.Int64Counter
}

func newLogMetrics(logger pslog.Logger) *logMetrics {
	meter := otel.Meter("pkt.systems/shardxa/xalog")
	m := &logMetrics{}
	var err error

	m.writeDuration, err = meter.Int64Histogram(
		"shardxa.xalog.write.duration_ms",
		metric.WithDescription("Time spent persisting a recovery log record"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "shardxa.xalog.write.duration_ms", err)

	m.writeFailed, err = meter.Int64Counter(
		"shardxa.xalog.write.failed",
		metric.WithDescription("Recovery log writes that failed"),
	)
	logMetricInitError(logger, "shardxa.xalog.write.failed", err)

	m.casConflicts, err = meter.Int64Counter(
		"shardxa.xalog.write.cas_conflicts",
		metric.WithDescription("Recovery log writes that lost a CAS race and were reapplied"),
	)
	logMetricInitError(logger, "shardxa.xalog.write.cas_conflicts", err)

	return m
}

func (m *logMetrics) recordWrite(ctx context.Context, op string, state xa.TxState, duration time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := metric.WithAttributes(
		attribute.String("shardxa.xalog.op", op),
		attribute.String("shardxa.xa.state", stateLabel(state)),
	)
	if m.writeDuration != nil {
		m.writeDuration.Record(ctx, duration.Milliseconds(), attrs)
	}
	if err != nil && m.writeFailed != nil {
		m.writeFailed.Add(ctx, 1, attrs)
	}
}

func (m *logMetrics) recordConflict(ctx context.Context, op string) {
	if m == nil || m.casConflicts == nil {
		return
	}
	m.casConflicts.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("shardxa.xalog.op", op)))
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func stateLabel(state xa.TxState) string {
	if state == "" {
		return "unknown"
	}
	return string(state)
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
