package retryqueue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type queueMetrics struct {
	queued       metric.Int64UpDownCounter
	attempts     metric.Int64Counter
	rejected     metric.Int64Counter
	passDuration metric.Int64Histogram
}

func newQueueMetrics(logger pslog.Logger) *queueMetrics {
	meter := otel.Meter("pkt.systems/shardxa/retryqueue")
	m := &queueMetrics{}
	var err error

	m.queued, err = meter.Int64UpDownCounter(
		"shardxa.retry.queued",
		metric.WithDescription("Transactions waiting for a background commit retry"),
	)
	logMetricInitError(logger, "shardxa.retry.queued", err)

	m.attempts, err = meter.Int64Counter(
		"shardxa.retry.attempts",
		metric.WithDescription("Background commit retries dispatched"),
	)
	logMetricInitError(logger, "shardxa.retry.attempts", err)

	m.rejected, err = meter.Int64Counter(
		"shardxa.retry.rejected",
		metric.WithDescription("Background enqueues rejected because the queue was full"),
	)
	logMetricInitError(logger, "shardxa.retry.rejected", err)

	m.passDuration, err = meter.Int64Histogram(
		"shardxa.retry.pass.duration_ms",
		metric.WithDescription("Duration of one background retry pass"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "shardxa.retry.pass.duration_ms", err)

	return m
}

func (m *queueMetrics) recordQueued(ctx context.Context, delta int64) {
	if m == nil || m.queued == nil {
		return
	}
	m.queued.Add(metricContext(ctx), delta)
}

func (m *queueMetrics) recordAttempt(ctx context.Context) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.Add(metricContext(ctx), 1)
}

func (m *queueMetrics) recordRejected(ctx context.Context) {
	if m == nil || m.rejected == nil {
		return
	}
	m.rejected.Add(metricContext(ctx), 1)
}

func (m *queueMetrics) recordPass(ctx context.Context, _ int, d time.Duration) {
	if m == nil || m.passDuration == nil {
		return
	}
	m.passDuration.Record(metricContext(ctx), d.Milliseconds())
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
